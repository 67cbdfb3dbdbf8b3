// Package version holds build information, set at build time.
// Build with: go build -ldflags "-X edgeprov/internal/version.Version=v1.0.0 -X edgeprov/internal/version.Commit=..."
package version

// Version is the application version. Defaults to "dev" when not set via ldflags.
var Version = "dev"

// Commit is the source revision the binary was built from. Optional.
var Commit = ""

// String renders the version line printed by "edgeprov version".
func String() string {
	if Commit == "" {
		return "edgeprov " + Version
	}
	return "edgeprov " + Version + " (" + Commit + ")"
}
