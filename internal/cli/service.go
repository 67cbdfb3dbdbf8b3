package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"edgeprov/internal/auth"
	"edgeprov/internal/certengine"
	"edgeprov/internal/server"
)

func (a *app) engine() (*certengine.Engine, error) {
	return certengine.New(a.cfg.StateDir, a.cfg.Domains)
}

func (a *app) serveCmd() *cobra.Command {
	var bootstrap bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the provisioning service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			srv, err := server.New(a.cfg, a.logger)
			if err != nil {
				return err
			}
			if bootstrap {
				results, err := srv.Engine().BootstrapAll()
				if err != nil {
					return err
				}
				for _, r := range results {
					if len(r.Created) > 0 {
						a.logger.Info("bootstrapped domain", "domain", r.Domain, "created", r.Created)
					}
				}
			}
			return srv.Run(cmd.Context())
		},
	}
	cmd.Flags().BoolVar(&bootstrap, "bootstrap", false, "bootstrap every domain before serving")
	return cmd
}

func (a *app) bootstrapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bootstrap [domain...]",
		Short: "Create the missing keys and certificates of each domain",
		Long: `Bootstrap creates whatever a domain is missing. A CA domain gets a root CA
plus a server and a client certificate; a CSR domain gets a client key and
a certificate signing request. Existing material is never replaced.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := a.engine()
			if err != nil {
				return err
			}
			domains := args
			if len(domains) == 0 {
				domains = engine.Domains()
			}
			out := cmd.OutOrStdout()
			for _, d := range domains {
				r, err := engine.Bootstrap(d)
				if err != nil {
					return err
				}
				created := "nothing to do"
				if len(r.Created) > 0 {
					created = "created " + strings.Join(r.Created, ", ")
				}
				fmt.Fprintf(out, "%s (%s): %s, %s\n", r.Domain, r.Mode, r.State, created)
			}
			return nil
		},
	}
}

func (a *app) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the state of every domain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := a.engine()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, d := range engine.Domains() {
				p, _ := engine.Profile(d)
				state, err := engine.State(d)
				if err != nil {
					return err
				}
				line := fmt.Sprintf("%-10s %-4s %-14s %s", d, p.Mode, state, p.Algorithm)
				if p.Mode == certengine.ModeCA {
					ids, err := engine.ListIssued(d)
					if err != nil {
						return err
					}
					line += fmt.Sprintf("  issued=%d", len(ids))
				}
				fmt.Fprintln(out, line)
			}
			return nil
		},
	}
}

func (a *app) installCertCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install-cert <domain> <cert.pem>",
		Short: "Install the certificate an external CA issued for a CSR domain",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := a.engine()
			if err != nil {
				return err
			}
			certPEM, err := readInput(cmd, args[1])
			if err != nil {
				return err
			}
			if err := engine.InstallClientCert(args[0], certPEM); err != nil {
				return err
			}
			state, _ := engine.State(args[0])
			fmt.Fprintf(cmd.OutOrStdout(), "%s: client certificate installed, %s\n", args[0], state)
			return nil
		},
	}
}

func (a *app) authCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage provisioner accounts for the API",
	}

	open := func() (*auth.Store, error) {
		return auth.NewStore(a.cfg.AuthFile())
	}

	var passwordStdin bool
	setUser := &cobra.Command{
		Use:   "set-user <username>",
		Short: "Add a provisioner or change its password",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := open()
			if err != nil {
				return err
			}
			password, err := readPassword(cmd, passwordStdin)
			if err != nil {
				return err
			}
			if err := store.SetUser(args[0], password); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "user %s saved to %s\n", args[0], store.Path())
			return nil
		},
	}
	setUser.Flags().BoolVar(&passwordStdin, "password-stdin", false, "read the password from stdin")

	removeUser := &cobra.Command{
		Use:   "remove-user <username>",
		Short: "Remove a provisioner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := open()
			if err != nil {
				return err
			}
			removed, err := store.RemoveUser(args[0])
			if err != nil {
				return err
			}
			if !removed {
				return fmt.Errorf("no such user %q", args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "user %s removed\n", args[0])
			return nil
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List provisioners",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := open()
			if err != nil {
				return err
			}
			for _, u := range store.Users() {
				fmt.Fprintln(cmd.OutOrStdout(), u)
			}
			return nil
		},
	}

	cmd.AddCommand(setUser, removeUser, list)
	return cmd
}

// readPassword reads a password from stdin, or prompts on the terminal.
func readPassword(cmd *cobra.Command, fromStdin bool) (string, error) {
	if !fromStdin {
		fd := int(os.Stdin.Fd())
		if !term.IsTerminal(fd) {
			return "", errors.New("stdin is not a terminal; use --password-stdin")
		}
		fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
	b, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(b), "\r\n"), nil
}
