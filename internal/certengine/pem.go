package certengine

import (
	"encoding/pem"
	"strings"
)

// PEM labels for the artifacts the engine produces.
const (
	LabelCertificate = "CERTIFICATE"
	LabelCSR         = "CERTIFICATE REQUEST"
)

// EncodePEM wraps der in a PEM envelope with the given label. Lines are
// wrapped at 64 characters and the result ends with a newline.
func EncodePEM(der []byte, label string) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: label, Bytes: der}))
}

// DecodePEM returns the DER body of the first PEM block in data, which
// must carry the given label. Text before the block is ignored.
func DecodePEM(data, label string) ([]byte, error) {
	const op = "decode PEM"
	block, _ := pem.Decode([]byte(strings.TrimSpace(data)))
	if block == nil {
		return nil, failf(ParseFailure, op, "no PEM block found")
	}
	if block.Type != label {
		return nil, failf(ParseFailure, op, "expected %q block, got %q", label, block.Type)
	}
	return block.Bytes, nil
}
