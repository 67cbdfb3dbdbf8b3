package cli

import (
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"software.sslmate.com/src/go-pkcs12"

	"edgeprov/internal/certengine"
)

// keyFlags are shared by commands that either load a private key or
// generate one.
type keyFlags struct {
	keyIn  string
	keyOut string
	alg    string
}

func (k *keyFlags) register(cmd *cobra.Command, what string) {
	cmd.Flags().StringVar(&k.keyIn, "key", "", "existing "+what+" private key (PEM); generated when empty")
	cmd.Flags().StringVar(&k.keyOut, "key-out", "", "where to write a generated private key")
	cmd.Flags().StringVar(&k.alg, "alg", string(certengine.DefaultAlgorithm), "key algorithm: ed25519|p256|p384|p521")
}

// keyPair loads --key, or generates a key and writes it to --key-out.
func (k *keyFlags) keyPair(cmd *cobra.Command) (*certengine.KeyPair, error) {
	if k.keyIn != "" {
		return loadPrivateKey(k.keyIn)
	}
	if k.keyOut == "" {
		return nil, errors.New("either --key or --key-out is required")
	}
	alg, err := certengine.ParseAlgorithm(k.alg)
	if err != nil {
		return nil, err
	}
	kp, err := certengine.GenerateKeyPair(alg)
	if err != nil {
		return nil, err
	}
	keyPEM, err := kp.PrivateKeyPEM()
	if err != nil {
		return nil, err
	}
	if err := writeOutput(cmd, k.keyOut, []byte(keyPEM), 0o600); err != nil {
		return nil, fmt.Errorf("write key: %w", err)
	}
	return kp, nil
}

// issuerFlags name the CA key and certificate that sign.
type issuerFlags struct {
	caKey  string
	caCert string
}

func (f *issuerFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.caKey, "ca-key", "", "issuer private key (PEM)")
	cmd.Flags().StringVar(&f.caCert, "ca-cert", "", "issuer certificate (PEM)")
	cmd.MarkFlagRequired("ca-key")
	cmd.MarkFlagRequired("ca-cert")
}

func (f *issuerFlags) load() (*certengine.KeyPair, string, error) {
	kp, err := loadPrivateKey(f.caKey)
	if err != nil {
		return nil, "", err
	}
	certPEM, err := os.ReadFile(f.caCert)
	if err != nil {
		return nil, "", err
	}
	return kp, string(certPEM), nil
}

func rootCmd() *cobra.Command {
	var (
		keys    keyFlags
		subject string
		years   int
		out     string
	)
	cmd := &cobra.Command{
		Use:   "root",
		Short: "Create a self-signed root CA certificate",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := parseSubject(subject)
			if err != nil {
				return err
			}
			kp, err := keys.keyPair(cmd)
			if err != nil {
				return err
			}
			_, certPEM, err := certengine.GenerateRootCA(name, years, kp, kp.Algorithm())
			if err != nil {
				return err
			}
			return writeOutput(cmd, out, []byte(certPEM), 0o644)
		},
	}
	keys.register(cmd, "CA")
	cmd.Flags().StringVar(&subject, "subject", "", `subject, e.g. "CN=Factory Root,O=Acme,C=NO"`)
	cmd.Flags().IntVar(&years, "years", certengine.DefaultRootValidityYears, "validity in years")
	cmd.Flags().StringVarP(&out, "out", "o", "", "certificate output file (default stdout)")
	cmd.MarkFlagRequired("subject")
	return cmd
}

func leafCmd() *cobra.Command {
	var (
		keys    keyFlags
		issuer  issuerFlags
		pub     string
		subject string
		days    int
		sans    []string
		out     string
	)
	cmd := &cobra.Command{
		Use:   "leaf",
		Short: "Issue a device certificate signed by a CA",
		Long: `Leaf issues an end-entity certificate usable for both TLS server and client
authentication. The subject key is loaded with --key, taken from a public
key with --pub, or generated and written to --key-out.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := parseSubject(subject)
			if err != nil {
				return err
			}
			gns, err := parseSANs(sans)
			if err != nil {
				return err
			}
			caKP, caPEM, err := issuer.load()
			if err != nil {
				return err
			}

			var subjectKP *certengine.KeyPair
			if pub != "" {
				b, err := os.ReadFile(pub)
				if err != nil {
					return err
				}
				if subjectKP, err = certengine.ParsePublicKeyPEM(string(b)); err != nil {
					return err
				}
			} else if subjectKP, err = keys.keyPair(cmd); err != nil {
				return err
			}

			_, certPEM, err := certengine.GenerateLeafCertificate(name, days, caKP, caPEM, subjectKP,
				certengine.LeafOptions{SANs: gns})
			if err != nil {
				return err
			}
			return writeOutput(cmd, out, []byte(certPEM), 0o644)
		},
	}
	keys.register(cmd, "subject")
	issuer.register(cmd)
	cmd.Flags().StringVar(&pub, "pub", "", "subject public key (PEM) instead of a private key")
	cmd.Flags().StringVar(&subject, "subject", "", `subject, e.g. "CN=device-0001,O=Acme"`)
	cmd.Flags().IntVar(&days, "days", certengine.DefaultIssueValidityDays, "validity in days")
	cmd.Flags().StringSliceVar(&sans, "san", nil, "subject alternative name: dns:NAME, ip:ADDR or email:ADDR")
	cmd.Flags().StringVarP(&out, "out", "o", "", "certificate output file (default stdout)")
	cmd.MarkFlagRequired("subject")
	return cmd
}

func csrCmd() *cobra.Command {
	var (
		keys    keyFlags
		subject string
		sans    []string
		out     string
	)
	cmd := &cobra.Command{
		Use:   "csr",
		Short: "Create a PKCS#10 certificate signing request",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := parseSubject(subject)
			if err != nil {
				return err
			}
			gns, err := parseSANs(sans)
			if err != nil {
				return err
			}
			kp, err := keys.keyPair(cmd)
			if err != nil {
				return err
			}
			var exts certengine.Extensions
			if len(gns) > 0 {
				exts.SubjectAltName = &certengine.SubjectAltName{Names: gns}
			}
			csrPEM, err := certengine.BuildCSR(certengine.CSRParams{
				SubjectKey: kp,
				Subject:    name,
				Extensions: exts,
			})
			if err != nil {
				return err
			}
			return writeOutput(cmd, out, []byte(csrPEM), 0o644)
		},
	}
	keys.register(cmd, "subject")
	cmd.Flags().StringVar(&subject, "subject", "", `subject, e.g. "CN=device-0001"`)
	cmd.Flags().StringSliceVar(&sans, "san", nil, "requested subject alternative name: dns:NAME, ip:ADDR or email:ADDR")
	cmd.Flags().StringVarP(&out, "out", "o", "", "CSR output file (default stdout)")
	cmd.MarkFlagRequired("subject")
	return cmd
}

func signCSRCmd() *cobra.Command {
	var (
		issuer issuerFlags
		days   int
		sans   []string
		out    string
	)
	cmd := &cobra.Command{
		Use:   "sign-csr <request.csr>",
		Short: "Issue a device certificate from a CSR",
		Long: `Sign-csr verifies the CSR self-signature and issues a leaf certificate for
its subject and key. Extensions requested in the CSR are ignored; pass
--san to add subject alternative names.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			csrPEM, err := readInput(cmd, args[0])
			if err != nil {
				return err
			}
			gns, err := parseSANs(sans)
			if err != nil {
				return err
			}
			caKP, caPEM, err := issuer.load()
			if err != nil {
				return err
			}
			ca, err := certengine.ParseCertificate(caPEM)
			if err != nil {
				return err
			}
			certPEM, err := certengine.SignCSR(csrPEM, caKP, ca.Subject.Name, days, certengine.LeafExtensions(gns...))
			if err != nil {
				return err
			}
			return writeOutput(cmd, out, []byte(certPEM), 0o644)
		},
	}
	issuer.register(cmd)
	cmd.Flags().IntVar(&days, "days", certengine.DefaultIssueValidityDays, "validity in days")
	cmd.Flags().StringSliceVar(&sans, "san", nil, "subject alternative name: dns:NAME, ip:ADDR or email:ADDR")
	cmd.Flags().StringVarP(&out, "out", "o", "", "certificate output file (default stdout)")
	return cmd
}

func verifyCmd() *cobra.Command {
	var pubPath, caPath string
	cmd := &cobra.Command{
		Use:   "verify <file.pem>",
		Short: "Verify the signature of a certificate or CSR",
		Long: `Verify checks a certificate against the issuer key given with --pub or
--ca-cert. A CSR is checked against its own key unless --pub is given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(cmd, args[0])
			if err != nil {
				return err
			}
			pubPEM, err := verifierKey(pubPath, caPath)
			if err != nil {
				return err
			}

			var ok bool
			switch pemLabel(data) {
			case certengine.LabelCSR:
				ok, err = certengine.VerifyCSR(data, pubPEM)
			case certengine.LabelCertificate:
				if pubPEM == "" {
					return errors.New("--pub or --ca-cert is required to verify a certificate")
				}
				ok, err = certengine.VerifyCertificate(data, pubPEM)
			default:
				return fmt.Errorf("%s: not a certificate or CSR", args[0])
			}
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%s: signature verification failed", args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: OK\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&pubPath, "pub", "", "verifying public key (PEM)")
	cmd.Flags().StringVar(&caPath, "ca-cert", "", "issuer certificate (PEM) whose key verifies")
	cmd.MarkFlagsMutuallyExclusive("pub", "ca-cert")
	return cmd
}

func verifierKey(pubPath, caPath string) (string, error) {
	switch {
	case pubPath != "":
		b, err := os.ReadFile(pubPath)
		return string(b), err
	case caPath != "":
		b, err := os.ReadFile(caPath)
		if err != nil {
			return "", err
		}
		ca, err := certengine.ParseCertificate(string(b))
		if err != nil {
			return "", err
		}
		return ca.PublicKey.PublicKeyPEM()
	}
	return "", nil
}

// inspectOutput is the JSON printed by "edgeprov inspect".
type inspectOutput struct {
	Type               string                `json:"type"`
	Subject            certengine.Subject    `json:"subject"`
	Issuer             *certengine.Subject   `json:"issuer,omitempty"`
	Serial             string                `json:"serial,omitempty"`
	NotBefore          string                `json:"not_before,omitempty"`
	NotAfter           string                `json:"not_after,omitempty"`
	KeyAlgorithm       string                `json:"key_algorithm"`
	SignatureAlgorithm string                `json:"signature_algorithm"`
	Extensions         certengine.Extensions `json:"extensions"`
	UnknownExtensions  []string              `json:"unknown_extensions,omitempty"`
	SelfSigned         *bool                 `json:"self_signed,omitempty"`
}

func inspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <file.pem>",
		Short: "Print the decoded contents of a certificate or CSR as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(cmd, args[0])
			if err != nil {
				return err
			}

			var out inspectOutput
			switch pemLabel(data) {
			case certengine.LabelCSR:
				csr, err := certengine.ParseCSR(data)
				if err != nil {
					return err
				}
				out = inspectOutput{
					Type:               "csr",
					Subject:            csr.Subject,
					KeyAlgorithm:       string(csr.PublicKey.Algorithm()),
					SignatureAlgorithm: csr.SignatureAlgorithm,
					Extensions:         csr.RequestedExtensions,
				}
			case certengine.LabelCertificate:
				cert, err := certengine.ParseCertificate(data)
				if err != nil {
					return err
				}
				selfSigned := cert.CheckSignatureFrom(cert.PublicKey)
				out = inspectOutput{
					Type:               "certificate",
					Subject:            cert.Subject,
					Issuer:             &cert.Issuer,
					Serial:             fmt.Sprintf("%X", cert.SerialNumber),
					NotBefore:          cert.NotBefore.UTC().Format(time.RFC3339),
					NotAfter:           cert.NotAfter.UTC().Format(time.RFC3339),
					KeyAlgorithm:       string(cert.PublicKey.Algorithm()),
					SignatureAlgorithm: cert.SignatureAlgorithm,
					Extensions:         cert.Extensions,
					UnknownExtensions:  cert.UnknownExtensions,
					SelfSigned:         &selfSigned,
				}
			default:
				return fmt.Errorf("%s: not a certificate or CSR", args[0])
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
}

func exportP12Cmd() *cobra.Command {
	var (
		keyPath  string
		certPath string
		caPaths  []string
		password string
		out      string
	)
	cmd := &cobra.Command{
		Use:   "export-p12",
		Short: "Bundle a device key, certificate and CA chain as PKCS#12",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			kp, err := loadPrivateKey(keyPath)
			if err != nil {
				return err
			}
			cert, err := loadX509(certPath)
			if err != nil {
				return err
			}
			var chain []*x509.Certificate
			for _, p := range caPaths {
				ca, err := loadX509(p)
				if err != nil {
					return err
				}
				chain = append(chain, ca)
			}
			certKey, err := certengine.PublicKeyPair(cert.PublicKey)
			if err != nil {
				return err
			}
			if !certKey.SamePublicKey(kp) {
				return errors.New("private key does not match the certificate")
			}

			pfx, err := pkcs12.Modern.Encode(kp.Signer(), cert, chain, password)
			if err != nil {
				return fmt.Errorf("encode PKCS#12: %w", err)
			}
			return writeOutput(cmd, out, pfx, 0o600)
		},
	}
	cmd.Flags().StringVar(&keyPath, "key", "", "device private key (PEM)")
	cmd.Flags().StringVar(&certPath, "cert", "", "device certificate (PEM)")
	cmd.Flags().StringSliceVar(&caPaths, "ca-cert", nil, "CA certificates to include (PEM)")
	cmd.Flags().StringVar(&password, "password", envOr("EDGEPROV_P12_PASSWORD", ""), "bundle password (env EDGEPROV_P12_PASSWORD)")
	cmd.Flags().StringVarP(&out, "out", "o", "", "PKCS#12 output file")
	cmd.MarkFlagRequired("key")
	cmd.MarkFlagRequired("cert")
	cmd.MarkFlagRequired("out")
	return cmd
}

// --- Helpers ---

func loadPrivateKey(path string) (*certengine.KeyPair, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return certengine.ParsePrivateKeyPEM(string(b))
}

func loadX509(path string) (*x509.Certificate, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	der, err := certengine.DecodePEM(string(b), certengine.LabelCertificate)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return x509.ParseCertificate(der)
}

func pemLabel(data string) string {
	switch {
	case strings.Contains(data, "-----BEGIN "+certengine.LabelCSR+"-----"):
		return certengine.LabelCSR
	case strings.Contains(data, "-----BEGIN "+certengine.LabelCertificate+"-----"):
		return certengine.LabelCertificate
	}
	return ""
}

// parseSubject parses "CN=x,O=y" into a Name. A backslash escapes a comma.
func parseSubject(s string) (certengine.Name, error) {
	m := map[string]string{}
	for _, part := range splitEscaped(s, ',') {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		typ, val, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("subject: %q is not TYPE=value", part)
		}
		typ = strings.ToUpper(strings.TrimSpace(typ))
		if _, dup := m[typ]; dup {
			return nil, fmt.Errorf("subject: %s given twice", typ)
		}
		m[typ] = strings.TrimSpace(val)
	}
	if len(m) == 0 {
		return nil, errors.New("subject must not be empty")
	}
	return certengine.NameFromMap(m), nil
}

func splitEscaped(s string, sep byte) []string {
	var parts []string
	var cur strings.Builder
	for i := 0; i < len(s); i++ {
		switch {
		case s[i] == '\\' && i+1 < len(s):
			i++
			cur.WriteByte(s[i])
		case s[i] == sep:
			parts = append(parts, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(s[i])
		}
	}
	return append(parts, cur.String())
}

// parseSANs parses "dns:x", "ip:y" and "email:z" entries. A bare value is
// an IP address when it parses as one, a DNS name otherwise.
func parseSANs(in []string) ([]certengine.GeneralName, error) {
	var out []certengine.GeneralName
	for _, s := range in {
		typ, val, _ := strings.Cut(s, ":")
		switch typ = strings.ToLower(typ); typ {
		case "dns", "ip", "email":
		default:
			if _, err := netip.ParseAddr(s); err == nil {
				typ, val = "ip", s
			} else {
				typ, val = "dns", s
			}
		}
		out = append(out, certengine.GeneralName{Type: typ, Value: val})
	}
	if len(out) > 0 {
		if err := (certengine.Extensions{SubjectAltName: &certengine.SubjectAltName{Names: out}}).Validate(); err != nil {
			return nil, err
		}
	}
	return out, nil
}
