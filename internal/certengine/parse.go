package certengine

import (
	"bytes"
	"fmt"
	"math/big"
	"time"

	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"

	"edgeprov/internal/der"
)

// CertificateInfo is the decoded form of a certificate.
type CertificateInfo struct {
	Version            int
	SerialNumber       *big.Int
	SignatureAlgorithm string
	Issuer             Subject
	Subject            Subject
	NotBefore          time.Time
	NotAfter           time.Time
	PublicKey          *KeyPair
	Extensions         Extensions
	UnknownExtensions  []string // dotted OIDs

	Raw       []byte // complete DER
	RawTBS    []byte
	Signature []byte

	scheme    signatureScheme
	schemeErr error
}

// IsCA reports whether basicConstraints marks the certificate as a CA.
func (c *CertificateInfo) IsCA() bool {
	return c.Extensions.BasicConstraints != nil && c.Extensions.BasicConstraints.IsCA
}

// HasKeyUsage reports whether the keyUsage extension names usage.
func (c *CertificateInfo) HasKeyUsage(usage string) bool {
	if c.Extensions.KeyUsage == nil {
		return false
	}
	for _, u := range c.Extensions.KeyUsage.Usages {
		if u == usage {
			return true
		}
	}
	return false
}

// CSRInfo is the decoded form of a certificate signing request.
type CSRInfo struct {
	Subject             Subject
	PublicKey           *KeyPair
	SignatureAlgorithm  string
	RequestedExtensions Extensions

	Raw       []byte
	RawInfo   []byte
	Signature []byte

	scheme    signatureScheme
	schemeErr error
}

// ParseCertificate decodes a "CERTIFICATE" PEM.
func ParseCertificate(certPEM string) (*CertificateInfo, error) {
	raw, err := DecodePEM(certPEM, LabelCertificate)
	if err != nil {
		return nil, fail(ParseFailure, "parse certificate", err)
	}
	return parseCertificateDER(raw)
}

// parseCertificateDER walks Certificate ::= SEQUENCE { tbsCertificate,
// signatureAlgorithm, signatureValue }. An unsupported signature algorithm
// is not a parse failure; it is recorded so verification can report false.
func parseCertificateDER(raw []byte) (*CertificateInfo, error) {
	const op = "parse certificate"
	root, err := der.Parse(raw)
	if err != nil {
		return nil, fail(ParseFailure, op, err)
	}
	parts, err := splitSigned(root)
	if err != nil {
		return nil, fail(ParseFailure, op, err)
	}

	c := &CertificateInfo{
		Version:   1,
		Raw:       raw,
		RawTBS:    parts.body.Full,
		Signature: parts.sig,
		scheme:    parts.scheme,
		schemeErr: parts.schemeErr,
	}
	if parts.schemeErr == nil {
		c.SignatureAlgorithm = parts.scheme.name
	}

	fields := parts.body.Children
	if len(fields) > 0 && fields[0].Tag == der.ExplicitTag(0) {
		v, err := fields[0].Walk(0)
		if err != nil {
			return nil, fail(ParseFailure, op, err)
		}
		n, err := v.Int64()
		if err != nil {
			return nil, fail(ParseFailure, op, fmt.Errorf("version: %w", err))
		}
		c.Version = int(n) + 1
		fields = fields[1:]
	}
	if len(fields) < 6 {
		return nil, failf(ParseFailure, op, "tbsCertificate has %d fields", len(fields))
	}

	if c.SerialNumber, err = fields[0].BigInt(); err != nil {
		return nil, fail(ParseFailure, op, fmt.Errorf("serial: %w", err))
	}
	if !bytes.Equal(fields[1].Full, parts.algID) {
		return nil, failf(ParseFailure, op, "tbsCertificate signature algorithm differs from signatureAlgorithm")
	}
	issuer, err := decodeName(fields[2])
	if err != nil {
		return nil, fail(ParseFailure, op, fmt.Errorf("issuer: %w", err))
	}
	c.Issuer = issuer.Subject()

	period := fields[3]
	if err := period.Expect(cbasn1.SEQUENCE); err != nil || len(period.Children) != 2 {
		return nil, failf(ParseFailure, op, "malformed validity")
	}
	if c.NotBefore, err = period.Children[0].Time(); err != nil {
		return nil, fail(ParseFailure, op, fmt.Errorf("notBefore: %w", err))
	}
	if c.NotAfter, err = period.Children[1].Time(); err != nil {
		return nil, fail(ParseFailure, op, fmt.Errorf("notAfter: %w", err))
	}

	subject, err := decodeName(fields[4])
	if err != nil {
		return nil, fail(ParseFailure, op, fmt.Errorf("subject: %w", err))
	}
	c.Subject = subject.Subject()

	if c.PublicKey, err = parseSPKI(fields[5].Full); err != nil {
		return nil, fail(ParseFailure, op, err)
	}

	// issuerUniqueID [1] and subjectUniqueID [2] are skipped.
	for _, f := range fields[6:] {
		if f.Tag != der.ExplicitTag(3) {
			continue
		}
		seq, err := f.Child(0)
		if err != nil {
			return nil, fail(ParseFailure, op, err)
		}
		if c.Extensions, c.UnknownExtensions, err = parseExtensions(seq); err != nil {
			return nil, fail(ParseFailure, op, err)
		}
	}
	return c, nil
}

// ParseCSR decodes a "CERTIFICATE REQUEST" PEM.
func ParseCSR(csrPEM string) (*CSRInfo, error) {
	raw, err := DecodePEM(csrPEM, LabelCSR)
	if err != nil {
		return nil, fail(ParseFailure, "parse CSR", err)
	}
	return parseCSRDER(raw)
}

// parseCSRDER walks CertificationRequest ::= SEQUENCE {
// certificationRequestInfo, signatureAlgorithm, signature }. The subject
// sits at a fixed position in the info: after the version INTEGER.
func parseCSRDER(raw []byte) (*CSRInfo, error) {
	const op = "parse CSR"
	root, err := der.Parse(raw)
	if err != nil {
		return nil, fail(ParseFailure, op, err)
	}
	parts, err := splitSigned(root)
	if err != nil {
		return nil, fail(ParseFailure, op, err)
	}
	info := parts.body
	if len(info.Children) < 3 {
		return nil, failf(ParseFailure, op, "certificationRequestInfo has %d fields", len(info.Children))
	}
	if v, err := info.Children[0].Int64(); err != nil || v != 0 {
		return nil, failf(ParseFailure, op, "unsupported CSR version")
	}

	c := &CSRInfo{
		Raw:       raw,
		RawInfo:   info.Full,
		Signature: parts.sig,
		scheme:    parts.scheme,
		schemeErr: parts.schemeErr,
	}
	if parts.schemeErr == nil {
		c.SignatureAlgorithm = parts.scheme.name
	}

	subject, err := decodeName(info.Children[1])
	if err != nil {
		return nil, fail(ParseFailure, op, fmt.Errorf("subject: %w", err))
	}
	c.Subject = subject.Subject()

	if c.PublicKey, err = parseSPKI(info.Children[2].Full); err != nil {
		return nil, fail(ParseFailure, op, err)
	}

	if len(info.Children) > 3 {
		attrs := info.Children[3]
		if attrs.Tag != der.ExplicitTag(0) {
			return nil, failf(ParseFailure, op, "unexpected attributes tag 0x%02x", uint8(attrs.Tag))
		}
		if c.RequestedExtensions, err = requestedExtensions(attrs); err != nil {
			return nil, fail(ParseFailure, op, err)
		}
	}
	return c, nil
}

// requestedExtensions finds the extensionRequest attribute, if any.
func requestedExtensions(attrs *der.Node) (Extensions, error) {
	for _, attr := range attrs.Children {
		if len(attr.Children) != 2 {
			return Extensions{}, fmt.Errorf("malformed CSR attribute")
		}
		oid, err := attr.Children[0].OID()
		if err != nil {
			return Extensions{}, err
		}
		if !oid.Equal(oidExtensionRequest) {
			continue
		}
		values := attr.Children[1]
		if err := values.Expect(cbasn1.SET); err != nil || len(values.Children) != 1 {
			return Extensions{}, fmt.Errorf("malformed extensionRequest")
		}
		exts, _, err := parseExtensions(values.Children[0])
		return exts, err
	}
	return Extensions{}, nil
}

// signed is the common SEQUENCE { body, AlgorithmIdentifier, BIT STRING }
// shape shared by certificates and CSRs.
type signed struct {
	body      *der.Node
	algID     []byte
	scheme    signatureScheme
	schemeErr error
	sig       []byte
}

func splitSigned(root *der.Node) (signed, error) {
	var s signed
	if err := root.Expect(cbasn1.SEQUENCE); err != nil {
		return s, err
	}
	if len(root.Children) != 3 {
		return s, fmt.Errorf("signed structure has %d elements", len(root.Children))
	}
	s.body = root.Children[0]
	if err := s.body.Expect(cbasn1.SEQUENCE); err != nil {
		return s, err
	}
	algID := root.Children[1]
	if err := algID.Expect(cbasn1.SEQUENCE); err != nil || len(algID.Children) == 0 {
		return s, fmt.Errorf("malformed signatureAlgorithm")
	}
	s.algID = algID.Full
	oid, err := algID.Children[0].OID()
	if err != nil {
		return s, err
	}
	s.scheme, s.schemeErr = schemeForOID(oid)

	bs, err := root.Children[2].BitString()
	if err != nil {
		return s, err
	}
	if bs.BitLength%8 != 0 {
		return s, fmt.Errorf("signature is not a whole number of octets")
	}
	s.sig = bs.Bytes
	return s, nil
}

// --- Subject extraction ---

// ParseSubjectFromCSR returns the subject of a CSR.
func ParseSubjectFromCSR(csrPEM string) (Subject, error) {
	c, err := ParseCSR(csrPEM)
	if err != nil {
		return Subject{}, fail(ParseFailure, "parse CSR subject", err)
	}
	return c.Subject, nil
}

// LoadSubjectFromCertPEM returns the subject of a certificate.
func LoadSubjectFromCertPEM(certPEM string) (Subject, error) {
	c, err := ParseCertificate(certPEM)
	if err != nil {
		return Subject{}, fail(ParseFailure, "load certificate subject", err)
	}
	return c.Subject, nil
}

// LoadIssuerFromCertPEM returns the issuer of a certificate.
func LoadIssuerFromCertPEM(certPEM string) (Subject, error) {
	c, err := ParseCertificate(certPEM)
	if err != nil {
		return Subject{}, fail(ParseFailure, "load certificate issuer", err)
	}
	return c.Issuer, nil
}
