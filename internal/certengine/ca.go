package certengine

// Root and intermediate CAs sign with keyCertSign and cRLSign only. Leaf
// certificates carry the usages a device needs to act as both a TLS server
// and a TLS client.
var (
	rootCAKeyUsages = []string{"keyCertSign", "cRLSign"}
	leafKeyUsages   = []string{"digitalSignature", "keyEncipherment", "keyAgreement"}
	leafExtUsages   = []string{"serverAuth", "clientAuth"}
)

// daysPerYear converts CA validity in years into days.
const daysPerYear = 365

// LeafOptions tunes GenerateLeafCertificate.
type LeafOptions struct {
	// Algorithm for a generated subject key. Defaults to the issuer's.
	Algorithm Algorithm
	// SANs are added as a non-critical subjectAltName when non-empty.
	SANs []GeneralName
}

// RootExtensions are the extensions of a self-signed root: a critical CA
// basicConstraints allowing one intermediate level, and critical
// keyCertSign|cRLSign.
func RootExtensions() Extensions {
	return Extensions{
		BasicConstraints: &BasicConstraints{Critical: true, IsCA: true, PathLen: PathLen(1)},
		KeyUsage:         &KeyUsage{Critical: true, Usages: rootCAKeyUsages},
	}
}

// IntermediateExtensions are RootExtensions with pathLen 0.
func IntermediateExtensions() Extensions {
	return Extensions{
		BasicConstraints: &BasicConstraints{Critical: true, IsCA: true, PathLen: PathLen(0)},
		KeyUsage:         &KeyUsage{Critical: true, Usages: rootCAKeyUsages},
	}
}

// LeafExtensions are the extensions of an end-entity device certificate.
func LeafExtensions(sans ...GeneralName) Extensions {
	e := Extensions{
		BasicConstraints: &BasicConstraints{Critical: true, IsCA: false},
		KeyUsage:         &KeyUsage{Critical: true, Usages: leafKeyUsages},
		ExtendedKeyUsage: &ExtendedKeyUsage{Critical: true, Usages: leafExtUsages},
	}
	if len(sans) > 0 {
		e.SubjectAltName = &SubjectAltName{Names: sans}
	}
	return e
}

// GenerateRootCA creates a self-signed root certificate valid for
// validityYears years. When kp is nil a key of algorithm alg is generated.
// It returns the key pair used and the certificate PEM.
func GenerateRootCA(subject Name, validityYears int, kp *KeyPair, alg Algorithm) (*KeyPair, string, error) {
	const op = "generate root CA"
	kp, err := ensureKeyPair(op, kp, alg)
	if err != nil {
		return nil, "", err
	}
	if validityYears <= 0 {
		return nil, "", failf(EncodingFailure, op, "validity must be at least one year, got %d", validityYears)
	}

	certPEM, err := BuildCertificate(CertificateParams{
		SubjectKey:   kp,
		IssuerKey:    kp,
		Subject:      subject,
		Issuer:       subject,
		ValidityDays: validityYears * daysPerYear,
		Extensions:   RootExtensions(),
	})
	if err != nil {
		return nil, "", fail(EncodingFailure, op, err)
	}
	return kp, certPEM, nil
}

// GenerateIntermediateCA issues a CA certificate below issuerCertPEM that
// may only sign end-entity certificates.
func GenerateIntermediateCA(subject Name, validityDays int, issuerKP *KeyPair, issuerCertPEM string, subjectKP *KeyPair) (*KeyPair, string, error) {
	return issueUnder("generate intermediate CA", subject, validityDays, issuerKP, issuerCertPEM, subjectKP, "", IntermediateExtensions())
}

// GenerateLeafCertificate issues an end-entity certificate for subject
// signed by issuerKP. The issuer name is read from issuerCertPEM. When
// subjectKP is nil a key is generated; a public-only subjectKP is accepted.
func GenerateLeafCertificate(subject Name, validityDays int, issuerKP *KeyPair, issuerCertPEM string, subjectKP *KeyPair, opts LeafOptions) (*KeyPair, string, error) {
	return issueUnder("generate leaf certificate", subject, validityDays, issuerKP, issuerCertPEM, subjectKP, opts.Algorithm, LeafExtensions(opts.SANs...))
}

func issueUnder(op string, subject Name, validityDays int, issuerKP *KeyPair, issuerCertPEM string, subjectKP *KeyPair, alg Algorithm, exts Extensions) (*KeyPair, string, error) {
	if !issuerKP.CanSign() {
		return nil, "", failf(KeyImportFailure, op, "issuer key has no private key")
	}
	issuer, err := ParseCertificate(issuerCertPEM)
	if err != nil {
		return nil, "", fail(ParseFailure, op, err)
	}
	if !issuer.PublicKey.SamePublicKey(issuerKP) {
		return nil, "", failf(KeyImportFailure, op, "issuer key does not match issuer certificate")
	}
	if alg == "" {
		alg = issuerKP.alg
	}
	if subjectKP == nil {
		if subjectKP, err = GenerateKeyPair(alg); err != nil {
			return nil, "", fail(KeyGenerationFailure, op, err)
		}
	}

	certPEM, err := BuildCertificate(CertificateParams{
		SubjectKey:   subjectKP,
		IssuerKey:    issuerKP,
		Subject:      subject,
		Issuer:       issuer.Subject.Name,
		ValidityDays: validityDays,
		Extensions:   exts,
	})
	if err != nil {
		return nil, "", fail(EncodingFailure, op, err)
	}
	return subjectKP, certPEM, nil
}

// SignCSR issues a certificate for the subject and public key of a CSR.
// The CSR's self-signature must verify. Extensions requested in the CSR
// are not copied; the caller supplies the extensions to issue with and can
// inspect the request through ParseCSR.
func SignCSR(csrPEM string, issuerKP *KeyPair, issuerSubject Name, validityDays int, exts Extensions) (string, error) {
	const op = "sign CSR"
	csr, err := ParseCSR(csrPEM)
	if err != nil {
		return "", fail(ParseFailure, op, err)
	}
	if !csr.CheckSignature(csr.PublicKey) {
		return "", failf(VerificationFailure, op, "CSR signature does not verify")
	}

	certPEM, err := BuildCertificate(CertificateParams{
		SubjectKey:   csr.PublicKey,
		IssuerKey:    issuerKP,
		Subject:      csr.Subject.Name,
		Issuer:       issuerSubject,
		ValidityDays: validityDays,
		Extensions:   exts,
	})
	if err != nil {
		return "", fail(EncodingFailure, op, err)
	}
	return certPEM, nil
}

// ensureKeyPair returns kp, or a freshly generated key when kp is nil.
func ensureKeyPair(op string, kp *KeyPair, alg Algorithm) (*KeyPair, error) {
	if kp != nil {
		if !kp.CanSign() {
			return nil, failf(KeyImportFailure, op, "key pair has no private key")
		}
		return kp, nil
	}
	kp, err := GenerateKeyPair(alg)
	if err != nil {
		return nil, fail(KeyGenerationFailure, op, err)
	}
	return kp, nil
}
