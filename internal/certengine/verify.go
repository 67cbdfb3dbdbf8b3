package certengine

// VerifyCSR checks the self-signature of a CSR. When publicKeyPEM is empty
// the key embedded in the CSR is used. It returns false with a nil error
// when the CSR is well formed but the signature does not verify or its
// algorithm does not fit the key.
func VerifyCSR(csrPEM, publicKeyPEM string) (bool, error) {
	const op = "verify CSR"
	c, err := ParseCSR(csrPEM)
	if err != nil {
		return false, fail(ParseFailure, op, err)
	}
	key := c.PublicKey
	if publicKeyPEM != "" {
		if key, err = ParsePublicKeyPEM(publicKeyPEM); err != nil {
			return false, fail(KeyImportFailure, op, err)
		}
	}
	return c.CheckSignature(key), nil
}

// CheckSignature verifies the CSR's signature against key.
func (c *CSRInfo) CheckSignature(key *KeyPair) bool {
	return checkSigned(c.scheme, c.schemeErr, key, c.RawInfo, c.Signature)
}

// VerifyCertificate checks a certificate's signature against the issuer's
// public key. It returns false with a nil error when the certificate is well
// formed but was not signed by that key.
func VerifyCertificate(certPEM, publicKeyPEM string) (bool, error) {
	const op = "verify certificate"
	c, err := ParseCertificate(certPEM)
	if err != nil {
		return false, fail(ParseFailure, op, err)
	}
	key, err := ParsePublicKeyPEM(publicKeyPEM)
	if err != nil {
		return false, fail(KeyImportFailure, op, err)
	}
	return c.CheckSignatureFrom(key), nil
}

// CheckSignatureFrom verifies the certificate's signature against the
// issuer key.
func (c *CertificateInfo) CheckSignatureFrom(issuer *KeyPair) bool {
	return checkSigned(c.scheme, c.schemeErr, issuer, c.RawTBS, c.Signature)
}

func checkSigned(scheme signatureScheme, schemeErr error, key *KeyPair, body, sig []byte) bool {
	if schemeErr != nil || key == nil || !scheme.compatible(key.alg) {
		return false
	}
	return scheme.verify(key.public, body, sig)
}
