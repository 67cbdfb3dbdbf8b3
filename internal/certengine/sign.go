package certengine

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"encoding/asn1"
	"errors"
	"fmt"
	"io"

	_ "crypto/sha256"
	_ "crypto/sha512"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

var (
	oidSignatureEd25519         = asn1.ObjectIdentifier{1, 3, 101, 112}
	oidSignatureECDSAWithSHA256 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 2}
	oidSignatureECDSAWithSHA384 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 3}
	oidSignatureECDSAWithSHA512 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 4}
)

// signatureScheme describes one supported signatureAlgorithm. Both
// families encode their AlgorithmIdentifier without parameters.
type signatureScheme struct {
	name  string
	oid   asn1.ObjectIdentifier
	ecdsa bool
	hash  crypto.Hash
}

var signatureSchemes = []signatureScheme{
	{"Ed25519", oidSignatureEd25519, false, crypto.Hash(0)},
	{"ECDSA-SHA256", oidSignatureECDSAWithSHA256, true, crypto.SHA256},
	{"ECDSA-SHA384", oidSignatureECDSAWithSHA384, true, crypto.SHA384},
	{"ECDSA-SHA512", oidSignatureECDSAWithSHA512, true, crypto.SHA512},
}

var errUnknownSignatureAlgorithm = errors.New("unsupported signature algorithm")

// schemeForKey picks the scheme a key signs with: pure Ed25519, or ECDSA
// with the hash sized to the curve.
func schemeForKey(alg Algorithm) (signatureScheme, error) {
	switch alg {
	case Ed25519:
		return signatureSchemes[0], nil
	case ECDSAP256:
		return signatureSchemes[1], nil
	case ECDSAP384:
		return signatureSchemes[2], nil
	case ECDSAP521:
		return signatureSchemes[3], nil
	}
	return signatureScheme{}, fmt.Errorf("%w for key %q", errUnknownSignatureAlgorithm, alg)
}

func schemeForOID(oid asn1.ObjectIdentifier) (signatureScheme, error) {
	for _, s := range signatureSchemes {
		if s.oid.Equal(oid) {
			return s, nil
		}
	}
	return signatureScheme{}, fmt.Errorf("%w %s", errUnknownSignatureAlgorithm, oid)
}

// compatible reports whether a key of family alg can have produced a
// signature under s.
func (s signatureScheme) compatible(alg Algorithm) bool {
	if s.ecdsa {
		return alg.IsECDSA()
	}
	return alg == Ed25519
}

// addAlgorithmIdentifier appends AlgorithmIdentifier ::= SEQUENCE { oid }.
func (s signatureScheme) addAlgorithmIdentifier(b *cryptobyte.Builder) {
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1ObjectIdentifier(s.oid)
	})
}

func (s signatureScheme) digest(msg []byte) []byte {
	if s.hash == 0 {
		return msg
	}
	h := s.hash.New()
	h.Write(msg)
	return h.Sum(nil)
}

// sign signs msg with key and checks the result against the key's public
// half before returning it, so a misbehaving signer never yields an
// artifact.
func sign(key *KeyPair, msg []byte, rand io.Reader) (signatureScheme, []byte, error) {
	if !key.CanSign() {
		return signatureScheme{}, nil, errors.New("signing key has no private key")
	}
	scheme, err := schemeForKey(key.alg)
	if err != nil {
		return signatureScheme{}, nil, err
	}
	sig, err := key.signer.Sign(rand, scheme.digest(msg), scheme.hash)
	if err != nil {
		return signatureScheme{}, nil, err
	}
	if !scheme.verify(key.public, msg, sig) {
		return signatureScheme{}, nil, errors.New("signature returned by signer is invalid")
	}
	return scheme, sig, nil
}

// verify checks sig over msg. ECDSA signatures are ASN.1 Ecdsa-Sig-Value.
func (s signatureScheme) verify(pub crypto.PublicKey, msg, sig []byte) bool {
	switch k := pub.(type) {
	case ed25519.PublicKey:
		return !s.ecdsa && ed25519.Verify(k, msg, sig)
	case *ecdsa.PublicKey:
		return s.ecdsa && ecdsa.VerifyASN1(k, s.digest(msg), sig)
	}
	return false
}
