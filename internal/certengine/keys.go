package certengine

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/asn1"
	"encoding/pem"
	"fmt"
	"strings"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"

	"edgeprov/internal/der"
)

// Algorithm names a key family and, for ECDSA, its curve.
type Algorithm string

const (
	Ed25519   Algorithm = "ed25519"
	ECDSAP256 Algorithm = "ecdsa-p256"
	ECDSAP384 Algorithm = "ecdsa-p384"
	ECDSAP521 Algorithm = "ecdsa-p521"
)

// DefaultAlgorithm is used when a caller does not pick one.
const DefaultAlgorithm = Ed25519

// PEM labels for key material.
const (
	labelPrivateKey   = "PRIVATE KEY"
	labelECPrivateKey = "EC PRIVATE KEY"
	labelPublicKey    = "PUBLIC KEY"
)

var (
	oidPublicKeyEd25519 = asn1.ObjectIdentifier{1, 3, 101, 112}
	oidPublicKeyECDSA   = asn1.ObjectIdentifier{1, 2, 840, 10045, 2, 1}

	oidNamedCurveP256 = asn1.ObjectIdentifier{1, 2, 840, 10045, 3, 1, 7}
	oidNamedCurveP384 = asn1.ObjectIdentifier{1, 3, 132, 0, 34}
	oidNamedCurveP521 = asn1.ObjectIdentifier{1, 3, 132, 0, 35}
)

// ParseAlgorithm accepts the spellings used in configuration files and on
// the command line ("ed25519", "p256", "ecdsa-p384", "P-521", ...).
func ParseAlgorithm(s string) (Algorithm, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "ed25519":
		return Ed25519, nil
	case "p256", "p-256", "ecdsa-p256", "ecdsa":
		return ECDSAP256, nil
	case "p384", "p-384", "ecdsa-p384":
		return ECDSAP384, nil
	case "p521", "p-521", "ecdsa-p521":
		return ECDSAP521, nil
	default:
		return "", fmt.Errorf("unknown key algorithm %q", s)
	}
}

func (a Algorithm) curve() elliptic.Curve {
	switch a {
	case ECDSAP256:
		return elliptic.P256()
	case ECDSAP384:
		return elliptic.P384()
	case ECDSAP521:
		return elliptic.P521()
	}
	return nil
}

// IsECDSA reports whether a is one of the ECDSA variants.
func (a Algorithm) IsECDSA() bool { return a.curve() != nil }

// KeyPair is an algorithm-tagged key. It is immutable once created. A
// public-only KeyPair (no signer) stands for a key seen in a CSR or
// certificate and cannot sign.
type KeyPair struct {
	alg    Algorithm
	signer crypto.Signer
	public crypto.PublicKey
}

// GenerateKeyPair creates a fresh key of the given algorithm.
func GenerateKeyPair(alg Algorithm) (*KeyPair, error) {
	const op = "generate key pair"
	if alg == "" {
		alg = DefaultAlgorithm
	}
	switch {
	case alg == Ed25519:
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fail(KeyGenerationFailure, op, err)
		}
		return &KeyPair{alg: alg, signer: priv, public: pub}, nil
	case alg.IsECDSA():
		priv, err := ecdsa.GenerateKey(alg.curve(), rand.Reader)
		if err != nil {
			return nil, fail(KeyGenerationFailure, op, err)
		}
		return &KeyPair{alg: alg, signer: priv, public: &priv.PublicKey}, nil
	default:
		return nil, failf(KeyGenerationFailure, op, "unsupported algorithm %q", alg)
	}
}

// PublicKeyPair wraps a bare public key.
func PublicKeyPair(pub crypto.PublicKey) (*KeyPair, error) {
	alg, err := algorithmOf(pub)
	if err != nil {
		return nil, fail(KeyImportFailure, "import public key", err)
	}
	return &KeyPair{alg: alg, public: pub}, nil
}

func newSignerKeyPair(signer crypto.Signer) (*KeyPair, error) {
	alg, err := algorithmOf(signer.Public())
	if err != nil {
		return nil, err
	}
	return &KeyPair{alg: alg, signer: signer, public: signer.Public()}, nil
}

func algorithmOf(pub crypto.PublicKey) (Algorithm, error) {
	switch k := pub.(type) {
	case ed25519.PublicKey:
		if len(k) != ed25519.PublicKeySize {
			return "", fmt.Errorf("bad Ed25519 public key length %d", len(k))
		}
		return Ed25519, nil
	case *ecdsa.PublicKey:
		switch k.Curve {
		case elliptic.P256():
			return ECDSAP256, nil
		case elliptic.P384():
			return ECDSAP384, nil
		case elliptic.P521():
			return ECDSAP521, nil
		}
		return "", fmt.Errorf("unsupported ECDSA curve %s", k.Curve.Params().Name)
	default:
		return "", fmt.Errorf("unsupported public key type %T", pub)
	}
}

// Algorithm returns the key family.
func (k *KeyPair) Algorithm() Algorithm { return k.alg }

// Public returns the public half.
func (k *KeyPair) Public() crypto.PublicKey { return k.public }

// Signer returns the private half, or nil for a public-only key.
func (k *KeyPair) Signer() crypto.Signer { return k.signer }

// CanSign reports whether the key pair holds a private key.
func (k *KeyPair) CanSign() bool { return k != nil && k.signer != nil }

// PublicOnly returns a copy of k without the private key.
func (k *KeyPair) PublicOnly() *KeyPair {
	return &KeyPair{alg: k.alg, public: k.public}
}

// SamePublicKey reports whether k and other carry the same public key.
func (k *KeyPair) SamePublicKey(other *KeyPair) bool {
	if k == nil || other == nil {
		return false
	}
	type equaler interface{ Equal(crypto.PublicKey) bool }
	eq, ok := k.public.(equaler)
	return ok && eq.Equal(other.public)
}

// --- PEM export ---

// PrivateKeyPEM encodes the private key: PKCS#8 "PRIVATE KEY" for Ed25519,
// SEC1 "EC PRIVATE KEY" for ECDSA.
func (k *KeyPair) PrivateKeyPEM() (string, error) {
	const op = "export private key"
	switch priv := k.signer.(type) {
	case ed25519.PrivateKey:
		b, err := x509.MarshalPKCS8PrivateKey(priv)
		if err != nil {
			return "", fail(EncodingFailure, op, err)
		}
		return EncodePEM(b, labelPrivateKey), nil
	case *ecdsa.PrivateKey:
		b, err := x509.MarshalECPrivateKey(priv)
		if err != nil {
			return "", fail(EncodingFailure, op, err)
		}
		return EncodePEM(b, labelECPrivateKey), nil
	case nil:
		return "", failf(EncodingFailure, op, "key pair has no private key")
	default:
		return "", failf(EncodingFailure, op, "unsupported private key type %T", priv)
	}
}

// PublicKeyPEM encodes the public key as a SubjectPublicKeyInfo "PUBLIC KEY".
func (k *KeyPair) PublicKeyPEM() (string, error) {
	spki, err := k.marshalSPKI()
	if err != nil {
		return "", fail(EncodingFailure, "export public key", err)
	}
	return EncodePEM(spki, labelPublicKey), nil
}

// marshalSPKI builds SubjectPublicKeyInfo. Neither family carries
// algorithm parameters other than the named curve for ECDSA.
func (k *KeyPair) marshalSPKI() ([]byte, error) {
	var algOID, curveOID asn1.ObjectIdentifier
	var point []byte
	switch pub := k.public.(type) {
	case ed25519.PublicKey:
		algOID = oidPublicKeyEd25519
		point = pub
	case *ecdsa.PublicKey:
		algOID = oidPublicKeyECDSA
		switch k.alg {
		case ECDSAP256:
			curveOID = oidNamedCurveP256
		case ECDSAP384:
			curveOID = oidNamedCurveP384
		case ECDSAP521:
			curveOID = oidNamedCurveP521
		}
		ecdhPub, err := pub.ECDH()
		if err != nil {
			return nil, err
		}
		point = ecdhPub.Bytes()
	default:
		return nil, fmt.Errorf("unsupported public key type %T", pub)
	}

	return der.Marshal(func(b *cryptobyte.Builder) {
		b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
				b.AddASN1ObjectIdentifier(algOID)
				if curveOID != nil {
					b.AddASN1ObjectIdentifier(curveOID)
				}
			})
			der.AddBitString(b, point, len(point)*8)
		})
	})
}

// --- PEM import ---

// ParsePrivateKeyPEM imports a private key from "PRIVATE KEY" (PKCS#8,
// Ed25519 or ECDSA) or "EC PRIVATE KEY" (SEC1) PEM.
func ParsePrivateKeyPEM(data string) (*KeyPair, error) {
	const op = "import private key"
	block, _ := pem.Decode([]byte(data))
	if block == nil {
		return nil, failf(KeyImportFailure, op, "no PEM block found")
	}

	var signer crypto.Signer
	switch block.Type {
	case labelPrivateKey:
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fail(KeyImportFailure, op, err)
		}
		s, ok := key.(crypto.Signer)
		if !ok {
			return nil, failf(KeyImportFailure, op, "unsupported private key type %T", key)
		}
		signer = s
	case labelECPrivateKey:
		// Older provisioning scripts wrote PKCS#8 bodies under this label.
		key, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			generic, err8 := x509.ParsePKCS8PrivateKey(block.Bytes)
			if err8 != nil {
				return nil, fail(KeyImportFailure, op, err)
			}
			ec, ok := generic.(*ecdsa.PrivateKey)
			if !ok {
				return nil, failf(KeyImportFailure, op, "%s block holds a %T", labelECPrivateKey, generic)
			}
			key = ec
		}
		signer = key
	default:
		return nil, failf(KeyImportFailure, op, "unexpected PEM block %q", block.Type)
	}

	kp, err := newSignerKeyPair(signer)
	if err != nil {
		return nil, fail(KeyImportFailure, op, err)
	}
	return kp, nil
}

// ParsePublicKeyPEM imports a SubjectPublicKeyInfo "PUBLIC KEY" PEM.
func ParsePublicKeyPEM(data string) (*KeyPair, error) {
	const op = "import public key"
	block, _ := pem.Decode([]byte(data))
	if block == nil {
		return nil, failf(KeyImportFailure, op, "no PEM block found")
	}
	if block.Type != labelPublicKey {
		return nil, failf(KeyImportFailure, op, "unexpected PEM block %q", block.Type)
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fail(KeyImportFailure, op, err)
	}
	return PublicKeyPair(pub)
}

// parseSPKI imports the SubjectPublicKeyInfo embedded in a certificate or
// CSR. Failures here are parse failures of the enclosing artifact.
func parseSPKI(spki []byte) (*KeyPair, error) {
	pub, err := x509.ParsePKIXPublicKey(spki)
	if err != nil {
		return nil, fail(ParseFailure, "parse subject public key", err)
	}
	alg, err := algorithmOf(pub)
	if err != nil {
		return nil, fail(ParseFailure, "parse subject public key", err)
	}
	return &KeyPair{alg: alg, public: pub}, nil
}
