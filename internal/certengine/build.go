package certengine

import (
	"crypto/rand"
	"io"
	"time"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"

	"edgeprov/internal/der"
)

const x509v3 = 2

// CertificateParams are the inputs to BuildCertificate.
type CertificateParams struct {
	SubjectKey   *KeyPair // only the public half is used
	IssuerKey    *KeyPair // must hold a private key
	Subject      Name
	Issuer       Name
	SerialNumber []byte // unsigned big-endian; random when nil
	ValidityDays int
	Extensions   Extensions

	Now  time.Time // notBefore; the current time when zero
	Rand io.Reader // entropy for serials and signatures; crypto/rand when nil
}

// CSRParams are the inputs to BuildCSR.
type CSRParams struct {
	SubjectKey *KeyPair // must hold a private key
	Subject    Name
	Extensions Extensions

	Rand io.Reader
}

// BuildCertificate assembles a TBSCertificate, signs it with the issuer key
// and returns the certificate as "CERTIFICATE" PEM.
func BuildCertificate(p CertificateParams) (string, error) {
	raw, err := buildCertificateDER(p)
	if err != nil {
		return "", err
	}
	return EncodePEM(raw, LabelCertificate), nil
}

func buildCertificateDER(p CertificateParams) ([]byte, error) {
	const op = "build certificate"
	r := p.Rand
	if r == nil {
		r = rand.Reader
	}
	if p.SubjectKey == nil {
		return nil, failf(EncodingFailure, op, "missing subject key")
	}
	if !p.IssuerKey.CanSign() {
		return nil, failf(SigningFailure, op, "issuer key has no private key")
	}

	serialBytes := p.SerialNumber
	if serialBytes == nil {
		var err error
		if serialBytes, err = readSerial(r); err != nil {
			return nil, fail(EncodingFailure, op, err)
		}
	}
	serial, err := serialInt(serialBytes)
	if err != nil {
		return nil, fail(EncodingFailure, op, err)
	}

	notBefore, notAfter, err := validity(p.Now, p.ValidityDays)
	if err != nil {
		return nil, fail(EncodingFailure, op, err)
	}

	scheme, err := schemeForKey(p.IssuerKey.alg)
	if err != nil {
		return nil, fail(SigningFailure, op, err)
	}
	spki, err := p.SubjectKey.marshalSPKI()
	if err != nil {
		return nil, fail(EncodingFailure, op, err)
	}
	exts := p.Extensions.List()

	tbs, err := der.Marshal(func(b *cryptobyte.Builder) {
		b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddASN1(der.ExplicitTag(0), func(b *cryptobyte.Builder) {
				b.AddASN1Int64(x509v3)
			})
			b.AddASN1BigInt(serial)
			scheme.addAlgorithmIdentifier(b)
			addName(b, p.Issuer)
			b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
				AppendASN1Time(b, notBefore)
				AppendASN1Time(b, notAfter)
			})
			addName(b, p.Subject)
			der.AddRaw(b, spki)
			if len(exts) > 0 {
				b.AddASN1(der.ExplicitTag(3), func(b *cryptobyte.Builder) {
					addExtensions(b, exts)
				})
			}
		})
	})
	if err != nil {
		return nil, fail(EncodingFailure, op, err)
	}

	return signAndWrap(op, tbs, p.IssuerKey, r)
}

// BuildCSR assembles a PKCS#10 CertificationRequestInfo, self-signs it with
// the subject key and returns "CERTIFICATE REQUEST" PEM. The attributes
// field always carries an extensionRequest when extensions are given and is
// empty otherwise.
func BuildCSR(p CSRParams) (string, error) {
	const op = "build CSR"
	r := p.Rand
	if r == nil {
		r = rand.Reader
	}
	if !p.SubjectKey.CanSign() {
		return "", failf(SigningFailure, op, "subject key has no private key")
	}
	spki, err := p.SubjectKey.marshalSPKI()
	if err != nil {
		return "", fail(EncodingFailure, op, err)
	}
	exts := p.Extensions.List()

	info, err := der.Marshal(func(b *cryptobyte.Builder) {
		b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddASN1Int64(0)
			addName(b, p.Subject)
			der.AddRaw(b, spki)
			b.AddASN1(der.ExplicitTag(0), func(b *cryptobyte.Builder) {
				if len(exts) == 0 {
					return
				}
				b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
					b.AddASN1ObjectIdentifier(oidExtensionRequest)
					b.AddASN1(cbasn1.SET, func(b *cryptobyte.Builder) {
						addExtensions(b, exts)
					})
				})
			})
		})
	})
	if err != nil {
		return "", fail(EncodingFailure, op, err)
	}

	raw, err := signAndWrap(op, info, p.SubjectKey, r)
	if err != nil {
		return "", err
	}
	return EncodePEM(raw, LabelCSR), nil
}

// signAndWrap signs the to-be-signed bytes and returns
// SEQUENCE { tbs, signatureAlgorithm, signatureValue BIT STRING }.
func signAndWrap(op string, tbs []byte, key *KeyPair, r io.Reader) ([]byte, error) {
	scheme, sig, err := sign(key, tbs, r)
	if err != nil {
		return nil, fail(SigningFailure, op, err)
	}
	out, err := der.Marshal(func(b *cryptobyte.Builder) {
		b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
			der.AddRaw(b, tbs)
			scheme.addAlgorithmIdentifier(b)
			der.AddBitString(b, sig, len(sig)*8)
		})
	})
	if err != nil {
		return nil, fail(EncodingFailure, op, err)
	}
	return out, nil
}
