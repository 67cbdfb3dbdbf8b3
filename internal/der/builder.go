// Package der is the DER primitive layer used by the certificate engine.
// Construction goes through golang.org/x/crypto/cryptobyte builders with a
// few helpers for encodings cryptobyte does not cover directly (bit strings
// with unused bits, context-specific tags, string types). Decoding produces
// a navigable Node tree.
package der

import (
	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// Universal tags missing from cryptobyte/asn1.
const (
	TagBMPString       = cbasn1.Tag(30)
	TagUniversalString = cbasn1.Tag(28)
)

// ContextTag returns the primitive context-specific tag [n].
func ContextTag(n uint8) cbasn1.Tag {
	return cbasn1.Tag(n).ContextSpecific()
}

// ExplicitTag returns the constructed context-specific tag [n], as used
// for EXPLICIT tagging and IMPLICIT tagging of constructed types.
func ExplicitTag(n uint8) cbasn1.Tag {
	return cbasn1.Tag(n).ContextSpecific().Constructed()
}

// AddBitString appends a BIT STRING whose significant length is bitLength.
// The number of unused bits in the final octet is derived from bitLength.
func AddBitString(b *cryptobyte.Builder, data []byte, bitLength int) {
	unused := len(data)*8 - bitLength
	if unused < 0 || unused > 7 {
		b.SetError(errBitLength)
		return
	}
	b.AddASN1(cbasn1.BIT_STRING, func(b *cryptobyte.Builder) {
		b.AddUint8(uint8(unused))
		b.AddBytes(data)
	})
}

// AddString appends s as a string type with the given universal tag.
func AddString(b *cryptobyte.Builder, tag cbasn1.Tag, s string) {
	b.AddASN1(tag, func(b *cryptobyte.Builder) {
		b.AddBytes([]byte(s))
	})
}

// AddContextBytes appends a primitive [n] IMPLICIT value holding raw.
func AddContextBytes(b *cryptobyte.Builder, n uint8, raw []byte) {
	b.AddASN1(ContextTag(n), func(b *cryptobyte.Builder) {
		b.AddBytes(raw)
	})
}

// AddRaw appends an already-encoded element verbatim.
func AddRaw(b *cryptobyte.Builder, encoded []byte) {
	b.AddBytes(encoded)
}

// Marshal runs f against a fresh builder and returns the encoded bytes.
func Marshal(f cryptobyte.BuilderContinuation) ([]byte, error) {
	var b cryptobyte.Builder
	f(&b)
	return b.Bytes()
}
