package certengine

import (
	"encoding/asn1"
	"fmt"
	"net/netip"
	"strings"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"

	"edgeprov/internal/der"
)

var (
	oidExtBasicConstraints = asn1.ObjectIdentifier{2, 5, 29, 19}
	oidExtKeyUsage         = asn1.ObjectIdentifier{2, 5, 29, 15}
	oidExtExtendedKeyUsage = asn1.ObjectIdentifier{2, 5, 29, 37}
	oidExtSubjectAltName   = asn1.ObjectIdentifier{2, 5, 29, 17}

	oidExtensionRequest = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 14}
)

// Key usage names, in RFC 5280 bit order (digitalSignature is bit 0).
var keyUsageBits = []string{
	"digitalSignature",
	"nonRepudiation",
	"keyEncipherment",
	"dataEncipherment",
	"keyAgreement",
	"keyCertSign",
	"cRLSign",
	"encipherOnly",
	"decipherOnly",
}

var extKeyUsageOIDs = map[string]asn1.ObjectIdentifier{
	"serverAuth":      {1, 3, 6, 1, 5, 5, 7, 3, 1},
	"clientAuth":      {1, 3, 6, 1, 5, 5, 7, 3, 2},
	"codeSigning":     {1, 3, 6, 1, 5, 5, 7, 3, 3},
	"emailProtection": {1, 3, 6, 1, 5, 5, 7, 3, 4},
	"timeStamping":    {1, 3, 6, 1, 5, 5, 7, 3, 8},
	"ocspSigning":     {1, 3, 6, 1, 5, 5, 7, 3, 9},
}

// extKeyUsageOrder fixes the rendering order of decoded purposes.
var extKeyUsageOrder = []string{"serverAuth", "clientAuth", "codeSigning", "emailProtection", "timeStamping", "ocspSigning"}

// GeneralName tags used in subjectAltName.
const (
	sanTagEmail = 1
	sanTagDNS   = 2
	sanTagURI   = 6
	sanTagIP    = 7
)

// Extension is one of BasicConstraints, KeyUsage, ExtendedKeyUsage or
// SubjectAltName. The set is closed.
type Extension interface {
	oid() asn1.ObjectIdentifier
	critical() bool
	marshalValue() ([]byte, error)
}

// BasicConstraints marks a certificate as a CA and bounds the chain below it.
type BasicConstraints struct {
	Critical bool `json:"critical" yaml:"critical"`
	IsCA     bool `json:"isCA" yaml:"isCA"`
	PathLen  *int `json:"pathLenConstraint,omitempty" yaml:"pathLenConstraint,omitempty"`
}

// KeyUsage lists permitted key usages by name, e.g. "keyCertSign".
type KeyUsage struct {
	Critical bool     `json:"critical" yaml:"critical"`
	Usages   []string `json:"usage" yaml:"usage"`
}

// ExtendedKeyUsage lists extended purposes by name, e.g. "serverAuth".
type ExtendedKeyUsage struct {
	Critical bool     `json:"critical" yaml:"critical"`
	Usages   []string `json:"usage" yaml:"usage"`
}

// SubjectAltName carries alternate identities.
type SubjectAltName struct {
	Critical bool          `json:"critical" yaml:"critical"`
	Names    []GeneralName `json:"names" yaml:"names"`
}

// GeneralName is one SAN entry. Type is "dns", "ip" or "email" when
// encoding; decoding also reports "uri".
type GeneralName struct {
	Type  string `json:"type" yaml:"type"`
	Value string `json:"value" yaml:"value"`
}

// Extensions is the optional-per-field configuration shape. Nil fields are
// not emitted.
type Extensions struct {
	BasicConstraints *BasicConstraints `json:"basicConstraints,omitempty" yaml:"basicConstraints,omitempty"`
	KeyUsage         *KeyUsage         `json:"keyUsage,omitempty" yaml:"keyUsage,omitempty"`
	ExtendedKeyUsage *ExtendedKeyUsage `json:"extendedKeyUsage,omitempty" yaml:"extendedKeyUsage,omitempty"`
	SubjectAltName   *SubjectAltName   `json:"subjectAltName,omitempty" yaml:"subjectAltName,omitempty"`
}

// List returns the configured extensions in emission order.
func (e Extensions) List() []Extension {
	var out []Extension
	if e.BasicConstraints != nil {
		out = append(out, *e.BasicConstraints)
	}
	if e.KeyUsage != nil {
		out = append(out, *e.KeyUsage)
	}
	if e.ExtendedKeyUsage != nil {
		out = append(out, *e.ExtendedKeyUsage)
	}
	if e.SubjectAltName != nil {
		out = append(out, *e.SubjectAltName)
	}
	return out
}

// IsEmpty reports whether no extension is configured.
func (e Extensions) IsEmpty() bool { return len(e.List()) == 0 }

// Validate encodes every configured extension and reports the first failure.
func (e Extensions) Validate() error {
	for _, ext := range e.List() {
		if _, err := ext.marshalValue(); err != nil {
			return fail(EncodingFailure, "validate extensions", err)
		}
	}
	return nil
}

// PathLen is a helper for BasicConstraints.PathLen literals.
func PathLen(n int) *int { return &n }

func (BasicConstraints) oid() asn1.ObjectIdentifier { return oidExtBasicConstraints }
func (e BasicConstraints) critical() bool           { return e.Critical }

func (e BasicConstraints) marshalValue() ([]byte, error) {
	if e.PathLen != nil {
		if !e.IsCA {
			return nil, fmt.Errorf("basicConstraints: pathLenConstraint requires cA")
		}
		if *e.PathLen < 0 {
			return nil, fmt.Errorf("basicConstraints: negative pathLenConstraint %d", *e.PathLen)
		}
	}
	return der.Marshal(func(b *cryptobyte.Builder) {
		b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
			if e.IsCA {
				b.AddASN1Boolean(true)
			}
			if e.PathLen != nil {
				b.AddASN1Int64(int64(*e.PathLen))
			}
		})
	})
}

func (KeyUsage) oid() asn1.ObjectIdentifier { return oidExtKeyUsage }
func (e KeyUsage) critical() bool           { return e.Critical }

// marshalValue ORs one RFC 5280 bit per usage. Bit 0 is the most
// significant bit of the first octet; trailing zero bits are dropped.
func (e KeyUsage) marshalValue() ([]byte, error) {
	if len(e.Usages) == 0 {
		return nil, fmt.Errorf("keyUsage: no usages given")
	}
	var bits uint16
	for _, u := range e.Usages {
		i := keyUsageBit(u)
		if i < 0 {
			return nil, fmt.Errorf("keyUsage: unknown usage %q", u)
		}
		bits |= 1 << i
	}

	bitLength := 0
	for i := range keyUsageBits {
		if bits&(1<<i) != 0 {
			bitLength = i + 1
		}
	}
	data := make([]byte, (bitLength+7)/8)
	for i := 0; i < bitLength; i++ {
		if bits&(1<<i) != 0 {
			data[i/8] |= 0x80 >> (i % 8)
		}
	}
	return der.Marshal(func(b *cryptobyte.Builder) {
		der.AddBitString(b, data, bitLength)
	})
}

func keyUsageBit(name string) int {
	if strings.EqualFold(name, "contentCommitment") {
		name = "nonRepudiation"
	}
	for i, n := range keyUsageBits {
		if strings.EqualFold(n, name) {
			return i
		}
	}
	return -1
}

func (ExtendedKeyUsage) oid() asn1.ObjectIdentifier { return oidExtExtendedKeyUsage }
func (e ExtendedKeyUsage) critical() bool           { return e.Critical }

func (e ExtendedKeyUsage) marshalValue() ([]byte, error) {
	if len(e.Usages) == 0 {
		return nil, fmt.Errorf("extendedKeyUsage: no usages given")
	}
	oids := make([]asn1.ObjectIdentifier, 0, len(e.Usages))
	for _, u := range e.Usages {
		oid, ok := lookupExtKeyUsage(u)
		if !ok {
			return nil, fmt.Errorf("extendedKeyUsage: unknown usage %q", u)
		}
		oids = append(oids, oid)
	}
	return der.Marshal(func(b *cryptobyte.Builder) {
		b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
			for _, oid := range oids {
				b.AddASN1ObjectIdentifier(oid)
			}
		})
	})
}

func lookupExtKeyUsage(name string) (asn1.ObjectIdentifier, bool) {
	for n, oid := range extKeyUsageOIDs {
		if strings.EqualFold(n, name) {
			return oid, true
		}
	}
	return nil, false
}

func (SubjectAltName) oid() asn1.ObjectIdentifier { return oidExtSubjectAltName }
func (e SubjectAltName) critical() bool           { return e.Critical }

func (e SubjectAltName) marshalValue() ([]byte, error) {
	if len(e.Names) == 0 {
		return nil, fmt.Errorf("subjectAltName: no names given")
	}
	type entry struct {
		tag uint8
		raw []byte
	}
	entries := make([]entry, 0, len(e.Names))
	for _, n := range e.Names {
		switch strings.ToLower(n.Type) {
		case "dns":
			if err := checkIA5(n.Value); err != nil {
				return nil, fmt.Errorf("subjectAltName: dns %q: %w", n.Value, err)
			}
			entries = append(entries, entry{sanTagDNS, []byte(n.Value)})
		case "email":
			if err := checkIA5(n.Value); err != nil {
				return nil, fmt.Errorf("subjectAltName: email %q: %w", n.Value, err)
			}
			entries = append(entries, entry{sanTagEmail, []byte(n.Value)})
		case "ip":
			raw, err := ipBytes(n.Value)
			if err != nil {
				return nil, fmt.Errorf("subjectAltName: %w", err)
			}
			entries = append(entries, entry{sanTagIP, raw})
		default:
			return nil, fmt.Errorf("subjectAltName: unsupported name type %q", n.Type)
		}
	}
	return der.Marshal(func(b *cryptobyte.Builder) {
		b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
			for _, en := range entries {
				der.AddContextBytes(b, en.tag, en.raw)
			}
		})
	})
}

func checkIA5(s string) error {
	if s == "" {
		return fmt.Errorf("empty value")
	}
	for i := 0; i < len(s); i++ {
		if s[i] > 0x7f {
			return fmt.Errorf("non-ASCII character at offset %d", i)
		}
	}
	return nil
}

// ipBytes returns the 4- or 16-byte form of a textual IP address. IPv4 must
// be four decimal octets; IPv6 may contain at most one "::". Zones are
// rejected.
func ipBytes(s string) ([]byte, error) {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return nil, fmt.Errorf("invalid IP address %q", s)
	}
	if addr.Zone() != "" {
		return nil, fmt.Errorf("IP address %q has a zone", s)
	}
	if addr.Is4() {
		b := addr.As4()
		return b[:], nil
	}
	b := addr.As16()
	return b[:], nil
}

// marshalExtension appends Extension ::= SEQUENCE { extnID, critical
// DEFAULT FALSE, extnValue OCTET STRING }.
func marshalExtension(b *cryptobyte.Builder, ext Extension) {
	value, err := ext.marshalValue()
	if err != nil {
		b.SetError(err)
		return
	}
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1ObjectIdentifier(ext.oid())
		if ext.critical() {
			b.AddASN1Boolean(true)
		}
		b.AddASN1OctetString(value)
	})
}

// addExtensions appends the bare SEQUENCE OF Extension.
func addExtensions(b *cryptobyte.Builder, exts []Extension) {
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		for _, ext := range exts {
			marshalExtension(b, ext)
		}
	})
}

// --- decoding ---

// parseExtensions decodes a SEQUENCE OF Extension back into the
// configuration shape. Extensions outside the supported set are returned
// by dotted OID.
func parseExtensions(node *der.Node) (Extensions, []string, error) {
	var out Extensions
	var unknown []string
	if err := node.Expect(cbasn1.SEQUENCE); err != nil {
		return out, nil, fmt.Errorf("extensions: %w", err)
	}
	for _, ext := range node.Children {
		if err := ext.Expect(cbasn1.SEQUENCE); err != nil || len(ext.Children) < 2 || len(ext.Children) > 3 {
			return out, nil, fmt.Errorf("malformed extension")
		}
		oid, err := ext.Children[0].OID()
		if err != nil {
			return out, nil, err
		}
		critical := false
		valueNode := ext.Children[1]
		if len(ext.Children) == 3 {
			if critical, err = ext.Children[1].Bool(); err != nil {
				return out, nil, fmt.Errorf("extension %s: %w", oid, err)
			}
			valueNode = ext.Children[2]
		}
		if err := valueNode.Expect(cbasn1.OCTET_STRING); err != nil {
			return out, nil, fmt.Errorf("extension %s: %w", oid, err)
		}
		inner, err := der.Parse(valueNode.Content)
		if err != nil {
			return out, nil, fmt.Errorf("extension %s: %w", oid, err)
		}

		switch {
		case oid.Equal(oidExtBasicConstraints):
			bc, err := parseBasicConstraints(inner)
			if err != nil {
				return out, nil, err
			}
			bc.Critical = critical
			out.BasicConstraints = &bc
		case oid.Equal(oidExtKeyUsage):
			ku, err := parseKeyUsage(inner)
			if err != nil {
				return out, nil, err
			}
			ku.Critical = critical
			out.KeyUsage = &ku
		case oid.Equal(oidExtExtendedKeyUsage):
			eku, err := parseExtKeyUsage(inner)
			if err != nil {
				return out, nil, err
			}
			eku.Critical = critical
			out.ExtendedKeyUsage = &eku
		case oid.Equal(oidExtSubjectAltName):
			san, err := parseSubjectAltName(inner)
			if err != nil {
				return out, nil, err
			}
			san.Critical = critical
			out.SubjectAltName = &san
		default:
			unknown = append(unknown, oid.String())
		}
	}
	return out, unknown, nil
}

func parseBasicConstraints(n *der.Node) (BasicConstraints, error) {
	var bc BasicConstraints
	if err := n.Expect(cbasn1.SEQUENCE); err != nil {
		return bc, fmt.Errorf("basicConstraints: %w", err)
	}
	for _, c := range n.Children {
		switch c.Tag {
		case cbasn1.BOOLEAN:
			v, err := c.Bool()
			if err != nil {
				return bc, fmt.Errorf("basicConstraints: %w", err)
			}
			bc.IsCA = v
		case cbasn1.INTEGER:
			v, err := c.Int64()
			if err != nil || v < 0 {
				return bc, fmt.Errorf("basicConstraints: bad pathLenConstraint")
			}
			pl := int(v)
			bc.PathLen = &pl
		default:
			return bc, fmt.Errorf("basicConstraints: unexpected tag 0x%02x", uint8(c.Tag))
		}
	}
	return bc, nil
}

func parseKeyUsage(n *der.Node) (KeyUsage, error) {
	var ku KeyUsage
	bs, err := n.BitString()
	if err != nil {
		return ku, fmt.Errorf("keyUsage: %w", err)
	}
	for i, name := range keyUsageBits {
		if bs.At(i) == 1 {
			ku.Usages = append(ku.Usages, name)
		}
	}
	return ku, nil
}

func parseExtKeyUsage(n *der.Node) (ExtendedKeyUsage, error) {
	var eku ExtendedKeyUsage
	if err := n.Expect(cbasn1.SEQUENCE); err != nil {
		return eku, fmt.Errorf("extendedKeyUsage: %w", err)
	}
	seen := make(map[string]bool)
	var unknown []string
	for _, c := range n.Children {
		oid, err := c.OID()
		if err != nil {
			return eku, fmt.Errorf("extendedKeyUsage: %w", err)
		}
		name := ""
		for k, v := range extKeyUsageOIDs {
			if v.Equal(oid) {
				name = k
			}
		}
		if name == "" {
			unknown = append(unknown, oid.String())
			continue
		}
		seen[name] = true
	}
	for _, name := range extKeyUsageOrder {
		if seen[name] {
			eku.Usages = append(eku.Usages, name)
		}
	}
	eku.Usages = append(eku.Usages, unknown...)
	return eku, nil
}

func parseSubjectAltName(n *der.Node) (SubjectAltName, error) {
	var san SubjectAltName
	if err := n.Expect(cbasn1.SEQUENCE); err != nil {
		return san, fmt.Errorf("subjectAltName: %w", err)
	}
	for _, c := range n.Children {
		switch c.Tag {
		case der.ContextTag(sanTagDNS):
			san.Names = append(san.Names, GeneralName{Type: "dns", Value: string(c.Content)})
		case der.ContextTag(sanTagEmail):
			san.Names = append(san.Names, GeneralName{Type: "email", Value: string(c.Content)})
		case der.ContextTag(sanTagURI):
			san.Names = append(san.Names, GeneralName{Type: "uri", Value: string(c.Content)})
		case der.ContextTag(sanTagIP):
			addr, ok := netip.AddrFromSlice(c.Content)
			if !ok {
				return san, fmt.Errorf("subjectAltName: bad IP length %d", len(c.Content))
			}
			san.Names = append(san.Names, GeneralName{Type: "ip", Value: addr.String()})
		}
	}
	return san, nil
}
