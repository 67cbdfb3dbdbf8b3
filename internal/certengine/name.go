package certengine

import (
	"encoding/asn1"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"

	"edgeprov/internal/der"
)

// Attribute is one type=value pair of a distinguished name.
type Attribute struct {
	Type  string `json:"type" yaml:"type"`
	Value string `json:"value" yaml:"value"`
}

// Name is an ordered distinguished name. Each attribute becomes its own RDN.
type Name []Attribute

// Subject is a decoded name: the ordered attributes, a flat lookup map,
// and the "TYPE=value, TYPE=value" rendering.
type Subject struct {
	Name   Name              `json:"-"`
	Fields map[string]string `json:"fields"`
	Text   string            `json:"text"`
}

type nameAttr struct {
	oid asn1.ObjectIdentifier
	tag cbasn1.Tag
}

// nameOrder is the canonical attribute order used by NameFromMap.
var nameOrder = []string{"C", "ST", "L", "O", "OU", "CN", "EMAIL"}

var nameAttrs = map[string]nameAttr{
	"C":     {asn1.ObjectIdentifier{2, 5, 4, 6}, cbasn1.PrintableString},
	"ST":    {asn1.ObjectIdentifier{2, 5, 4, 8}, cbasn1.UTF8String},
	"L":     {asn1.ObjectIdentifier{2, 5, 4, 7}, cbasn1.UTF8String},
	"O":     {asn1.ObjectIdentifier{2, 5, 4, 10}, cbasn1.UTF8String},
	"OU":    {asn1.ObjectIdentifier{2, 5, 4, 11}, cbasn1.UTF8String},
	"CN":    {asn1.ObjectIdentifier{2, 5, 4, 3}, cbasn1.UTF8String},
	"EMAIL": {asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 1}, cbasn1.IA5String},
}

// NameFromMap orders a flat attribute map canonically (C, ST, L, O, OU, CN,
// EMAIL). Keys are matched case-insensitively and empty values are skipped.
// Unrecognized keys are kept, sorted after the known ones, so that encoding
// rejects them instead of losing them.
func NameFromMap(m map[string]string) Name {
	norm := make(map[string]string, len(m))
	for k, v := range m {
		if v == "" {
			continue
		}
		norm[strings.ToUpper(strings.TrimSpace(k))] = v
	}

	var n Name
	for _, t := range nameOrder {
		if v, ok := norm[t]; ok {
			n = append(n, Attribute{Type: t, Value: v})
			delete(norm, t)
		}
	}
	rest := make([]string, 0, len(norm))
	for k := range norm {
		rest = append(rest, k)
	}
	sort.Strings(rest)
	for _, k := range rest {
		n = append(n, Attribute{Type: k, Value: norm[k]})
	}
	return n
}

// CommonName returns the first CN value, or "".
func (n Name) CommonName() string {
	return n.Get("CN")
}

// Get returns the first value of the given attribute type.
func (n Name) Get(typ string) string {
	for _, a := range n {
		if a.Type == typ {
			return a.Value
		}
	}
	return ""
}

// Map flattens the name. Repeated types keep their last value.
func (n Name) Map() map[string]string {
	m := make(map[string]string, len(n))
	for _, a := range n {
		m[a.Type] = a.Value
	}
	return m
}

func (n Name) String() string {
	parts := make([]string, len(n))
	for i, a := range n {
		parts[i] = a.Type + "=" + a.Value
	}
	return strings.Join(parts, ", ")
}

// Subject returns the decoded form of n.
func (n Name) Subject() Subject {
	return Subject{Name: n, Fields: n.Map(), Text: n.String()}
}

// EncodeName returns the DER encoding of n.
func EncodeName(n Name) ([]byte, error) {
	out, err := der.Marshal(func(b *cryptobyte.Builder) { addName(b, n) })
	if err != nil {
		return nil, fail(EncodingFailure, "encode name", err)
	}
	return out, nil
}

// addName appends Name ::= SEQUENCE OF RelativeDistinguishedName, one
// single-valued RDN per attribute.
func addName(b *cryptobyte.Builder, n Name) {
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		for _, a := range n {
			attr, ok := lookupNameAttr(a.Type)
			if !ok {
				b.SetError(fmt.Errorf("unrecognized name attribute %q", a.Type))
				return
			}
			if err := checkNameValue(attr.tag, a); err != nil {
				b.SetError(err)
				return
			}
			b.AddASN1(cbasn1.SET, func(b *cryptobyte.Builder) {
				b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
					b.AddASN1ObjectIdentifier(attr.oid)
					der.AddString(b, attr.tag, a.Value)
				})
			})
		}
	})
}

// lookupNameAttr resolves a short name, or a dotted OID carried over from
// a decoded name, which is then encoded as UTF8String.
func lookupNameAttr(typ string) (nameAttr, bool) {
	if attr, ok := nameAttrs[typ]; ok {
		return attr, true
	}
	oid, ok := parseDottedOID(typ)
	if !ok {
		return nameAttr{}, false
	}
	return nameAttr{oid: oid, tag: cbasn1.UTF8String}, true
}

func parseDottedOID(s string) (asn1.ObjectIdentifier, bool) {
	parts := strings.Split(s, ".")
	if len(parts) < 2 {
		return nil, false
	}
	oid := make(asn1.ObjectIdentifier, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || p == "" || (len(p) > 1 && p[0] == '0') {
			return nil, false
		}
		oid[i] = n
	}
	if oid[0] > 2 || (oid[0] < 2 && oid[1] > 39) {
		return nil, false
	}
	return oid, true
}

func checkNameValue(tag cbasn1.Tag, a Attribute) error {
	switch tag {
	case cbasn1.PrintableString:
		for _, r := range a.Value {
			if !isPrintable(r) {
				return fmt.Errorf("%s value %q is not a PrintableString", a.Type, a.Value)
			}
		}
	case cbasn1.IA5String:
		for _, r := range a.Value {
			if r > 0x7f {
				return fmt.Errorf("%s value %q is not an IA5String", a.Type, a.Value)
			}
		}
	default:
		if !utf8.ValidString(a.Value) {
			return fmt.Errorf("%s value is not valid UTF-8", a.Type)
		}
	}
	return nil
}

func isPrintable(r rune) bool {
	switch {
	case 'a' <= r && r <= 'z', 'A' <= r && r <= 'Z', '0' <= r && r <= '9':
		return true
	}
	return strings.ContainsRune(" '()+,-./:=?", r)
}

// DecodeName parses a DER Name.
func DecodeName(data []byte) (Subject, error) {
	node, err := der.Parse(data)
	if err != nil {
		return Subject{}, fail(ParseFailure, "decode name", err)
	}
	n, err := decodeName(node)
	if err != nil {
		return Subject{}, fail(ParseFailure, "decode name", err)
	}
	return n.Subject(), nil
}

// decodeName walks every RDN and every AttributeTypeAndValue inside it.
// Unknown OIDs are kept under their dotted form.
func decodeName(node *der.Node) (Name, error) {
	if err := node.Expect(cbasn1.SEQUENCE); err != nil {
		return nil, fmt.Errorf("name: %w", err)
	}
	var n Name
	for _, rdn := range node.Children {
		if err := rdn.Expect(cbasn1.SET); err != nil {
			return nil, fmt.Errorf("relative distinguished name: %w", err)
		}
		for _, atv := range rdn.Children {
			if err := atv.Expect(cbasn1.SEQUENCE); err != nil || len(atv.Children) != 2 {
				return nil, fmt.Errorf("malformed attribute in name")
			}
			oid, err := atv.Children[0].OID()
			if err != nil {
				return nil, err
			}
			value, err := atv.Children[1].Text()
			if err != nil {
				return nil, fmt.Errorf("attribute %s: %w", oid, err)
			}
			n = append(n, Attribute{Type: nameTypeFor(oid), Value: value})
		}
	}
	return n, nil
}

func nameTypeFor(oid asn1.ObjectIdentifier) string {
	for t, attr := range nameAttrs {
		if attr.oid.Equal(oid) {
			return t
		}
	}
	return oid.String()
}
