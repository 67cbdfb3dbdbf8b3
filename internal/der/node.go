package der

import (
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"
	"time"
	"unicode/utf16"
	"unicode/utf8"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// maxDepth bounds nesting so hostile input cannot exhaust the stack.
const maxDepth = 32

var (
	errBitLength   = errors.New("der: bit length does not fit data")
	errTrailing    = errors.New("der: trailing data after element")
	errTooDeep     = errors.New("der: nesting too deep")
	errMalformed   = errors.New("der: malformed element")
	errNotFound    = errors.New("der: element not found")
	errWrongString = errors.New("der: not a string type")
)

// Node is one decoded TLV element. Constructed elements carry their
// decoded children; primitive elements carry only their content.
type Node struct {
	Tag      cbasn1.Tag
	Full     []byte // complete encoding including tag and length
	Content  []byte
	Children []*Node
}

// Parse decodes exactly one DER element from data. Only definite,
// minimal-length encodings are accepted: BER indefinite lengths and
// non-minimal length octets are rejected as malformed.
func Parse(data []byte) (*Node, error) {
	s := cryptobyte.String(data)
	n, err := parseElement(&s, 0)
	if err != nil {
		return nil, err
	}
	if !s.Empty() {
		return nil, errTrailing
	}
	return n, nil
}

func parseElement(s *cryptobyte.String, depth int) (*Node, error) {
	if depth > maxDepth {
		return nil, errTooDeep
	}
	var full cryptobyte.String
	var tag cbasn1.Tag
	if !s.ReadAnyASN1Element(&full, &tag) {
		return nil, errMalformed
	}
	var content cryptobyte.String
	rest := full
	if !rest.ReadAnyASN1(&content, &tag) {
		return nil, errMalformed
	}

	n := &Node{Tag: tag, Full: full, Content: content}
	if n.Constructed() {
		for !content.Empty() {
			child, err := parseElement(&content, depth+1)
			if err != nil {
				return nil, err
			}
			n.Children = append(n.Children, child)
		}
	}
	return n, nil
}

// Constructed reports whether the element uses the constructed form.
func (n *Node) Constructed() bool {
	return n.Tag&0x20 != 0
}

// Child returns the i-th child, or an error if it does not exist.
func (n *Node) Child(i int) (*Node, error) {
	if i < 0 || i >= len(n.Children) {
		return nil, fmt.Errorf("%w: child %d of tag 0x%02x", errNotFound, i, uint8(n.Tag))
	}
	return n.Children[i], nil
}

// Expect returns an error unless the element carries the given tag.
func (n *Node) Expect(tag cbasn1.Tag) error {
	if n.Tag != tag {
		return fmt.Errorf("der: expected tag 0x%02x, got 0x%02x", uint8(tag), uint8(n.Tag))
	}
	return nil
}

// Walk descends through the child indexes in path.
func (n *Node) Walk(path ...int) (*Node, error) {
	cur := n
	for _, i := range path {
		next, err := cur.Child(i)
		if err != nil {
			return nil, err
		}
		cur = next
	}
	return cur, nil
}

// OID decodes an OBJECT IDENTIFIER.
func (n *Node) OID() (asn1.ObjectIdentifier, error) {
	var oid asn1.ObjectIdentifier
	s := cryptobyte.String(n.Full)
	if !s.ReadASN1ObjectIdentifier(&oid) || !s.Empty() {
		return nil, fmt.Errorf("%w: object identifier", errMalformed)
	}
	return oid, nil
}

// Bool decodes a DER BOOLEAN.
func (n *Node) Bool() (bool, error) {
	var v bool
	s := cryptobyte.String(n.Full)
	if !s.ReadASN1Boolean(&v) || !s.Empty() {
		return false, fmt.Errorf("%w: boolean", errMalformed)
	}
	return v, nil
}

// BigInt decodes an INTEGER of any size.
func (n *Node) BigInt() (*big.Int, error) {
	v := new(big.Int)
	s := cryptobyte.String(n.Full)
	if !s.ReadASN1Integer(v) || !s.Empty() {
		return nil, fmt.Errorf("%w: integer", errMalformed)
	}
	return v, nil
}

// Int64 decodes an INTEGER that fits in an int64.
func (n *Node) Int64() (int64, error) {
	var v int64
	s := cryptobyte.String(n.Full)
	if !s.ReadASN1Integer(&v) || !s.Empty() {
		return 0, fmt.Errorf("%w: small integer", errMalformed)
	}
	return v, nil
}

// BitString decodes a BIT STRING.
func (n *Node) BitString() (asn1.BitString, error) {
	var v asn1.BitString
	s := cryptobyte.String(n.Full)
	if !s.ReadASN1BitString(&v) || !s.Empty() {
		return asn1.BitString{}, fmt.Errorf("%w: bit string", errMalformed)
	}
	return v, nil
}

// Time decodes a UTCTime or GeneralizedTime.
func (n *Node) Time() (time.Time, error) {
	var t time.Time
	s := cryptobyte.String(n.Full)
	var ok bool
	switch n.Tag {
	case cbasn1.UTCTime:
		ok = s.ReadASN1UTCTime(&t)
	case cbasn1.GeneralizedTime:
		ok = s.ReadASN1GeneralizedTime(&t)
	default:
		return time.Time{}, fmt.Errorf("der: tag 0x%02x is not a time", uint8(n.Tag))
	}
	if !ok || !s.Empty() {
		return time.Time{}, fmt.Errorf("%w: time", errMalformed)
	}
	return t, nil
}

// Text decodes the directory string types found in names.
func (n *Node) Text() (string, error) {
	switch n.Tag {
	case cbasn1.UTF8String:
		if !utf8.Valid(n.Content) {
			return "", fmt.Errorf("%w: invalid UTF-8", errMalformed)
		}
		return string(n.Content), nil
	case cbasn1.PrintableString, cbasn1.IA5String, cbasn1.T61String:
		return string(n.Content), nil
	case TagBMPString:
		if len(n.Content)%2 != 0 {
			return "", fmt.Errorf("%w: odd BMPString length", errMalformed)
		}
		u := make([]uint16, len(n.Content)/2)
		for i := range u {
			u[i] = uint16(n.Content[2*i])<<8 | uint16(n.Content[2*i+1])
		}
		return string(utf16.Decode(u)), nil
	default:
		return "", fmt.Errorf("%w: tag 0x%02x", errWrongString, uint8(n.Tag))
	}
}
