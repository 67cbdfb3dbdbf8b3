package der

import (
	"bytes"
	"encoding/asn1"
	"errors"
	"math/big"
	"testing"
	"time"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

func TestMarshalAndParseTree(t *testing.T) {
	oid := asn1.ObjectIdentifier{2, 5, 4, 3}
	when := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)

	data, err := Marshal(func(b *cryptobyte.Builder) {
		b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddASN1ObjectIdentifier(oid)
			b.AddASN1Boolean(true)
			b.AddASN1BigInt(big.NewInt(300))
			b.AddASN1UTCTime(when)
			AddString(b, cbasn1.UTF8String, "héllo")
			AddBitString(b, []byte{0x86}, 7)
			b.AddASN1(ExplicitTag(3), func(b *cryptobyte.Builder) {
				b.AddASN1Int64(7)
			})
			AddContextBytes(b, 2, []byte("example.com"))
		})
	})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	root, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if err := root.Expect(cbasn1.SEQUENCE); err != nil {
		t.Fatal(err)
	}
	if len(root.Children) != 8 {
		t.Fatalf("expected 8 children, got %d", len(root.Children))
	}
	if !bytes.Equal(root.Full, data) {
		t.Error("root Full should equal the input")
	}

	gotOID, err := root.Children[0].OID()
	if err != nil || !gotOID.Equal(oid) {
		t.Errorf("OID = %v, %v", gotOID, err)
	}
	if v, err := root.Children[1].Bool(); err != nil || !v {
		t.Errorf("Bool = %v, %v", v, err)
	}
	if v, err := root.Children[2].BigInt(); err != nil || v.Int64() != 300 {
		t.Errorf("BigInt = %v, %v", v, err)
	}
	if v, err := root.Children[3].Time(); err != nil || !v.Equal(when) {
		t.Errorf("Time = %v, %v", v, err)
	}
	if v, err := root.Children[4].Text(); err != nil || v != "héllo" {
		t.Errorf("Text = %q, %v", v, err)
	}
	bs, err := root.Children[5].BitString()
	if err != nil {
		t.Fatalf("BitString: %v", err)
	}
	if bs.BitLength != 7 || bs.At(0) != 1 || bs.At(5) != 1 {
		t.Errorf("unexpected bit string %+v", bs)
	}

	inner, err := root.Walk(6, 0)
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	if v, err := inner.Int64(); err != nil || v != 7 {
		t.Errorf("explicit Int64 = %d, %v", v, err)
	}
	if root.Children[7].Tag != ContextTag(2) || string(root.Children[7].Content) != "example.com" {
		t.Errorf("context element = %x %q", root.Children[7].Tag, root.Children[7].Content)
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	data := []byte{0x05, 0x00, 0x00}
	if _, err := Parse(data); !errors.Is(err, errTrailing) {
		t.Fatalf("expected trailing data error, got %v", err)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	inputs := [][]byte{
		nil,
		{0x30},
		{0x30, 0x05, 0x02, 0x01},
		{0x30, 0x80, 0x00, 0x00}, // indefinite length is BER only
		{0x30, 0x81, 0x02, 0x05, 0x00}, // long form for a short length
		{0x30, 0x03, 0x02, 0x05, 0x00},
	}
	for _, in := range inputs {
		if _, err := Parse(in); err == nil {
			t.Errorf("Parse(%x) should fail", in)
		}
	}
}

func TestParseDepthLimit(t *testing.T) {
	data := []byte{0x05, 0x00}
	for i := 0; i < maxDepth+2; i++ {
		var b cryptobyte.Builder
		inner := data
		b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) { b.AddBytes(inner) })
		data = b.BytesOrPanic()
	}
	if _, err := Parse(data); !errors.Is(err, errTooDeep) {
		t.Fatalf("expected depth error, got %v", err)
	}
}

func TestAddBitStringRejectsBadLength(t *testing.T) {
	_, err := Marshal(func(b *cryptobyte.Builder) {
		AddBitString(b, []byte{0xff}, 12)
	})
	if err == nil {
		t.Fatal("expected error for bit length beyond data")
	}
}

func TestTextBMPString(t *testing.T) {
	data, err := Marshal(func(b *cryptobyte.Builder) {
		b.AddASN1(TagBMPString, func(b *cryptobyte.Builder) {
			b.AddBytes([]byte{0x00, 'h', 0x00, 'i'})
		})
	})
	if err != nil {
		t.Fatal(err)
	}
	n, err := Parse(data)
	if err != nil {
		t.Fatal(err)
	}
	if s, err := n.Text(); err != nil || s != "hi" {
		t.Errorf("Text = %q, %v", s, err)
	}
}

func TestChildOutOfRange(t *testing.T) {
	n, err := Parse([]byte{0x30, 0x00})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := n.Child(0); !errors.Is(err, errNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}
