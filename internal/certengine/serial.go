package certengine

import (
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
	"time"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// SerialLength is the number of random bytes in a generated serial number.
// RFC 5280 caps serials at 20 octets; the DER INTEGER may grow to 21 when
// the leading byte needs a 0x00 sign pad.
const SerialLength = 20

// GenerateSerialNumber returns SerialLength bytes from crypto/rand.
func GenerateSerialNumber() ([]byte, error) {
	return readSerial(rand.Reader)
}

func readSerial(r io.Reader) ([]byte, error) {
	b := make([]byte, SerialLength)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, fmt.Errorf("read serial entropy: %w", err)
	}
	return b, nil
}

// serialInt interprets b as an unsigned big-endian integer. A serial of
// all zeros is not a valid certificate serial.
func serialInt(b []byte) (*big.Int, error) {
	if len(b) > SerialLength {
		return nil, fmt.Errorf("serial number longer than %d bytes", SerialLength)
	}
	n := new(big.Int).SetBytes(b)
	if n.Sign() == 0 {
		return nil, fmt.Errorf("serial number must be positive")
	}
	return n, nil
}

// utcTimeRange is the span of years UTCTime can express.
const (
	utcTimeMinYear = 1950
	utcTimeMaxYear = 2049
)

// ASN1TimeString returns the tag and textual form used for t in a
// Validity field: YYMMDDHHMMSSZ UTCTime for 1950 through 2049, and
// YYYYMMDDHHMMSSZ GeneralizedTime otherwise.
func ASN1TimeString(t time.Time) (cbasn1.Tag, string) {
	t = t.UTC()
	if y := t.Year(); y >= utcTimeMinYear && y <= utcTimeMaxYear {
		return cbasn1.UTCTime, t.Format("060102150405Z0700")
	}
	return cbasn1.GeneralizedTime, t.Format("20060102150405Z0700")
}

// AppendASN1Time appends t as UTCTime or GeneralizedTime with the tag
// matching the chosen form. Sub-second precision is dropped.
func AppendASN1Time(b *cryptobyte.Builder, t time.Time) {
	tag, s := ASN1TimeString(t.Truncate(time.Second))
	b.AddASN1(tag, func(b *cryptobyte.Builder) {
		b.AddBytes([]byte(s))
	})
}

// validity computes the notBefore/notAfter pair for a certificate valid for
// days whole days starting at now.
func validity(now time.Time, days int) (notBefore, notAfter time.Time, err error) {
	if days <= 0 {
		return time.Time{}, time.Time{}, fmt.Errorf("validity must be at least one day, got %d", days)
	}
	if now.IsZero() {
		now = time.Now()
	}
	notBefore = now.UTC().Truncate(time.Second)
	notAfter = notBefore.AddDate(0, 0, days)
	return notBefore, notAfter, nil
}
