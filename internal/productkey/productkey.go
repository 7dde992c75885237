// Package productkey implements the customer-facing product key format.
//
// A key looks like TEST-2024-DEMO-ABC: a four character prefix derived from
// the company name, the issue year, and two random groups. The final
// character is a weighted mod 36 check over the fourteen characters before
// it. Weights run 2, 3, 4 and up from the right, so every adjacent swap of
// distinct characters and most single typos are caught before the key ever
// reaches the database.
package productkey

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"unicode"
)

const alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"

// ErrInvalidFormat is returned for keys that do not match the layout or fail
// the check character.
var ErrInvalidFormat = errors.New("invalid product key format")

var keyPattern = regexp.MustCompile(`^[A-Z0-9]{4}-[0-9]{4}-[A-Z0-9]{4}-[A-Z0-9]{3}$`)

// Normalize trims whitespace and upper-cases a key as typed by a user.
func Normalize(key string) string {
	return strings.ToUpper(strings.TrimSpace(key))
}

// Validate checks layout and check character of an already normalized key.
func Validate(key string) error {
	if !keyPattern.MatchString(key) {
		return ErrInvalidFormat
	}

	payload := strings.ReplaceAll(key, "-", "")
	body, check := payload[:len(payload)-1], payload[len(payload)-1]
	if checkChar(body) != check {
		return fmt.Errorf("%w: check character mismatch", ErrInvalidFormat)
	}
	return nil
}

// Generate returns a new random key for companyName issued in year.
func Generate(companyName string, year int) (string, error) {
	if year < 1000 || year > 9999 {
		return "", fmt.Errorf("year out of range: %d", year)
	}

	body := make([]byte, 6)
	for i := range body {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(alphabet))))
		if err != nil {
			return "", fmt.Errorf("generate product key: %w", err)
		}
		body[i] = alphabet[n.Int64()]
	}

	prefix := Prefix(companyName)
	year4 := fmt.Sprintf("%04d", year)
	payload := prefix + year4 + string(body)
	check := checkChar(payload)

	return fmt.Sprintf("%s-%s-%s-%s%c", prefix, year4, body[:4], body[4:], check), nil
}

// Prefix derives the four character key prefix from a company name:
// the first four letters or digits, upper-cased, padded with X.
func Prefix(companyName string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(companyName) {
		if b.Len() == 4 {
			break
		}
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(r)
		}
	}
	for b.Len() < 4 {
		b.WriteByte('X')
	}
	return b.String()
}

// checkChar computes the weighted mod 36 check character for payload.
func checkChar(payload string) byte {
	sum := 0
	weight := 2
	for i := len(payload) - 1; i >= 0; i-- {
		sum += weight * strings.IndexByte(alphabet, payload[i])
		weight++
	}
	return alphabet[sum%len(alphabet)]
}
