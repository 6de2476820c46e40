package verify

import (
	"crypto/rand"
	"crypto/subtle"
	"io"
	"math/big"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Code is an issued verification code. It is never modified once stored.
type Code struct {
	Identifier string        `msgpack:"i"`
	Type       CodeType      `msgpack:"t"`
	Value      string        `msgpack:"v"`
	IssuedAt   time.Time     `msgpack:"at"`
	TTL        time.Duration `msgpack:"ttl"`
}

// ExpiresAt returns the instant the code lapses.
func (c Code) ExpiresAt() time.Time {
	return c.IssuedAt.Add(c.TTL)
}

func encodeCode(c Code) ([]byte, error) {
	return msgpack.Marshal(c)
}

func decodeCode(data []byte) (Code, error) {
	var c Code
	err := msgpack.Unmarshal(data, &c)
	return c, err
}

// draw returns length characters picked uniformly from alphabet.
func draw(src io.Reader, alphabet string, length int) (string, error) {
	max := big.NewInt(int64(len(alphabet)))
	var b strings.Builder
	b.Grow(length)
	for i := 0; i < length; i++ {
		n, err := rand.Int(src, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(alphabet[n.Int64()])
	}
	return b.String(), nil
}

func isDigit(c byte) bool  { return c >= '0' && c <= '9' }
func isLetter(c byte) bool { return (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') }

func mixed(s string) bool {
	var digit, letter bool
	for i := 0; i < len(s); i++ {
		digit = digit || isDigit(s[i])
		letter = letter || isLetter(s[i])
	}
	return digit && letter
}

// wellFormed reports whether s could have been produced by p.
func wellFormed(p Policy, s string) bool {
	if len(s) != p.Length {
		return false
	}
	for i := 0; i < len(s); i++ {
		switch p.Charset {
		case Digits:
			if !isDigit(s[i]) {
				return false
			}
		case Alnum:
			if !isDigit(s[i]) && !isLetter(s[i]) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// equalFold compares two codes case-insensitively in constant time for
// equal-length inputs.
func equalFold(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(strings.ToUpper(a)), []byte(strings.ToUpper(b))) == 1
}
