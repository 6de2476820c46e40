package verify

import (
	"crypto/rand"
	"testing"
	"time"
)

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

func TestDrawStaysInAlphabet(t *testing.T) {
	alphabet := Alnum.Alphabet()
	for i := 0; i < 200; i++ {
		s, err := draw(rand.Reader, alphabet, 12)
		if err != nil {
			t.Fatalf("draw: %v", err)
		}
		if len(s) != 12 || !wellFormed(Policy{Length: 12, Charset: Alnum}, s) {
			t.Fatalf("draw produced %q", s)
		}
	}
	if s, _ := draw(zeroReader{}, Digits.Alphabet(), 6); s != "000000" {
		t.Fatalf("zero source should yield the first symbol, got %q", s)
	}
}

func TestCodeShapeHelpers(t *testing.T) {
	digits := Policy{Length: 6, Charset: Digits}
	alnum := Policy{Length: 4, Charset: Alnum}
	cases := []struct {
		p    Policy
		s    string
		want bool
	}{
		{digits, "482917", true},
		{digits, "48291", false},
		{digits, "48291a", false},
		{digits, "４８２９１７", false},
		{alnum, "a1B2", true},
		{alnum, "a1-2", false},
		{alnum, "a1b", false},
	}
	for _, tc := range cases {
		if got := wellFormed(tc.p, tc.s); got != tc.want {
			t.Fatalf("wellFormed(%s, %q) = %v, want %v", tc.p.Charset, tc.s, got, tc.want)
		}
	}
	if mixed("1234") || mixed("abcd") || !mixed("ab1d") {
		t.Fatal("mixed misclassified input")
	}
	if !equalFold("aB3d", "Ab3D") || equalFold("aB3d", "aB3e") || equalFold("abc", "abcd") {
		t.Fatal("equalFold misclassified input")
	}
}

func TestCodeRecordEncoding(t *testing.T) {
	issued := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	c := Code{Identifier: "a@b.com", Type: EmailLogin, Value: "123456", IssuedAt: issued, TTL: 5 * time.Minute}
	data, err := encodeCode(c)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := decodeCode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Value != c.Value || got.Type != c.Type || !got.IssuedAt.Equal(issued) || got.TTL != c.TTL {
		t.Fatalf("decoded %+v, want %+v", got, c)
	}
	if !got.ExpiresAt().Equal(issued.Add(5 * time.Minute)) {
		t.Fatalf("unexpected expiry %v", got.ExpiresAt())
	}
	if _, err := decodeCode([]byte{0xc1}); err == nil {
		t.Fatal("expected decode error for garbage")
	}
}
