package verify

import (
	"errors"
	"strings"
	"testing"
	"time"

	sentinelerrors "github.com/mirkobrombin/go-sentinel/v1/errors"
)

func TestDefaultPoliciesAreValid(t *testing.T) {
	policies := DefaultPolicies()
	for _, ct := range []CodeType{EmailRegister, EmailLogin, EmailBind, PhoneVerify, PasswordReset, TwoFactor, Captcha} {
		p, ok := policies[ct]
		if !ok {
			t.Fatalf("missing default policy for %s", ct)
		}
		if err := p.Validate(); err != nil {
			t.Fatalf("%s: %v", ct, err)
		}
	}
	if p := policies[PasswordReset]; p.Validity != 10*time.Minute || p.Length != 6 {
		t.Fatalf("unexpected password-reset policy %+v", p)
	}
	if p := policies[Captcha]; !p.RequireMixed || p.Charset != Alnum || p.Length != 4 {
		t.Fatalf("unexpected captcha policy %+v", p)
	}
}

func TestPolicyValidate(t *testing.T) {
	cases := []struct {
		name string
		p    Policy
		ok   bool
	}{
		{"digits", Policy{Length: 6, Charset: Digits, Validity: time.Minute}, true},
		{"zero length", Policy{Length: 0, Charset: Digits, Validity: time.Minute}, false},
		{"unknown charset", Policy{Length: 4, Charset: "hex", Validity: time.Minute}, false},
		{"no validity", Policy{Length: 4, Charset: Digits}, false},
		{"mixed digits", Policy{Length: 4, Charset: Digits, Validity: time.Minute, RequireMixed: true}, false},
		{"mixed too short", Policy{Length: 1, Charset: Alnum, Validity: time.Minute, RequireMixed: true}, false},
	}
	for _, tc := range cases {
		err := tc.p.Validate()
		if tc.ok && err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
		if !tc.ok && !errors.Is(err, sentinelerrors.ErrValidation) {
			t.Fatalf("%s: expected validation error, got %v", tc.name, err)
		}
	}
}

func TestLoadPolicies(t *testing.T) {
	src := `
policies:
  email-login:
    length: 8
    charset: digits
    validity: 90s
  captcha:
    length: 5
    charset: alnum
    validity: 1m
    require_mixed: true
`
	policies, err := LoadPolicies(strings.NewReader(src))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(policies) != 2 {
		t.Fatalf("expected 2 policies, got %d", len(policies))
	}
	want := Policy{Length: 8, Charset: Digits, Validity: 90 * time.Second}
	if got := policies[EmailLogin]; got != want {
		t.Fatalf("email-login: got %+v want %+v", got, want)
	}
	if got := policies[Captcha]; !got.RequireMixed || got.Length != 5 {
		t.Fatalf("captcha: got %+v", got)
	}
}

func TestLoadPoliciesRejectsBadInput(t *testing.T) {
	cases := map[string]string{
		"unknown field": "policies:\n  captcha:\n    length: 4\n    charset: alnum\n    validity: 1m\n    colour: red\n",
		"bad duration":  "policies:\n  captcha:\n    length: 4\n    charset: alnum\n    validity: soon\n",
		"empty":         "policies: {}\n",
		"bad policy":    "policies:\n  captcha:\n    length: 4\n    charset: digits\n    validity: 1m\n    require_mixed: true\n",
	}
	for name, src := range cases {
		if _, err := LoadPolicies(strings.NewReader(src)); !errors.Is(err, sentinelerrors.ErrValidation) {
			t.Fatalf("%s: expected validation error, got %v", name, err)
		}
	}
}
