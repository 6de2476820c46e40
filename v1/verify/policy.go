package verify

import (
	"fmt"
	"io"
	"sort"
	"time"

	"gopkg.in/yaml.v2"

	sentinelerrors "github.com/mirkobrombin/go-sentinel/v1/errors"
)

// CodeType names a family of verification codes sharing one Policy.
type CodeType string

const (
	EmailRegister CodeType = "email-register"
	EmailLogin    CodeType = "email-login"
	EmailBind     CodeType = "email-bind"
	PhoneVerify   CodeType = "phone-verify"
	PasswordReset CodeType = "password-reset"
	TwoFactor     CodeType = "two-factor"
	Captcha       CodeType = "captcha"
)

// Charset selects the alphabet codes are drawn from.
type Charset string

const (
	Digits Charset = "digits"
	Alnum  Charset = "alnum"
)

const (
	digitAlphabet  = "0123456789"
	letterAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
)

// Alphabet returns the characters of c.
func (c Charset) Alphabet() string {
	switch c {
	case Digits:
		return digitAlphabet
	case Alnum:
		return digitAlphabet + letterAlphabet
	}
	return ""
}

// Policy fixes the shape and lifetime of one code type.
type Policy struct {
	Length   int
	Charset  Charset
	Validity time.Duration
	// RequireMixed demands at least one digit and one letter. It only makes
	// sense for the alnum charset.
	RequireMixed bool
}

// Validate reports whether p can produce codes.
func (p Policy) Validate() error {
	switch {
	case p.Length <= 0:
		return sentinelerrors.Invalid("policy length", "must be positive")
	case p.Charset.Alphabet() == "":
		return sentinelerrors.Invalid("policy charset", fmt.Sprintf("unknown charset %q", p.Charset))
	case p.Validity <= 0:
		return sentinelerrors.Invalid("policy validity", "must be positive")
	case p.RequireMixed && p.Charset != Alnum:
		return sentinelerrors.Invalid("policy require_mixed", "needs the alnum charset")
	case p.RequireMixed && p.Length < 2:
		return sentinelerrors.Invalid("policy require_mixed", "needs a length of at least 2")
	}
	return nil
}

// DefaultPolicies returns the built-in policy table.
func DefaultPolicies() map[CodeType]Policy {
	short := Policy{Length: 6, Charset: Digits, Validity: 5 * time.Minute}
	long := Policy{Length: 6, Charset: Digits, Validity: 10 * time.Minute}
	return map[CodeType]Policy{
		EmailRegister: short,
		EmailLogin:    short,
		EmailBind:     short,
		PhoneVerify:   short,
		PasswordReset: long,
		TwoFactor:     long,
		Captcha:       {Length: 4, Charset: Alnum, Validity: 2 * time.Minute, RequireMixed: true},
	}
}

// PolicyFile is the YAML form of a policy table:
//
//	policies:
//	  captcha:
//	    length: 4
//	    charset: alnum
//	    validity: 2m
//	    require_mixed: true
type PolicyFile struct {
	Policies map[string]PolicySpec `yaml:"policies"`
}

// PolicySpec is the YAML form of a single Policy.
type PolicySpec struct {
	Length       int    `yaml:"length"`
	Charset      string `yaml:"charset"`
	Validity     string `yaml:"validity"`
	RequireMixed bool   `yaml:"require_mixed"`
}

// Policy converts s, parsing the validity as a Go duration.
func (s PolicySpec) Policy() (Policy, error) {
	validity, err := time.ParseDuration(s.Validity)
	if err != nil {
		return Policy{}, sentinelerrors.Invalid("policy validity", err.Error())
	}
	p := Policy{
		Length:       s.Length,
		Charset:      Charset(s.Charset),
		Validity:     validity,
		RequireMixed: s.RequireMixed,
	}
	return p, p.Validate()
}

// ParsePolicies converts a set of specs into a validated table.
func ParsePolicies(specs map[string]PolicySpec) (map[CodeType]Policy, error) {
	names := make([]string, 0, len(specs))
	for name := range specs {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make(map[CodeType]Policy, len(specs))
	for _, name := range names {
		p, err := specs[name].Policy()
		if err != nil {
			return nil, fmt.Errorf("policy %q: %w", name, err)
		}
		out[CodeType(name)] = p
	}
	return out, nil
}

// LoadPolicies reads a PolicyFile from r.
func LoadPolicies(r io.Reader) (map[CodeType]Policy, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var f PolicyFile
	if err := yaml.UnmarshalStrict(data, &f); err != nil {
		return nil, sentinelerrors.Invalid("policy file", err.Error())
	}
	if len(f.Policies) == 0 {
		return nil, sentinelerrors.Invalid("policy file", "no policies defined")
	}
	return ParsePolicies(f.Policies)
}
