// Package credential validates, generates and renders the payload a session
// sends to a remote bot.
package credential

import (
	"errors"
	"fmt"
	"math/rand"
	"regexp"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

const (
	placeholderIdentifier = "{identifier}"
	placeholderSecret     = "{secret}"
	placeholderKey        = "{key}"
)

// Payload is the credential a session owns for one attempt
type Payload struct {
	Identifier string `json:"identifier"`
	Secret     string `json:"secret"`
	Key        string `json:"key"`
}

// Format holds the bot-specific rules for a payload
type Format struct {
	// Template is rendered into the single credential message. Empty means
	// the bot takes no credential.
	Template string
	// IdentifierPattern restricts identifiers; empty allows any text
	IdentifierPattern string
	// Denylist lists runes an identifier may not contain
	Denylist      string
	IdentifierMin int
	IdentifierMax int
	SecretMin     int
	SecretMax     int
}

// DefaultFormat matches the common "username security-code" registration prompt
func DefaultFormat() Format {
	return Format{
		Template:          "{identifier} {secret}",
		IdentifierPattern: `^\w+$`,
		IdentifierMin:     1,
		IdentifierMax:     32,
		SecretMin:         4,
		SecretMax:         7,
	}
}

// FormatError reports a payload that does not satisfy its format. It is a
// configuration error and must never be retried.
type FormatError struct {
	Err error
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("credential: invalid format: %v", e.Err)
}

func (e *FormatError) Unwrap() error { return e.Err }

var digitsOnly = regexp.MustCompile(`^\d+$`)

// Rules is a compiled Format
type Rules struct {
	format     Format
	identifier *regexp.Regexp
}

// Compile checks f for internal consistency
func Compile(f Format) (*Rules, error) {
	if f.SecretMin <= 0 {
		f.SecretMin = 4
	}
	if f.SecretMax <= 0 {
		f.SecretMax = 7
	}
	if f.SecretMin > f.SecretMax {
		return nil, fmt.Errorf("secret length bounds %d..%d", f.SecretMin, f.SecretMax)
	}
	if f.IdentifierMin <= 0 {
		f.IdentifierMin = 1
	}
	if f.IdentifierMax > 0 && f.IdentifierMin > f.IdentifierMax {
		return nil, fmt.Errorf("identifier length bounds %d..%d", f.IdentifierMin, f.IdentifierMax)
	}
	r := &Rules{format: f}
	if f.IdentifierPattern != "" {
		re, err := regexp.Compile(f.IdentifierPattern)
		if err != nil {
			return nil, fmt.Errorf("identifier pattern: %w", err)
		}
		r.identifier = re
	}
	return r, nil
}

// Empty reports whether the bot takes no credential at all
func (r *Rules) Empty() bool {
	return strings.TrimSpace(r.format.Template) == ""
}

// NeedsIdentifier reports whether the template sends an identifier
func (r *Rules) NeedsIdentifier() bool {
	return strings.Contains(r.format.Template, placeholderIdentifier)
}

// NeedsSecret reports whether the template sends a secret code
func (r *Rules) NeedsSecret() bool {
	return strings.Contains(r.format.Template, placeholderSecret)
}

// Validate checks the fields the template uses. Errors are *FormatError.
func (r *Rules) Validate(p Payload) error {
	return r.validate(p, r.NeedsIdentifier(), r.NeedsSecret())
}

// ValidateIdentifier checks only the identifier, for secrets resolved later
func (r *Rules) ValidateIdentifier(p Payload) error {
	return r.validate(p, r.NeedsIdentifier(), false)
}

func (r *Rules) validate(p Payload, identifier, secret bool) error {
	var fields []*validation.FieldRules
	if identifier {
		rules := []validation.Rule{
			validation.Required,
			validation.RuneLength(r.format.IdentifierMin, r.format.IdentifierMax),
			validation.By(r.denylist),
		}
		if r.identifier != nil {
			rules = append(rules, validation.Match(r.identifier).Error("does not match the identifier pattern"))
		}
		fields = append(fields, validation.Field(&p.Identifier, rules...))
	}
	if secret {
		fields = append(fields, validation.Field(&p.Secret,
			validation.Required,
			validation.RuneLength(r.format.SecretMin, r.format.SecretMax),
			validation.Match(digitsOnly).Error("must contain digits only"),
		))
	}
	if len(fields) == 0 {
		return nil
	}
	if err := validation.ValidateStruct(&p, fields...); err != nil {
		return &FormatError{Err: err}
	}
	return nil
}

func (r *Rules) denylist(value interface{}) error {
	s, _ := value.(string)
	if r.format.Denylist == "" {
		return nil
	}
	if i := strings.IndexAny(s, r.format.Denylist); i >= 0 {
		return fmt.Errorf("contains forbidden character %q", []rune(s[i:])[0])
	}
	return nil
}

// GenerateSecret draws a digits-only secret within the length bounds
func (r *Rules) GenerateSecret(rnd *rand.Rand) string {
	n := r.format.SecretMin
	if span := r.format.SecretMax - r.format.SecretMin; span > 0 {
		n += rnd.Intn(span + 1)
	}
	var b strings.Builder
	for i := 0; i < n; i++ {
		b.WriteByte(byte('0' + rnd.Intn(10)))
	}
	return b.String()
}

// Render fills the template. The result is always sent as one message.
func (r *Rules) Render(p Payload) string {
	return strings.NewReplacer(
		placeholderIdentifier, p.Identifier,
		placeholderSecret, p.Secret,
		placeholderKey, p.Key,
	).Replace(r.format.Template)
}

// IsFormatError reports whether err is a credential format error
func IsFormatError(err error) bool {
	var fe *FormatError
	return errors.As(err, &fe)
}
