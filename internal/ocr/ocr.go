// Package ocr resolves image challenges attached to bot prompts.
package ocr

import (
	"context"
	"errors"
	"strings"
	"unicode"
)

// ErrTimeout is returned when recognition did not finish in time
var ErrTimeout = errors.New("ocr: recognition timed out")

// Recognizer turns an image into the text it shows
type Recognizer interface {
	Recognize(ctx context.Context, image []byte) (string, error)
}

// Clean keeps only letters and digits, the way captcha answers are typed
func Clean(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}
		return -1
	}, s)
}
