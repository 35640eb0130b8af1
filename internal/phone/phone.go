// Package phone normalizes patient contact numbers to the international
// form used for outbound sends.
package phone

import (
	"errors"
	"strings"
)

var ErrEmptyNumber = errors.New("empty phone number")

// Normalizer applies the deployment's default country prefix to numbers that
// lack an explicit international one.
type Normalizer struct {
	DefaultPrefix string // e.g. "+91"
}

// Normalize strips whitespace and prefixes the default country code when the
// number does not already start with "+".
func (n Normalizer) Normalize(raw string) (string, error) {
	num := strings.Join(strings.Fields(raw), "")
	if num == "" {
		return "", ErrEmptyNumber
	}
	if !strings.HasPrefix(num, "+") {
		num = n.DefaultPrefix + num
	}
	return num, nil
}

// National returns the number with the default prefix removed, for matching
// against directory records stored without a country code.
func (n Normalizer) National(normalized string) string {
	return strings.TrimPrefix(normalized, n.DefaultPrefix)
}
