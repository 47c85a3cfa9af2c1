package store

import (
	"errors"
	"fmt"
	"strings"
)

// MaxIdentifierLength bounds every caller-supplied identifier stored by the ledger.
const MaxIdentifierLength = 190

// ErrInvalidIdentifier indicates that an identifier is empty or exceeds storage bounds.
var ErrInvalidIdentifier = errors.New("store: invalid identifier")

// NormalizeIdentifier trims raw input and validates it as the named identifier field.
func NormalizeIdentifier(field, rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: %s empty", ErrInvalidIdentifier, field)
	}
	if len(trimmed) > MaxIdentifierLength {
		return "", fmt.Errorf("%w: %s exceeds %d characters", ErrInvalidIdentifier, field, MaxIdentifierLength)
	}
	return trimmed, nil
}
