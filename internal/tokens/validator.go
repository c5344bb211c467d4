package tokens

import (
	"errors"
	"fmt"
	"strings"
)

// MaxTokens is the largest allow-list a project may register
const MaxTokens = 10

var (
	ErrTooManyTokens  = errors.New("tokens: too many tokens")
	ErrDuplicateToken = errors.New("tokens: duplicate token")
	ErrEmptyTokenList = errors.New("tokens: at least one token is required")
	ErrInvalidToken   = errors.New("tokens: invalid token identifier")
)

// Validate checks a project's accepted token list.
//
// The length bound is checked before any entry is inspected. Entries are then
// scanned once, left to right, and the first repeated identifier fails the
// whole list without looking at the rest.
func Validate(tokens []string) error {
	if len(tokens) > MaxTokens {
		return fmt.Errorf("%w: got %d, max %d", ErrTooManyTokens, len(tokens), MaxTokens)
	}
	if len(tokens) == 0 {
		return ErrEmptyTokenList
	}

	seen := make(map[string]struct{}, len(tokens))
	for i, token := range tokens {
		if strings.TrimSpace(token) == "" {
			return fmt.Errorf("%w: empty identifier at position %d", ErrInvalidToken, i)
		}
		if _, dup := seen[token]; dup {
			return fmt.Errorf("%w: %q at position %d", ErrDuplicateToken, token, i)
		}
		seen[token] = struct{}{}
	}

	return nil
}

// Contains reports whether token is present in the allow-list
func Contains(tokens []string, token string) bool {
	for _, t := range tokens {
		if t == token {
			return true
		}
	}
	return false
}
