package model

import (
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

const idPrefix = "stg_"

var idRegex = regexp.MustCompile(`^stg_[0-9a-f]{8}-[0-9a-f]{4}-7[0-9a-f]{3}-[0-9a-f]{4}-[0-9a-f]{12}$`)

// NewID returns a time-ordered id: a UUIDv7 carries a millisecond timestamp
// followed by random bits.
func NewID() (string, error) {
	u, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	return idPrefix + u.String(), nil
}

// ValidateID reports whether id has the shape NewID produces.
func ValidateID(id string) bool {
	return idRegex.MatchString(id)
}
