package vless

import (
	"fmt"

	"github.com/google/uuid"
)

const IDSize = 16

// ID is the 16-byte user identifier carried in every request.
type ID [IDSize]byte

// ParseID accepts the textual UUID forms understood by google/uuid.
func ParseID(s string) (ID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ID{}, fmt.Errorf("invalid vless id %q: %w", s, err)
	}
	return ID(u), nil
}

func (id ID) String() string { return uuid.UUID(id).String() }
