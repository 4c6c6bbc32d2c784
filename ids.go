package engine

import "github.com/google/uuid"

// ID is an opaque 128-bit identifier, serialized as text wherever it
// crosses a storage or wire boundary.
type ID string

// NewID generates a fresh opaque identifier.
func NewID() ID {
	return ID(uuid.NewString())
}

// Valid reports whether id parses as a well-formed identifier.
func (id ID) Valid() bool {
	if id == "" {
		return false
	}
	_, err := uuid.Parse(string(id))
	return err == nil
}

func (id ID) String() string { return string(id) }
