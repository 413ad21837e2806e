// Package dtx contains the transaction identifier
// that correlates all messages of a single connect attempt.
package dtx

import "github.com/google/uuid"

// ID identifies one logical connect operation.
// It is generated once per attempt and carried on every message
// belonging to that attempt until it terminates.
type ID uuid.UUID

// New returns a new random transaction ID.
func New() ID {
	return ID(uuid.New())
}

// FromBytes returns the ID contained in b,
// which must be exactly 16 bytes.
func FromBytes(b []byte) (ID, error) {
	u, err := uuid.FromBytes(b)
	if err != nil {
		return ID{}, err
	}
	return ID(u), nil
}

// IsZero reports whether id is the zero value.
func (id ID) IsZero() bool {
	return id == ID{}
}

func (id ID) String() string {
	return uuid.UUID(id).String()
}
