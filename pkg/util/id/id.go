// Package id provides the opaque 128-bit identifiers used throughout the
// configuration model.
package id

import (
	"database/sql/driver"
	"fmt"

	"github.com/google/uuid"
)

// ID is an opaque 128-bit identifier.
type ID uuid.UUID

// Nil is the zero ID.
var Nil = ID(uuid.Nil)

// New returns a new random ID.
func New() ID {
	return ID(uuid.New())
}

// Parse parses a string-encoded ID.
func Parse(s string) (ID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return Nil, fmt.Errorf("invalid id %q: %w", s, err)
	}
	return ID(u), nil
}

// String returns the canonical string encoding of the ID.
func (i ID) String() string {
	return uuid.UUID(i).String()
}

// IsNil reports whether the ID is the zero value.
func (i ID) IsNil() bool {
	return i == Nil
}

// MarshalJSON implements json.Marshaler.
func (i ID) MarshalJSON() ([]byte, error) {
	return uuid.UUID(i).MarshalText()
}

// UnmarshalJSON implements json.Unmarshaler.
func (i *ID) UnmarshalJSON(data []byte) error {
	var u uuid.UUID
	if err := u.UnmarshalText(data); err != nil {
		return err
	}
	*i = ID(u)
	return nil
}

// Value implements driver.Valuer, so an ID can be bound directly into a
// database/sql query as its canonical string form.
func (i ID) Value() (driver.Value, error) {
	return uuid.UUID(i).String(), nil
}

// Scan implements sql.Scanner.
func (i *ID) Scan(src any) error {
	switch v := src.(type) {
	case string:
		u, err := uuid.Parse(v)
		if err != nil {
			return err
		}
		*i = ID(u)
		return nil
	case []byte:
		u, err := uuid.ParseBytes(v)
		if err != nil {
			return err
		}
		*i = ID(u)
		return nil
	case nil:
		*i = Nil
		return nil
	default:
		return fmt.Errorf("cannot scan %T into ID", src)
	}
}

// Less provides a stable lexicographic ordering over IDs, used to break
// priority ties when ordering routes.
func Less(a, b ID) bool {
	return a.String() < b.String()
}
