package identity

import (
	"context"
	"errors"
)

var ErrContactNotFound = errors.New("contact not found")

// Registry is the long-lived patient store that imported records are
// reconciled against.
type Registry interface {
	// LookupByUID returns ErrContactNotFound when no contact has uid.
	LookupByUID(ctx context.Context, uid string) (*Contact, error)
	// Insert stores c as a new contact and returns the identifier the
	// registry assigned to it.
	Insert(ctx context.Context, c *Contact) (int64, error)
	// Update overwrites the contact stored under c.UID.
	Update(ctx context.Context, c *Contact) error
}
