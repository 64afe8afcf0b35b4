package identity

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrContactExists = errors.New("contact already exists")
	ErrUIDMismatch   = errors.New("identity fields do not match uid")
)

type Service struct {
	registry Registry
	now      func() time.Time
}

func NewService(registry Registry) *Service {
	return &Service{registry: registry, now: time.Now}
}

func (s *Service) GetContact(ctx context.Context, uid string) (*Contact, error) {
	return s.registry.LookupByUID(ctx, uid)
}

// CreateContact normalizes c, derives its UID and inserts it.
func (s *Service) CreateContact(ctx context.Context, c *Contact) error {
	normalizeContact(c)
	if err := Validate(c); err != nil {
		return err
	}
	c.UID = ComputeUID(c)

	if _, err := s.registry.LookupByUID(ctx, c.UID); err == nil {
		return ErrContactExists
	} else if !errors.Is(err, ErrContactNotFound) {
		return fmt.Errorf("create contact: %w", err)
	}

	c.TimeStamp = s.now().Format(TimeStampLayout)
	id, err := s.registry.Insert(ctx, c)
	if err != nil {
		return err
	}
	c.ID = &id
	return nil
}

// UpdateContact changes the non-identity fields of the contact stored under
// c.UID. Editing name or birthdate would change the UID and orphan the
// patient's record directory, so such updates are refused.
func (s *Service) UpdateContact(ctx context.Context, c *Contact) error {
	normalizeContact(c)
	if err := Validate(c); err != nil {
		return err
	}
	if ComputeUID(c) != c.UID {
		return ErrUIDMismatch
	}

	stored, err := s.registry.LookupByUID(ctx, c.UID)
	if err != nil {
		return err
	}
	c.ID = stored.ID
	c.TimeStamp = stored.TimeStamp
	return s.registry.Update(ctx, c)
}

func normalizeContact(c *Contact) {
	if bd, err := NormalizeBirthdate(c.Birthdate); err == nil {
		c.Birthdate = bd
	}
	c.Gender = NormalizeGender(c.Gender)
}
