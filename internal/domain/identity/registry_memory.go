package identity

import (
	"context"
	"fmt"
	"sync"
)

// MemoryRegistry is a thread-safe, in-memory Registry for tests and
// development.
type MemoryRegistry struct {
	mu     sync.RWMutex
	byUID  map[string]*Contact
	nextID int64
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		byUID:  make(map[string]*Contact),
		nextID: 1,
	}
}

func (r *MemoryRegistry) LookupByUID(_ context.Context, uid string) (*Contact, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.byUID[uid]
	if !ok {
		return nil, ErrContactNotFound
	}
	return c.Clone(), nil
}

func (r *MemoryRegistry) Insert(_ context.Context, c *Contact) (int64, error) {
	if c.UID == "" {
		return 0, fmt.Errorf("insert contact: uid is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byUID[c.UID]; ok {
		return 0, fmt.Errorf("insert contact: uid %s already exists", c.UID)
	}
	id := r.nextID
	r.nextID++

	stored := c.Clone()
	stored.ID = &id
	r.byUID[c.UID] = stored
	return id, nil
}

func (r *MemoryRegistry) Update(_ context.Context, c *Contact) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.byUID[c.UID]
	if !ok {
		return ErrContactNotFound
	}
	stored := c.Clone()
	stored.ID = cur.ID
	r.byUID[c.UID] = stored
	return nil
}

// Len returns the number of stored contacts.
func (r *MemoryRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUID)
}
