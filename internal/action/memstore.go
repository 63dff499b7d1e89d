package action

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/cory-johannsen/gamegate/internal/session"
)

// MemoryStore is an in-process Store for standalone deployments and tests.
// All methods are safe for concurrent use.
type MemoryStore struct {
	mu        sync.Mutex
	resources map[string]Resource
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a store holding seeds.
//
// Postcondition: Seeds without a version start at version 1.
func NewMemoryStore(seeds ...Resource) *MemoryStore {
	s := &MemoryStore{resources: make(map[string]Resource, len(seeds))}
	for _, r := range seeds {
		if r.Version <= 0 {
			r.Version = 1
		}
		s.resources[r.ID] = cloneResource(r)
	}
	return s
}

// Load implements Store.
func (s *MemoryStore) Load(_ context.Context, id string) (Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.resources[id]
	if !ok {
		return Resource{}, fmt.Errorf("%w: %s", ErrResourceNotFound, id)
	}
	return cloneResource(r), nil
}

// Save implements Store.
func (s *MemoryStore) Save(_ context.Context, res Resource, expected int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.resources[res.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrResourceNotFound, res.ID)
	}
	if cur.Version != expected {
		return fmt.Errorf("%w: %s at %d, expected %d", ErrVersionConflict, res.ID, cur.Version, expected)
	}
	s.resources[res.ID] = cloneResource(res)
	return nil
}

// IDs returns the stored resource ids, sorted.
func (s *MemoryStore) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.resources))
	for id := range s.resources {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func cloneResource(r Resource) Resource {
	r.State = append(json.RawMessage(nil), r.State...)
	return r
}

// VersionLookup adapts store to session.VersionLookup for resource channels.
// Channels that are not resource channels, or whose resource is missing,
// carry no version.
func VersionLookup(store Store) session.VersionLookup {
	return session.VersionLookupFunc(func(ctx context.Context, channel string) (int64, bool, error) {
		id, ok := ResourceForChannel(channel)
		if !ok {
			return 0, false, nil
		}
		res, err := store.Load(ctx, id)
		if errors.Is(err, ErrResourceNotFound) {
			return 0, false, nil
		}
		if err != nil {
			return 0, false, err
		}
		return res.Version, true, nil
	})
}
