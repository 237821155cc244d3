package core

import (
	"fmt"
	"sync"
)

// EntityRecord is what the registry shim knows about one participant: its
// current public key and the transport addresses it can be reached at.
// Real deployments replace this with a proper identity service; this
// in-memory map satisfies the "external identity/key registry" the rest
// of the core assumes exists, and is what the CLI and tests wire up.
type EntityRecord struct {
	ID        EntityID
	PublicKey []byte
	Addresses map[TransportType]string
}

// EntityRegistry is a minimal in-memory identity/key lookup: one
// mutex-guarded map with Register/Get/List access, keyed by EntityID and
// holding each entity's public key and per-transport addresses.
type EntityRegistry struct {
	mu      sync.RWMutex
	records map[EntityID]*EntityRecord
}

// NewEntityRegistry constructs an empty registry.
func NewEntityRegistry() *EntityRegistry {
	return &EntityRegistry{records: make(map[EntityID]*EntityRecord)}
}

// Register adds or replaces id's record.
func (r *EntityRegistry) Register(id EntityID, pubKey []byte, addresses map[TransportType]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[id] = &EntityRecord{ID: id, PublicKey: pubKey, Addresses: addresses}
}

// Get returns id's record, or an error if id is unknown.
func (r *EntityRegistry) Get(id EntityID) (*EntityRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	if !ok {
		return nil, fmt.Errorf("registry: entity %s not registered", id)
	}
	return rec, nil
}

// AddressFor returns id's known address for transport tt, or an error if
// neither the entity nor that transport's address is known.
func (r *EntityRegistry) AddressFor(id EntityID, tt TransportType) (string, error) {
	rec, err := r.Get(id)
	if err != nil {
		return "", err
	}
	addr, ok := rec.Addresses[tt]
	if !ok {
		return "", fmt.Errorf("registry: entity %s has no known %s address", id, tt)
	}
	return addr, nil
}

// List returns every registered entity id.
func (r *EntityRegistry) List() []EntityID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]EntityID, 0, len(r.records))
	for id := range r.records {
		out = append(out, id)
	}
	return out
}

// Deregister removes id's record, if present.
func (r *EntityRegistry) Deregister(id EntityID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, id)
}
