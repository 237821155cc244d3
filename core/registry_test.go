package core

import "testing"

func TestEntityRegistryRegisterAndGet(t *testing.T) {
	r := NewEntityRegistry()
	r.Register("alice", []byte("pubkey"), map[TransportType]string{TransportTCP: "10.0.0.1:9000"})

	rec, err := r.Get("alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.ID != "alice" || string(rec.PublicKey) != "pubkey" {
		t.Fatalf("unexpected record: %+v", rec)
	}

	addr, err := r.AddressFor("alice", TransportTCP)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if addr != "10.0.0.1:9000" {
		t.Fatalf("expected registered address, got %s", addr)
	}
}

func TestEntityRegistryUnknownEntity(t *testing.T) {
	r := NewEntityRegistry()
	if _, err := r.Get("ghost"); err == nil {
		t.Fatalf("expected error for unregistered entity")
	}
}

func TestEntityRegistryAddressForUnknownTransport(t *testing.T) {
	r := NewEntityRegistry()
	r.Register("alice", []byte("pubkey"), map[TransportType]string{TransportTCP: "10.0.0.1:9000"})
	if _, err := r.AddressFor("alice", TransportHTTP); err == nil {
		t.Fatalf("expected error for transport with no known address")
	}
}

func TestEntityRegistryDeregister(t *testing.T) {
	r := NewEntityRegistry()
	r.Register("alice", []byte("pubkey"), nil)
	r.Deregister("alice")
	if _, err := r.Get("alice"); err == nil {
		t.Fatalf("expected error after deregistering")
	}
}

func TestEntityRegistryList(t *testing.T) {
	r := NewEntityRegistry()
	r.Register("alice", []byte("a"), nil)
	r.Register("bob", []byte("b"), nil)
	ids := r.List()
	if len(ids) != 2 {
		t.Fatalf("expected 2 entities, got %d", len(ids))
	}
}
