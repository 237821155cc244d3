package core

import "testing"

func TestEmailFactoryDefaultConfigIsValid(t *testing.T) {
	f := EmailFactory{}
	if err := f.ValidateConfig(f.DefaultConfig()); err != nil {
		t.Fatalf("expected default config to validate, got %v", err)
	}
}

func TestEmailFactoryRejectsOversizedMessage(t *testing.T) {
	f := EmailFactory{}
	cfg := f.DefaultConfig()
	cfg["max_message_size"] = "99999999"
	if err := f.ValidateConfig(cfg); err == nil {
		t.Fatalf("expected rejection above the 25MiB cap")
	}
}

func TestEmailFactoryRejectsHostPortFromAddress(t *testing.T) {
	f := EmailFactory{}
	cfg := f.DefaultConfig()
	cfg["from_address"] = "localhost:25"
	if err := f.ValidateConfig(cfg); err == nil {
		t.Fatalf("expected rejection of a host:port from_address")
	}
}

func TestEmailTransportCapabilitiesAreStoreAndForward(t *testing.T) {
	f := EmailFactory{}
	tr, err := f.CreateTransport(f.DefaultConfig())
	if err != nil {
		t.Fatalf("create transport: %v", err)
	}
	caps := tr.Capabilities()
	if caps.RealTime {
		t.Fatalf("expected email transport to report RealTime=false")
	}
	if _, ok := caps.SupportedUrgencies[UrgencyCritical]; ok {
		t.Fatalf("expected email transport to not support Critical urgency")
	}
}
