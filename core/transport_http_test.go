package core

import "testing"

func TestHTTPFactoryDefaultConfigIsValid(t *testing.T) {
	f := HTTPFactory{}
	if err := f.ValidateConfig(f.DefaultConfig()); err != nil {
		t.Fatalf("expected default config to validate, got %v", err)
	}
}

func TestHTTPFactoryRejectsOutOfRangePort(t *testing.T) {
	f := HTTPFactory{}
	cfg := f.DefaultConfig()
	cfg["server_port"] = "70000"
	if err := f.ValidateConfig(cfg); err == nil {
		t.Fatalf("expected rejection of out-of-range server_port")
	}
}

func TestHTTPFactoryRejectsMalformedBoolean(t *testing.T) {
	f := HTTPFactory{}
	cfg := f.DefaultConfig()
	cfg["use_https"] = "maybe"
	if err := f.ValidateConfig(cfg); err == nil {
		t.Fatalf("expected rejection of a non-boolean use_https")
	}
}

func TestHTTPTransportCapabilitiesAreRequestResponse(t *testing.T) {
	f := HTTPFactory{}
	tr, err := f.CreateTransport(f.DefaultConfig())
	if err != nil {
		t.Fatalf("create transport: %v", err)
	}
	caps := tr.Capabilities()
	if caps.RealTime {
		t.Fatalf("expected HTTP transport to report RealTime=false")
	}
	if !caps.Reliable {
		t.Fatalf("expected HTTP transport to report Reliable=true")
	}
}
