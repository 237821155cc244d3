package core

import (
	"context"
	"testing"
	"time"
)

func TestTCPFactoryDefaultConfigIsValid(t *testing.T) {
	f := TCPFactory{}
	if err := f.ValidateConfig(f.DefaultConfig()); err != nil {
		t.Fatalf("expected default config to validate, got %v", err)
	}
}

func TestTCPFactoryRejectsOutOfRangePort(t *testing.T) {
	f := TCPFactory{}
	cfg := f.DefaultConfig()
	cfg["listen_port"] = "99999"
	if err := f.ValidateConfig(cfg); err == nil {
		t.Fatalf("expected rejection of out-of-range listen_port")
	}
}

func TestTCPFactoryRejectsOversizedMaxMessage(t *testing.T) {
	f := TCPFactory{}
	cfg := f.DefaultConfig()
	cfg["max_message_size"] = "999999999"
	if err := f.ValidateConfig(cfg); err == nil {
		t.Fatalf("expected rejection of max_message_size above the 64MiB cap")
	}
}

func TestTCPFactoryRejectsZeroIdleTTL(t *testing.T) {
	f := TCPFactory{}
	cfg := f.DefaultConfig()
	cfg["idle_ttl_seconds"] = "0"
	if err := f.ValidateConfig(cfg); err == nil {
		t.Fatalf("expected rejection of a zero idle_ttl_seconds")
	}
}

func TestTCPTransportUsesConfiguredPoolSizing(t *testing.T) {
	f := TCPFactory{}
	cfg := f.DefaultConfig()
	cfg["max_idle_conns"] = "1"
	cfg["idle_ttl_seconds"] = "2"
	parsed, err := f.parse(cfg)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed.MaxIdleConns != 1 || parsed.IdleTTLSeconds != 2 {
		t.Fatalf("expected parsed pool sizing 1/2s, got %d/%ds", parsed.MaxIdleConns, parsed.IdleTTLSeconds)
	}

	transport := NewTCPTransport(parsed)
	defer transport.pool.Close()
	if got := transport.IdleConnections(); got != 0 {
		t.Fatalf("expected a freshly built transport to start with 0 idle connections, got %d", got)
	}
}

func TestTCPTransportSendAndReceiveRoundTrip(t *testing.T) {
	f := TCPFactory{}
	cfg := f.DefaultConfig()
	cfg["listen_port"] = "0"
	tr, err := f.CreateTransport(cfg)
	if err != nil {
		t.Fatalf("create transport: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := tr.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer tr.Stop()

	tcpTr := tr.(*TCPTransport)
	addr := tcpTr.listener.Addr().String()

	target := TransportTarget{Identifier: "bob", Address: addr, Urgency: UrgencyInteractive}
	msg := SecureMessage{MessageID: "m1", From: "alice", To: "bob", Payload: []byte("hello"), Timestamp: time.Now()}

	receipt, err := tr.SendMessage(ctx, target, msg)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !receipt.TargetReached || receipt.TransportUsed != TransportTCP {
		t.Fatalf("unexpected receipt: %+v", receipt)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if msgs := tr.ReceiveMessages(); len(msgs) > 0 {
			if string(msgs[0].Message.Payload) != "hello" {
				t.Fatalf("unexpected payload: %s", msgs[0].Message.Payload)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected to receive the sent message before the deadline")
}

func TestTCPTransportSendRejectsOversizedPayload(t *testing.T) {
	f := TCPFactory{}
	cfg := f.DefaultConfig()
	cfg["listen_port"] = "0"
	cfg["max_message_size"] = "4"
	tr, err := f.CreateTransport(cfg)
	if err != nil {
		t.Fatalf("create transport: %v", err)
	}
	ctx := context.Background()
	_, err = tr.SendMessage(ctx, TransportTarget{Address: "127.0.0.1:1"}, SecureMessage{Payload: []byte("too big")})
	if err == nil {
		t.Fatalf("expected MessageTooLargeError")
	}
}

func TestTCPTransportStopIsIdempotent(t *testing.T) {
	f := TCPFactory{}
	cfg := f.DefaultConfig()
	cfg["listen_port"] = "0"
	tr, err := f.CreateTransport(cfg)
	if err != nil {
		t.Fatalf("create transport: %v", err)
	}
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := tr.Stop(); err != nil {
		t.Fatalf("first stop: %v", err)
	}
	if err := tr.Stop(); err != nil {
		t.Fatalf("second stop should be a no-op, got %v", err)
	}
}
