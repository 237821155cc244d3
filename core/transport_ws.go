package core

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketCapabilities: bidirectional, real-time-capable, but declared
// here as a capability probe only — no send/receive path is wired yet
// (see WebSocketTransport doc comment).
func WebSocketCapabilities(maxSize int) TransportCapabilities {
	return TransportCapabilities{
		MaxMessageSize:  maxSize,
		Reliable:        true,
		RealTime:        true,
		Broadcast:       false,
		Bidirectional:   true,
		Encrypted:       false,
		NetworkSpanning: true,
		SupportedUrgencies: urgencySet(UrgencyRealTime, UrgencyInteractive),
		Features:        featureSet("full-duplex", "experimental"),
	}
}

type WebSocketConfig struct {
	ServerAddress  string
	MaxMessageSize int
	HandshakeMs    uint64
}

type WebSocketFactory struct{}

func (WebSocketFactory) TransportType() TransportType { return TransportWebSocket }

func (WebSocketFactory) DefaultConfig() map[string]string {
	return map[string]string{
		"server_address":   "",
		"max_message_size": "1048576",
		"handshake_ms":     "5000",
	}
}

func (f WebSocketFactory) ValidateConfig(cfg map[string]string) error {
	_, err := f.parse(cfg)
	return err
}

func (WebSocketFactory) parse(cfg map[string]string) (WebSocketConfig, error) {
	maxSize, err := configInt(cfg, "max_message_size", 1024*1024)
	if err != nil {
		return WebSocketConfig{}, err
	}
	handshake, err := configUint64(cfg, "handshake_ms", 5000)
	if err != nil {
		return WebSocketConfig{}, err
	}
	return WebSocketConfig{
		ServerAddress:  configString(cfg, "server_address", ""),
		MaxMessageSize: maxSize,
		HandshakeMs:    handshake,
	}, nil
}

func (f WebSocketFactory) CreateTransport(cfg map[string]string) (Transport, error) {
	parsed, err := f.parse(cfg)
	if err != nil {
		return nil, err
	}
	return NewWebSocketTransport(parsed), nil
}

// WebSocketTransport is a capability-declaring stub. It exercises
// gorilla/websocket for the one thing that can be done without a paired
// server implementation — a handshake-level reachability probe via
// Dialer.Dial — but SendMessage returns TransportUnavailableError and
// ReceiveMessages always returns nil.
type WebSocketTransport struct {
	cfg WebSocketConfig

	mu      sync.Mutex
	status  TransportStatus
	metrics TransportMetrics

	dialer *websocket.Dialer
}

func NewWebSocketTransport(cfg WebSocketConfig) *WebSocketTransport {
	return &WebSocketTransport{
		cfg:    cfg,
		status: StatusStopped,
		dialer: &websocket.Dialer{HandshakeTimeout: time.Duration(cfg.HandshakeMs) * time.Millisecond},
	}
}

func (t *WebSocketTransport) TransportType() TransportType { return TransportWebSocket }

func (t *WebSocketTransport) Capabilities() TransportCapabilities {
	return WebSocketCapabilities(t.cfg.MaxMessageSize)
}

func (t *WebSocketTransport) CanReach(target TransportTarget) bool { return false }

func (t *WebSocketTransport) EstimateMetrics(target TransportTarget) Estimate {
	return Estimate{Available: false, Confidence: 0}
}

func (t *WebSocketTransport) SendMessage(ctx context.Context, target TransportTarget, msg SecureMessage) (DeliveryReceipt, error) {
	return DeliveryReceipt{}, &TransportUnavailableError{TransportType: TransportWebSocket}
}

func (t *WebSocketTransport) ReceiveMessages() []IncomingMessage { return nil }

func (t *WebSocketTransport) TestConnectivity(ctx context.Context, target TransportTarget) ConnectivityResult {
	u := url.URL{Scheme: "ws", Host: target.Address, Path: "/"}
	deadline, ok := ctx.Deadline()
	dialer := *t.dialer
	if ok {
		dialer.HandshakeTimeout = time.Until(deadline)
	}
	start := time.Now()
	conn, resp, err := dialer.DialContext(ctx, u.String(), http.Header{})
	if err != nil {
		detail := err.Error()
		if resp != nil {
			detail = fmt.Sprintf("%s (status %d)", detail, resp.StatusCode)
		}
		return ConnectivityResult{Connected: false, Error: detail}
	}
	conn.Close()
	return ConnectivityResult{Connected: true, RTT: time.Since(start), Quality: 0.5, Details: "handshake-only probe, no data path"}
}

func (t *WebSocketTransport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = StatusDegraded
	return nil
}

func (t *WebSocketTransport) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = StatusStopped
	return nil
}

func (t *WebSocketTransport) Status() TransportStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *WebSocketTransport) Metrics() TransportMetrics {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.metrics
}

// QUICCapabilities documents the QUIC transport's intended shape. No QUIC
// library appears in the example corpus, so unlike WebSocket there is no
// concrete QUICTransport — it is declared here only so the Manager's
// TransportType enumeration and config schema have a stable place to grow
// into once a library is selected (see DESIGN.md).
func QUICCapabilities(maxSize int) TransportCapabilities {
	return TransportCapabilities{
		MaxMessageSize:  maxSize,
		Reliable:        true,
		RealTime:        true,
		Broadcast:       false,
		Bidirectional:   true,
		Encrypted:       true,
		NetworkSpanning: true,
		SupportedUrgencies: urgencySet(UrgencyCritical, UrgencyRealTime),
		Features:        featureSet("unimplemented"),
	}
}
