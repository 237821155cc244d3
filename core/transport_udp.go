package core

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"
)

// UDPCapabilities: unreliable, real-time, capped at the UDP datagram
// ceiling of 65507 bytes (§4.2).
func UDPCapabilities(maxSize int) TransportCapabilities {
	return TransportCapabilities{
		MaxMessageSize:  maxSize,
		Reliable:        false,
		RealTime:        true,
		Broadcast:       true,
		Bidirectional:   true,
		Encrypted:       false,
		NetworkSpanning: true,
		SupportedUrgencies: urgencySet(UrgencyCritical, UrgencyRealTime),
		Features:        featureSet("datagram"),
	}
}

type UDPConfig struct {
	BindPort       uint16
	MaxMessageSize int
}

type UDPFactory struct{}

func (UDPFactory) TransportType() TransportType { return TransportUDP }

func (UDPFactory) DefaultConfig() map[string]string {
	return map[string]string{"bind_port": "7071", "max_message_size": "65507"}
}

func (f UDPFactory) ValidateConfig(cfg map[string]string) error {
	_, err := f.parse(cfg)
	return err
}

func (UDPFactory) parse(cfg map[string]string) (UDPConfig, error) {
	port, err := configInt(cfg, "bind_port", 7071)
	if err != nil {
		return UDPConfig{}, err
	}
	if port < 0 || port > 65535 {
		return UDPConfig{}, configErr("bind_port", "must be in [0,65535]")
	}
	maxSize, err := configInt(cfg, "max_message_size", 65507)
	if err != nil {
		return UDPConfig{}, err
	}
	if maxSize <= 0 || maxSize > 65507 {
		return UDPConfig{}, configErr("max_message_size", "must be in (0, 65507]")
	}
	return UDPConfig{BindPort: uint16(port), MaxMessageSize: maxSize}, nil
}

func (f UDPFactory) CreateTransport(cfg map[string]string) (Transport, error) {
	parsed, err := f.parse(cfg)
	if err != nil {
		return nil, err
	}
	return NewUDPTransport(parsed), nil
}

// UDPTransport implements Transport over a single bound UDP socket.
type UDPTransport struct {
	cfg UDPConfig

	mu      sync.Mutex
	status  TransportStatus
	metrics TransportMetrics
	conn    *net.UDPConn
	inbox   []IncomingMessage
}

func NewUDPTransport(cfg UDPConfig) *UDPTransport {
	return &UDPTransport{cfg: cfg, status: StatusStopped}
}

func (t *UDPTransport) TransportType() TransportType          { return TransportUDP }
func (t *UDPTransport) Capabilities() TransportCapabilities   { return UDPCapabilities(t.cfg.MaxMessageSize) }
func (t *UDPTransport) CanReach(target TransportTarget) bool  { return target.Address != "" }

func (t *UDPTransport) EstimateMetrics(target TransportTarget) Estimate {
	m := t.Metrics()
	return Estimate{
		LatencyMs:    defaultIfZero(m.AverageLatencyMs, 5),
		Reliability:  defaultIfZero(m.ReliabilityScore, 0.6),
		BandwidthBps: 50_000_000,
		Cost:         0.2,
		Available:    t.Status() == StatusRunning,
		Confidence:   confidenceFromSampleSize(m.MessagesSent),
	}
}

func (t *UDPTransport) SendMessage(ctx context.Context, target TransportTarget, msg SecureMessage) (DeliveryReceipt, error) {
	if target.Address == "" {
		return DeliveryReceipt{}, &TransportUnavailableError{TransportType: TransportUDP}
	}
	if len(msg.Payload) > t.cfg.MaxMessageSize {
		return DeliveryReceipt{}, &MessageTooLargeError{Size: len(msg.Payload), Limit: t.cfg.MaxMessageSize}
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return DeliveryReceipt{}, &SerializationError{Detail: err.Error()}
	}
	if len(body) > t.cfg.MaxMessageSize {
		return DeliveryReceipt{}, &MessageTooLargeError{Size: len(body), Limit: t.cfg.MaxMessageSize}
	}

	addr, err := net.ResolveUDPAddr("udp", target.Address)
	if err != nil {
		return DeliveryReceipt{}, fmt.Errorf("udp: resolve: %w", err)
	}

	start := time.Now()
	deadline, hasDeadline := ctx.Deadline()
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		t.recordSend(false, 0, 0)
		return DeliveryReceipt{}, fmt.Errorf("udp: dial: %w", err)
	}
	defer conn.Close()
	if hasDeadline {
		_ = conn.SetWriteDeadline(deadline)
	}
	if _, err := conn.Write(body); err != nil {
		t.recordSend(false, 0, 0)
		return DeliveryReceipt{}, fmt.Errorf("udp: write: %w", err)
	}
	t.recordSend(true, float64(time.Since(start).Milliseconds()), len(body))

	return DeliveryReceipt{
		MessageID:     msg.MessageID,
		TransportUsed: TransportUDP,
		DeliveryTime:  time.Now(),
		TargetReached: true,
		Confirmation:  ConfirmSent,
	}, nil
}

func (t *UDPTransport) recordSend(success bool, latencyMs float64, bytes int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.metrics.RecordSend(success, latencyMs, bytes)
}

func (t *UDPTransport) ReceiveMessages() []IncomingMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.inbox
	t.inbox = nil
	return out
}

func (t *UDPTransport) TestConnectivity(ctx context.Context, target TransportTarget) ConnectivityResult {
	addr, err := net.ResolveUDPAddr("udp", target.Address)
	if err != nil {
		return ConnectivityResult{Connected: false, Error: err.Error()}
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return ConnectivityResult{Connected: false, Error: err.Error()}
	}
	conn.Close()
	return ConnectivityResult{Connected: true, Quality: 0.7, Details: "udp socket probe (no ack expected)"}
}

func (t *UDPTransport) Start(ctx context.Context) error {
	t.mu.Lock()
	t.status = StatusStarting
	t.mu.Unlock()

	addr := &net.UDPAddr{Port: int(t.cfg.BindPort)}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		t.mu.Lock()
		t.status = StatusFailed
		t.mu.Unlock()
		return fmt.Errorf("udp: listen: %w", err)
	}
	t.mu.Lock()
	t.conn = conn
	t.status = StatusRunning
	t.mu.Unlock()

	go t.readLoop(ctx, conn)
	return nil
}

func (t *UDPTransport) readLoop(ctx context.Context, conn *net.UDPConn) {
	buf := make([]byte, t.cfg.MaxMessageSize)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		var msg SecureMessage
		if err := json.Unmarshal(buf[:n], &msg); err != nil {
			continue
		}
		t.mu.Lock()
		t.metrics.RecordReceive(true, n)
		t.inbox = append(t.inbox, IncomingMessage{
			Message:           msg,
			TransportType:     TransportUDP,
			Source:            msg.From,
			ReceivedTimestamp: time.Now(),
			Metadata:          map[string]string{"src_addr": src.String()},
		})
		t.mu.Unlock()
	}
}

func (t *UDPTransport) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status == StatusStopped {
		return nil
	}
	t.status = StatusStopping
	if t.conn != nil {
		_ = t.conn.Close()
		t.conn = nil
	}
	t.status = StatusStopped
	return nil
}

func (t *UDPTransport) Status() TransportStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *UDPTransport) Metrics() TransportMetrics {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.metrics
}
