package core

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// TCPCapabilities is the fixed capability set for the TCP transport: a
// reliable, bidirectional, stream-oriented transport capped at 64 MiB
// (§4.2).
func TCPCapabilities(maxSize int) TransportCapabilities {
	return TransportCapabilities{
		MaxMessageSize:  maxSize,
		Reliable:        true,
		RealTime:        false,
		Broadcast:       false,
		Bidirectional:   true,
		Encrypted:       false,
		NetworkSpanning: true,
		SupportedUrgencies: urgencySet(UrgencyCritical, UrgencyRealTime, UrgencyInteractive, UrgencyBackground, UrgencyBatch),
		Features:        featureSet("stream", "pooled"),
	}
}

func urgencySet(us ...Urgency) map[Urgency]struct{} {
	m := make(map[Urgency]struct{}, len(us))
	for _, u := range us {
		m[u] = struct{}{}
	}
	return m
}

func featureSet(fs ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(fs))
	for _, f := range fs {
		m[f] = struct{}{}
	}
	return m
}

// TCPConfig is the parsed, validated configuration for a TCP transport
// instance (canonical keys per §6).
type TCPConfig struct {
	ListenPort          uint16
	ConnectionTimeoutMs uint64
	MaxMessageSize      int
	MaxIdleConns        int
	IdleTTLSeconds      uint64
}

// TCPFactory implements TransportFactory for TransportTCP.
type TCPFactory struct{}

func (TCPFactory) TransportType() TransportType { return TransportTCP }

func (TCPFactory) DefaultConfig() map[string]string {
	return map[string]string{
		"listen_port":           "7070",
		"connection_timeout_ms": "5000",
		"max_message_size":      "67108864",
		"max_idle_conns":        "8",
		"idle_ttl_seconds":      "60",
	}
}

func (f TCPFactory) ValidateConfig(cfg map[string]string) error {
	_, err := f.parse(cfg)
	return err
}

func (TCPFactory) parse(cfg map[string]string) (TCPConfig, error) {
	port, err := configInt(cfg, "listen_port", 7070)
	if err != nil {
		return TCPConfig{}, err
	}
	if port < 0 || port > 65535 {
		return TCPConfig{}, configErr("listen_port", "must be in [0,65535]")
	}
	timeout, err := configUint64(cfg, "connection_timeout_ms", 5000)
	if err != nil {
		return TCPConfig{}, err
	}
	maxSize, err := configInt(cfg, "max_message_size", 64*1024*1024)
	if err != nil {
		return TCPConfig{}, err
	}
	if maxSize <= 0 || maxSize > 64*1024*1024 {
		return TCPConfig{}, configErr("max_message_size", "must be in (0, 64MiB]")
	}
	maxIdle, err := configInt(cfg, "max_idle_conns", 8)
	if err != nil {
		return TCPConfig{}, err
	}
	if maxIdle < 0 {
		return TCPConfig{}, configErr("max_idle_conns", "must be >= 0")
	}
	idleTTL, err := configUint64(cfg, "idle_ttl_seconds", 60)
	if err != nil {
		return TCPConfig{}, err
	}
	if idleTTL == 0 {
		return TCPConfig{}, configErr("idle_ttl_seconds", "must be > 0")
	}
	return TCPConfig{
		ListenPort:          uint16(port),
		ConnectionTimeoutMs: timeout,
		MaxMessageSize:      maxSize,
		MaxIdleConns:        maxIdle,
		IdleTTLSeconds:      idleTTL,
	}, nil
}

func (f TCPFactory) CreateTransport(cfg map[string]string) (Transport, error) {
	parsed, err := f.parse(cfg)
	if err != nil {
		return nil, err
	}
	return NewTCPTransport(parsed), nil
}

// wireEnvelope is the 4-byte-length-prefixed JSON frame exchanged over a
// TCP connection. The wire format itself is not normatively fixed by the
// spec (§1); this is the implementation's chosen framing.
type wireEnvelope struct {
	MessageID string            `json:"message_id"`
	From      string            `json:"from"`
	To        string            `json:"to"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
}

// TCPTransport implements Transport over pooled TCP connections.
type TCPTransport struct {
	cfg  TCPConfig
	pool *ConnPool

	mu       sync.Mutex
	status   TransportStatus
	metrics  TransportMetrics
	listener net.Listener
	inbox    []IncomingMessage
}

// NewTCPTransport constructs a stopped TCP transport.
func NewTCPTransport(cfg TCPConfig) *TCPTransport {
	dialer := NewDialer(time.Duration(cfg.ConnectionTimeoutMs)*time.Millisecond, 30*time.Second)
	maxIdle := cfg.MaxIdleConns
	if maxIdle == 0 {
		maxIdle = 8
	}
	idleTTL := time.Duration(cfg.IdleTTLSeconds) * time.Second
	if idleTTL == 0 {
		idleTTL = 60 * time.Second
	}
	return &TCPTransport{
		cfg:    cfg,
		pool:   NewConnPool(dialer, maxIdle, idleTTL),
		status: StatusStopped,
	}
}

func (t *TCPTransport) TransportType() TransportType { return TransportTCP }

func (t *TCPTransport) Capabilities() TransportCapabilities { return TCPCapabilities(t.cfg.MaxMessageSize) }

func (t *TCPTransport) CanReach(target TransportTarget) bool {
	return target.Address != ""
}

func (t *TCPTransport) EstimateMetrics(target TransportTarget) Estimate {
	m := t.Metrics()
	return Estimate{
		LatencyMs:    m.AverageLatencyMs,
		Reliability:  defaultIfZero(m.ReliabilityScore, 0.8),
		BandwidthBps: 10_000_000,
		Cost:         1,
		Available:    t.Status() == StatusRunning,
		Confidence:   confidenceFromSampleSize(m.MessagesSent),
	}
}

func defaultIfZero(v, def float64) float64 {
	if v == 0 {
		return def
	}
	return v
}

func confidenceFromSampleSize(n uint64) float64 {
	if n == 0 {
		return 0.3
	}
	if n > 20 {
		return 1.0
	}
	return 0.3 + 0.7*float64(n)/20.0
}

func (t *TCPTransport) SendMessage(ctx context.Context, target TransportTarget, msg SecureMessage) (DeliveryReceipt, error) {
	if target.Address == "" {
		return DeliveryReceipt{}, &TransportUnavailableError{TransportType: TransportTCP}
	}
	if len(msg.Payload) > t.cfg.MaxMessageSize {
		return DeliveryReceipt{}, &MessageTooLargeError{Size: len(msg.Payload), Limit: t.cfg.MaxMessageSize}
	}

	start := time.Now()
	conn, err := t.pool.Acquire(ctx, target.Address)
	if err != nil {
		t.recordSend(false, 0, 0)
		return DeliveryReceipt{}, &TimeoutError{Operation: "tcp.send", Elapsed: time.Since(start).String()}
	}

	env := wireEnvelope{
		MessageID: msg.MessageID,
		From:      string(msg.From),
		To:        string(msg.To),
		Payload:   msg.Payload,
		Metadata:  msg.Metadata,
	}
	body, err := json.Marshal(env)
	if err != nil {
		t.pool.Release(conn)
		return DeliveryReceipt{}, &SerializationError{Detail: err.Error()}
	}

	deadline, ok := ctx.Deadline()
	if ok {
		_ = conn.SetWriteDeadline(deadline)
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(body)))
	if _, err := conn.Write(header[:]); err != nil {
		t.pool.Release(conn)
		t.recordSend(false, 0, 0)
		return DeliveryReceipt{}, fmt.Errorf("tcp: write header: %w", err)
	}
	if _, err := conn.Write(body); err != nil {
		t.pool.Release(conn)
		t.recordSend(false, 0, 0)
		return DeliveryReceipt{}, fmt.Errorf("tcp: write body: %w", err)
	}
	t.pool.Release(conn)

	latency := time.Since(start)
	t.recordSend(true, float64(latency.Milliseconds()), len(body))

	return DeliveryReceipt{
		MessageID:     msg.MessageID,
		TransportUsed: TransportTCP,
		DeliveryTime:  time.Now(),
		TargetReached: true,
		Confirmation:  ConfirmSent,
	}, nil
}

func (t *TCPTransport) recordSend(success bool, latencyMs float64, bytes int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.metrics.RecordSend(success, latencyMs, bytes)
}

func (t *TCPTransport) ReceiveMessages() []IncomingMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.inbox
	t.inbox = nil
	return out
}

func (t *TCPTransport) TestConnectivity(ctx context.Context, target TransportTarget) ConnectivityResult {
	start := time.Now()
	d := net.Dialer{Timeout: 2 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", target.Address)
	if err != nil {
		return ConnectivityResult{Connected: false, Error: err.Error(), Quality: 0}
	}
	conn.Close()
	rtt := time.Since(start)
	quality := 1.0
	if rtt > 200*time.Millisecond {
		quality = 0.5
	}
	return ConnectivityResult{Connected: true, RTT: rtt, Quality: quality, Details: "tcp dial probe"}
}

func (t *TCPTransport) Start(ctx context.Context) error {
	t.mu.Lock()
	t.status = StatusStarting
	t.mu.Unlock()

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", t.cfg.ListenPort))
	if err != nil {
		t.mu.Lock()
		t.status = StatusFailed
		t.mu.Unlock()
		return fmt.Errorf("tcp: listen: %w", err)
	}
	t.mu.Lock()
	t.listener = ln
	t.status = StatusRunning
	t.mu.Unlock()

	go t.acceptLoop(ctx, ln)
	return nil
}

func (t *TCPTransport) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go t.handleConn(ctx, conn)
	}
}

func (t *TCPTransport) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		var header [4]byte
		if _, err := io.ReadFull(r, header[:]); err != nil {
			return
		}
		n := binary.BigEndian.Uint32(header[:])
		if int(n) > t.cfg.MaxMessageSize {
			return
		}
		body := make([]byte, n)
		if _, err := io.ReadFull(r, body); err != nil {
			return
		}
		var env wireEnvelope
		if err := json.Unmarshal(body, &env); err != nil {
			continue
		}
		t.mu.Lock()
		t.metrics.RecordReceive(true, len(body))
		t.inbox = append(t.inbox, IncomingMessage{
			Message: SecureMessage{
				MessageID: env.MessageID,
				From:      EntityID(env.From),
				To:        EntityID(env.To),
				Payload:   env.Payload,
				Metadata:  env.Metadata,
				Timestamp: time.Now(),
			},
			TransportType:     TransportTCP,
			Source:            EntityID(env.From),
			ReceivedTimestamp: time.Now(),
		})
		t.mu.Unlock()
	}
}

func (t *TCPTransport) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status == StatusStopped {
		return nil
	}
	t.status = StatusStopping
	if t.listener != nil {
		_ = t.listener.Close()
		t.listener = nil
	}
	t.pool.Close()
	t.status = StatusStopped
	return nil
}

func (t *TCPTransport) Status() TransportStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *TCPTransport) Metrics() TransportMetrics {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.metrics
}

// IdleConnections reports how many pooled TCP connections are currently
// idle, for operators sizing max_idle_conns/idle_ttl_seconds.
func (t *TCPTransport) IdleConnections() int {
	return t.pool.Stats()
}

// IdleConnectionsByPeer breaks IdleConnections down per remote address.
func (t *TCPTransport) IdleConnectionsByPeer() map[string]int {
	return t.pool.StatsByAddress()
}
