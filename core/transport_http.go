package core

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
)

// HTTPCapabilities: request/response, firewall-friendly, not real-time.
func HTTPCapabilities(maxSize int) TransportCapabilities {
	return TransportCapabilities{
		MaxMessageSize:  maxSize,
		Reliable:        true,
		RealTime:        false,
		Broadcast:       false,
		Bidirectional:   true,
		Encrypted:       false,
		NetworkSpanning: true,
		SupportedUrgencies: urgencySet(UrgencyInteractive, UrgencyBackground, UrgencyBatch),
		Features:        featureSet("request-response", "firewall-friendly"),
	}
}

type HTTPConfig struct {
	UseHTTPS       bool
	ServerPort     int
	ServerAddress  string
	TimeoutMs      uint64
	MaxMessageSize int
	UserAgent      string
}

type HTTPFactory struct{}

func (HTTPFactory) TransportType() TransportType { return TransportHTTP }

func (HTTPFactory) DefaultConfig() map[string]string {
	return map[string]string{
		"use_https":        "false",
		"server_port":      "8787",
		"server_address":   "0.0.0.0",
		"timeout_ms":       "5000",
		"max_message_size": "10485760",
		"user_agent":       "synapse-transport/1.0",
	}
}

func (f HTTPFactory) ValidateConfig(cfg map[string]string) error {
	_, err := f.parse(cfg)
	return err
}

func (HTTPFactory) parse(cfg map[string]string) (HTTPConfig, error) {
	useHTTPS, err := configBool(cfg, "use_https", false)
	if err != nil {
		return HTTPConfig{}, err
	}
	port, err := configInt(cfg, "server_port", 8787)
	if err != nil {
		return HTTPConfig{}, err
	}
	if port < 0 || port > 65535 {
		return HTTPConfig{}, configErr("server_port", "must be in [0,65535]")
	}
	timeout, err := configUint64(cfg, "timeout_ms", 5000)
	if err != nil {
		return HTTPConfig{}, err
	}
	maxSize, err := configInt(cfg, "max_message_size", 10*1024*1024)
	if err != nil {
		return HTTPConfig{}, err
	}
	return HTTPConfig{
		UseHTTPS:       useHTTPS,
		ServerPort:     port,
		ServerAddress:  configString(cfg, "server_address", "0.0.0.0"),
		TimeoutMs:      timeout,
		MaxMessageSize: maxSize,
		UserAgent:      configString(cfg, "user_agent", "synapse-transport/1.0"),
	}, nil
}

func (f HTTPFactory) CreateTransport(cfg map[string]string) (Transport, error) {
	parsed, err := f.parse(cfg)
	if err != nil {
		return nil, err
	}
	return NewHTTPTransport(parsed), nil
}

// HTTPTransport implements Transport by POSTing messages and exposing a
// chi-routed receive endpoint. server_port == 0 disables the server half
// (send-only client).
type HTTPTransport struct {
	cfg    HTTPConfig
	client *http.Client

	mu      sync.Mutex
	status  TransportStatus
	metrics TransportMetrics
	server  *http.Server
	inbox   []IncomingMessage
}

func NewHTTPTransport(cfg HTTPConfig) *HTTPTransport {
	return &HTTPTransport{
		cfg:    cfg,
		client: &http.Client{Timeout: time.Duration(cfg.TimeoutMs) * time.Millisecond},
		status: StatusStopped,
	}
}

func (t *HTTPTransport) TransportType() TransportType        { return TransportHTTP }
func (t *HTTPTransport) Capabilities() TransportCapabilities { return HTTPCapabilities(t.cfg.MaxMessageSize) }
func (t *HTTPTransport) CanReach(target TransportTarget) bool { return target.Address != "" }

func (t *HTTPTransport) EstimateMetrics(target TransportTarget) Estimate {
	m := t.Metrics()
	return Estimate{
		LatencyMs:    defaultIfZero(m.AverageLatencyMs, 50),
		Reliability:  defaultIfZero(m.ReliabilityScore, 0.85),
		BandwidthBps: 20_000_000,
		Cost:         0.5,
		Available:    t.Status() == StatusRunning,
		Confidence:   confidenceFromSampleSize(m.MessagesSent),
	}
}

func (t *HTTPTransport) scheme() string {
	if t.cfg.UseHTTPS {
		return "https"
	}
	return "http"
}

func (t *HTTPTransport) SendMessage(ctx context.Context, target TransportTarget, msg SecureMessage) (DeliveryReceipt, error) {
	if target.Address == "" {
		return DeliveryReceipt{}, &TransportUnavailableError{TransportType: TransportHTTP}
	}
	if len(msg.Payload) > t.cfg.MaxMessageSize {
		return DeliveryReceipt{}, &MessageTooLargeError{Size: len(msg.Payload), Limit: t.cfg.MaxMessageSize}
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return DeliveryReceipt{}, &SerializationError{Detail: err.Error()}
	}

	url := fmt.Sprintf("%s://%s/synapse/v1/messages", t.scheme(), target.Address)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return DeliveryReceipt{}, fmt.Errorf("http: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", t.cfg.UserAgent)

	start := time.Now()
	resp, err := t.client.Do(req)
	if err != nil {
		t.recordSend(false, 0, 0)
		if ctx.Err() != nil {
			return DeliveryReceipt{}, &TimeoutError{Operation: "http.send", Elapsed: time.Since(start).String()}
		}
		return DeliveryReceipt{}, fmt.Errorf("http: do: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		t.recordSend(false, 0, 0)
		return DeliveryReceipt{}, fmt.Errorf("http: unexpected status %d", resp.StatusCode)
	}
	t.recordSend(true, float64(time.Since(start).Milliseconds()), len(body))

	return DeliveryReceipt{
		MessageID:     msg.MessageID,
		TransportUsed: TransportHTTP,
		DeliveryTime:  time.Now(),
		TargetReached: true,
		Confirmation:  ConfirmReceived,
	}, nil
}

func (t *HTTPTransport) recordSend(success bool, latencyMs float64, bytes int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.metrics.RecordSend(success, latencyMs, bytes)
}

func (t *HTTPTransport) ReceiveMessages() []IncomingMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.inbox
	t.inbox = nil
	return out
}

func (t *HTTPTransport) TestConnectivity(ctx context.Context, target TransportTarget) ConnectivityResult {
	url := fmt.Sprintf("%s://%s/synapse/v1/health", t.scheme(), target.Address)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return ConnectivityResult{Connected: false, Error: err.Error()}
	}
	start := time.Now()
	resp, err := t.client.Do(req)
	if err != nil {
		return ConnectivityResult{Connected: false, Error: err.Error()}
	}
	defer resp.Body.Close()
	rtt := time.Since(start)
	quality := 1.0
	if resp.StatusCode >= 300 {
		quality = 0.3
	}
	return ConnectivityResult{Connected: resp.StatusCode < 300, RTT: rtt, Quality: quality, Details: fmt.Sprintf("status=%d", resp.StatusCode)}
}

func (t *HTTPTransport) router() http.Handler {
	r := chi.NewRouter()
	r.Get("/synapse/v1/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Post("/synapse/v1/messages", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, int64(t.cfg.MaxMessageSize)+1))
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if len(body) > t.cfg.MaxMessageSize {
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			return
		}
		var msg SecureMessage
		if err := json.Unmarshal(body, &msg); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		t.mu.Lock()
		t.metrics.RecordReceive(true, len(body))
		t.inbox = append(t.inbox, IncomingMessage{
			Message:           msg,
			TransportType:     TransportHTTP,
			Source:            msg.From,
			ReceivedTimestamp: time.Now(),
		})
		t.mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	})
	return r
}

func (t *HTTPTransport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cfg.ServerPort == 0 {
		t.status = StatusRunning
		return nil
	}
	t.status = StatusStarting
	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", t.cfg.ServerAddress, t.cfg.ServerPort),
		Handler: t.router(),
	}
	t.server = srv
	go func() {
		_ = srv.ListenAndServe()
	}()
	t.status = StatusRunning
	return nil
}

func (t *HTTPTransport) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status == StatusStopped {
		return nil
	}
	t.status = StatusStopping
	if t.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = t.server.Shutdown(ctx)
		t.server = nil
	}
	t.status = StatusStopped
	return nil
}

func (t *HTTPTransport) Status() TransportStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *HTTPTransport) Metrics() TransportMetrics {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.metrics
}
