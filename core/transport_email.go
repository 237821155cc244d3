package core

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/smtp"
	"sync"
	"time"
)

// EmailCapabilities: store-and-forward, not real-time, capped at 25 MiB.
func EmailCapabilities(maxSize int) TransportCapabilities {
	return TransportCapabilities{
		MaxMessageSize:  maxSize,
		Reliable:        true,
		RealTime:        false,
		Broadcast:       false,
		Bidirectional:   true,
		Encrypted:       false,
		NetworkSpanning: true,
		SupportedUrgencies: urgencySet(UrgencyBackground, UrgencyBatch),
		Features:        featureSet("store-and-forward"),
	}
}

type EmailConfig struct {
	SMTPHost       string
	SMTPPort       int
	Username       string
	Password       string
	FromAddress    string
	MaxMessageSize int
}

type EmailFactory struct{}

func (EmailFactory) TransportType() TransportType { return TransportEmail }

func (EmailFactory) DefaultConfig() map[string]string {
	return map[string]string{
		"smtp_host":        "localhost",
		"smtp_port":        "587",
		"from_address":     "synapse@localhost",
		"max_message_size": "26214400",
	}
}

func (f EmailFactory) ValidateConfig(cfg map[string]string) error {
	_, err := f.parse(cfg)
	return err
}

func (EmailFactory) parse(cfg map[string]string) (EmailConfig, error) {
	port, err := configInt(cfg, "smtp_port", 587)
	if err != nil {
		return EmailConfig{}, err
	}
	if port < 0 || port > 65535 {
		return EmailConfig{}, configErr("smtp_port", "must be in [0,65535]")
	}
	maxSize, err := configInt(cfg, "max_message_size", 25*1024*1024)
	if err != nil {
		return EmailConfig{}, err
	}
	if maxSize <= 0 || maxSize > 25*1024*1024 {
		return EmailConfig{}, configErr("max_message_size", "must be in (0, 25MiB]")
	}
	from := configString(cfg, "from_address", "synapse@localhost")
	if _, _, err := net.SplitHostPort(from); err == nil {
		// addresses never have a ":" form; this branch is unreachable for
		// valid emails and only guards against accidental host:port input.
		return EmailConfig{}, configErr("from_address", "must be an email address, not host:port")
	}
	return EmailConfig{
		SMTPHost:       configString(cfg, "smtp_host", "localhost"),
		SMTPPort:       port,
		Username:       cfg["username"],
		Password:       cfg["password"],
		FromAddress:    from,
		MaxMessageSize: maxSize,
	}, nil
}

func (f EmailFactory) CreateTransport(cfg map[string]string) (Transport, error) {
	parsed, err := f.parse(cfg)
	if err != nil {
		return nil, err
	}
	return NewEmailTransport(parsed), nil
}

// EmailTransport implements Transport as a store-and-forward SMTP sender
// with an in-memory inbox. No IMAP/POP client library appears anywhere in
// the example corpus (see DESIGN.md), so receiving is modeled as a mock
// poll surface that DeliverToInbox populates — a stand-in for a real
// mailbox poller in a full deployment.
type EmailTransport struct {
	cfg EmailConfig

	mu      sync.Mutex
	status  TransportStatus
	metrics TransportMetrics
	inbox   []IncomingMessage

	sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewEmailTransport(cfg EmailConfig) *EmailTransport {
	return &EmailTransport{cfg: cfg, status: StatusStopped, sendFunc: smtp.SendMail}
}

func (t *EmailTransport) TransportType() TransportType        { return TransportEmail }
func (t *EmailTransport) Capabilities() TransportCapabilities { return EmailCapabilities(t.cfg.MaxMessageSize) }
func (t *EmailTransport) CanReach(target TransportTarget) bool { return target.Address != "" }

func (t *EmailTransport) EstimateMetrics(target TransportTarget) Estimate {
	m := t.Metrics()
	return Estimate{
		LatencyMs:    defaultIfZero(m.AverageLatencyMs, 5000),
		Reliability:  defaultIfZero(m.ReliabilityScore, 0.9),
		BandwidthBps: 1_000_000,
		Cost:         0.1,
		Available:    t.Status() == StatusRunning,
		Confidence:   confidenceFromSampleSize(m.MessagesSent),
	}
}

func (t *EmailTransport) SendMessage(ctx context.Context, target TransportTarget, msg SecureMessage) (DeliveryReceipt, error) {
	if target.Address == "" {
		return DeliveryReceipt{}, &TransportUnavailableError{TransportType: TransportEmail}
	}
	if len(msg.Payload) > t.cfg.MaxMessageSize {
		return DeliveryReceipt{}, &MessageTooLargeError{Size: len(msg.Payload), Limit: t.cfg.MaxMessageSize}
	}

	encoded, err := json.Marshal(msg)
	if err != nil {
		return DeliveryReceipt{}, &SerializationError{Detail: err.Error()}
	}
	body := fmt.Sprintf("Subject: synapse message %s\r\nFrom: %s\r\nTo: %s\r\n\r\n%s\r\n",
		msg.MessageID, t.cfg.FromAddress, target.Address, encoded)

	var auth smtp.Auth
	if t.cfg.Username != "" {
		auth = smtp.PlainAuth("", t.cfg.Username, t.cfg.Password, t.cfg.SMTPHost)
	}
	addr := fmt.Sprintf("%s:%d", t.cfg.SMTPHost, t.cfg.SMTPPort)

	start := time.Now()
	errCh := make(chan error, 1)
	go func() {
		errCh <- t.sendFunc(addr, auth, t.cfg.FromAddress, []string{target.Address}, []byte(body))
	}()

	select {
	case <-ctx.Done():
		t.recordSend(false, 0, 0)
		return DeliveryReceipt{}, &TimeoutError{Operation: "email.send", Elapsed: time.Since(start).String()}
	case err := <-errCh:
		if err != nil {
			t.recordSend(false, 0, 0)
			return DeliveryReceipt{}, fmt.Errorf("email: send: %w", err)
		}
	}
	t.recordSend(true, float64(time.Since(start).Milliseconds()), len(body))

	return DeliveryReceipt{
		MessageID:     msg.MessageID,
		TransportUsed: TransportEmail,
		DeliveryTime:  time.Now(),
		TargetReached: true,
		Confirmation:  ConfirmSent,
	}, nil
}

func (t *EmailTransport) recordSend(success bool, latencyMs float64, bytes int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.metrics.RecordSend(success, latencyMs, bytes)
}

// DeliverToInbox is how an external mailbox poller would hand a fetched
// message to this transport for ReceiveMessages to surface.
func (t *EmailTransport) DeliverToInbox(msg IncomingMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.metrics.RecordReceive(true, len(msg.Message.Payload))
	t.inbox = append(t.inbox, msg)
}

func (t *EmailTransport) ReceiveMessages() []IncomingMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.inbox
	t.inbox = nil
	return out
}

func (t *EmailTransport) TestConnectivity(ctx context.Context, target TransportTarget) ConnectivityResult {
	d := net.Dialer{Timeout: 2 * time.Second}
	addr := fmt.Sprintf("%s:%d", t.cfg.SMTPHost, t.cfg.SMTPPort)
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return ConnectivityResult{Connected: false, Error: err.Error()}
	}
	conn.Close()
	return ConnectivityResult{Connected: true, Quality: 0.6, Details: "smtp port reachable"}
}

func (t *EmailTransport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = StatusRunning
	return nil
}

func (t *EmailTransport) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = StatusStopped
	return nil
}

func (t *EmailTransport) Status() TransportStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *EmailTransport) Metrics() TransportMetrics {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.metrics
}
