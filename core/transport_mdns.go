package core

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/sirupsen/logrus"
)

// MDNSCapabilities: local-network-only broadcast, capped at 1024 bytes
// (§4.2) — no NetworkSpanning, since multicast discovery doesn't cross
// routed networks.
func MDNSCapabilities(maxSize int) TransportCapabilities {
	return TransportCapabilities{
		MaxMessageSize:  maxSize,
		Reliable:        false,
		RealTime:        true,
		Broadcast:       true,
		Bidirectional:   true,
		Encrypted:       false,
		NetworkSpanning: false,
		SupportedUrgencies: urgencySet(UrgencyRealTime, UrgencyInteractive),
		Features:        featureSet("multicast", "local-discovery"),
	}
}

type MDNSConfig struct {
	ServiceTag     string
	ListenAddr     string
	MaxMessageSize int
	Topic          string
}

type MDNSFactory struct{}

func (MDNSFactory) TransportType() TransportType { return TransportMDNS }

func (MDNSFactory) DefaultConfig() map[string]string {
	return map[string]string{
		"service_tag":      "synapse-mdns",
		"listen_addr":      "/ip4/0.0.0.0/tcp/0",
		"max_message_size": "1024",
		"topic":            "synapse/mdns/v1",
	}
}

func (f MDNSFactory) ValidateConfig(cfg map[string]string) error {
	_, err := f.parse(cfg)
	return err
}

func (MDNSFactory) parse(cfg map[string]string) (MDNSConfig, error) {
	maxSize, err := configInt(cfg, "max_message_size", 1024)
	if err != nil {
		return MDNSConfig{}, err
	}
	if maxSize <= 0 || maxSize > 1024 {
		return MDNSConfig{}, configErr("max_message_size", "must be in (0, 1024]")
	}
	return MDNSConfig{
		ServiceTag:     configString(cfg, "service_tag", "synapse-mdns"),
		ListenAddr:     configString(cfg, "listen_addr", "/ip4/0.0.0.0/tcp/0"),
		MaxMessageSize: maxSize,
		Topic:          configString(cfg, "topic", "synapse/mdns/v1"),
	}, nil
}

func (f MDNSFactory) CreateTransport(cfg map[string]string) (Transport, error) {
	parsed, err := f.parse(cfg)
	if err != nil {
		return nil, err
	}
	return NewMDNSTransport(parsed), nil
}

// MDNSTransport implements Transport over a libp2p host with gossipsub and
// mDNS peer discovery. A single transport instance owns one topic scoped
// to Synapse traffic. NAT traversal is used only as a best-effort
// diagnostic for TestConnectivity — mDNS peers are local-network by
// construction and don't need port mapping to be discovered.
type MDNSTransport struct {
	cfg MDNSConfig

	mu      sync.Mutex
	status  TransportStatus
	metrics TransportMetrics
	inbox   []IncomingMessage

	host   host.Host
	ps     *pubsub.PubSub
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	nat    *NATManager
	peers  map[string]struct{}
	ctx    context.Context
	cancel context.CancelFunc
}

func NewMDNSTransport(cfg MDNSConfig) *MDNSTransport {
	return &MDNSTransport{cfg: cfg, status: StatusStopped, peers: make(map[string]struct{})}
}

func (t *MDNSTransport) TransportType() TransportType { return TransportMDNS }

func (t *MDNSTransport) Capabilities() TransportCapabilities {
	return MDNSCapabilities(t.cfg.MaxMessageSize)
}

func (t *MDNSTransport) CanReach(target TransportTarget) bool {
	return t.Status() == StatusRunning
}

func (t *MDNSTransport) EstimateMetrics(target TransportTarget) Estimate {
	m := t.Metrics()
	return Estimate{
		LatencyMs:    defaultIfZero(m.AverageLatencyMs, 10),
		Reliability:  defaultIfZero(m.ReliabilityScore, 0.5),
		BandwidthBps: 100_000_000,
		Cost:         0,
		Available:    t.Status() == StatusRunning,
		Confidence:   confidenceFromSampleSize(m.MessagesSent),
	}
}

// HandlePeerFound implements mdns.Notifee: connect to discovered peers.
func (t *MDNSTransport) HandlePeerFound(info peer.AddrInfo) {
	if t.host == nil || info.ID == t.host.ID() {
		return
	}
	t.mu.Lock()
	if _, exists := t.peers[info.ID.String()]; exists {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	if err := t.host.Connect(t.ctx, info); err != nil {
		logrus.Warnf("mdns transport: connect to %s failed: %v", info.ID, err)
		return
	}
	t.mu.Lock()
	t.peers[info.ID.String()] = struct{}{}
	t.mu.Unlock()
	logrus.Infof("mdns transport: connected to peer %s", info.ID)
}

var _ mdns.Notifee = (*MDNSTransport)(nil)

func (t *MDNSTransport) SendMessage(ctx context.Context, target TransportTarget, msg SecureMessage) (DeliveryReceipt, error) {
	if t.Status() != StatusRunning {
		return DeliveryReceipt{}, &TransportUnavailableError{TransportType: TransportMDNS}
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

	start := time.Now()
	if err := t.topic.Publish(ctx, body); err != nil {
		t.recordSend(false, 0, 0)
		return DeliveryReceipt{}, fmt.Errorf("mdns: publish: %w", err)
	}
	t.recordSend(true, float64(time.Since(start).Milliseconds()), len(body))

	return DeliveryReceipt{
		MessageID:     msg.MessageID,
		TransportUsed: TransportMDNS,
		DeliveryTime:  time.Now(),
		TargetReached: false, // multicast: no per-peer ack
		Confirmation:  ConfirmSent,
	}, nil
}

func (t *MDNSTransport) recordSend(success bool, latencyMs float64, bytes int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.metrics.RecordSend(success, latencyMs, bytes)
}

func (t *MDNSTransport) ReceiveMessages() []IncomingMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.inbox
	t.inbox = nil
	return out
}

func (t *MDNSTransport) readLoop() {
	for {
		msg, err := t.sub.Next(t.ctx)
		if err != nil {
			return
		}
		if t.host != nil && msg.GetFrom() == t.host.ID() {
			continue
		}
		var sm SecureMessage
		if err := json.Unmarshal(msg.Data, &sm); err != nil {
			continue
		}
		t.mu.Lock()
		t.metrics.RecordReceive(true, len(msg.Data))
		t.inbox = append(t.inbox, IncomingMessage{
			Message:           sm,
			TransportType:     TransportMDNS,
			Source:            sm.From,
			ReceivedTimestamp: time.Now(),
			Metadata:          map[string]string{"peer_id": msg.GetFrom().String()},
		})
		t.mu.Unlock()
	}
}

func (t *MDNSTransport) TestConnectivity(ctx context.Context, target TransportTarget) ConnectivityResult {
	if t.Status() != StatusRunning {
		return ConnectivityResult{Connected: false, Error: "transport not running"}
	}
	t.mu.Lock()
	peerCount := len(t.peers)
	t.mu.Unlock()
	if peerCount == 0 {
		return ConnectivityResult{Connected: false, Details: "no mDNS peers discovered yet"}
	}
	details := fmt.Sprintf("%d local peer(s) discovered", peerCount)
	if t.nat != nil {
		if ip := t.nat.ExternalIP(); ip != nil {
			details = fmt.Sprintf("%s; external IP %s", details, ip.String())
		}
	}
	return ConnectivityResult{Connected: true, Quality: 0.8, Details: details}
}

func (t *MDNSTransport) Start(ctx context.Context) error {
	t.mu.Lock()
	t.status = StatusStarting
	t.mu.Unlock()

	nodeCtx, cancel := context.WithCancel(ctx)
	h, err := libp2p.New(libp2p.ListenAddrStrings(t.cfg.ListenAddr))
	if err != nil {
		cancel()
		t.setFailed()
		return fmt.Errorf("mdns: create host: %w", err)
	}
	ps, err := pubsub.NewGossipSub(nodeCtx, h)
	if err != nil {
		h.Close()
		cancel()
		t.setFailed()
		return fmt.Errorf("mdns: create pubsub: %w", err)
	}
	topic, err := ps.Join(t.cfg.Topic)
	if err != nil {
		h.Close()
		cancel()
		t.setFailed()
		return fmt.Errorf("mdns: join topic: %w", err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		h.Close()
		cancel()
		t.setFailed()
		return fmt.Errorf("mdns: subscribe: %w", err)
	}

	t.mu.Lock()
	t.host, t.ps, t.topic, t.sub = h, ps, topic, sub
	t.ctx, t.cancel = nodeCtx, cancel
	t.status = StatusRunning
	t.mu.Unlock()

	if natMgr, err := NewNATManager(); err == nil {
		t.mu.Lock()
		t.nat = natMgr
		t.mu.Unlock()
	}

	mdns.NewMdnsService(h, t.cfg.ServiceTag, t)
	go t.readLoop()
	return nil
}

func (t *MDNSTransport) setFailed() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = StatusFailed
}

func (t *MDNSTransport) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status == StatusStopped {
		return nil
	}
	t.status = StatusStopping
	if t.cancel != nil {
		t.cancel()
	}
	if t.nat != nil {
		_ = t.nat.Unmap()
	}
	if t.host != nil {
		_ = t.host.Close()
	}
	t.status = StatusStopped
	return nil
}

func (t *MDNSTransport) Status() TransportStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *MDNSTransport) Metrics() TransportMetrics {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.metrics
}
