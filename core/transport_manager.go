package core

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// SelectionPolicy names one of the six ranking strategies the Manager can
// use to order candidate transports for a send (§4.4).
type SelectionPolicy int

const (
	FirstAvailable SelectionPolicy = iota
	UrgencyBased
	PerformanceBased
	Adaptive
	RoundRobin
	PreferenceOrder
)

func (p SelectionPolicy) String() string {
	switch p {
	case FirstAvailable:
		return "FirstAvailable"
	case UrgencyBased:
		return "UrgencyBased"
	case PerformanceBased:
		return "PerformanceBased"
	case Adaptive:
		return "Adaptive"
	case RoundRobin:
		return "RoundRobin"
	case PreferenceOrder:
		return "PreferenceOrder"
	default:
		return "Unknown"
	}
}

// urgencyPreferenceOrder is the fixed per-urgency-class transport ranking
// UrgencyBased sorts by (§4.4).
var urgencyPreferenceOrder = map[Urgency][]TransportType{
	UrgencyCritical:    {TransportUDP, TransportQUIC, TransportWebSocket, TransportTCP, TransportMDNS},
	UrgencyRealTime:    {TransportUDP, TransportQUIC, TransportWebSocket, TransportTCP, TransportMDNS},
	UrgencyInteractive: {TransportQUIC, TransportWebSocket, TransportTCP, TransportUDP},
	UrgencyBackground:  {TransportEmail, TransportTCP, TransportQUIC},
	UrgencyBatch:       {TransportEmail, TransportTCP, TransportQUIC},
}

// FailoverConfig governs when the Manager marks a transport temporarily
// failed after a string of send failures. MaxRetries, RetryDelayMs and
// MaxRetryDelayMs are carried from configuration but not read: SendMessage
// tries each candidate once and makes no retries.
type FailoverConfig struct {
	Enabled          bool
	MaxRetries       int
	RetryDelayMs     uint64
	MaxRetryDelayMs  uint64
	FailureThreshold float64 // fraction of all sends so far (once there are at least 5) that may fail before marking failed
	RecoveryTimeoutMs uint64
}

// DefaultFailoverConfig returns conservative retry/recovery defaults.
func DefaultFailoverConfig() FailoverConfig {
	return FailoverConfig{
		Enabled:           true,
		MaxRetries:        3,
		RetryDelayMs:      200,
		MaxRetryDelayMs:   5000,
		FailureThreshold:  0.5,
		RecoveryTimeoutMs: 30000,
	}
}

// ManagerConfig is the Manager's external configuration (§6, "Selection-
// policy configuration").
type ManagerConfig struct {
	EnabledTransports     []TransportType
	SelectionPolicy       SelectionPolicy
	Failover              FailoverConfig
	OperationTimeoutMs    uint64
	MetricsUpdateInterval time.Duration
	BreakerConfig         BreakerConfig
	Weights               SelectionWeights
	TransportConfigs      map[TransportType]map[string]string
}

// DefaultManagerConfig returns a Manager configuration usable out of the box
// for every transport the registry knows about.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		SelectionPolicy:       Adaptive,
		Failover:              DefaultFailoverConfig(),
		OperationTimeoutMs:    5000,
		MetricsUpdateInterval: 10 * time.Second,
		BreakerConfig:         DefaultBreakerConfig(),
		Weights:               DefaultSelectionWeights().Normalize(),
		TransportConfigs:      make(map[TransportType]map[string]string),
	}
}

// TransportManager is the Manager described in §4.4 — "the heart" of the
// routing layer: it owns every started transport, its circuit breaker,
// failure bookkeeping, and the unified metrics aggregate, and turns a
// target + message into a ranked attempt sequence with failover.
type TransportManager struct {
	cfg      ManagerConfig
	registry *TransportRegistry
	logger   *logrus.Logger

	mu               sync.RWMutex
	order            []TransportType // registration order, for deterministic ranking
	transports       map[TransportType]Transport
	breakers         map[TransportType]*CircuitBreaker
	failedTransports map[TransportType]time.Time
	roundRobinIndex  uint64
	metrics          *UnifiedMetrics

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewTransportManager constructs a Manager bound to registry; call
// RegisterTransport for each enabled transport type before Start.
func NewTransportManager(registry *TransportRegistry, cfg ManagerConfig, metrics *UnifiedMetrics, logger *logrus.Logger) *TransportManager {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	cfg.Weights = cfg.Weights.Normalize()
	return &TransportManager{
		cfg:              cfg,
		registry:         registry,
		logger:           logger,
		transports:       make(map[TransportType]Transport),
		breakers:         make(map[TransportType]*CircuitBreaker),
		failedTransports: make(map[TransportType]time.Time),
		metrics:          metrics,
		stopCh:           make(chan struct{}),
	}
}

// RegisterTransport creates and stores a transport instance plus a fresh
// circuit breaker, keyed by the transport's own type. Must be called
// before Start.
func (m *TransportManager) RegisterTransport(tt TransportType, transportCfg map[string]string) error {
	tr, err := m.registry.Create(tt, transportCfg)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transports[tt] = tr
	m.breakers[tt] = NewCircuitBreaker(string(tt), m.cfg.BreakerConfig)
	m.order = append(m.order, tt)
	return nil
}

// Start starts every registered transport and the periodic metrics/breaker
// task. A transport that fails to start is logged but does not abort
// startup — the Manager runs in degraded mode with fewer candidates.
func (m *TransportManager) Start(ctx context.Context) error {
	m.mu.RLock()
	types := append([]TransportType(nil), m.order...)
	m.mu.RUnlock()

	for _, tt := range types {
		m.mu.RLock()
		tr := m.transports[tt]
		m.mu.RUnlock()
		if err := tr.Start(ctx); err != nil {
			m.logger.WithError(err).WithField("transport", tt).Warn("transport failed to start; continuing in degraded mode")
		}
	}

	m.wg.Add(1)
	go m.periodicTask(ctx)
	return nil
}

func (m *TransportManager) periodicTask(ctx context.Context) {
	defer m.wg.Done()
	interval := m.cfg.MetricsUpdateInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.runPeriodicTick()
		}
	}
}

func (m *TransportManager) runPeriodicTick() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for tt, tr := range m.transports {
		mt := tr.Metrics()
		if m.metrics != nil {
			m.metrics.Update(tt, mt)
		}
		if b, ok := m.breakers[tt]; ok {
			b.EvaluateExternalTrigger(m.failureRateTrigger(), mt)
		}
	}
	for tt, recoverAt := range m.failedTransports {
		if now.After(recoverAt) || now.Equal(recoverAt) {
			delete(m.failedTransports, tt)
			m.logger.WithField("transport", tt).Info("transport recovery timeout elapsed; re-admitted to candidate set")
		}
	}
}

// failureRateTrigger is the external circuit trigger driven by the
// Manager's own failover threshold: trip when observed reliability falls
// below 1-failure_threshold, recover is left to the breaker's own
// half-open probing (never forced here).
func (m *TransportManager) failureRateTrigger() ExternalTrigger {
	threshold := m.cfg.Failover.FailureThreshold
	return func(mt TransportMetrics, state CircuitState) (bool, bool) {
		if !m.cfg.Failover.Enabled {
			return false, false
		}
		total := mt.MessagesSent + mt.SendFailures
		if total < 5 {
			return false, false
		}
		failureRate := float64(mt.SendFailures) / float64(total)
		return state == StateClosed && failureRate > threshold, false
	}
}

// Stop stops every transport; idempotent.
func (m *TransportManager) Stop() error {
	select {
	case <-m.stopCh:
	default:
		close(m.stopCh)
	}
	m.wg.Wait()

	m.mu.RLock()
	transports := make([]Transport, 0, len(m.transports))
	for _, tr := range m.transports {
		transports = append(transports, tr)
	}
	m.mu.RUnlock()

	var firstErr error
	for _, tr := range transports {
		if err := tr.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// SendMessage ranks candidate transports per the configured selection
// policy, then attempts each in order until one succeeds or all are
// exhausted, per §4.4 steps 1-6.
func (m *TransportManager) SendMessage(ctx context.Context, target TransportTarget, msg SecureMessage) (DeliveryReceipt, error) {
	candidates := m.rankCandidates(target)
	if len(candidates) == 0 {
		return DeliveryReceipt{}, &AllTransportsFailedError{PerTransport: map[TransportType]error{}}
	}

	timeout := time.Duration(m.cfg.OperationTimeoutMs) * time.Millisecond
	perTransportErr := make(map[TransportType]error)

	for _, tt := range candidates {
		m.mu.RLock()
		recoverAt, failed := m.failedTransports[tt]
		tr, hasTransport := m.transports[tt]
		breaker := m.breakers[tt]
		m.mu.RUnlock()
		if !hasTransport {
			continue
		}
		if failed && time.Now().Before(recoverAt) {
			continue
		}
		if breaker != nil && !breaker.CanProceed() {
			perTransportErr[tt] = &CircuitOpenError{TransportType: tt}
			continue
		}

		sendCtx := ctx
		var cancel context.CancelFunc
		if timeout > 0 {
			sendCtx, cancel = context.WithTimeout(ctx, timeout)
		}
		receipt, err := tr.SendMessage(sendCtx, target, msg)
		if cancel != nil {
			cancel()
		}

		if err == nil {
			if breaker != nil {
				breaker.RecordOutcome(OutcomeSuccess)
			}
			return receipt, nil
		}

		perTransportErr[tt] = err
		outcome := OutcomeFailure
		if sendCtx.Err() == context.DeadlineExceeded {
			outcome = OutcomeTimeout
		}
		if breaker != nil {
			breaker.RecordOutcome(outcome)
		}
		m.maybeMarkFailed(tt, tr)
	}

	return DeliveryReceipt{}, &AllTransportsFailedError{PerTransport: perTransportErr}
}

// maybeMarkFailed excludes tt from candidate sets until RecoveryTimeoutMs
// elapses once its observed failure rate crosses failover_config's
// threshold (§4.4 step 5).
func (m *TransportManager) maybeMarkFailed(tt TransportType, tr Transport) {
	if !m.cfg.Failover.Enabled {
		return
	}
	mt := tr.Metrics()
	total := mt.MessagesSent + mt.SendFailures
	if total < 5 {
		return
	}
	rate := float64(mt.SendFailures) / float64(total)
	if rate <= m.cfg.Failover.FailureThreshold {
		return
	}
	recoverAfter := time.Duration(m.cfg.Failover.RecoveryTimeoutMs) * time.Millisecond
	m.mu.Lock()
	m.failedTransports[tt] = time.Now().Add(recoverAfter)
	m.mu.Unlock()
	m.logger.WithField("transport", tt).WithField("failure_rate", rate).Warn("transport marked failed; excluded until recovery timeout")
}

// ReceiveMessages concurrently polls every Running, non-failed transport
// and merges the results. Order across transports is unspecified; within
// a transport it is that transport's own FIFO.
func (m *TransportManager) ReceiveMessages() []IncomingMessage {
	m.mu.RLock()
	type entry struct {
		tt TransportType
		tr Transport
	}
	var active []entry
	for tt, tr := range m.transports {
		if _, failed := m.failedTransports[tt]; failed {
			continue
		}
		if tr.Status() != StatusRunning {
			continue
		}
		active = append(active, entry{tt, tr})
	}
	m.mu.RUnlock()

	results := make([][]IncomingMessage, len(active))
	var wg sync.WaitGroup
	for i, e := range active {
		wg.Add(1)
		go func(i int, tr Transport) {
			defer wg.Done()
			results[i] = tr.ReceiveMessages()
		}(i, e.tr)
	}
	wg.Wait()

	var merged []IncomingMessage
	for _, r := range results {
		merged = append(merged, r...)
	}
	return merged
}

// rankCandidates produces the ordered attempt list for target per the
// Manager's configured SelectionPolicy.
func (m *TransportManager) rankCandidates(target TransportTarget) []TransportType {
	m.mu.RLock()
	defer m.mu.RUnlock()

	available := m.availableLocked()

	switch m.cfg.SelectionPolicy {
	case FirstAvailable:
		sort.Slice(available, func(i, j int) bool { return available[i] < available[j] })
		return available
	case UrgencyBased:
		return m.urgencyRankedLocked(available, target.Urgency)
	case PerformanceBased:
		return m.performanceRankedLocked(available, target)
	case Adaptive:
		ranked := m.performanceRankedLocked(available, target)
		ranked = m.dropOpenBreakersLocked(ranked)
		if len(ranked) == 0 {
			return m.urgencyRankedLocked(available, target.Urgency)
		}
		return ranked
	case RoundRobin:
		return m.roundRobinRankedLocked(available)
	case PreferenceOrder:
		return m.preferenceRankedLocked(available, target.PreferredTransports)
	default:
		sort.Slice(available, func(i, j int) bool { return available[i] < available[j] })
		return available
	}
}

// availableLocked returns every registered, Running, non-failed transport
// type. Caller must hold m.mu (read or write).
func (m *TransportManager) availableLocked() []TransportType {
	var out []TransportType
	for _, tt := range m.order {
		if _, failed := m.failedTransports[tt]; failed {
			continue
		}
		tr, ok := m.transports[tt]
		if !ok || tr.Status() != StatusRunning {
			continue
		}
		out = append(out, tt)
	}
	return out
}

func (m *TransportManager) urgencyRankedLocked(available []TransportType, urgency Urgency) []TransportType {
	set := make(map[TransportType]struct{}, len(available))
	for _, tt := range available {
		if m.transports[tt].Capabilities().SupportsUrgency(urgency) {
			set[tt] = struct{}{}
		}
	}
	var ranked []TransportType
	for _, tt := range urgencyPreferenceOrder[urgency] {
		if _, ok := set[tt]; ok {
			ranked = append(ranked, tt)
			delete(set, tt)
		}
	}
	var rest []TransportType
	for tt := range set {
		rest = append(rest, tt)
	}
	sort.Slice(rest, func(i, j int) bool { return rest[i] < rest[j] })
	return append(ranked, rest...)
}

func (m *TransportManager) performanceRankedLocked(available []TransportType, target TransportTarget) []TransportType {
	w := m.cfg.Weights
	type scored struct {
		tt    TransportType
		score float64
	}
	var scoredList []scored
	for _, tt := range available {
		tr := m.transports[tt]
		if !tr.CanReach(target) {
			continue
		}
		est := tr.EstimateMetrics(target)
		latencyScore := 1.0 / (1.0 + est.LatencyMs/1000.0)
		bandwidthScore := 0.0
		if est.BandwidthBps > 0 {
			bandwidthScore = math.Log10(est.BandwidthBps) / 10.0
		}
		costScore := 1.0 / (1.0 + est.Cost)
		capScore := 0.0
		if est.Available {
			capScore = 1.0
		}
		score := w.Latency*latencyScore + w.Reliability*est.Reliability + w.Bandwidth*bandwidthScore + w.Cost*costScore + w.CapabilityMatch*capScore
		score *= est.Confidence
		scoredList = append(scoredList, scored{tt, score})
	}
	sort.Slice(scoredList, func(i, j int) bool {
		if scoredList[i].score == scoredList[j].score {
			return scoredList[i].tt < scoredList[j].tt
		}
		return scoredList[i].score > scoredList[j].score
	})
	out := make([]TransportType, len(scoredList))
	for i, s := range scoredList {
		out[i] = s.tt
	}
	return out
}

func (m *TransportManager) dropOpenBreakersLocked(candidates []TransportType) []TransportType {
	var out []TransportType
	for _, tt := range candidates {
		if b, ok := m.breakers[tt]; ok && b.State() == StateOpen {
			continue
		}
		out = append(out, tt)
	}
	return out
}

func (m *TransportManager) roundRobinRankedLocked(available []TransportType) []TransportType {
	if len(available) == 0 {
		return nil
	}
	sort.Slice(available, func(i, j int) bool { return available[i] < available[j] })
	idx := int(m.roundRobinIndex % uint64(len(available)))
	m.roundRobinIndex++
	return append(append([]TransportType(nil), available[idx:]...), available[:idx]...)
}

func (m *TransportManager) preferenceRankedLocked(available []TransportType, preferred []TransportType) []TransportType {
	set := make(map[TransportType]struct{}, len(available))
	for _, tt := range available {
		set[tt] = struct{}{}
	}
	var ranked []TransportType
	seen := make(map[TransportType]struct{})
	for _, tt := range preferred {
		if _, ok := set[tt]; ok {
			if _, dup := seen[tt]; !dup {
				ranked = append(ranked, tt)
				seen[tt] = struct{}{}
			}
		}
	}
	for _, tt := range available {
		if _, dup := seen[tt]; !dup {
			ranked = append(ranked, tt)
		}
	}
	return ranked
}

// Metrics returns the Manager's UnifiedMetrics aggregator, or nil if none
// was supplied at construction.
func (m *TransportManager) Metrics() *UnifiedMetrics { return m.metrics }

// BreakerState reports a registered transport's circuit breaker state, for
// CLI/status surfaces.
func (m *TransportManager) BreakerState(tt TransportType) (CircuitState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.breakers[tt]
	if !ok {
		return 0, fmt.Errorf("transport_manager: no breaker registered for %s", tt)
	}
	return b.State(), nil
}
