package core

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// TrustBalance is the derived view of one participant's standing (§3).
// total = available + staked holds whenever staked does not exceed total
// (Balance clamps available to zero otherwise): Total is recomputed from the
// chain on every read rather than stored, so there is nothing to keep in sync.
type TrustBalance struct {
	Participant    EntityID
	Total          uint64
	Available      uint64
	Staked         uint64
	EarnedLifetime uint64
	LastActivity   time.Time
	DecayRate      float64
}

// ActiveStake is a locked allocation of a participant's trust points (§3).
type ActiveStake struct {
	ID          string
	Participant EntityID
	Amount      uint64
	Purpose     StakePurpose
	StakedAt    time.Time
	LockedUntil *time.Time
}

func (s *ActiveStake) locked(now time.Time) bool {
	return s.LockedUntil != nil && now.Before(*s.LockedUntil)
}

// ChainReader is the narrow view of the Blockchain facade the Staking
// Manager needs to derive balances: it scans every block's transactions
// rather than keeping its own ledger, per §4.7.
type ChainReader interface {
	Blocks() []*Block
}

// StakingConfig carries the bounds from the "staking" section of the
// blockchain configuration (§6).
type StakingConfig struct {
	MinStakeAmount       uint64
	MaxStakeAmount       uint64
	MinStakeForReport    uint64
	MinStakeForConsensus uint64
	SlashPercentage      float64
}

// DefaultStakingConfig gives a workable starting point for local testing.
func DefaultStakingConfig() StakingConfig {
	return StakingConfig{
		MinStakeAmount:       1,
		MaxStakeAmount:       1_000_000,
		MinStakeForReport:    10,
		MinStakeForConsensus: 100,
		SlashPercentage:      0.1,
	}
}

// StakingManager derives every participant's trust-point balance from the
// chain on each call, plus an in-memory table of ActiveStakes covering the
// full stake/unstake/slash/lock lifecycle.
type StakingManager struct {
	cfg    StakingConfig
	chain  ChainReader
	logger *logrus.Logger

	mu             sync.RWMutex
	stakes         map[EntityID][]*ActiveStake
	frozen         map[EntityID]struct{}   // participants whose available<0 was observed; refused further stakes
	decayed        map[EntityID]uint64     // lifetime trust-point decay applied via ProcessTrustDecay
	activity       map[EntityID]time.Time
	decayedThrough map[EntityID]time.Time // watermark: decay has already been charged up to this instant
}

// NewStakingManager constructs a manager reading balances from chain.
func NewStakingManager(chain ChainReader, cfg StakingConfig, logger *logrus.Logger) *StakingManager {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &StakingManager{
		cfg:            cfg,
		chain:          chain,
		logger:         logger,
		decayed:        make(map[EntityID]uint64),
		activity:       make(map[EntityID]time.Time),
		decayedThrough: make(map[EntityID]time.Time),
		stakes:         make(map[EntityID][]*ActiveStake),
		frozen:         make(map[EntityID]struct{}),
	}
}

// TotalTrustPoints sums Registration.initial_trust_points, incoming minus
// outgoing Transfer.amount, and max(0,score)*stake_amount/100 for every
// TrustReport naming p as subject. Every block in the chain has already
// passed the verification engine, so inclusion itself is read as positive
// consensus on the report.
func (sm *StakingManager) TotalTrustPoints(p EntityID) uint64 {
	var total int64
	for _, blk := range sm.chain.Blocks() {
		for i := range blk.Transactions {
			tx := &blk.Transactions[i]
			switch tx.Kind {
			case TxRegistration:
				if tx.Registration.Participant == p {
					total += int64(tx.Registration.InitialTrustPoints)
				}
			case TxTransfer:
				if tx.Transfer.To == p {
					total += int64(tx.Transfer.Amount)
				}
				if tx.Transfer.From == p {
					total -= int64(tx.Transfer.Amount)
				}
			case TxTrustReport:
				r := tx.TrustReport
				if r.Subject == p && r.Score > 0 {
					total += int64(r.Score) * int64(r.StakeAmount) / 100
				}
			}
		}
	}
	if total < 0 {
		total = 0
	}
	sm.mu.RLock()
	decayed := sm.decayed[p]
	sm.mu.RUnlock()
	if decayed >= uint64(total) {
		return 0
	}
	return uint64(total) - decayed
}

// ApplyDecay records amount of lifetime trust-point decay for p charged
// through the instant `through`, called by the Blockchain Facade's
// ProcessTrustDecay (§4.10). Balances are derived fresh from the chain on
// every read rather than stored, so decay cannot mutate a persisted total
// directly; instead it accumulates as a standing deduction TotalTrustPoints
// applies on every subsequent read. The watermark only ever advances, so a
// caller that recomputes decay starting from DecayWatermark cannot charge
// the same interval twice.
func (sm *StakingManager) ApplyDecay(p EntityID, amount uint64, through time.Time) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.decayed[p] += amount
	if through.After(sm.decayedThrough[p]) {
		sm.decayedThrough[p] = through
	}
}

// DecayWatermark returns the instant through which p's decay has already
// been charged, or the zero Time if decay has never been applied.
func (sm *StakingManager) DecayWatermark(p EntityID) time.Time {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.decayedThrough[p]
}

// RecordActivity updates p's last-activity timestamp, consulted by
// Balance and by ProcessTrustDecay's inactivity check.
func (sm *StakingManager) RecordActivity(p EntityID, at time.Time) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if at.After(sm.activity[p]) {
		sm.activity[p] = at
	}
}

// StakedPoints sums every ActiveStake.amount currently held for p.
func (sm *StakingManager) StakedPoints(p EntityID) uint64 {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	var sum uint64
	for _, s := range sm.stakes[p] {
		sum += s.Amount
	}
	return sum
}

// Balance returns p's derived TrustBalance. If available would be negative
// (an invariant violation), it is reported as a critical log and clamped to
// zero, and p is frozen against further stakes until investigated.
func (sm *StakingManager) Balance(p EntityID) TrustBalance {
	total := sm.TotalTrustPoints(p)
	staked := sm.StakedPoints(p)
	var available uint64
	if staked > total {
		sm.mu.Lock()
		sm.frozen[p] = struct{}{}
		sm.mu.Unlock()
		sm.logger.WithField("participant", p).WithField("total", total).WithField("staked", staked).
			Error("staking: available balance went negative; freezing participant")
		available = 0
	} else {
		available = total - staked
	}
	sm.mu.RLock()
	lastActivity := sm.activity[p]
	sm.mu.RUnlock()
	return TrustBalance{
		Participant:  p,
		Total:        total,
		Available:    available,
		Staked:       staked,
		LastActivity: lastActivity,
	}
}

// HasSufficientStake reports whether p's available balance covers amount.
func (sm *StakingManager) HasSufficientStake(p EntityID, amount uint64) bool {
	return sm.Balance(p).Available >= amount
}

// StakePoints locks amount of p's available trust points toward purpose,
// returning the new ActiveStake's id.
func (sm *StakingManager) StakePoints(p EntityID, amount uint64, purpose StakePurpose) (string, error) {
	if amount < sm.cfg.MinStakeAmount || amount > sm.cfg.MaxStakeAmount {
		return "", fmt.Errorf("staking: amount %d outside [%d,%d]", amount, sm.cfg.MinStakeAmount, sm.cfg.MaxStakeAmount)
	}
	sm.mu.Lock()
	if _, frozen := sm.frozen[p]; frozen {
		sm.mu.Unlock()
		return "", fmt.Errorf("staking: participant %s frozen after balance invariant violation", p)
	}
	sm.mu.Unlock()

	if !sm.HasSufficientStake(p, amount) {
		return "", &InsufficientStakeError{Available: sm.Balance(p).Available, Required: amount}
	}

	id := uuid.NewString()
	stake := &ActiveStake{ID: id, Participant: p, Amount: amount, Purpose: purpose, StakedAt: time.Now()}
	sm.mu.Lock()
	sm.stakes[p] = append(sm.stakes[p], stake)
	sm.mu.Unlock()
	return id, nil
}

// UnstakePoints releases a stake, rejecting if it is still locked.
func (sm *StakingManager) UnstakePoints(p EntityID, stakeID string) (uint64, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	stakes := sm.stakes[p]
	for i, s := range stakes {
		if s.ID != stakeID {
			continue
		}
		if s.locked(time.Now()) {
			return 0, &StakeLockedError{LockedUntil: s.LockedUntil.Format(time.RFC3339)}
		}
		sm.stakes[p] = append(stakes[:i], stakes[i+1:]...)
		return s.Amount, nil
	}
	return 0, &StakeNotFoundError{StakeID: stakeID}
}

// SlashStake removes a stake and credits back amount*(1-slash_percentage)
// as a fresh, unslashed ActiveStake preserving staked_at/locked_until,
// returning the slashed portion.
func (sm *StakingManager) SlashStake(p EntityID, stakeID string, reason string) (uint64, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	stakes := sm.stakes[p]
	for i, s := range stakes {
		if s.ID != stakeID {
			continue
		}
		sm.stakes[p] = append(stakes[:i], stakes[i+1:]...)
		slashed := uint64(float64(s.Amount) * sm.cfg.SlashPercentage)
		remaining := s.Amount - slashed
		if remaining > 0 {
			sm.stakes[p] = append(sm.stakes[p], &ActiveStake{
				ID:          uuid.NewString(),
				Participant: p,
				Amount:      remaining,
				Purpose:     s.Purpose,
				StakedAt:    s.StakedAt,
				LockedUntil: s.LockedUntil,
			})
		}
		sm.logger.WithField("participant", p).WithField("reason", reason).WithField("slashed", slashed).
			Warn("staking: stake slashed")
		return slashed, nil
	}
	return 0, &StakeNotFoundError{StakeID: stakeID}
}

// LockStake sets a stake's locked_until to now+duration.
func (sm *StakingManager) LockStake(p EntityID, stakeID string, duration time.Duration) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	for _, s := range sm.stakes[p] {
		if s.ID == stakeID {
			until := time.Now().Add(duration)
			s.LockedUntil = &until
			return nil
		}
	}
	return &StakeNotFoundError{StakeID: stakeID}
}

// GetConsensusValidators returns every participant whose sum of
// ConsensusValidator-purpose stakes is >= min_stake_for_consensus.
func (sm *StakingManager) GetConsensusValidators() []EntityID {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	var out []EntityID
	for p, stakes := range sm.stakes {
		var sum uint64
		for _, s := range stakes {
			if s.Purpose == PurposeConsensusValidator {
				sum += s.Amount
			}
		}
		if sum >= sm.cfg.MinStakeForConsensus {
			out = append(out, p)
		}
	}
	return out
}
