package core

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// TrustDecayConfig carries the "trust_decay" section of §6's blockchain
// configuration.
type TrustDecayConfig struct {
	MonthlyDecayRate        float64
	MinActivityDays         uint64
	DecayCheckIntervalHours uint64
}

// DefaultTrustDecayConfig gives a gentle decay suitable for local testing.
func DefaultTrustDecayConfig() TrustDecayConfig {
	return TrustDecayConfig{
		MonthlyDecayRate:        0.02,
		MinActivityDays:         90,
		DecayCheckIntervalHours: 24,
	}
}

// BlockchainConfig is §6's full "Blockchain configuration" shape.
type BlockchainConfig struct {
	GenesisTrustPoints uint32
	BlockTimeSeconds   uint64
	MinConsensusNodes  int
	Staking            StakingConfig
	TrustDecay         TrustDecayConfig
}

// DefaultBlockchainConfig composes the component defaults.
func DefaultBlockchainConfig() BlockchainConfig {
	return BlockchainConfig{
		GenesisTrustPoints: 100,
		BlockTimeSeconds:   15,
		MinConsensusNodes:  1,
		Staking:            DefaultStakingConfig(),
		TrustDecay:         DefaultTrustDecayConfig(),
	}
}

// Blockchain is the Facade of §4.10: it serializes trust-report submission
// under a single writer for the pending-tx pool and the nonce table,
// derives trust scores and balances, and owns the append-only chain. It
// satisfies ChainReader for the Staking Manager and ChainAppender/
// PendingTxPool for the Consensus Engine's producer loop. Grounded on the
// teacher's Ledger/chain-vector split in consensus.go (a read-write-locked
// chain, a separately-locked pending pool), generalized from UTXO/account
// balances to the trust-report transaction model.
type Blockchain struct {
	cfg    BlockchainConfig
	logger *logrus.Logger

	chainMu sync.RWMutex
	blocks  []*Block

	pendingMu sync.Mutex
	pending   []Transaction

	nonceMu sync.Mutex
	nonces  map[EntityID]uint64

	staking *StakingManager
	store   ChainStore
}

// NewBlockchain constructs a chain backed by staking for balance
// derivation. If store is non-nil, it is replayed to seed the in-memory
// chain and every subsequent Append is also written through to it;
// passing nil gives a purely in-memory, unpersisted chain.
func NewBlockchain(cfg BlockchainConfig, staking *StakingManager, store ChainStore, logger *logrus.Logger) (*Blockchain, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	bc := &Blockchain{
		cfg:     cfg,
		logger:  logger,
		nonces:  make(map[EntityID]uint64),
		staking: staking,
		store:   store,
	}
	if store != nil {
		existing, err := store.LoadAll()
		if err != nil {
			return nil, fmt.Errorf("blockchain: replay chain store: %w", err)
		}
		bc.blocks = existing
	}
	return bc, nil
}

// Blocks satisfies ChainReader: a snapshot of every appended block.
func (bc *Blockchain) Blocks() []*Block {
	bc.chainMu.RLock()
	defer bc.chainMu.RUnlock()
	out := make([]*Block, len(bc.blocks))
	copy(out, bc.blocks)
	return out
}

// LastBlock satisfies ChainAppender: the most recently appended block, or
// nil before genesis.
func (bc *Blockchain) LastBlock() *Block {
	bc.chainMu.RLock()
	defer bc.chainMu.RUnlock()
	if len(bc.blocks) == 0 {
		return nil
	}
	return bc.blocks[len(bc.blocks)-1]
}

// Append satisfies ChainAppender: adds blk to the chain. The caller
// (typically the Consensus Engine's producer loop, after a successful
// VerificationEngine pass) is responsible for ordering and validity.
func (bc *Blockchain) Append(blk *Block) error {
	bc.chainMu.Lock()
	defer bc.chainMu.Unlock()
	if len(bc.blocks) > 0 {
		last := bc.blocks[len(bc.blocks)-1]
		if blk.Number != last.Number+1 {
			return &ChainInconsistentError{Detail: "appended block number is not contiguous with the chain tip"}
		}
	}
	if bc.store != nil {
		if err := bc.store.AppendBlock(blk); err != nil {
			return fmt.Errorf("blockchain: persist block %d: %w", blk.Number, err)
		}
	}
	bc.blocks = append(bc.blocks, blk)
	return nil
}

// Drain satisfies PendingTxPool: removes and returns up to max pending
// transactions in submission order.
func (bc *Blockchain) Drain(max int) []Transaction {
	bc.pendingMu.Lock()
	defer bc.pendingMu.Unlock()
	if max > len(bc.pending) {
		max = len(bc.pending)
	}
	out := bc.pending[:max]
	bc.pending = bc.pending[max:]
	return out
}

// CurrentNonce returns the last committed nonce for reporter (0 if none).
func (bc *Blockchain) CurrentNonce(reporter EntityID) uint64 {
	bc.nonceMu.Lock()
	defer bc.nonceMu.Unlock()
	return bc.nonces[reporter]
}

// SubmitTrustReport implements §4.10's five-step submission flow.
func (bc *Blockchain) SubmitTrustReport(reporter, subject EntityID, score int, category string, stakeAmount uint64, evidenceHash string, nonce uint64) (string, error) {
	bc.nonceMu.Lock()
	expected := bc.nonces[reporter] + 1
	if nonce != expected {
		bc.nonceMu.Unlock()
		return "", &InvalidNonceError{Expected: expected, Got: nonce}
	}

	if !bc.staking.HasSufficientStake(reporter, bc.cfg.Staking.MinStakeForReport) {
		bc.nonceMu.Unlock()
		return "", &InsufficientStakeError{
			Available: bc.staking.Balance(reporter).Available,
			Required:  bc.cfg.Staking.MinStakeForReport,
		}
	}

	polarity := PolarityPositive
	if score < 0 {
		polarity = PolarityNegative
	}
	report := &TrustReportTx{
		ID:           uuid.NewString(),
		Reporter:     reporter,
		Subject:      subject,
		Polarity:     polarity,
		Score:        score,
		Category:     category,
		EvidenceHash: evidenceHash,
		StakeAmount:  stakeAmount,
		Timestamp:    time.Now().UTC(),
	}
	tx := Transaction{Kind: TxTrustReport, TrustReport: report}

	// Commit the nonce before the block seals: prevents a concurrent
	// duplicate submission from racing in under the same nonce, per §4.10.
	bc.nonces[reporter] = nonce
	bc.nonceMu.Unlock()

	bc.pendingMu.Lock()
	bc.pending = append(bc.pending, tx)
	bc.pendingMu.Unlock()

	bc.staking.RecordActivity(reporter, report.Timestamp)
	bc.staking.RecordActivity(subject, report.Timestamp)

	return tx.ID(), nil
}

// GetTrustScore implements §4.10's 30-day time-weighted average: every
// TrustReport naming participant as subject contributes score*weight,
// weight 1.0 within 30 days of now, else 0.5. Zero contributing reports
// yields the neutral score 0.
func (bc *Blockchain) GetTrustScore(participant EntityID) float64 {
	now := time.Now()
	var sum, weightTotal float64
	for _, blk := range bc.Blocks() {
		for i := range blk.Transactions {
			tx := &blk.Transactions[i]
			if tx.Kind != TxTrustReport || tx.TrustReport.Subject != participant {
				continue
			}
			r := tx.TrustReport
			weight := 0.5
			if now.Sub(r.Timestamp) <= 30*24*time.Hour {
				weight = 1.0
			}
			sum += float64(r.Score) * weight
			weightTotal += weight
		}
	}
	if weightTotal == 0 {
		return 0
	}
	return sum / weightTotal
}

// ProcessTrustDecay implements §4.10's inactivity decay: for every
// participant with a derived balance whose last_activity predates
// min_activity_days, reduce total and available by
// total*monthly_decay_rate*months, clamped so available and total never
// fall below staked. Returns the set of affected participants.
//
// Decay accrues from the later of last_activity and the participant's
// decay watermark (the instant decay was last charged through), not from
// last_activity on every call — otherwise a second call at the same clock
// reading would recompute months against an already-reduced total and
// double-charge the same interval, violating idempotence (§8 property 7).
func (bc *Blockchain) ProcessTrustDecay(participants []EntityID) []EntityID {
	now := time.Now()
	minActivity := time.Duration(bc.cfg.TrustDecay.MinActivityDays) * 24 * time.Hour

	var affected []EntityID
	for _, p := range participants {
		bal := bc.staking.Balance(p)
		if bal.LastActivity.IsZero() || now.Sub(bal.LastActivity) < minActivity {
			continue
		}
		since := bal.LastActivity
		if watermark := bc.staking.DecayWatermark(p); watermark.After(since) {
			since = watermark
		}
		months := now.Sub(since).Hours() / 24 / 30.0
		decay := float64(bal.Total) * bc.cfg.TrustDecay.MonthlyDecayRate * months
		if decay <= 0 {
			continue
		}
		applied := uint64(decay)
		var room uint64
		if bal.Total > bal.Staked {
			room = bal.Total - bal.Staked
		}
		if applied > room {
			applied = room
		}
		if applied == 0 {
			continue
		}
		bc.staking.ApplyDecay(p, applied, now)
		bc.logger.WithField("participant", p).WithField("decay", applied).Info("blockchain: applied trust decay")
		affected = append(affected, p)
	}
	return affected
}
