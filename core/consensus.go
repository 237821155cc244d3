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

// Validator is one entry in the Consensus Engine's validator set (§4.8).
type Validator struct {
	StakeAmount  uint64
	TrustScore   float64
	LastActivity time.Time
	IsActive     bool
}

// VoteKind distinguishes the two phases of BFT voting.
type VoteKind int

const (
	Prevote VoteKind = iota
	Precommit
)

// Vote is one validator's signed position on a round's proposed block.
type Vote struct {
	ValidatorID EntityID
	BlockHash   []byte
	Kind        VoteKind
	Timestamp   time.Time
	Signature   []byte
}

// Bytes is the canonical encoding a vote's signature covers.
func (v *Vote) Bytes() []byte {
	w := newFrameWriter()
	w.writeString(string(v.ValidatorID))
	w.writeBytes(v.BlockHash)
	w.writeUint64(uint64(v.Kind))
	w.writeInt64(v.Timestamp.UTC().UnixNano())
	return w.Bytes()
}

// ConsensusRound tracks one height's proposal and the votes collected
// toward it (§4.8).
type ConsensusRound struct {
	Round         uint64
	Height        uint64
	ProposedBlock *Block
	Votes         map[EntityID]*Vote
	StartedAt     time.Time
}

// ConsensusConfig holds the admission and timing thresholds of §4.8/§6.
type ConsensusConfig struct {
	MinStakeForConsensus uint64
	MinTrustScore        float64
	BlockTimeSeconds      uint64
	MinConsensusNodes    int
	MaxPendingTxPerBlock int
}

// DefaultConsensusConfig returns the admission constants (trust score
// floor of 50.0) and a conservative block cadence for local testing.
func DefaultConsensusConfig() ConsensusConfig {
	return ConsensusConfig{
		MinStakeForConsensus: 100,
		MinTrustScore:        50.0,
		BlockTimeSeconds:      15,
		MinConsensusNodes:    1,
		MaxPendingTxPerBlock: 100,
	}
}

// PendingTxPool is the pool the producer loop drains transactions from.
type PendingTxPool interface {
	Drain(max int) []Transaction
}

// ChainAppender is the chain surface the producer loop writes finalized
// blocks to.
type ChainAppender interface {
	Append(blk *Block) error
	LastBlock() *Block
}

// VerificationResult is returned by a BlockVerifier pass (§4.9).
type VerificationResult struct {
	IsValid  bool
	Errors   []string
	Warnings []string
}

// BlockVerifier is implemented by the Verification Engine (C9).
type BlockVerifier interface {
	Verify(blk *Block, prev *Block) VerificationResult
}

// ConsensusEngine maintains the validator set and drives both the
// round-robin block-producer loop and the full stake-weighted BFT voting
// path; the two coexist rather than one replacing the other. Validator
// bookkeeping lives in an in-memory map since Synapse's validator set is
// small.
type ConsensusEngine struct {
	cfg    ConsensusConfig
	logger *logrus.Logger
	signer Signer

	mu         sync.RWMutex
	validators map[EntityID]*Validator
	pubKeys    map[EntityID][]byte
	rounds     map[uint64]*ConsensusRound
	roundSeq   uint64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewConsensusEngine constructs an empty engine.
func NewConsensusEngine(cfg ConsensusConfig, signer Signer, logger *logrus.Logger) *ConsensusEngine {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &ConsensusEngine{
		cfg:        cfg,
		logger:     logger,
		signer:     signer,
		validators: make(map[EntityID]*Validator),
		pubKeys:    make(map[EntityID][]byte),
		rounds:     make(map[uint64]*ConsensusRound),
		stopCh:     make(chan struct{}),
	}
}

// RegisterValidator admits id to the validator set if it meets the stake
// and trust-score floors (§4.8).
func (ce *ConsensusEngine) RegisterValidator(id EntityID, stakeAmount uint64, trustScore float64, pubKey []byte) error {
	if stakeAmount < ce.cfg.MinStakeForConsensus {
		return &ValidatorIneligibleError{Reason: fmt.Sprintf("stake %d below minimum %d", stakeAmount, ce.cfg.MinStakeForConsensus)}
	}
	if trustScore < ce.cfg.MinTrustScore {
		return &ValidatorIneligibleError{Reason: fmt.Sprintf("trust score %.1f below minimum %.1f", trustScore, ce.cfg.MinTrustScore)}
	}
	ce.mu.Lock()
	defer ce.mu.Unlock()
	ce.validators[id] = &Validator{StakeAmount: stakeAmount, TrustScore: trustScore, LastActivity: time.Now(), IsActive: true}
	if len(pubKey) > 0 {
		ce.pubKeys[id] = pubKey
	}
	return nil
}

// UpdateTrustScores applies a batch of trust-score updates; any validator
// dropping below MinTrustScore is marked inactive and excluded from quorum
// until it recovers.
func (ce *ConsensusEngine) UpdateTrustScores(scores map[EntityID]float64) {
	ce.mu.Lock()
	defer ce.mu.Unlock()
	for id, score := range scores {
		v, ok := ce.validators[id]
		if !ok {
			continue
		}
		v.TrustScore = score
		v.LastActivity = time.Now()
		v.IsActive = score >= ce.cfg.MinTrustScore
	}
}

// IsValidator reports whether id is a currently active validator.
func (ce *ConsensusEngine) IsValidator(id EntityID) bool {
	ce.mu.RLock()
	defer ce.mu.RUnlock()
	v, ok := ce.validators[id]
	return ok && v.IsActive
}

// ListValidators returns every validator; activeOnly filters to IsActive.
func (ce *ConsensusEngine) ListValidators(activeOnly bool) map[EntityID]Validator {
	ce.mu.RLock()
	defer ce.mu.RUnlock()
	out := make(map[EntityID]Validator, len(ce.validators))
	for id, v := range ce.validators {
		if activeOnly && !v.IsActive {
			continue
		}
		out[id] = *v
	}
	return out
}

func (ce *ConsensusEngine) activeValidatorsLocked() []EntityID {
	var out []EntityID
	for id, v := range ce.validators {
		if v.IsActive {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (ce *ConsensusEngine) totalActiveStakeLocked(ids []EntityID) uint64 {
	var sum uint64
	for _, id := range ids {
		sum += ce.validators[id].StakeAmount
	}
	return sum
}

// StartConsensusRound selects the proposer as the active validator with
// maximum stake (ties broken lexicographically), builds a candidate block
// over txs, and returns a fresh ConsensusRound (§4.8).
func (ce *ConsensusEngine) StartConsensusRound(height uint64, previousHash []byte, txs []Transaction) (*ConsensusRound, error) {
	ce.mu.Lock()
	defer ce.mu.Unlock()

	active := ce.activeValidatorsLocked()
	if len(active) == 0 {
		return nil, &ValidatorIneligibleError{Reason: "no active validators"}
	}
	proposer := active[0]
	for _, id := range active[1:] {
		if ce.validators[id].StakeAmount > ce.validators[proposer].StakeAmount {
			proposer = id
		}
	}

	block := &Block{
		Number:       height,
		Timestamp:    time.Now().UTC(),
		PreviousHash: previousHash,
		Transactions: txs,
		Validator:    proposer,
	}
	block.Seal()

	ce.roundSeq++
	round := &ConsensusRound{
		Round:         ce.roundSeq,
		Height:        height,
		ProposedBlock: block,
		Votes:         make(map[EntityID]*Vote),
		StartedAt:     time.Now(),
	}
	ce.rounds[round.Round] = round
	return round, nil
}

// RecordVote accepts a vote for an in-flight round from an active validator
// whose signature verifies against its registered public key.
func (ce *ConsensusEngine) RecordVote(roundID uint64, vote Vote) error {
	ce.mu.Lock()
	defer ce.mu.Unlock()

	round, ok := ce.rounds[roundID]
	if !ok {
		return fmt.Errorf("consensus: unknown round %d", roundID)
	}
	v, ok := ce.validators[vote.ValidatorID]
	if !ok || !v.IsActive {
		return &ValidatorIneligibleError{Reason: fmt.Sprintf("%s is not an active validator", vote.ValidatorID)}
	}
	pubKey, known := ce.pubKeys[vote.ValidatorID]
	if !known || ce.signer == nil || !ce.signer.Verify(pubKey, vote.Bytes(), vote.Signature) {
		return &ValidatorIneligibleError{Reason: fmt.Sprintf("vote from %s failed signature verification", vote.ValidatorID)}
	}

	voteCopy := vote
	round.Votes[vote.ValidatorID] = &voteCopy
	v.LastActivity = time.Now()
	return nil
}

// Finalize checks whether round has reached 2/3-stake precommit quorum on
// its proposed block, returning the block and true if so.
func (ce *ConsensusEngine) Finalize(roundID uint64) (*Block, bool) {
	ce.mu.RLock()
	defer ce.mu.RUnlock()

	round, ok := ce.rounds[roundID]
	if !ok {
		return nil, false
	}
	active := ce.activeValidatorsLocked()
	totalStake := ce.totalActiveStakeLocked(active)
	if totalStake == 0 {
		return nil, false
	}

	var precommitStake uint64
	for id, v := range round.Votes {
		if v.Kind != Precommit {
			continue
		}
		if string(v.BlockHash) != string(round.ProposedBlock.Hash) {
			continue
		}
		validator, ok := ce.validators[id]
		if !ok || !validator.IsActive {
			continue
		}
		precommitStake += validator.StakeAmount
	}

	quorum := uint64(math.Ceil(2 * float64(totalStake) / 3))
	if precommitStake >= quorum {
		return round.ProposedBlock, true
	}
	return nil, false
}

// RunProducerLoop drives the simpler round-robin producer described in
// §4.8: every block_time_seconds it drains up to max_pending_tx_per_block
// transactions, skips the tick if too few validators are active, otherwise
// picks a validator by previous_block.number mod len(validators), builds
// and verifies the block, and appends it. It runs until ctx is cancelled or
// Stop is called, honouring the cooperative-cancellation requirement of §5.
func (ce *ConsensusEngine) RunProducerLoop(ctx context.Context, pool PendingTxPool, chain ChainAppender, verifier BlockVerifier) {
	ce.wg.Add(1)
	go func() {
		defer ce.wg.Done()
		ticker := time.NewTicker(time.Duration(ce.cfg.BlockTimeSeconds) * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ce.stopCh:
				return
			case <-ticker.C:
				ce.produceTick(pool, chain, verifier)
			}
		}
	}()
}

func (ce *ConsensusEngine) produceTick(pool PendingTxPool, chain ChainAppender, verifier BlockVerifier) {
	ce.mu.RLock()
	active := ce.activeValidatorsLocked()
	ce.mu.RUnlock()
	if len(active) < ce.cfg.MinConsensusNodes {
		ce.logger.WithField("active_validators", len(active)).Debug("consensus: too few active validators, skipping tick")
		return
	}

	prev := chain.LastBlock()
	var prevHash []byte
	var nextNumber, producerKey uint64
	if prev == nil {
		prevHash = ZeroHash()
		nextNumber = 0
		producerKey = 0
	} else {
		prevHash = prev.Hash
		nextNumber = prev.Number + 1
		producerKey = prev.Number
	}

	idx := int(producerKey % uint64(len(active)))
	proposer := active[idx]

	txs := pool.Drain(ce.cfg.MaxPendingTxPerBlock)
	block := &Block{
		Number:       nextNumber,
		Timestamp:    time.Now().UTC(),
		PreviousHash: prevHash,
		Transactions: txs,
		Validator:    proposer,
	}
	block.Seal()

	result := verifier.Verify(block, prev)
	if !result.IsValid {
		ce.logger.WithField("errors", result.Errors).Warn("consensus: producer loop built an invalid block, discarding")
		return
	}
	if err := chain.Append(block); err != nil {
		ce.logger.WithError(err).Error("consensus: failed to append produced block")
		return
	}

	ce.mu.Lock()
	if v, ok := ce.validators[proposer]; ok {
		v.LastActivity = time.Now()
	}
	ce.mu.Unlock()
}

// Stop halts the producer loop; idempotent.
func (ce *ConsensusEngine) Stop() {
	select {
	case <-ce.stopCh:
	default:
		close(ce.stopCh)
	}
	ce.wg.Wait()
}
