package core

import (
	"bytes"
	"fmt"
	"time"
)

// clockSkewTolerance absorbs small clock drift between the proposer and
// this node when checking "timestamp not in the future".
const clockSkewTolerance = 2 * time.Second

// VerificationConfig carries the bounds §4.9's semantic checks reference.
type VerificationConfig struct {
	MaxTransactionsPerBlock int
	MinStakeForReport       uint64
	MinStakeForConsensus    uint64
}

// DefaultVerificationConfig matches §6's blockchain configuration shape.
func DefaultVerificationConfig() VerificationConfig {
	return VerificationConfig{
		MaxTransactionsPerBlock: 1000,
		MinStakeForReport:       10,
		MinStakeForConsensus:    100,
	}
}

// BalanceReader is the narrow view of the Staking Manager the Verification
// Engine needs: derived balances keyed by participant. StakingManager
// satisfies this directly.
type BalanceReader interface {
	Balance(p EntityID) TrustBalance
}

// VerificationEngine runs structural, chain, hash, transaction, semantic,
// and validator checks over a candidate block and its predecessor: header
// checks, then per-transaction checks, then an aggregate of accumulated
// errors/warnings rather than a single bool.
type VerificationEngine struct {
	cfg      VerificationConfig
	balances BalanceReader
}

// NewVerificationEngine constructs an engine reading balances from balances.
func NewVerificationEngine(cfg VerificationConfig, balances BalanceReader) *VerificationEngine {
	return &VerificationEngine{cfg: cfg, balances: balances}
}

// Verify returns the is_valid/errors/warnings triple of §4.9. prev is nil
// only for the genesis block.
func (ve *VerificationEngine) Verify(blk *Block, prev *Block) VerificationResult {
	var errs, warns []string

	// Structural.
	if blk.Timestamp.After(time.Now().Add(clockSkewTolerance)) {
		errs = append(errs, "block timestamp is in the future")
	}
	if len(blk.Transactions) > ve.cfg.MaxTransactionsPerBlock {
		errs = append(errs, fmt.Sprintf("transaction count %d exceeds maximum %d", len(blk.Transactions), ve.cfg.MaxTransactionsPerBlock))
	}
	if blk.Number == 0 && len(blk.Transactions) > 0 {
		warns = append(warns, "genesis block carries transactions")
	}

	// Chain.
	if prev != nil {
		if blk.Number != prev.Number+1 {
			errs = append(errs, fmt.Sprintf("block number %d is not previous %d + 1", blk.Number, prev.Number))
		}
		if !blk.Timestamp.After(prev.Timestamp) {
			errs = append(errs, "block timestamp does not advance past previous block")
		}
		if !bytes.Equal(blk.PreviousHash, prev.Hash) {
			errs = append(errs, "previous_hash does not match predecessor's hash")
		}
	}

	// Hash.
	if len(blk.Hash) == 0 {
		errs = append(errs, "block hash is empty")
	} else if recomputed := blk.ComputeHash(); !bytes.Equal(recomputed, blk.Hash) {
		errs = append(errs, "block hash does not match recomputed hash")
	}

	// Transaction-level: structural (§4.6) plus semantic (§4.9).
	for i := range blk.Transactions {
		tx := &blk.Transactions[i]
		if err := tx.Validate(); err != nil {
			errs = append(errs, fmt.Sprintf("transaction %d: %s", i, err))
			continue
		}
		if err := ve.checkSemantics(tx); err != nil {
			errs = append(errs, fmt.Sprintf("transaction %d: %s", i, err))
		}
	}

	// Validator.
	if blk.Validator != "" {
		validatorBalance := ve.balances.Balance(blk.Validator)
		if validatorBalance.Staked < ve.cfg.MinStakeForConsensus {
			errs = append(errs, fmt.Sprintf("validator %s has insufficient stake %d (need %d)", blk.Validator, validatorBalance.Staked, ve.cfg.MinStakeForConsensus))
		}
	} else {
		errs = append(errs, "block has no validator")
	}

	return VerificationResult{
		IsValid:  len(errs) == 0,
		Errors:   errs,
		Warnings: warns,
	}
}

func (ve *VerificationEngine) checkSemantics(tx *Transaction) error {
	switch tx.Kind {
	case TxTrustReport:
		r := tx.TrustReport
		if r.StakeAmount < ve.cfg.MinStakeForReport {
			return fmt.Errorf("TrustReport stake_amount %d below minimum %d", r.StakeAmount, ve.cfg.MinStakeForReport)
		}
		bal := ve.balances.Balance(r.Reporter)
		if bal.Available < r.StakeAmount {
			return fmt.Errorf("TrustReport reporter %s has insufficient available balance %d for stake %d", r.Reporter, bal.Available, r.StakeAmount)
		}
	case TxStake:
		s := tx.Stake
		if s.Amount < ve.cfg.MinStakeForConsensus {
			return fmt.Errorf("Stake amount %d below consensus minimum %d", s.Amount, ve.cfg.MinStakeForConsensus)
		}
		bal := ve.balances.Balance(s.Participant)
		if bal.Available < s.Amount {
			return fmt.Errorf("Stake participant %s has insufficient available balance %d for amount %d", s.Participant, bal.Available, s.Amount)
		}
	case TxUnstake:
		u := tx.Unstake
		bal := ve.balances.Balance(u.Participant)
		if bal.Staked < u.Amount {
			return fmt.Errorf("Unstake participant %s has insufficient staked balance %d for amount %d", u.Participant, bal.Staked, u.Amount)
		}
	}
	return nil
}
