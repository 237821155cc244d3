package core

import (
	"testing"
	"time"
)

type fakeBalanceReader struct {
	balances map[EntityID]TrustBalance
}

func (f *fakeBalanceReader) Balance(p EntityID) TrustBalance {
	return f.balances[p]
}

func sealedChild(prev *Block, validator EntityID, txs []Transaction) *Block {
	blk := &Block{
		Number:       prev.Number + 1,
		Timestamp:    prev.Timestamp.Add(time.Second),
		PreviousHash: prev.Hash,
		Transactions: txs,
		Validator:    validator,
	}
	blk.Seal()
	return blk
}

func TestVerificationEngineAcceptsValidChain(t *testing.T) {
	balances := &fakeBalanceReader{balances: map[EntityID]TrustBalance{
		"alice": {Staked: 200, Available: 1000},
	}}
	ve := NewVerificationEngine(DefaultVerificationConfig(), balances)

	genesis := &Block{Number: 0, Timestamp: time.Now().UTC(), PreviousHash: ZeroHash(), Validator: "alice"}
	genesis.Seal()
	result := ve.Verify(genesis, nil)
	if !result.IsValid {
		t.Fatalf("expected valid genesis block, got errors: %v", result.Errors)
	}

	child := sealedChild(genesis, "alice", nil)
	result = ve.Verify(child, genesis)
	if !result.IsValid {
		t.Fatalf("expected valid child block, got errors: %v", result.Errors)
	}
}

func TestVerificationEngineRejectsBadPreviousHash(t *testing.T) {
	balances := &fakeBalanceReader{balances: map[EntityID]TrustBalance{"alice": {Staked: 200}}}
	ve := NewVerificationEngine(DefaultVerificationConfig(), balances)

	genesis := &Block{Number: 0, Timestamp: time.Now().UTC(), PreviousHash: ZeroHash(), Validator: "alice"}
	genesis.Seal()

	child := &Block{Number: 1, Timestamp: genesis.Timestamp.Add(time.Second), PreviousHash: ZeroHash(), Validator: "alice"}
	child.Seal()

	result := ve.Verify(child, genesis)
	if result.IsValid {
		t.Fatalf("expected invalid result for mismatched previous_hash")
	}
}

func TestVerificationEngineRejectsTamperedHash(t *testing.T) {
	balances := &fakeBalanceReader{balances: map[EntityID]TrustBalance{"alice": {Staked: 200}}}
	ve := NewVerificationEngine(DefaultVerificationConfig(), balances)

	blk := &Block{Number: 0, Timestamp: time.Now().UTC(), PreviousHash: ZeroHash(), Validator: "alice"}
	blk.Seal()
	blk.Hash[0] ^= 0xFF

	result := ve.Verify(blk, nil)
	if result.IsValid {
		t.Fatalf("expected invalid result for tampered hash")
	}
}

func TestVerificationEngineRejectsNonContiguousNumber(t *testing.T) {
	balances := &fakeBalanceReader{balances: map[EntityID]TrustBalance{"alice": {Staked: 200}}}
	ve := NewVerificationEngine(DefaultVerificationConfig(), balances)

	genesis := &Block{Number: 0, Timestamp: time.Now().UTC(), PreviousHash: ZeroHash(), Validator: "alice"}
	genesis.Seal()

	child := &Block{Number: 5, Timestamp: genesis.Timestamp.Add(time.Second), PreviousHash: genesis.Hash, Validator: "alice"}
	child.Seal()

	result := ve.Verify(child, genesis)
	if result.IsValid {
		t.Fatalf("expected invalid result for non-contiguous block number")
	}
}

func TestVerificationEngineRejectsUnderstakedValidator(t *testing.T) {
	balances := &fakeBalanceReader{balances: map[EntityID]TrustBalance{"alice": {Staked: 10}}}
	ve := NewVerificationEngine(DefaultVerificationConfig(), balances)

	blk := &Block{Number: 0, Timestamp: time.Now().UTC(), PreviousHash: ZeroHash(), Validator: "alice"}
	blk.Seal()

	result := ve.Verify(blk, nil)
	if result.IsValid {
		t.Fatalf("expected invalid result for validator below minimum stake")
	}
}

func TestVerificationEngineChecksTrustReportSemantics(t *testing.T) {
	balances := &fakeBalanceReader{balances: map[EntityID]TrustBalance{
		"alice": {Staked: 200, Available: 5},
		"bob":   {Staked: 0, Available: 0},
	}}
	ve := NewVerificationEngine(DefaultVerificationConfig(), balances)

	txs := []Transaction{{Kind: TxTrustReport, TrustReport: &TrustReportTx{
		Reporter: "alice", Subject: "bob", Score: 10, StakeAmount: 20, Timestamp: time.Now().UTC(),
	}}}
	blk := &Block{Number: 0, Timestamp: time.Now().UTC(), PreviousHash: ZeroHash(), Transactions: txs, Validator: "alice"}
	blk.Seal()

	result := ve.Verify(blk, nil)
	if result.IsValid {
		t.Fatalf("expected invalid result: reporter's available balance 5 cannot cover stake_amount 20")
	}
}

func TestVerificationEngineChecksStakeSemanticsRegardlessOfPurpose(t *testing.T) {
	balances := &fakeBalanceReader{balances: map[EntityID]TrustBalance{
		"alice": {Staked: 0, Available: 1000},
	}}
	cfg := DefaultVerificationConfig()
	ve := NewVerificationEngine(cfg, balances)

	txs := []Transaction{{Kind: TxStake, Stake: &StakeTx{
		ID: "s1", Participant: "alice", Amount: cfg.MinStakeForConsensus - 1,
		Purpose: PurposeTrustReporting, Timestamp: time.Now().UTC(),
	}}}
	blk := &Block{Number: 0, Timestamp: time.Now().UTC(), PreviousHash: ZeroHash(), Transactions: txs, Validator: "alice"}
	blk.Seal()

	result := ve.Verify(blk, nil)
	if result.IsValid {
		t.Fatalf("expected invalid result: a TrustReporting-purpose stake below the consensus minimum must still fail")
	}
}

func TestVerificationEngineAcceptsSufficientStakeForAnyPurpose(t *testing.T) {
	balances := &fakeBalanceReader{balances: map[EntityID]TrustBalance{
		"alice": {Staked: 0, Available: 1000},
	}}
	cfg := DefaultVerificationConfig()
	ve := NewVerificationEngine(cfg, balances)

	txs := []Transaction{{Kind: TxStake, Stake: &StakeTx{
		ID: "s1", Participant: "alice", Amount: cfg.MinStakeForConsensus,
		Purpose: PurposeTrustReporting, Timestamp: time.Now().UTC(),
	}}}
	blk := &Block{Number: 0, Timestamp: time.Now().UTC(), PreviousHash: ZeroHash(), Transactions: txs, Validator: "alice"}
	blk.Seal()

	result := ve.Verify(blk, nil)
	if !result.IsValid {
		t.Fatalf("expected valid result for a stake meeting the consensus minimum, got errors: %v", result.Errors)
	}
}

func TestVerificationEngineRejectsFutureTimestamp(t *testing.T) {
	balances := &fakeBalanceReader{balances: map[EntityID]TrustBalance{"alice": {Staked: 200}}}
	ve := NewVerificationEngine(DefaultVerificationConfig(), balances)

	blk := &Block{Number: 0, Timestamp: time.Now().Add(time.Hour), PreviousHash: ZeroHash(), Validator: "alice"}
	blk.Seal()

	result := ve.Verify(blk, nil)
	if result.IsValid {
		t.Fatalf("expected invalid result for a block timestamped an hour in the future")
	}
}
