package core

import (
	"testing"
	"time"
)

type lazyChainReader struct {
	bc **Blockchain
}

func (l lazyChainReader) Blocks() []*Block {
	if *l.bc == nil {
		return nil
	}
	return (*l.bc).Blocks()
}

func newTestBlockchain(t *testing.T) (*Blockchain, *StakingManager) {
	t.Helper()
	store := NewInMemoryChainStore()
	var bc *Blockchain
	staking := NewStakingManager(lazyChainReader{bc: &bc}, DefaultStakingConfig(), nil)

	cfg := DefaultBlockchainConfig()
	var err error
	bc, err = NewBlockchain(cfg, staking, store, nil)
	if err != nil {
		t.Fatalf("new blockchain: %v", err)
	}
	return bc, staking
}

func appendGenesisWithRegistration(t *testing.T, bc *Blockchain, participant EntityID, points uint64) *Block {
	t.Helper()
	tx := Transaction{Kind: TxRegistration, Registration: &RegistrationTx{
		ID: "reg-" + string(participant), Participant: participant, PublicKey: []byte{1},
		InitialTrustPoints: points, Timestamp: time.Now().UTC(),
	}}
	blk := &Block{Number: 0, Timestamp: time.Now().UTC(), PreviousHash: ZeroHash(), Transactions: []Transaction{tx}, Validator: participant}
	blk.Seal()
	if err := bc.Append(blk); err != nil {
		t.Fatalf("append genesis: %v", err)
	}
	return blk
}

func TestBlockchainAppendRejectsNonContiguousBlock(t *testing.T) {
	bc, _ := newTestBlockchain(t)
	genesis := appendGenesisWithRegistration(t, bc, "alice", 500)

	bad := &Block{Number: 5, Timestamp: genesis.Timestamp.Add(time.Second), PreviousHash: genesis.Hash}
	bad.Seal()
	if err := bc.Append(bad); err == nil {
		t.Fatalf("expected error appending non-contiguous block")
	}
}

func TestBlockchainSubmitTrustReportRejectsReplayedNonce(t *testing.T) {
	bc, _ := newTestBlockchain(t)
	appendGenesisWithRegistration(t, bc, "alice", 500)

	if _, err := bc.SubmitTrustReport("alice", "bob", 10, "general", 10, "", 1); err != nil {
		t.Fatalf("first submission: %v", err)
	}
	if _, err := bc.SubmitTrustReport("alice", "bob", 10, "general", 10, "", 1); err == nil {
		t.Fatalf("expected replayed nonce 1 to be rejected")
	}
	if _, err := bc.SubmitTrustReport("alice", "bob", 10, "general", 10, "", 2); err != nil {
		t.Fatalf("second submission with nonce 2: %v", err)
	}
}

func TestBlockchainSubmitTrustReportRejectsInsufficientStake(t *testing.T) {
	bc, _ := newTestBlockchain(t)
	appendGenesisWithRegistration(t, bc, "alice", 2)
	if _, err := bc.SubmitTrustReport("alice", "bob", 10, "general", 10, "", 1); err == nil {
		t.Fatalf("expected insufficient stake rejection for reporter with only 2 trust points")
	}
}

func TestBlockchainGetTrustScoreTimeWeightedAverage(t *testing.T) {
	bc, _ := newTestBlockchain(t)
	appendGenesisWithRegistration(t, bc, "alice", 500)

	recent := Transaction{Kind: TxTrustReport, TrustReport: &TrustReportTx{
		Reporter: "alice", Subject: "bob", Score: 100, StakeAmount: 10, Timestamp: time.Now().UTC(),
	}}
	old := Transaction{Kind: TxTrustReport, TrustReport: &TrustReportTx{
		Reporter: "alice", Subject: "bob", Score: 0, StakeAmount: 10, Timestamp: time.Now().Add(-60 * 24 * time.Hour),
	}}
	blk := &Block{Number: 1, Timestamp: time.Now().UTC(), PreviousHash: ZeroHash(), Transactions: []Transaction{recent, old}, Validator: "alice"}
	blk.Seal()
	if err := bc.Append(blk); err != nil {
		t.Fatalf("append: %v", err)
	}

	// weight(recent)=1.0, weight(old)=0.5; (100*1 + 0*0.5)/(1+0.5) = 66.67
	score := bc.GetTrustScore("bob")
	if score < 66 || score > 67 {
		t.Fatalf("expected time-weighted score near 66.67, got %f", score)
	}
}

func TestBlockchainGetTrustScoreNeutralWithNoReports(t *testing.T) {
	bc, _ := newTestBlockchain(t)
	if got := bc.GetTrustScore("nobody"); got != 0 {
		t.Fatalf("expected neutral score 0, got %f", got)
	}
}

func TestBlockchainProcessTrustDecayAppliesToInactiveParticipant(t *testing.T) {
	bc, staking := newTestBlockchain(t)
	appendGenesisWithRegistration(t, bc, "alice", 1000)
	staking.RecordActivity("alice", time.Now().Add(-200*24*time.Hour))

	affected := bc.ProcessTrustDecay([]EntityID{"alice"})
	if len(affected) != 1 || affected[0] != "alice" {
		t.Fatalf("expected alice to be affected by decay, got %v", affected)
	}
	if got := staking.TotalTrustPoints("alice"); got >= 1000 {
		t.Fatalf("expected decay to reduce alice's total below 1000, got %d", got)
	}
}

func TestBlockchainProcessTrustDecayIsIdempotentAtSameClockReading(t *testing.T) {
	bc, staking := newTestBlockchain(t)
	appendGenesisWithRegistration(t, bc, "alice", 1000)
	staking.RecordActivity("alice", time.Now().Add(-200*24*time.Hour))

	bc.ProcessTrustDecay([]EntityID{"alice"})
	afterFirst := staking.TotalTrustPoints("alice")

	affected := bc.ProcessTrustDecay([]EntityID{"alice"})
	if len(affected) != 0 {
		t.Fatalf("expected the second call at the same clock reading to charge no further decay, got %v", affected)
	}
	if got := staking.TotalTrustPoints("alice"); got != afterFirst {
		t.Fatalf("expected balance to stay at %d after a repeated call, got %d", afterFirst, got)
	}
}

func TestBlockchainProcessTrustDecaySkipsRecentActivity(t *testing.T) {
	bc, staking := newTestBlockchain(t)
	appendGenesisWithRegistration(t, bc, "alice", 1000)
	staking.RecordActivity("alice", time.Now())

	affected := bc.ProcessTrustDecay([]EntityID{"alice"})
	if len(affected) != 0 {
		t.Fatalf("expected no decay for recently active participant, got %v", affected)
	}
}

func TestBlockchainDrainRemovesUpToMax(t *testing.T) {
	bc, _ := newTestBlockchain(t)
	appendGenesisWithRegistration(t, bc, "alice", 500)
	for i := 0; i < 3; i++ {
		if _, err := bc.SubmitTrustReport("alice", "bob", 5, "general", 10, "", uint64(i+1)); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	drained := bc.Drain(2)
	if len(drained) != 2 {
		t.Fatalf("expected 2 drained transactions, got %d", len(drained))
	}
	remaining := bc.Drain(10)
	if len(remaining) != 1 {
		t.Fatalf("expected 1 remaining transaction, got %d", len(remaining))
	}
}
