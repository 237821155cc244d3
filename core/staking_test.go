package core

import (
	"testing"
	"time"
)

type fakeChainReader struct {
	blocks []*Block
}

func (f *fakeChainReader) Blocks() []*Block { return f.blocks }

func blockWithTxs(number uint64, txs ...Transaction) *Block {
	return &Block{Number: number, Timestamp: time.Now().UTC(), Transactions: txs}
}

func TestStakingManagerTotalTrustPointsDerivesFromChain(t *testing.T) {
	chain := &fakeChainReader{blocks: []*Block{
		blockWithTxs(0, Transaction{Kind: TxRegistration, Registration: &RegistrationTx{
			Participant: "alice", InitialTrustPoints: 100,
		}}),
		blockWithTxs(1, Transaction{Kind: TxTrustReport, TrustReport: &TrustReportTx{
			Reporter: "bob", Subject: "alice", Score: 50, StakeAmount: 20,
		}}),
		blockWithTxs(2, Transaction{Kind: TxTransfer, Transfer: &TransferTx{
			From: "alice", To: "carol", Amount: 30,
		}}),
	}}
	sm := NewStakingManager(chain, DefaultStakingConfig(), nil)

	// 100 (registration) + 50*20/100=10 (trust report credit) - 30 (transfer out) = 80
	if got := sm.TotalTrustPoints("alice"); got != 80 {
		t.Fatalf("expected 80 trust points, got %d", got)
	}
	if got := sm.TotalTrustPoints("carol"); got != 30 {
		t.Fatalf("expected 30 trust points for carol, got %d", got)
	}
}

func TestStakingManagerStakeAndUnstake(t *testing.T) {
	chain := &fakeChainReader{blocks: []*Block{
		blockWithTxs(0, Transaction{Kind: TxRegistration, Registration: &RegistrationTx{
			Participant: "alice", InitialTrustPoints: 200,
		}}),
	}}
	sm := NewStakingManager(chain, DefaultStakingConfig(), nil)

	id, err := sm.StakePoints("alice", 150, PurposeConsensusValidator)
	if err != nil {
		t.Fatalf("stake: %v", err)
	}
	bal := sm.Balance("alice")
	if bal.Staked != 150 || bal.Available != 50 {
		t.Fatalf("unexpected balance after stake: %+v", bal)
	}

	amount, err := sm.UnstakePoints("alice", id)
	if err != nil {
		t.Fatalf("unstake: %v", err)
	}
	if amount != 150 {
		t.Fatalf("expected 150 released, got %d", amount)
	}
	bal = sm.Balance("alice")
	if bal.Staked != 0 || bal.Available != 200 {
		t.Fatalf("unexpected balance after unstake: %+v", bal)
	}
}

func TestStakingManagerStakeInsufficientBalance(t *testing.T) {
	chain := &fakeChainReader{}
	sm := NewStakingManager(chain, DefaultStakingConfig(), nil)
	if _, err := sm.StakePoints("alice", 10, PurposeConsensusValidator); err == nil {
		t.Fatalf("expected insufficient stake error")
	}
}

func TestStakingManagerUnstakeWhileLockedFails(t *testing.T) {
	chain := &fakeChainReader{blocks: []*Block{
		blockWithTxs(0, Transaction{Kind: TxRegistration, Registration: &RegistrationTx{
			Participant: "alice", InitialTrustPoints: 200,
		}}),
	}}
	sm := NewStakingManager(chain, DefaultStakingConfig(), nil)
	id, err := sm.StakePoints("alice", 100, PurposeConsensusValidator)
	if err != nil {
		t.Fatalf("stake: %v", err)
	}
	if err := sm.LockStake("alice", id, time.Hour); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if _, err := sm.UnstakePoints("alice", id); err == nil {
		t.Fatalf("expected locked stake to reject unstake")
	}
}

func TestStakingManagerSlashStake(t *testing.T) {
	chain := &fakeChainReader{blocks: []*Block{
		blockWithTxs(0, Transaction{Kind: TxRegistration, Registration: &RegistrationTx{
			Participant: "alice", InitialTrustPoints: 200,
		}}),
	}}
	cfg := DefaultStakingConfig()
	cfg.SlashPercentage = 0.5
	sm := NewStakingManager(chain, cfg, nil)
	id, err := sm.StakePoints("alice", 100, PurposeConsensusValidator)
	if err != nil {
		t.Fatalf("stake: %v", err)
	}
	slashed, err := sm.SlashStake("alice", id, "misbehavior")
	if err != nil {
		t.Fatalf("slash: %v", err)
	}
	if slashed != 50 {
		t.Fatalf("expected 50 slashed, got %d", slashed)
	}
	if got := sm.StakedPoints("alice"); got != 50 {
		t.Fatalf("expected 50 remaining staked, got %d", got)
	}
}

func TestStakingManagerApplyDecayReducesTotal(t *testing.T) {
	chain := &fakeChainReader{blocks: []*Block{
		blockWithTxs(0, Transaction{Kind: TxRegistration, Registration: &RegistrationTx{
			Participant: "alice", InitialTrustPoints: 200,
		}}),
	}}
	sm := NewStakingManager(chain, DefaultStakingConfig(), nil)
	if got := sm.TotalTrustPoints("alice"); got != 200 {
		t.Fatalf("expected 200 before decay, got %d", got)
	}
	now := time.Now()
	sm.ApplyDecay("alice", 40, now)
	if got := sm.TotalTrustPoints("alice"); got != 160 {
		t.Fatalf("expected 160 after decay, got %d", got)
	}
	if got := sm.DecayWatermark("alice"); !got.Equal(now) {
		t.Fatalf("expected watermark %v, got %v", now, got)
	}
}

func TestStakingManagerDecayWatermarkOnlyAdvances(t *testing.T) {
	chain := &fakeChainReader{}
	sm := NewStakingManager(chain, DefaultStakingConfig(), nil)
	later := time.Now()
	earlier := later.Add(-time.Hour)
	sm.ApplyDecay("alice", 10, later)
	sm.ApplyDecay("alice", 5, earlier)
	if got := sm.DecayWatermark("alice"); !got.Equal(later) {
		t.Fatalf("expected watermark to stay at the later instant %v, got %v", later, got)
	}
}

func TestStakingManagerRecordActivityKeepsLatest(t *testing.T) {
	chain := &fakeChainReader{}
	sm := NewStakingManager(chain, DefaultStakingConfig(), nil)
	first := time.Now().Add(-time.Hour)
	second := time.Now()
	sm.RecordActivity("alice", first)
	sm.RecordActivity("alice", second)
	sm.RecordActivity("alice", first) // older timestamp must not regress

	bal := sm.Balance("alice")
	if !bal.LastActivity.Equal(second) {
		t.Fatalf("expected last activity to be the latest recorded timestamp")
	}
}

func TestStakingManagerGetConsensusValidators(t *testing.T) {
	chain := &fakeChainReader{blocks: []*Block{
		blockWithTxs(0, Transaction{Kind: TxRegistration, Registration: &RegistrationTx{
			Participant: "alice", InitialTrustPoints: 1000,
		}}),
	}}
	cfg := DefaultStakingConfig()
	sm := NewStakingManager(chain, cfg, nil)
	if _, err := sm.StakePoints("alice", cfg.MinStakeForConsensus, PurposeConsensusValidator); err != nil {
		t.Fatalf("stake: %v", err)
	}
	validators := sm.GetConsensusValidators()
	if len(validators) != 1 || validators[0] != "alice" {
		t.Fatalf("expected alice as the only consensus validator, got %v", validators)
	}
}
