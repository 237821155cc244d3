package core

import (
	"bytes"
	"testing"
	"time"
)

func sampleTransactions() []Transaction {
	now := time.Now().UTC().Truncate(time.Second)
	return []Transaction{
		{Kind: TxTrustReport, TrustReport: &TrustReportTx{
			ID: "r1", Reporter: "alice", Subject: "bob", Polarity: PolarityPositive,
			Score: 80, Category: "delivery", EvidenceHash: "deadbeef", StakeAmount: 20, Timestamp: now,
		}},
		{Kind: TxStake, Stake: &StakeTx{
			ID: "s1", Participant: "alice", Amount: 150, Purpose: PurposeConsensusValidator, Timestamp: now,
		}},
		{Kind: TxUnstake, Unstake: &UnstakeTx{
			ID: "u1", Participant: "alice", Amount: 50, StakeID: "s1", Timestamp: now,
		}},
		{Kind: TxTransfer, Transfer: &TransferTx{
			ID: "t1", From: "alice", To: "bob", Amount: 10, Reason: "gift", Timestamp: now,
		}},
		{Kind: TxRegistration, Registration: &RegistrationTx{
			ID: "g1", Participant: "carol", PublicKey: []byte{1, 2, 3, 4}, InitialTrustPoints: 100,
			EntityType: "service", Timestamp: now,
		}},
	}
}

func TestTransactionBytesRoundTrip(t *testing.T) {
	for _, tx := range sampleTransactions() {
		decoded, err := decodeTransaction(newFrameReader(tx.Bytes()))
		if err != nil {
			t.Fatalf("decode %s: %v", tx.Kind, err)
		}
		if decoded.Kind != tx.Kind {
			t.Fatalf("kind mismatch: got %s want %s", decoded.Kind, tx.Kind)
		}
		if !bytes.Equal(decoded.Bytes(), tx.Bytes()) {
			t.Fatalf("re-encoded bytes differ for %s", tx.Kind)
		}
	}
}

func TestTransactionIDStableForIdenticalContent(t *testing.T) {
	tx := sampleTransactions()[0]
	other := tx
	cp := *tx.TrustReport
	other.TrustReport = &cp
	if tx.ID() != other.ID() {
		t.Fatalf("expected identical transactions to hash to the same id")
	}
}

func TestTransactionValidate(t *testing.T) {
	cases := []struct {
		name    string
		tx      Transaction
		wantErr bool
	}{
		{"valid trust report", Transaction{Kind: TxTrustReport, TrustReport: &TrustReportTx{
			Reporter: "a", Subject: "b", StakeAmount: 1, Score: 10,
		}}, false},
		{"trust report self-report", Transaction{Kind: TxTrustReport, TrustReport: &TrustReportTx{
			Reporter: "a", Subject: "a", StakeAmount: 1, Score: 10,
		}}, true},
		{"trust report zero stake", Transaction{Kind: TxTrustReport, TrustReport: &TrustReportTx{
			Reporter: "a", Subject: "b", StakeAmount: 0, Score: 10,
		}}, true},
		{"trust report score out of range", Transaction{Kind: TxTrustReport, TrustReport: &TrustReportTx{
			Reporter: "a", Subject: "b", StakeAmount: 1, Score: 101,
		}}, true},
		{"valid stake", Transaction{Kind: TxStake, Stake: &StakeTx{Participant: "a", Amount: 1}}, false},
		{"stake zero amount", Transaction{Kind: TxStake, Stake: &StakeTx{Participant: "a", Amount: 0}}, true},
		{"valid transfer", Transaction{Kind: TxTransfer, Transfer: &TransferTx{From: "a", To: "b", Amount: 1}}, false},
		{"transfer to self", Transaction{Kind: TxTransfer, Transfer: &TransferTx{From: "a", To: "a", Amount: 1}}, true},
		{"valid registration", Transaction{Kind: TxRegistration, Registration: &RegistrationTx{
			Participant: "a", PublicKey: []byte{1},
		}}, false},
		{"registration missing public key", Transaction{Kind: TxRegistration, Registration: &RegistrationTx{
			Participant: "a",
		}}, true},
	}
	for _, c := range cases {
		err := c.tx.Validate()
		if c.wantErr && err == nil {
			t.Errorf("%s: expected error, got nil", c.name)
		}
		if !c.wantErr && err != nil {
			t.Errorf("%s: unexpected error: %v", c.name, err)
		}
	}
}

func TestBlockSealAndComputeHashAreSideEffectFree(t *testing.T) {
	blk := &Block{
		Number:       1,
		Timestamp:    time.Now().UTC(),
		PreviousHash: ZeroHash(),
		Transactions: sampleTransactions(),
		Validator:    "alice",
	}
	h1 := blk.ComputeHash()
	h2 := blk.ComputeHash()
	if !bytes.Equal(h1, h2) {
		t.Fatalf("ComputeHash is not deterministic")
	}
	if blk.Hash != nil {
		t.Fatalf("ComputeHash must not mutate Hash")
	}
	blk.Seal()
	if !bytes.Equal(blk.Hash, h1) {
		t.Fatalf("Seal did not store ComputeHash's result")
	}
}

func TestBlockBytesRoundTrip(t *testing.T) {
	blk := &Block{
		Number:       7,
		Timestamp:    time.Now().UTC().Truncate(time.Second),
		PreviousHash: ZeroHash(),
		Transactions: sampleTransactions(),
		Validator:    "alice",
		Nonce:        42,
	}
	blk.Seal()

	decoded, err := DecodeBlock(blk.Bytes())
	if err != nil {
		t.Fatalf("decode block: %v", err)
	}
	if decoded.Number != blk.Number || decoded.Nonce != blk.Nonce || decoded.Validator != blk.Validator {
		t.Fatalf("decoded block fields differ: %+v vs %+v", decoded, blk)
	}
	if !bytes.Equal(decoded.Hash, blk.Hash) || !bytes.Equal(decoded.PreviousHash, blk.PreviousHash) {
		t.Fatalf("decoded hashes differ")
	}
	if len(decoded.Transactions) != len(blk.Transactions) {
		t.Fatalf("expected %d transactions, got %d", len(blk.Transactions), len(decoded.Transactions))
	}
	if !decoded.Timestamp.Equal(blk.Timestamp) {
		t.Fatalf("timestamp did not round-trip: got %s want %s", decoded.Timestamp, blk.Timestamp)
	}
	if !bytes.Equal(decoded.ComputeHash(), blk.Hash) {
		t.Fatalf("decoded block's recomputed hash does not match original")
	}
}
