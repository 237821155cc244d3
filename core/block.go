package core

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// TxKind tags which variant a Transaction carries (§3).
type TxKind int

const (
	TxTrustReport TxKind = iota
	TxStake
	TxUnstake
	TxTransfer
	TxRegistration
)

func (k TxKind) String() string {
	switch k {
	case TxTrustReport:
		return "TrustReport"
	case TxStake:
		return "Stake"
	case TxUnstake:
		return "Unstake"
	case TxTransfer:
		return "Transfer"
	case TxRegistration:
		return "Registration"
	default:
		return "Unknown"
	}
}

// Polarity classifies a TrustReport's intent, independent of its numeric score.
type Polarity int

const (
	PolarityPositive Polarity = iota
	PolarityNegative
	PolarityIdentityVerification
	PolarityCollaborationFeedback
)

// StakePurpose is why an ActiveStake was created.
type StakePurpose int

const (
	PurposeConsensusValidator StakePurpose = iota
	PurposeTrustReporting
	PurposeIdentityVerification
)

// TrustReportTx is one endorsement or complaint about a participant.
type TrustReportTx struct {
	ID          string
	Reporter    EntityID
	Subject     EntityID
	Polarity    Polarity
	Score       int
	Category    string
	EvidenceHash string
	StakeAmount uint64
	Timestamp   time.Time
	Signature   []byte
}

// StakeTx locks trust points toward a purpose.
type StakeTx struct {
	ID          string
	Participant EntityID
	Amount      uint64
	Purpose     StakePurpose
	Timestamp   time.Time
	Signature   []byte
}

// UnstakeTx releases a previously staked amount.
type UnstakeTx struct {
	ID          string
	Participant EntityID
	Amount      uint64
	StakeID     string
	Timestamp   time.Time
	Signature   []byte
}

// TransferTx moves trust points between two participants.
type TransferTx struct {
	ID        string
	From      EntityID
	To        EntityID
	Amount    uint64
	Reason    string
	Timestamp time.Time
	Signature []byte
}

// RegistrationTx admits a new participant with a starting trust balance.
type RegistrationTx struct {
	ID                 string
	Participant        EntityID
	PublicKey          []byte
	InitialTrustPoints uint64
	EntityType         string
	Timestamp          time.Time
	Signature          []byte
}

// Transaction is the tagged union described in §3. Exactly one of the
// pointer fields matching Kind is populated.
type Transaction struct {
	Kind         TxKind
	TrustReport  *TrustReportTx
	Stake        *StakeTx
	Unstake      *UnstakeTx
	Transfer     *TransferTx
	Registration *RegistrationTx
}

// Bytes is the canonical per-variant byte serialization: variant tag, then
// fields in declaration order, fixed-endian integers, length-prefixed byte
// strings for variable-width fields.
func (t *Transaction) Bytes() []byte {
	w := newFrameWriter()
	w.writeUint64(uint64(t.Kind))
	switch t.Kind {
	case TxTrustReport:
		r := t.TrustReport
		w.writeString(r.ID)
		w.writeString(string(r.Reporter))
		w.writeString(string(r.Subject))
		w.writeUint64(uint64(r.Polarity))
		w.writeInt64(int64(r.Score))
		w.writeString(r.Category)
		w.writeString(r.EvidenceHash)
		w.writeUint64(r.StakeAmount)
		w.writeInt64(r.Timestamp.UTC().UnixNano())
	case TxStake:
		s := t.Stake
		w.writeString(s.ID)
		w.writeString(string(s.Participant))
		w.writeUint64(s.Amount)
		w.writeUint64(uint64(s.Purpose))
		w.writeInt64(s.Timestamp.UTC().UnixNano())
	case TxUnstake:
		u := t.Unstake
		w.writeString(u.ID)
		w.writeString(string(u.Participant))
		w.writeUint64(u.Amount)
		w.writeString(u.StakeID)
		w.writeInt64(u.Timestamp.UTC().UnixNano())
	case TxTransfer:
		tr := t.Transfer
		w.writeString(tr.ID)
		w.writeString(string(tr.From))
		w.writeString(string(tr.To))
		w.writeUint64(tr.Amount)
		w.writeString(tr.Reason)
		w.writeInt64(tr.Timestamp.UTC().UnixNano())
	case TxRegistration:
		g := t.Registration
		w.writeString(g.ID)
		w.writeString(string(g.Participant))
		w.writeBytes(g.PublicKey)
		w.writeUint64(g.InitialTrustPoints)
		w.writeString(g.EntityType)
		w.writeInt64(g.Timestamp.UTC().UnixNano())
	}
	return w.Bytes()
}

// ID returns the hex-encoded SHA-256 of the transaction's canonical bytes.
func (t *Transaction) ID() string {
	sum := sha256.Sum256(t.Bytes())
	return hex.EncodeToString(sum[:])
}

// decodeTransaction is Bytes's inverse, used by FileChainStore to recover
// persisted transactions.
func decodeTransaction(r *frameReader) (Transaction, error) {
	kindVal, err := r.readUint64()
	if err != nil {
		return Transaction{}, err
	}
	t := Transaction{Kind: TxKind(kindVal)}
	switch t.Kind {
	case TxTrustReport:
		r2 := &TrustReportTx{}
		if r2.ID, err = r.readString(); err != nil {
			return t, err
		}
		var reporter, subject string
		if reporter, err = r.readString(); err != nil {
			return t, err
		}
		if subject, err = r.readString(); err != nil {
			return t, err
		}
		r2.Reporter, r2.Subject = EntityID(reporter), EntityID(subject)
		polarity, err := r.readUint64()
		if err != nil {
			return t, err
		}
		r2.Polarity = Polarity(polarity)
		score, err := r.readInt64()
		if err != nil {
			return t, err
		}
		r2.Score = int(score)
		if r2.Category, err = r.readString(); err != nil {
			return t, err
		}
		if r2.EvidenceHash, err = r.readString(); err != nil {
			return t, err
		}
		if r2.StakeAmount, err = r.readUint64(); err != nil {
			return t, err
		}
		ts, err := r.readInt64()
		if err != nil {
			return t, err
		}
		r2.Timestamp = time.Unix(0, ts).UTC()
		t.TrustReport = r2
	case TxStake:
		s := &StakeTx{}
		var participant string
		var err error
		if s.ID, err = r.readString(); err != nil {
			return t, err
		}
		if participant, err = r.readString(); err != nil {
			return t, err
		}
		s.Participant = EntityID(participant)
		if s.Amount, err = r.readUint64(); err != nil {
			return t, err
		}
		purpose, err := r.readUint64()
		if err != nil {
			return t, err
		}
		s.Purpose = StakePurpose(purpose)
		ts, err := r.readInt64()
		if err != nil {
			return t, err
		}
		s.Timestamp = time.Unix(0, ts).UTC()
		t.Stake = s
	case TxUnstake:
		u := &UnstakeTx{}
		var participant string
		var err error
		if u.ID, err = r.readString(); err != nil {
			return t, err
		}
		if participant, err = r.readString(); err != nil {
			return t, err
		}
		u.Participant = EntityID(participant)
		if u.Amount, err = r.readUint64(); err != nil {
			return t, err
		}
		if u.StakeID, err = r.readString(); err != nil {
			return t, err
		}
		ts, err := r.readInt64()
		if err != nil {
			return t, err
		}
		u.Timestamp = time.Unix(0, ts).UTC()
		t.Unstake = u
	case TxTransfer:
		tr := &TransferTx{}
		var from, to string
		var err error
		if tr.ID, err = r.readString(); err != nil {
			return t, err
		}
		if from, err = r.readString(); err != nil {
			return t, err
		}
		if to, err = r.readString(); err != nil {
			return t, err
		}
		tr.From, tr.To = EntityID(from), EntityID(to)
		if tr.Amount, err = r.readUint64(); err != nil {
			return t, err
		}
		if tr.Reason, err = r.readString(); err != nil {
			return t, err
		}
		ts, err := r.readInt64()
		if err != nil {
			return t, err
		}
		tr.Timestamp = time.Unix(0, ts).UTC()
		t.Transfer = tr
	case TxRegistration:
		g := &RegistrationTx{}
		var participant string
		var err error
		if g.ID, err = r.readString(); err != nil {
			return t, err
		}
		if participant, err = r.readString(); err != nil {
			return t, err
		}
		g.Participant = EntityID(participant)
		if g.PublicKey, err = r.readBytes(); err != nil {
			return t, err
		}
		if g.InitialTrustPoints, err = r.readUint64(); err != nil {
			return t, err
		}
		if g.EntityType, err = r.readString(); err != nil {
			return t, err
		}
		ts, err := r.readInt64()
		if err != nil {
			return t, err
		}
		g.Timestamp = time.Unix(0, ts).UTC()
		t.Registration = g
	default:
		return t, fmt.Errorf("transaction: unknown kind %d while decoding", t.Kind)
	}
	return t, nil
}

// Validate enforces the per-variant invariants of §4.6: required fields
// non-empty, reporter != subject, score in range, stake_amount > 0,
// from != to, amount > 0, public_key non-empty. Signatures are not checked
// here, and VerificationEngine.Verify does not check them either.
func (t *Transaction) Validate() error {
	switch t.Kind {
	case TxTrustReport:
		r := t.TrustReport
		if r == nil || r.Reporter == "" || r.Subject == "" {
			return fmt.Errorf("transaction: TrustReport requires reporter and subject")
		}
		if r.Reporter == r.Subject {
			return fmt.Errorf("transaction: TrustReport reporter must not equal subject")
		}
		if r.StakeAmount == 0 {
			return fmt.Errorf("transaction: TrustReport stake_amount must be > 0")
		}
		if r.Score < -100 || r.Score > 100 {
			return fmt.Errorf("transaction: TrustReport score %d out of range [-100,100]", r.Score)
		}
	case TxStake:
		s := t.Stake
		if s == nil || s.Participant == "" {
			return fmt.Errorf("transaction: Stake requires participant")
		}
		if s.Amount == 0 {
			return fmt.Errorf("transaction: Stake amount must be > 0")
		}
	case TxUnstake:
		u := t.Unstake
		if u == nil || u.Participant == "" || u.StakeID == "" {
			return fmt.Errorf("transaction: Unstake requires participant and stake_id")
		}
		if u.Amount == 0 {
			return fmt.Errorf("transaction: Unstake amount must be > 0")
		}
	case TxTransfer:
		tr := t.Transfer
		if tr == nil || tr.From == "" || tr.To == "" {
			return fmt.Errorf("transaction: Transfer requires from and to")
		}
		if tr.From == tr.To {
			return fmt.Errorf("transaction: Transfer from must not equal to")
		}
		if tr.Amount == 0 {
			return fmt.Errorf("transaction: Transfer amount must be > 0")
		}
	case TxRegistration:
		g := t.Registration
		if g == nil || g.Participant == "" {
			return fmt.Errorf("transaction: Registration requires participant")
		}
		if len(g.PublicKey) == 0 {
			return fmt.Errorf("transaction: Registration public_key must be non-empty")
		}
	default:
		return fmt.Errorf("transaction: unknown kind %d", t.Kind)
	}
	return nil
}

// Block is one entry in the append-only trust ledger (§3).
type Block struct {
	Number       uint64
	Timestamp    time.Time
	PreviousHash []byte
	Hash         []byte
	Transactions []Transaction
	Nonce        uint64
	Validator    EntityID
}

// ZeroHash is the genesis block's previous_hash: 32 zero bytes.
func ZeroHash() []byte { return make([]byte, 32) }

// ComputeHash returns H(number || timestamp || previous_hash || nonce ||
// validator || concat H(tx_i)) with H = SHA-256, per §3's Block invariant.
// It does not mutate b.Hash — callers that want the cached field populated
// must assign the result themselves, keeping hashing side-effect-free for
// the verification engine's recomputation-and-compare check (§4.9).
func (b *Block) ComputeHash() []byte {
	w := newFrameWriter()
	w.writeUint64(b.Number)
	w.writeInt64(b.Timestamp.UTC().UnixNano())
	w.writeBytes(b.PreviousHash)
	w.writeUint64(b.Nonce)
	w.writeString(string(b.Validator))
	for i := range b.Transactions {
		txHash := sha256.Sum256(b.Transactions[i].Bytes())
		w.writeBytes(txHash[:])
	}
	sum := sha256.Sum256(w.Bytes())
	return sum[:]
}

// Seal computes and stores the block's hash.
func (b *Block) Seal() {
	b.Hash = b.ComputeHash()
}

// Bytes is the self-delimited persistence record a ChainStore writes: every
// field (including the cached hash, unlike ComputeHash's hashing-only
// framing) plus a length-prefixed transaction list, so a block round-trips
// through DecodeBlock without recomputation.
func (b *Block) Bytes() []byte {
	w := newFrameWriter()
	w.writeUint64(b.Number)
	w.writeInt64(b.Timestamp.UTC().UnixNano())
	w.writeBytes(b.PreviousHash)
	w.writeBytes(b.Hash)
	w.writeUint64(b.Nonce)
	w.writeString(string(b.Validator))
	w.writeUint64(uint64(len(b.Transactions)))
	for i := range b.Transactions {
		w.writeBytes(b.Transactions[i].Bytes())
	}
	return w.Bytes()
}

// DecodeBlock is Bytes's inverse.
func DecodeBlock(data []byte) (*Block, error) {
	r := newFrameReader(data)
	b := &Block{}
	var err error
	if b.Number, err = r.readUint64(); err != nil {
		return nil, err
	}
	ts, err := r.readInt64()
	if err != nil {
		return nil, err
	}
	b.Timestamp = time.Unix(0, ts).UTC()
	if b.PreviousHash, err = r.readBytes(); err != nil {
		return nil, err
	}
	if b.Hash, err = r.readBytes(); err != nil {
		return nil, err
	}
	if b.Nonce, err = r.readUint64(); err != nil {
		return nil, err
	}
	validator, err := r.readString()
	if err != nil {
		return nil, err
	}
	b.Validator = EntityID(validator)
	count, err := r.readUint64()
	if err != nil {
		return nil, err
	}
	b.Transactions = make([]Transaction, 0, count)
	for i := uint64(0); i < count; i++ {
		txBytes, err := r.readBytes()
		if err != nil {
			return nil, err
		}
		tx, err := decodeTransaction(newFrameReader(txBytes))
		if err != nil {
			return nil, err
		}
		b.Transactions = append(b.Transactions, tx)
	}
	return b, nil
}
