package core

import (
	"path/filepath"
	"testing"
	"time"
)

func genesisBlock() *Block {
	blk := &Block{Number: 0, Timestamp: time.Now().UTC(), PreviousHash: ZeroHash(), Validator: "alice"}
	blk.Seal()
	return blk
}

func childBlock(prev *Block) *Block {
	blk := &Block{
		Number:       prev.Number + 1,
		Timestamp:    prev.Timestamp.Add(time.Second),
		PreviousHash: prev.Hash,
		Transactions: sampleTransactions(),
		Validator:    "bob",
	}
	blk.Seal()
	return blk
}

func TestInMemoryChainStoreAppendAndLoad(t *testing.T) {
	store := NewInMemoryChainStore()
	g := genesisBlock()
	c := childBlock(g)
	if err := store.AppendBlock(g); err != nil {
		t.Fatalf("append genesis: %v", err)
	}
	if err := store.AppendBlock(c); err != nil {
		t.Fatalf("append child: %v", err)
	}
	blocks, err := store.LoadAll()
	if err != nil {
		t.Fatalf("load all: %v", err)
	}
	if len(blocks) != 2 || blocks[0].Number != 0 || blocks[1].Number != 1 {
		t.Fatalf("unexpected blocks: %+v", blocks)
	}
}

func TestFileChainStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chain.dat")
	store := NewFileChainStore(path)

	g := genesisBlock()
	c := childBlock(g)
	if err := store.AppendBlock(g); err != nil {
		t.Fatalf("append genesis: %v", err)
	}
	if err := store.AppendBlock(c); err != nil {
		t.Fatalf("append child: %v", err)
	}

	reopened := NewFileChainStore(path)
	blocks, err := reopened.LoadAll()
	if err != nil {
		t.Fatalf("load all: %v", err)
	}
	if len(blocks) != 2 {
		t.Fatalf("expected 2 blocks, got %d", len(blocks))
	}
	if blocks[0].Number != 0 || blocks[1].Number != 1 {
		t.Fatalf("unexpected block numbers: %d, %d", blocks[0].Number, blocks[1].Number)
	}
	if len(blocks[1].Transactions) != len(c.Transactions) {
		t.Fatalf("expected %d transactions in second block, got %d", len(c.Transactions), len(blocks[1].Transactions))
	}
}

func TestFileChainStoreLoadAllMissingFileIsEmptyChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does-not-exist.dat")
	store := NewFileChainStore(path)
	blocks, err := store.LoadAll()
	if err != nil {
		t.Fatalf("unexpected error for missing file: %v", err)
	}
	if len(blocks) != 0 {
		t.Fatalf("expected empty chain, got %d blocks", len(blocks))
	}
}
