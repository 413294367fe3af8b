// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package poller

import (
	"path/filepath"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/heirloom-wallet/heirloomd/bitcoin"
	"github.com/heirloom-wallet/heirloomd/coindb"
	"github.com/heirloom-wallet/heirloomd/descriptor"
	"github.com/heirloom-wallet/heirloomd/heirloom"
)

// tHash creates a deterministic hash from a seed byte.
func tHash(seed byte) chainhash.Hash {
	var h chainhash.Hash
	h[0] = seed
	h[31] = seed
	return h
}

func tTip(seed byte, height int32) bitcoin.BlockChainTip {
	return bitcoin.BlockChainTip{Hash: tHash(seed), Height: height}
}

// tBit is a bitcoin.Interface stub. Canned per-outpoint results are filtered
// to the outpoints actually requested, and the requests are recorded.
type tBit struct {
	genesis      bitcoin.BlockChainTip
	tip          bitcoin.BlockChainTip
	syncProgress float64
	rescan       *float64
	notInChain   map[bitcoin.BlockChainTip]bool
	ancestor     *bitcoin.BlockChainTip
	received     []bitcoin.UTxO
	confirmed    map[wire.OutPoint]bitcoin.ConfirmedCoin
	expired      map[wire.OutPoint]bool
	spending     map[wire.OutPoint]chainhash.Hash
	spent        map[wire.OutPoint]bitcoin.SpentCoin

	confirmedQueries [][]wire.OutPoint
	spendingQueries  [][]wire.OutPoint
	spentQueries     [][]bitcoin.SpendingCoin
}

var _ bitcoin.Interface = (*tBit)(nil)

func newTBit() *tBit {
	return &tBit{
		genesis:      tTip(0x01, 0),
		tip:          tTip(0x02, 100),
		syncProgress: 1,
		notInChain:   make(map[bitcoin.BlockChainTip]bool),
		confirmed:    make(map[wire.OutPoint]bitcoin.ConfirmedCoin),
		expired:      make(map[wire.OutPoint]bool),
		spending:     make(map[wire.OutPoint]chainhash.Hash),
		spent:        make(map[wire.OutPoint]bitcoin.SpentCoin),
	}
}

func (b *tBit) GenesisBlock() bitcoin.BlockChainTip { return b.genesis }

func (b *tBit) SyncProgress() (float64, error) { return b.syncProgress, nil }

func (b *tBit) ChainTip() (bitcoin.BlockChainTip, error) { return b.tip, nil }

func (b *tBit) TipTime() (uint32, error) { return 0, nil }

func (b *tBit) IsInChain(tip bitcoin.BlockChainTip) (bool, error) {
	return !b.notInChain[tip], nil
}

func (b *tBit) ReceivedCoins(_ bitcoin.BlockChainTip, _ []descriptor.Descriptor) ([]bitcoin.UTxO, error) {
	return b.received, nil
}

func (b *tBit) ConfirmedCoins(outpoints []wire.OutPoint) ([]bitcoin.ConfirmedCoin, []wire.OutPoint, error) {
	b.confirmedQueries = append(b.confirmedQueries, outpoints)
	var confirmed []bitcoin.ConfirmedCoin
	var expired []wire.OutPoint
	for _, op := range outpoints {
		if cc, ok := b.confirmed[op]; ok {
			confirmed = append(confirmed, cc)
		} else if b.expired[op] {
			expired = append(expired, op)
		}
	}
	return confirmed, expired, nil
}

func (b *tBit) SpendingCoins(outpoints []wire.OutPoint) ([]bitcoin.SpendingCoin, error) {
	b.spendingQueries = append(b.spendingQueries, outpoints)
	var spending []bitcoin.SpendingCoin
	for _, op := range outpoints {
		if spender, ok := b.spending[op]; ok {
			spending = append(spending, bitcoin.SpendingCoin{OutPoint: op, Spender: spender})
		}
	}
	return spending, nil
}

func (b *tBit) SpentCoins(coins []bitcoin.SpendingCoin) ([]bitcoin.SpentCoin, error) {
	b.spentQueries = append(b.spentQueries, coins)
	var spent []bitcoin.SpentCoin
	for _, coin := range coins {
		if sc, ok := b.spent[coin.OutPoint]; ok {
			spent = append(spent, sc)
		}
	}
	return spent, nil
}

func (b *tBit) CommonAncestor(_ bitcoin.BlockChainTip) (*bitcoin.BlockChainTip, error) {
	return b.ancestor, nil
}

func (b *tBit) BroadcastTx(_ *wire.MsgTx) error { return nil }

func (b *tBit) StartRescan(_ descriptor.Descriptor, _ uint32) error { return nil }

func (b *tBit) RescanProgress() (*float64, error) { return b.rescan, nil }

func (b *tBit) BlockBeforeDate(_ uint32) (*bitcoin.BlockChainTip, error) { return nil, nil }

func (b *tBit) WalletTransaction(_ *chainhash.Hash) (*wire.MsgTx, *bitcoin.Block, error) {
	return nil, nil, nil
}

func tNewDB(t *testing.T) *coindb.DB {
	t.Helper()
	db, err := coindb.Open(filepath.Join(t.TempDir(), "coins.db"), heirloom.Disabled)
	if err != nil {
		t.Fatalf("error opening coin db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// runPass runs one reconciliation pass and applies its result.
func runPass(t *testing.T, bit *tBit, db *coindb.DB) *coindb.ChainUpdate {
	t.Helper()
	update, err := updateCoins(bit, db, nil, heirloom.Disabled)
	if err != nil {
		t.Fatalf("updateCoins error: %v", err)
	}
	if err := db.ApplyUpdate(update); err != nil {
		t.Fatalf("ApplyUpdate error: %v", err)
	}
	return update
}

// TestCoinLifecycle walks a coin through the full deposit-then-spend
// lifecycle, one reconciliation pass per state transition, checking each
// pass's delta and the persisted state after applying it.
func TestCoinLifecycle(t *testing.T) {
	bit := newTBit()
	db := tNewDB(t)

	op := wire.OutPoint{Hash: tHash(0x10), Index: 0}
	spender := tHash(0x20)

	// Pass 1: a new unconfirmed deposit.
	bit.received = []bitcoin.UTxO{{OutPoint: op, Amount: 1e6, Address: "bc1qtest"}}
	update := runPass(t, bit, db)
	if len(update.Received) != 1 || update.Received[0].OutPoint != op {
		t.Fatalf("deposit not reported: %+v", update.Received)
	}
	if update.Tip != bit.tip {
		t.Fatalf("wrong update tip %s", update.Tip)
	}
	coin, err := db.Coin(op)
	if err != nil || coin == nil {
		t.Fatalf("deposit not stored: %v, err %v", coin, err)
	}
	if coin.Confirmed() {
		t.Fatalf("deposit confirmed too early: %+v", coin)
	}

	// Pass 2: the deposit confirms. The backend reports the coin again in
	// the received list, which must not produce a duplicate.
	bit.tip = tTip(0x03, 101)
	bit.confirmed[op] = bitcoin.ConfirmedCoin{OutPoint: op, Height: 101, Time: 5000}
	update = runPass(t, bit, db)
	if len(update.Received) != 0 {
		t.Fatalf("known coin reported as received again: %+v", update.Received)
	}
	if len(update.Confirmed) != 1 || update.Confirmed[0].Height != 101 {
		t.Fatalf("confirmation not reported: %+v", update.Confirmed)
	}
	coin, _ = db.Coin(op)
	if !coin.Confirmed() || coin.Height != 101 || coin.Time != 5000 {
		t.Fatalf("confirmation not stored: %+v", coin)
	}

	// Pass 3: a spend of the coin shows up.
	bit.tip = tTip(0x04, 102)
	bit.spending[op] = spender
	update = runPass(t, bit, db)
	if len(update.Spending) != 1 || update.Spending[0].Spender != spender {
		t.Fatalf("spend not reported: %+v", update.Spending)
	}
	coin, _ = db.Coin(op)
	if !coin.Spending() || *coin.SpendTxid != spender {
		t.Fatalf("spend not stored: %+v", coin)
	}

	// Pass 4: the spend confirms. The coin is already recorded as spending,
	// so it must not be among the spend-detection candidates again.
	bit.tip = tTip(0x05, 103)
	bit.spent[op] = bitcoin.SpentCoin{
		OutPoint: op, Spender: spender,
		Block: bitcoin.Block{Hash: tHash(0x05), Height: 103, Time: 6000},
	}
	queries := len(bit.spendingQueries)
	update = runPass(t, bit, db)
	if len(bit.spendingQueries) != queries {
		t.Fatalf("spend detection queried for a coin already spending")
	}
	if len(update.Spent) != 1 || update.Spent[0].Block.Height != 103 {
		t.Fatalf("confirmed spend not reported: %+v", update.Spent)
	}
	coin, _ = db.Coin(op)
	if !coin.Spent() || coin.SpendHeight != 103 || coin.SpendTime != 6000 {
		t.Fatalf("confirmed spend not stored: %+v", coin)
	}

	// Pass 5: nothing changed. The pass must be a no-op.
	update = runPass(t, bit, db)
	if !update.Empty() {
		t.Fatalf("pass over unchanged state produced a delta: %+v", update)
	}
}

// TestExpiredCoin checks that a deposit whose unconfirmed transaction dropped
// out of the mempool is removed, and is excluded from spend detection in the
// same pass.
func TestExpiredCoin(t *testing.T) {
	bit := newTBit()
	db := tNewDB(t)

	op := wire.OutPoint{Hash: tHash(0x30), Index: 1}
	bit.received = []bitcoin.UTxO{{OutPoint: op, Amount: 5e5, Address: "bc1qtest"}}
	runPass(t, bit, db)

	bit.received = nil
	bit.expired[op] = true
	queries := len(bit.spendingQueries)
	update := runPass(t, bit, db)
	if len(update.Expired) != 1 || update.Expired[0] != op {
		t.Fatalf("expiry not reported: %+v", update.Expired)
	}
	if len(bit.spendingQueries) != queries {
		t.Fatalf("spend detection queried for an expired coin: %v", bit.spendingQueries)
	}
	coin, err := db.Coin(op)
	if err != nil || coin != nil {
		t.Fatalf("expired coin still stored: %+v, err %v", coin, err)
	}
}

// TestReorg checks that when the recorded tip left the best chain, state
// derived from blocks above the common ancestor is re-derived in the same
// pass and the database ends up consistent with the new chain.
func TestReorg(t *testing.T) {
	bit := newTBit()
	db := tNewDB(t)

	op1 := wire.OutPoint{Hash: tHash(0x40), Index: 0}
	op2 := wire.OutPoint{Hash: tHash(0x41), Index: 0}
	spender := tHash(0x42)
	oldTip := tTip(0x50, 200)

	// Seed the database: op1 confirmed at 199, op2 confirmed at 150 and
	// spent at 198, tip at 200.
	err := db.ApplyUpdate(&coindb.ChainUpdate{
		Tip: oldTip,
		Received: []bitcoin.UTxO{
			{OutPoint: op1, Amount: 1e6, Address: "bc1qaaaa"},
			{OutPoint: op2, Amount: 2e6, Address: "bc1qbbbb"},
		},
		Confirmed: []bitcoin.ConfirmedCoin{
			{OutPoint: op1, Height: 199, Time: 1990},
			{OutPoint: op2, Height: 150, Time: 1500},
		},
		Spending: []bitcoin.SpendingCoin{{OutPoint: op2, Spender: spender}},
		Spent: []bitcoin.SpentCoin{{
			OutPoint: op2, Spender: spender,
			Block: bitcoin.Block{Hash: tHash(0x51), Height: 198, Time: 1980},
		}},
	})
	if err != nil {
		t.Fatalf("error seeding db: %v", err)
	}

	// Blocks 198-200 were reorged away. In the new chain op1 confirmed at
	// 199 in a different block and op2's spend confirmed at 199 too.
	ancestor := tTip(0x52, 197)
	bit.notInChain[oldTip] = true
	bit.ancestor = &ancestor
	bit.tip = tTip(0x53, 201)
	bit.confirmed[op1] = bitcoin.ConfirmedCoin{OutPoint: op1, Height: 199, Time: 2995}
	bit.spent[op2] = bitcoin.SpentCoin{
		OutPoint: op2, Spender: spender,
		Block: bitcoin.Block{Hash: tHash(0x54), Height: 199, Time: 2995},
	}

	update := runPass(t, bit, db)
	if update.ReorgBase == nil || *update.ReorgBase != ancestor {
		t.Fatalf("wrong reorg base %v", update.ReorgBase)
	}

	// op1's confirmation was stale, so it must have been re-queried. op2
	// confirmed below the ancestor: it must not have been.
	if len(bit.confirmedQueries) != 1 {
		t.Fatalf("expected 1 confirmation query, got %d", len(bit.confirmedQueries))
	}
	queried := bit.confirmedQueries[0]
	if len(queried) != 1 || queried[0] != op1 {
		t.Fatalf("wrong confirmation query %v", queried)
	}

	// op2's spend confirmation was stale: its recorded spender must have
	// been re-checked for confirmation.
	if len(update.Spent) != 1 || update.Spent[0].OutPoint != op2 {
		t.Fatalf("spend not re-derived: %+v", update.Spent)
	}

	coin1, _ := db.Coin(op1)
	if coin1.Height != 199 || coin1.Time != 2995 {
		t.Fatalf("op1 confirmation not re-derived: %+v", coin1)
	}
	coin2, _ := db.Coin(op2)
	if coin2.Height != 150 {
		t.Fatalf("op2 confirmation below the ancestor was touched: %+v", coin2)
	}
	if *coin2.SpendTxid != spender || coin2.SpendHeight != 199 {
		t.Fatalf("op2 spend not re-derived: %+v", coin2)
	}

	tip, _ := db.Tip()
	if tip != bit.tip {
		t.Fatalf("new tip not stored: %s", tip)
	}
}

// TestReorgNoAncestor checks that a reorg with no resolvable common ancestor
// restarts synchronization from the genesis block.
func TestReorgNoAncestor(t *testing.T) {
	bit := newTBit()
	db := tNewDB(t)

	oldTip := tTip(0x60, 500)
	if err := db.ApplyUpdate(&coindb.ChainUpdate{Tip: oldTip}); err != nil {
		t.Fatalf("error seeding db: %v", err)
	}

	bit.notInChain[oldTip] = true
	bit.ancestor = nil
	update := runPass(t, bit, db)
	if update.ReorgBase == nil || *update.ReorgBase != bit.genesis {
		t.Fatalf("expected genesis reorg base, got %v", update.ReorgBase)
	}
}
