// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package poller

import (
	"context"
	"testing"
	"time"

	"github.com/btcsuite/btcd/wire"

	"github.com/heirloom-wallet/heirloomd/bitcoin"
	"github.com/heirloom-wallet/heirloomd/heirloom"
)

// TestPollWhileSyncing checks that no reconciliation happens until the
// backend finished synchronizing the block chain, and that synchronization
// and rescan progress are republished every cycle.
func TestPollWhileSyncing(t *testing.T) {
	bit := newTBit()
	db := tNewDB(t)
	p := New(bit, db, nil, time.Hour, heirloom.Disabled)

	// Still syncing: progress is published but coins are left alone.
	bit.syncProgress = 0.5
	bit.received = []bitcoin.UTxO{{
		OutPoint: wire.OutPoint{Hash: tHash(0x70), Index: 0},
		Amount:   1e6, Address: "bc1qtest",
	}}
	p.poll()
	if progress := p.SyncProgress(); progress != 0.5 {
		t.Fatalf("wrong sync progress %f", progress)
	}
	tip, err := db.Tip()
	if err != nil || tip != (bitcoin.BlockChainTip{}) {
		t.Fatalf("coins updated while backend still syncing, tip %s, err %v", tip, err)
	}

	// Synced: the pass runs and the tip is recorded.
	bit.syncProgress = 1
	p.poll()
	if progress := p.SyncProgress(); progress != 1 {
		t.Fatalf("wrong sync progress %f", progress)
	}
	tip, _ = db.Tip()
	if tip != bit.tip {
		t.Fatalf("tip not recorded after poll: %s", tip)
	}

	// Rescan progress follows the backend.
	if _, ongoing := p.RescanProgress(); ongoing {
		t.Fatalf("rescan reported ongoing with none started")
	}
	rescan := 0.3
	bit.rescan = &rescan
	p.poll()
	progress, ongoing := p.RescanProgress()
	if !ongoing || progress != 0.3 {
		t.Fatalf("wrong rescan progress %f, ongoing %v", progress, ongoing)
	}
	bit.rescan = nil
	p.poll()
	if _, ongoing = p.RescanProgress(); ongoing {
		t.Fatalf("rescan still reported ongoing after it ended")
	}
}

// TestRunShutdown checks that the poll loop runs a first pass right away and
// stops when its context is canceled.
func TestRunShutdown(t *testing.T) {
	bit := newTBit()
	db := tNewDB(t)
	p := New(bit, db, nil, time.Hour, heirloom.Disabled)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	// TriggerPoll never blocks, even when requests pile up.
	p.TriggerPoll()
	p.TriggerPoll()

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("poller did not stop on context cancellation")
	}

	tip, err := db.Tip()
	if err != nil || tip != bit.tip {
		t.Fatalf("initial pass did not run, tip %s, err %v", tip, err)
	}
}
