// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package poller owns the recurring schedule that keeps the wallet's coin
// state synchronized with the Bitcoin backend. One background worker runs
// the reconciliation pass at a fixed interval; foreground callers share the
// same locked backend handle for ad hoc operations and may request an
// immediate pass.
package poller

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"github.com/heirloom-wallet/heirloomd/bitcoin"
	"github.com/heirloom-wallet/heirloomd/coindb"
	"github.com/heirloom-wallet/heirloomd/descriptor"
	"github.com/heirloom-wallet/heirloomd/heirloom"
)

// DefaultInterval is how often a reconciliation pass runs unless configured
// otherwise.
const DefaultInterval = 30 * time.Second

// rescanNone marks the absence of an ongoing rescan in the published rescan
// progress.
const rescanNone = -1.0

// Poller periodically reconciles the coin database against the Bitcoin
// backend and republishes synchronization and rescan progress for external
// consumers, which poll these independently of reconciliation cycles.
type Poller struct {
	bit      bitcoin.Interface
	db       *coindb.DB
	descs    []descriptor.Descriptor
	interval time.Duration
	log      heirloom.Logger

	wakeChan chan struct{}

	// Float64 bits, updated every cycle.
	syncProgress   atomic.Uint64
	rescanProgress atomic.Uint64
}

// New creates a Poller. The backend handle is expected to be the shared
// locked one, as foreground callers use it concurrently with the poll loop.
func New(bit bitcoin.Interface, db *coindb.DB, descs []descriptor.Descriptor,
	interval time.Duration, log heirloom.Logger) *Poller {

	if interval <= 0 {
		interval = DefaultInterval
	}
	p := &Poller{
		bit:      bit,
		db:       db,
		descs:    descs,
		interval: interval,
		log:      log,
		wakeChan: make(chan struct{}, 1),
	}
	p.rescanProgress.Store(math.Float64bits(rescanNone))
	return p
}

// Run drives the poll loop until the context is canceled. A pass runs
// immediately, then at every interval tick or wake-up request, whichever
// comes first.
func (p *Poller) Run(ctx context.Context) {
	p.log.Infof("Starting Bitcoin backend poller with a %s interval.", p.interval)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.poll()
	for {
		select {
		case <-ticker.C:
		case <-p.wakeChan:
		case <-ctx.Done():
			p.log.Debugf("Bitcoin backend poller stopped.")
			return
		}
		p.poll()
	}
}

// TriggerPoll requests an immediate reconciliation pass. It never blocks; if
// a request is already pending the two are coalesced.
func (p *Poller) TriggerPoll() {
	select {
	case p.wakeChan <- struct{}{}:
	default:
	}
}

// SyncProgress returns the backend's block chain synchronization progress as
// of the last cycle, between 0 and 1.
func (p *Poller) SyncProgress() float64 {
	return math.Float64frombits(p.syncProgress.Load())
}

// RescanProgress returns the progress of an ongoing wallet rescan as of the
// last cycle. The boolean is false if no rescan is ongoing.
func (p *Poller) RescanProgress() (float64, bool) {
	progress := math.Float64frombits(p.rescanProgress.Load())
	if progress == rescanNone {
		return 0, false
	}
	return progress, true
}

// poll runs a single cycle. Oracle failures are logged and the cycle
// abandoned; nothing is retried at this layer, the next cycle simply reports
// whatever the backend says then.
func (p *Poller) poll() {
	progress, err := p.bit.SyncProgress()
	if err != nil {
		p.log.Errorf("Error getting synchronization progress: %v", err)
		return
	}
	p.syncProgress.Store(math.Float64bits(progress))
	if progress < 1 {
		p.log.Debugf("Block chain synchronization at %.2f%%, not updating coins yet.", progress*100)
		return
	}

	update, err := updateCoins(p.bit, p.db, p.descs, p.log)
	if err != nil {
		p.log.Errorf("Error updating coins: %v", err)
		return
	}
	if err := p.db.ApplyUpdate(update); err != nil {
		p.log.Errorf("Error applying chain update for tip %s: %v", update.Tip, err)
		return
	}
	if !update.Empty() {
		p.log.Debugf("Applied chain update at tip %s: %d received, %d confirmed, %d expired, %d spending, %d spent.",
			update.Tip, len(update.Received), len(update.Confirmed), len(update.Expired),
			len(update.Spending), len(update.Spent))
	}

	rescan, err := p.bit.RescanProgress()
	if err != nil {
		p.log.Errorf("Error getting rescan progress: %v", err)
		return
	}
	if rescan != nil {
		p.rescanProgress.Store(math.Float64bits(*rescan))
	} else {
		p.rescanProgress.Store(math.Float64bits(rescanNone))
	}
}
