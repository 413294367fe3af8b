// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package poller

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/heirloom-wallet/heirloomd/bitcoin"
	"github.com/heirloom-wallet/heirloomd/coindb"
	"github.com/heirloom-wallet/heirloomd/descriptor"
	"github.com/heirloom-wallet/heirloomd/heirloom"
)

// updateCoins runs one reconciliation pass against the backend: resolve any
// reorganization of the previously recorded tip, discover newly received
// coins, then walk the known coins through confirmation, expiry, spend
// detection and spend confirmation. The backend's tip is queried last so a
// block arriving mid-pass is picked up by the next pass instead of being
// half-applied to this one.
func updateCoins(bit bitcoin.Interface, db *coindb.DB, descs []descriptor.Descriptor,
	log heirloom.Logger) (*coindb.ChainUpdate, error) {

	baseline, err := db.Tip()
	if err != nil {
		return nil, fmt.Errorf("error reading last tip: %w", err)
	}
	if baseline.Hash == (chainhash.Hash{}) {
		// Never synchronized: start from the beginning of the chain.
		baseline = bit.GenesisBlock()
	}

	update := new(coindb.ChainUpdate)

	// Is our former tip still the canonical block at that height? If not
	// the chain was reorganized: resolve the fork point and use it as
	// synchronization baseline instead, and treat everything we derived
	// from blocks above it as stale.
	inChain, err := bit.IsInChain(baseline)
	if err != nil {
		return nil, fmt.Errorf("error checking tip %s: %w", baseline, err)
	}
	if !inChain {
		ancestor, err := bit.CommonAncestor(baseline)
		if err != nil {
			return nil, fmt.Errorf("error finding common ancestor of %s: %w", baseline, err)
		}
		if ancestor == nil {
			// The node has less history than we do, probably still doing
			// its initial sync. Start over from the genesis block.
			genesis := bit.GenesisBlock()
			ancestor = &genesis
			log.Warnf("No common ancestor found for tip %s. Starting over from the genesis block.", baseline)
		}
		log.Infof("Block chain reorganization detected. Tip was %s, restarting from common ancestor %s.",
			baseline, ancestor)
		update.ReorgBase = ancestor
		baseline = *ancestor
	}

	coins, err := db.Coins()
	if err != nil {
		return nil, fmt.Errorf("error reading coins: %w", err)
	}

	// Partition the known coins for the queries below, applying the reorg
	// demotion to this pass's view so stale confirmation info is re-derived
	// right away.
	known := make(map[wire.OutPoint]struct{}, len(coins))
	var unconfirmed []wire.OutPoint
	var spendCandidates []wire.OutPoint
	var spendingPairs []bitcoin.SpendingCoin
	for i := range coins {
		coin := &coins[i]
		known[coin.OutPoint] = struct{}{}

		if update.ReorgBase != nil {
			if coin.Height > update.ReorgBase.Height {
				coin.Height = 0
			}
			if coin.SpendHeight > update.ReorgBase.Height {
				coin.SpendHeight = 0
			}
		}

		if !coin.Confirmed() {
			unconfirmed = append(unconfirmed, coin.OutPoint)
		}
		switch {
		case coin.Spent():
			// Nothing left to track.
		case coin.Spending():
			spendingPairs = append(spendingPairs, bitcoin.SpendingCoin{
				OutPoint: coin.OutPoint,
				Spender:  *coin.SpendTxid,
			})
		default:
			spendCandidates = append(spendCandidates, coin.OutPoint)
		}
	}

	// Learn about coins received since the baseline. Coins we already track
	// are reported again by the backend, so filter those out.
	received, err := bit.ReceivedCoins(baseline, descs)
	if err != nil {
		return nil, fmt.Errorf("error getting received coins: %w", err)
	}
	for _, utxo := range received {
		if _, ok := known[utxo.OutPoint]; ok {
			continue
		}
		known[utxo.OutPoint] = struct{}{}
		update.Received = append(update.Received, utxo)
		// Query confirmation info even when discovery already reported a
		// height, to learn the block time as well.
		unconfirmed = append(unconfirmed, utxo.OutPoint)
		spendCandidates = append(spendCandidates, utxo.OutPoint)
	}

	// Confirmation and expiry of unconfirmed coins.
	expiredSet := make(map[wire.OutPoint]struct{})
	if len(unconfirmed) > 0 {
		confirmed, expired, err := bit.ConfirmedCoins(unconfirmed)
		if err != nil {
			return nil, fmt.Errorf("error getting confirmed coins: %w", err)
		}
		update.Confirmed = confirmed
		update.Expired = expired
		for _, op := range expired {
			expiredSet[op] = struct{}{}
		}
	}

	// Spend detection over every active coin not already known to be
	// spending, minus the ones that just expired.
	candidates := spendCandidates[:0]
	for _, op := range spendCandidates {
		if _, ok := expiredSet[op]; !ok {
			candidates = append(candidates, op)
		}
	}
	if len(candidates) > 0 {
		spending, err := bit.SpendingCoins(candidates)
		if err != nil {
			return nil, fmt.Errorf("error getting spending coins: %w", err)
		}
		update.Spending = spending
		spendingPairs = append(spendingPairs, spending...)
	}

	// Spend confirmation, following any conflicting transaction that
	// confirmed in place of the recorded spender.
	if len(spendingPairs) > 0 {
		spent, err := bit.SpentCoins(spendingPairs)
		if err != nil {
			return nil, fmt.Errorf("error getting spent coins: %w", err)
		}
		update.Spent = spent
	}

	newTip, err := bit.ChainTip()
	if err != nil {
		return nil, fmt.Errorf("error getting chain tip: %w", err)
	}
	update.Tip = newTip

	return update, nil
}
