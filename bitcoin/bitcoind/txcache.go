// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package bitcoind

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/heirloom-wallet/heirloomd/bitcoin"
)

// cachedTxGetter memoizes gettransaction lookups for the duration of one
// reconciliation pass. Both the confirmation logic and the conflict-following
// logic may request the same txid repeatedly; each distinct txid hits the
// node at most once. A nil cache entry records a transaction the node could
// not resolve, so the miss is not retried within the pass either.
type cachedTxGetter struct {
	bd    *BitcoinD
	cache map[chainhash.Hash]*TxResult
}

func newCachedTxGetter(bd *BitcoinD) *cachedTxGetter {
	return &cachedTxGetter{
		bd:    bd,
		cache: make(map[chainhash.Hash]*TxResult),
	}
}

// get returns the wallet's view of the transaction, or nil if the node does
// not know it. A nil result with a nil error means the transaction is absent
// from the wallet-scoped index, which the caller must log: a wallet
// transaction vanishing without explanation is an upstream invariant
// violation, not a condition to retry silently. A non-nil error is a
// transport failure.
func (tg *cachedTxGetter) get(txid *chainhash.Hash) (*TxResult, error) {
	if res, ok := tg.cache[*txid]; ok {
		return res, nil
	}

	gtr := new(getTransactionResult)
	err := tg.bd.call(methodGetTransaction, anylist{txid.String(), true}, gtr)
	if err != nil {
		if isRPCErr(err) {
			tg.cache[*txid] = nil
			return nil, nil
		}
		return nil, err
	}

	tx, err := msgTxFromHex(gtr.Hex)
	if err != nil {
		return nil, fmt.Errorf("invalid transaction hex for %s: %w", txid, err)
	}

	res := &TxResult{Tx: tx}

	if gtr.BlockHash != "" {
		blockHash, err := chainhash.NewHashFromStr(gtr.BlockHash)
		if err != nil {
			return nil, fmt.Errorf("invalid block hash for %s: %w", txid, err)
		}
		res.Block = &bitcoin.Block{
			Hash:   *blockHash,
			Height: gtr.BlockHeight,
			Time:   uint32(gtr.BlockTime),
		}
	}

	for _, conflict := range gtr.WalletConflicts {
		conflictHash, err := chainhash.NewHashFromStr(conflict)
		if err != nil {
			return nil, fmt.Errorf("invalid conflicting txid for %s: %w", txid, err)
		}
		res.Conflicts = append(res.Conflicts, *conflictHash)
	}

	tg.cache[*txid] = res
	return res, nil
}
