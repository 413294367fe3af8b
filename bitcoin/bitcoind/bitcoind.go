// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package bitcoind implements the Bitcoin backend interface against the
// wallet RPC of a trusted bitcoind node, using rpcclient.Client's RawRequest.
package bitcoind

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/heirloom-wallet/heirloomd/bitcoin"
	"github.com/heirloom-wallet/heirloomd/descriptor"
	"github.com/heirloom-wallet/heirloomd/heirloom"
)

// walletSpenderScanDepth is how many of the most recent wallet transactions
// are scanned when resolving the spender of an outpoint that is not being
// spent from the mempool.
const walletSpenderScanDepth = 1000

// BitcoinD is a client for the wallet RPC of a bitcoind node. It is not
// safe for concurrent use; wrap it in a bitcoin.SyncedBitcoin to share it.
type BitcoinD struct {
	node    RawRequester
	genesis bitcoin.BlockChainTip
	log     heirloom.Logger
}

var _ bitcoin.Interface = (*BitcoinD)(nil)

// New creates a BitcoinD client over the requester and verifies the genesis
// block. There is no degraded mode without a genesis block, so failure here
// is fatal to startup. If expectedGenesis is non-nil the node's genesis hash
// must match it, which catches a node running on the wrong network.
func New(node RawRequester, expectedGenesis *chainhash.Hash, log heirloom.Logger) (*BitcoinD, error) {
	bd := &BitcoinD{node: node, log: log}
	genesisHash, err := bd.getBlockHash(0)
	if err != nil {
		return nil, fmt.Errorf("genesis block hash must always be there: %w", err)
	}
	if expectedGenesis != nil && *genesisHash != *expectedGenesis {
		return nil, fmt.Errorf("bitcoind genesis block %s does not match the configured network", genesisHash)
	}
	bd.genesis = bitcoin.BlockChainTip{Hash: *genesisHash, Height: 0}
	return bd, nil
}

// GenesisBlock returns the chain's genesis tip, verified at construction.
func (bd *BitcoinD) GenesisBlock() bitcoin.BlockChainTip {
	return bd.genesis
}

// SyncProgress returns the node's block chain verification progress, between
// 0 and 1.
func (bd *BitcoinD) SyncProgress() (float64, error) {
	info, err := bd.getBlockChainInfo()
	if err != nil {
		return 0, err
	}
	if info.Headers > 0 && info.Blocks == info.Headers && !info.InitialBlockDownload {
		return 1, nil
	}
	if info.VerificationProgress > 1 {
		return 1, nil
	}
	return info.VerificationProgress, nil
}

// ChainTip returns the node's current best block.
func (bd *BitcoinD) ChainTip() (bitcoin.BlockChainTip, error) {
	info, err := bd.getBlockChainInfo()
	if err != nil {
		return bitcoin.BlockChainTip{}, err
	}
	hash, err := chainhash.NewHashFromStr(info.BestBlockHash)
	if err != nil {
		return bitcoin.BlockChainTip{}, fmt.Errorf("invalid best block hash: %w", err)
	}
	return bitcoin.BlockChainTip{Hash: *hash, Height: info.Blocks}, nil
}

// TipTime returns the timestamp set in the best block's header.
func (bd *BitcoinD) TipTime() (uint32, error) {
	tip, err := bd.ChainTip()
	if err != nil {
		return 0, err
	}
	header, err := bd.getBlockHeader(&tip.Hash)
	if err != nil {
		return 0, err
	}
	return uint32(header.Time), nil
}

// IsInChain checks whether this former tip is still the block at its height
// in the current best chain.
func (bd *BitcoinD) IsInChain(tip bitcoin.BlockChainTip) (bool, error) {
	hash, err := bd.getBlockHash(int64(tip.Height))
	if err != nil {
		// The node rejects the request when the height is beyond the
		// current tip, which simply means the block is not in the chain.
		if isRPCErr(err) {
			return false, nil
		}
		return false, err
	}
	return *hash == tip.Hash, nil
}

// ReceivedCoins returns coins received since the given tip whose parent
// descriptor is one of descs.
func (bd *BitcoinD) ReceivedCoins(tip bitcoin.BlockChainTip, descs []descriptor.Descriptor) ([]bitcoin.UTxO, error) {
	lsb := new(listSinceBlockResult)
	// Minimum 1 confirmation for the target block, include watch-only.
	err := bd.call(methodListSinceBlock, anylist{tip.Hash.String(), 1, true}, lsb)
	if err != nil {
		return nil, err
	}

	var utxos []bitcoin.UTxO
	for _, entry := range lsb.Transactions {
		if entry.Category != "receive" || entry.Confirmations < 0 {
			continue
		}
		if !parentDescMatches(entry.ParentDescs, descs) {
			continue
		}
		txHash, err := chainhash.NewHashFromStr(entry.TxID)
		if err != nil {
			return nil, fmt.Errorf("invalid received txid: %w", err)
		}
		amount, err := btcutil.NewAmount(entry.Amount)
		if err != nil {
			return nil, fmt.Errorf("invalid received amount: %w", err)
		}
		utxo := bitcoin.UTxO{
			OutPoint: wire.OutPoint{Hash: *txHash, Index: entry.Vout},
			Amount:   amount,
			Address:  entry.Address,
		}
		if entry.Confirmations > 0 {
			utxo.BlockHeight = entry.BlockHeight
		}
		utxos = append(utxos, utxo)
	}
	return utxos, nil
}

// parentDescMatches reports whether any of the entry's parent descriptors is
// one of the wallet's. The node reports descriptors with their checksum, so
// the comparison is on the canonical checksum-less form.
func parentDescMatches(parentDescs []string, descs []descriptor.Descriptor) bool {
	for _, raw := range parentDescs {
		parent, err := descriptor.New(raw)
		if err != nil {
			continue
		}
		for _, desc := range descs {
			if parent == desc {
				return true
			}
		}
	}
	return false
}

// ConfirmedCoins returns the outpoints whose creating transaction confirmed,
// with height and time, along with the expired outpoints whose unconfirmed
// creating transaction was dropped from the mempool.
func (bd *BitcoinD) ConfirmedCoins(outpoints []wire.OutPoint) ([]bitcoin.ConfirmedCoin, []wire.OutPoint, error) {
	confirmed := make([]bitcoin.ConfirmedCoin, 0, len(outpoints))
	var expired []wire.OutPoint
	tg := newCachedTxGetter(bd)

	for _, op := range outpoints {
		res, err := tg.get(&op.Hash)
		if err != nil {
			return nil, nil, err
		}
		if res == nil {
			bd.log.Errorf("Transaction not in wallet for coin %s.", op)
			continue
		}

		if res.Block != nil {
			confirmed = append(confirmed, bitcoin.ConfirmedCoin{
				OutPoint: op,
				Height:   res.Block.Height,
				Time:     res.Block.Time,
			})
			continue
		}

		// Unconfirmed. If the transaction was also dropped from the
		// mempool, the coin is gone barring a rediscovery.
		inMempool, err := bd.isInMempool(&op.Hash)
		if err != nil {
			return nil, nil, err
		}
		if !inMempool {
			expired = append(expired, op)
		}
	}

	return confirmed, expired, nil
}

// SpendingCoins returns the outpoints being spent along with the spending
// txid. An outpoint observed as spent whose spender cannot be resolved is
// dropped with a logged error; it will be reconsidered next pass.
func (bd *BitcoinD) SpendingCoins(outpoints []wire.OutPoint) ([]bitcoin.SpendingCoin, error) {
	if len(outpoints) == 0 {
		return nil, nil
	}

	// A single batched query resolves all outpoints being spent from the
	// mempool.
	mempoolSpenders, err := bd.mempoolSpenders(outpoints)
	if err != nil {
		return nil, err
	}

	var spending []bitcoin.SpendingCoin
	var tg *cachedTxGetter
	for _, op := range outpoints {
		if spender, ok := mempoolSpenders[op]; ok {
			spending = append(spending, bitcoin.SpendingCoin{OutPoint: op, Spender: spender})
			continue
		}

		spent, err := bd.isSpent(op)
		if err != nil {
			return nil, err
		}
		if !spent {
			continue
		}

		// The spend already confirmed without us seeing it in the mempool.
		// Find the spender among the wallet's recent transactions.
		if tg == nil {
			tg = newCachedTxGetter(bd)
		}
		spender, err := bd.walletSpender(op, tg)
		if err != nil {
			return nil, err
		}
		if spender == nil {
			bd.log.Errorf("Could not get spender of %s. Not reporting it as spending.", op)
			continue
		}
		spending = append(spending, bitcoin.SpendingCoin{OutPoint: op, Spender: *spender})
	}

	return spending, nil
}

// SpentCoins returns the coins whose spend transaction confirmed, with the
// confirming block. If the recorded spender did not confirm but a
// conflicting transaction did, the conflicting txid is substituted: this is
// how a fee-bumped or double-spent spend is tracked to the transaction that
// actually confirmed.
func (bd *BitcoinD) SpentCoins(coins []bitcoin.SpendingCoin) ([]bitcoin.SpentCoin, error) {
	spent := make([]bitcoin.SpentCoin, 0, len(coins))
	tg := newCachedTxGetter(bd)

	for _, coin := range coins {
		res, err := tg.get(&coin.Spender)
		if err != nil {
			return nil, err
		}
		if res == nil {
			bd.log.Errorf("Could not get tx %s spending coin %s.", coin.Spender, coin.OutPoint)
			continue
		}

		if res.Block != nil {
			spent = append(spent, bitcoin.SpentCoin{
				OutPoint: coin.OutPoint,
				Spender:  coin.Spender,
				Block:    *res.Block,
			})
			continue
		}

		for _, conflict := range res.Conflicts {
			conflictRes, err := tg.get(&conflict)
			if err != nil {
				return nil, err
			}
			if conflictRes != nil && conflictRes.Block != nil {
				spent = append(spent, bitcoin.SpentCoin{
					OutPoint: coin.OutPoint,
					Spender:  conflict,
					Block:    *conflictRes.Block,
				})
				break
			}
		}
	}

	return spent, nil
}

// CommonAncestor walks backward from the given tip while it is not part of
// the current best chain, returning the first ancestor that is. It returns
// nil if the node has less history than needed to find one.
func (bd *BitcoinD) CommonAncestor(tip bitcoin.BlockChainTip) (*bitcoin.BlockChainTip, error) {
	block, err := bd.getBlockVerbose(&tip.Hash)
	if err != nil {
		return nil, err
	}
	ancestor := tip

	for block.Confirmations == -1 {
		if block.PreviousHash == "" {
			return nil, nil
		}
		prevHash, err := chainhash.NewHashFromStr(block.PreviousHash)
		if err != nil {
			return nil, fmt.Errorf("invalid previous block hash: %w", err)
		}
		block, err = bd.getBlockVerbose(prevHash)
		if err != nil {
			return nil, err
		}
		ancestor = bitcoin.BlockChainTip{Hash: *prevHash, Height: int32(block.Height)}
	}

	return &ancestor, nil
}

// BroadcastTx submits the transaction to the node for relay. A rejection by
// the node comes back as an error carrying its reason. Anything else means
// the node's basic contract is broken: there is no sane recovery, so we
// crash rather than guess.
func (bd *BitcoinD) BroadcastTx(tx *wire.MsgTx) error {
	txBytes, err := serializeMsgTx(tx)
	if err != nil {
		return fmt.Errorf("tx serialization error: %w", err)
	}
	err = bd.call(methodSendRawTransaction, anylist{hex.EncodeToString(txBytes)}, nil)
	if err == nil {
		return nil
	}
	var rpcErr *btcjson.RPCError
	if errors.As(err, &rpcErr) {
		return errors.New(rpcErr.Message)
	}
	panic(fmt.Sprintf("unexpected bitcoind error when broadcasting transaction: %v", err))
}

// StartRescan asks the node to rescan the block chain for transactions
// related to this descriptor since the given date.
func (bd *BitcoinD) StartRescan(desc descriptor.Descriptor, timestamp uint32) error {
	// importdescriptors requires the descriptor with its checksum.
	info := new(getDescriptorInfoResult)
	if err := bd.call(methodGetDescriptorInfo, anylist{desc.String()}, info); err != nil {
		return fmt.Errorf("error canonicalizing descriptor: %w", err)
	}

	req := []map[string]interface{}{{
		"desc":      info.Descriptor,
		"timestamp": timestamp,
	}}
	var results []importDescriptorsResult
	if err := bd.call(methodImportDescriptors, anylist{req}, &results); err != nil {
		return err
	}
	for _, res := range results {
		if !res.Success {
			if res.Error != nil {
				return fmt.Errorf("importdescriptors error: %s", res.Error.Message)
			}
			return errors.New("importdescriptors failed without a reason")
		}
	}
	return nil
}

// RescanProgress returns the progress of an ongoing wallet rescan between 0
// and 1, or nil if no rescan is ongoing.
func (bd *BitcoinD) RescanProgress() (*float64, error) {
	wi := new(getWalletInfoResult)
	if err := bd.call(methodGetWalletInfo, nil, wi); err != nil {
		return nil, err
	}
	scan, err := wi.scanProgress()
	if err != nil {
		return nil, fmt.Errorf("invalid scanning info: %w", err)
	}
	if scan == nil {
		return nil, nil
	}
	progress := scan.Progress
	if progress > 1 {
		progress = 1
	}
	return &progress, nil
}

// BlockBeforeDate returns the last block with a header timestamp strictly
// below the given one, or nil if even the genesis block is younger. Header
// timestamps are not strictly monotonic, but they are required to be above
// the median of the past 11 blocks, which is close enough for picking a
// rescan start point.
func (bd *BitcoinD) BlockBeforeDate(timestamp uint32) (*bitcoin.BlockChainTip, error) {
	tip, err := bd.ChainTip()
	if err != nil {
		return nil, err
	}

	// Binary search for the lowest height with a timestamp at or above the
	// target. The block right below it is the answer.
	lo, hi := int32(0), tip.Height
	for lo < hi {
		mid := lo + (hi-lo)/2
		_, blockTime, err := bd.headerAt(mid)
		if err != nil {
			return nil, err
		}
		if blockTime < timestamp {
			lo = mid + 1
		} else {
			hi = mid
		}
	}

	_, loTime, err := bd.headerAt(lo)
	if err != nil {
		return nil, err
	}
	if loTime < timestamp {
		// Even the tip is older than the target date.
		lo = tip.Height + 1
	}
	if lo == 0 {
		return nil, nil
	}

	blockTip, _, err := bd.headerAt(lo - 1)
	if err != nil {
		return nil, err
	}
	return &blockTip, nil
}

// WalletTransaction returns a transaction related to the wallet along with
// potential confirmation info, or a nil transaction if the node does not
// know it.
func (bd *BitcoinD) WalletTransaction(txid *chainhash.Hash) (*wire.MsgTx, *bitcoin.Block, error) {
	res, err := newCachedTxGetter(bd).get(txid)
	if err != nil {
		return nil, nil, err
	}
	if res == nil {
		return nil, nil, nil
	}
	return res.Tx, res.Block, nil
}

// getBlockHash returns the hash of the block at the given height in the best
// chain.
func (bd *BitcoinD) getBlockHash(height int64) (*chainhash.Hash, error) {
	var hashStr string
	if err := bd.call(methodGetBlockHash, anylist{height}, &hashStr); err != nil {
		return nil, err
	}
	return chainhash.NewHashFromStr(hashStr)
}

// getBlockHeader returns the verbose header of the given block.
func (bd *BitcoinD) getBlockHeader(blockHash *chainhash.Hash) (*btcjson.GetBlockHeaderVerboseResult, error) {
	header := new(btcjson.GetBlockHeaderVerboseResult)
	err := bd.call(methodGetBlockHeader, anylist{blockHash.String(), true}, header)
	return header, err
}

// getBlockVerbose returns the verbose block info of the given block. Stale
// blocks are reported with -1 confirmations.
func (bd *BitcoinD) getBlockVerbose(blockHash *chainhash.Hash) (*btcjson.GetBlockVerboseResult, error) {
	block := new(btcjson.GetBlockVerboseResult)
	err := bd.call(methodGetBlock, anylist{blockHash.String(), 1}, block)
	return block, err
}

// getBlockChainInfo returns the node's chain state summary.
func (bd *BitcoinD) getBlockChainInfo() (*getBlockChainInfoResult, error) {
	info := new(getBlockChainInfoResult)
	err := bd.call(methodGetBlockChainInfo, nil, info)
	return info, err
}

// headerAt returns the tip identifier and header timestamp of the block at
// the given height in the best chain.
func (bd *BitcoinD) headerAt(height int32) (bitcoin.BlockChainTip, uint32, error) {
	hash, err := bd.getBlockHash(int64(height))
	if err != nil {
		return bitcoin.BlockChainTip{}, 0, err
	}
	header, err := bd.getBlockHeader(hash)
	if err != nil {
		return bitcoin.BlockChainTip{}, 0, err
	}
	return bitcoin.BlockChainTip{Hash: *hash, Height: height}, uint32(header.Time), nil
}

// isInMempool checks whether the transaction is in the node's mempool.
func (bd *BitcoinD) isInMempool(txid *chainhash.Hash) (bool, error) {
	err := bd.call(methodGetMempoolEntry, anylist{txid.String()}, nil)
	if err == nil {
		return true, nil
	}
	if isRPCErr(err) {
		return false, nil
	}
	return false, err
}

// isSpent checks whether the outpoint was spent, in the mempool or in a
// block, according to gettxout.
func (bd *BitcoinD) isSpent(op wire.OutPoint) (bool, error) {
	// A pointer to a pointer so json.Unmarshal can nil it on the JSON null
	// returned for a spent output.
	var res *btcjson.GetTxOutResult
	err := bd.call(methodGetTxOut, anylist{op.Hash.String(), op.Index, true}, &res)
	if err != nil {
		return false, err
	}
	return res == nil, nil
}

// mempoolSpenders returns, for the subset of the outpoints being spent from
// the mempool, the spending txid.
func (bd *BitcoinD) mempoolSpenders(outpoints []wire.OutPoint) (map[wire.OutPoint]chainhash.Hash, error) {
	prevouts := make([]rpcOutpoint, 0, len(outpoints))
	for _, op := range outpoints {
		prevouts = append(prevouts, rpcOutpoint{TxID: op.Hash.String(), Vout: op.Index})
	}
	var results []txSpendingPrevOutResult
	if err := bd.call(methodGetTxSpendingPrevOut, anylist{prevouts}, &results); err != nil {
		return nil, err
	}

	spenders := make(map[wire.OutPoint]chainhash.Hash)
	for _, res := range results {
		if res.SpendingTxID == "" {
			continue
		}
		txHash, err := chainhash.NewHashFromStr(res.TxID)
		if err != nil {
			return nil, fmt.Errorf("invalid outpoint txid: %w", err)
		}
		spender, err := chainhash.NewHashFromStr(res.SpendingTxID)
		if err != nil {
			return nil, fmt.Errorf("invalid spending txid: %w", err)
		}
		spenders[wire.OutPoint{Hash: *txHash, Index: res.Vout}] = *spender
	}
	return spenders, nil
}

// walletSpender scans the wallet's recent transactions for one spending the
// outpoint. It returns nil if none was found within the scan depth.
func (bd *BitcoinD) walletSpender(op wire.OutPoint, tg *cachedTxGetter) (*chainhash.Hash, error) {
	var entries []listTransactionsEntry
	err := bd.call(methodListTransactions, anylist{"*", walletSpenderScanDepth, 0, true}, &entries)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		if entry.Category != "send" {
			continue
		}
		if _, ok := seen[entry.TxID]; ok {
			continue
		}
		seen[entry.TxID] = struct{}{}

		txHash, err := chainhash.NewHashFromStr(entry.TxID)
		if err != nil {
			return nil, fmt.Errorf("invalid wallet txid: %w", err)
		}
		res, err := tg.get(txHash)
		if err != nil {
			return nil, err
		}
		if res == nil {
			continue
		}
		for _, txIn := range res.Tx.TxIn {
			if txIn.PreviousOutPoint == op {
				return txHash, nil
			}
		}
	}
	return nil, nil
}
