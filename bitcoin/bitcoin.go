// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package bitcoin defines the interface to the Bitcoin backend: broadcast
// transactions, poll for new unspent coins, follow confirmations and spends
// across chain reorganizations. All chain-synchronization logic is written
// against the Interface defined here, never against a concrete node client.
package bitcoin

import (
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/heirloom-wallet/heirloomd/descriptor"
)

// Block is information about a confirmed block.
type Block struct {
	Hash   chainhash.Hash
	Height int32
	Time   uint32
}

// BlockChainTip is information about the best block in a chain.
type BlockChainTip struct {
	Hash   chainhash.Hash
	Height int32
}

// String formats the tip as "(height,hash)".
func (tip BlockChainTip) String() string {
	return fmt.Sprintf("(%d,%s)", tip.Height, tip.Hash)
}

// UTxO is an unspent transaction output paying to one of the wallet's
// addresses, as reported by the backend before any state classification.
// BlockHeight is 0 while the creating transaction is unconfirmed.
type UTxO struct {
	OutPoint    wire.OutPoint
	Amount      btcutil.Amount
	BlockHeight int32
	Address     string
}

// ConfirmedCoin is a coin whose creating transaction was confirmed, along
// with the confirmation height and block timestamp.
type ConfirmedCoin struct {
	OutPoint wire.OutPoint
	Height   int32
	Time     uint32
}

// SpendingCoin is a coin for which a spending transaction was observed,
// confirmed or not.
type SpendingCoin struct {
	OutPoint wire.OutPoint
	Spender  chainhash.Hash
}

// SpentCoin is a coin whose spending transaction was confirmed. Spender may
// differ from the txid originally recorded for the spend if a conflicting
// transaction confirmed instead (for instance after a fee bump).
type SpentCoin struct {
	OutPoint wire.OutPoint
	Spender  chainhash.Hash
	Block    Block
}

// Interface is the set of primitives the coin reconciliation logic may use
// against the Bitcoin backend. Transport and node failures are returned as
// errors; per-outpoint inconsistencies are logged by implementations and the
// affected outpoint dropped from the result, never aborting the whole batch.
type Interface interface {
	// GenesisBlock returns the chain's genesis tip. The genesis block is
	// verified at client construction, so this never fails.
	GenesisBlock() BlockChainTip

	// SyncProgress returns an estimate of the backend's block chain
	// synchronization progress, between 0 and 1.
	SyncProgress() (float64, error)

	// ChainTip returns the backend's current best block.
	ChainTip() (BlockChainTip, error)

	// TipTime returns the timestamp set in the best block's header.
	TipTime() (uint32, error)

	// IsInChain checks whether this former tip is still part of the current
	// best chain.
	IsInChain(tip BlockChainTip) (bool, error)

	// ReceivedCoins returns coins received since the given tip, filtered to
	// outputs whose parent descriptor is one of descs.
	ReceivedCoins(tip BlockChainTip, descs []descriptor.Descriptor) ([]UTxO, error)

	// ConfirmedCoins returns the subset of outpoints whose creating
	// transaction confirmed, with height and time, along with the "expired"
	// outpoints whose unconfirmed creating transaction dropped out of the
	// mempool (for instance because it was replaced). An outpoint never
	// appears in both lists.
	ConfirmedCoins(outpoints []wire.OutPoint) (confirmed []ConfirmedCoin, expired []wire.OutPoint, err error)

	// SpendingCoins returns the subset of outpoints being spent along with
	// the spending txid.
	SpendingCoins(outpoints []wire.OutPoint) ([]SpendingCoin, error)

	// SpentCoins returns the subset of the given spending coins whose spend
	// transaction confirmed, with the confirming block. If the recorded
	// spender did not confirm but a conflicting transaction did, the
	// conflicting txid is substituted.
	SpentCoins(coins []SpendingCoin) ([]SpentCoin, error)

	// CommonAncestor returns the most recent ancestor of the given tip that
	// is part of the backend's current best chain, or nil if the backend
	// does not have enough history to find one.
	CommonAncestor(tip BlockChainTip) (*BlockChainTip, error)

	// BroadcastTx submits the transaction to the network. A rejection by the
	// node is returned as an error carrying the node's reason.
	BroadcastTx(tx *wire.MsgTx) error

	// StartRescan asks the backend to rescan the block chain for
	// transactions related to this descriptor since the given date.
	StartRescan(desc descriptor.Descriptor, timestamp uint32) error

	// RescanProgress returns the progress of an ongoing rescan between 0
	// and 1, or nil if no rescan is ongoing.
	RescanProgress() (*float64, error)

	// BlockBeforeDate returns the last block with a timestamp strictly
	// below the given one, or nil if even the genesis block is younger.
	// The timestamp must be a valid block timestamp.
	BlockBeforeDate(timestamp uint32) (*BlockChainTip, error)

	// WalletTransaction returns a transaction related to the wallet along
	// with potential confirmation info, or a nil transaction if the backend
	// does not know it.
	WalletTransaction(txid *chainhash.Hash) (*wire.MsgTx, *Block, error)
}

// SyncedBitcoin wraps an Interface implementation so that at most one
// operation runs against the backend at a time. The node client is not safely
// reentrant and the ordering of queries within a reconciliation pass matters,
// so a single coarse lock guards the whole interface. This is the only
// thread-safe adapter; every consumer shares the same handle.
type SyncedBitcoin struct {
	mtx sync.Mutex
	bit Interface
}

// NewSynced creates the shared thread-safe handle over the backend.
func NewSynced(bit Interface) *SyncedBitcoin {
	return &SyncedBitcoin{bit: bit}
}

var _ Interface = (*SyncedBitcoin)(nil)

// GenesisBlock returns the chain's genesis tip.
func (sb *SyncedBitcoin) GenesisBlock() BlockChainTip {
	sb.mtx.Lock()
	defer sb.mtx.Unlock()
	return sb.bit.GenesisBlock()
}

// SyncProgress returns the backend's synchronization progress.
func (sb *SyncedBitcoin) SyncProgress() (float64, error) {
	sb.mtx.Lock()
	defer sb.mtx.Unlock()
	return sb.bit.SyncProgress()
}

// ChainTip returns the backend's current best block.
func (sb *SyncedBitcoin) ChainTip() (BlockChainTip, error) {
	sb.mtx.Lock()
	defer sb.mtx.Unlock()
	return sb.bit.ChainTip()
}

// TipTime returns the timestamp of the best block's header.
func (sb *SyncedBitcoin) TipTime() (uint32, error) {
	sb.mtx.Lock()
	defer sb.mtx.Unlock()
	return sb.bit.TipTime()
}

// IsInChain checks whether this former tip is still in the best chain.
func (sb *SyncedBitcoin) IsInChain(tip BlockChainTip) (bool, error) {
	sb.mtx.Lock()
	defer sb.mtx.Unlock()
	return sb.bit.IsInChain(tip)
}

// ReceivedCoins returns coins received since the given tip.
func (sb *SyncedBitcoin) ReceivedCoins(tip BlockChainTip, descs []descriptor.Descriptor) ([]UTxO, error) {
	sb.mtx.Lock()
	defer sb.mtx.Unlock()
	return sb.bit.ReceivedCoins(tip, descs)
}

// ConfirmedCoins returns the confirmed and expired subsets of the outpoints.
func (sb *SyncedBitcoin) ConfirmedCoins(outpoints []wire.OutPoint) ([]ConfirmedCoin, []wire.OutPoint, error) {
	sb.mtx.Lock()
	defer sb.mtx.Unlock()
	return sb.bit.ConfirmedCoins(outpoints)
}

// SpendingCoins returns the outpoints being spent along with spender txids.
func (sb *SyncedBitcoin) SpendingCoins(outpoints []wire.OutPoint) ([]SpendingCoin, error) {
	sb.mtx.Lock()
	defer sb.mtx.Unlock()
	return sb.bit.SpendingCoins(outpoints)
}

// SpentCoins returns the coins whose spend transaction confirmed.
func (sb *SyncedBitcoin) SpentCoins(coins []SpendingCoin) ([]SpentCoin, error) {
	sb.mtx.Lock()
	defer sb.mtx.Unlock()
	return sb.bit.SpentCoins(coins)
}

// CommonAncestor returns the most recent still-canonical ancestor of tip.
func (sb *SyncedBitcoin) CommonAncestor(tip BlockChainTip) (*BlockChainTip, error) {
	sb.mtx.Lock()
	defer sb.mtx.Unlock()
	return sb.bit.CommonAncestor(tip)
}

// BroadcastTx submits the transaction to the network.
func (sb *SyncedBitcoin) BroadcastTx(tx *wire.MsgTx) error {
	sb.mtx.Lock()
	defer sb.mtx.Unlock()
	return sb.bit.BroadcastTx(tx)
}

// StartRescan asks the backend to rescan history for this descriptor.
func (sb *SyncedBitcoin) StartRescan(desc descriptor.Descriptor, timestamp uint32) error {
	sb.mtx.Lock()
	defer sb.mtx.Unlock()
	return sb.bit.StartRescan(desc, timestamp)
}

// RescanProgress returns the progress of an ongoing rescan.
func (sb *SyncedBitcoin) RescanProgress() (*float64, error) {
	sb.mtx.Lock()
	defer sb.mtx.Unlock()
	return sb.bit.RescanProgress()
}

// BlockBeforeDate returns the last block with a timestamp below the given one.
func (sb *SyncedBitcoin) BlockBeforeDate(timestamp uint32) (*BlockChainTip, error) {
	sb.mtx.Lock()
	defer sb.mtx.Unlock()
	return sb.bit.BlockBeforeDate(timestamp)
}

// WalletTransaction returns a wallet transaction and its confirmation info.
func (sb *SyncedBitcoin) WalletTransaction(txid *chainhash.Hash) (*wire.MsgTx, *Block, error) {
	sb.mtx.Lock()
	defer sb.mtx.Unlock()
	return sb.bit.WalletTransaction(txid)
}
