// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package coindb persists the wallet's view of its coins and of the block
// chain tip it was last synchronized against. The poller drives every state
// transition through ApplyUpdate; nothing else writes coin state.
package coindb

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"go.etcd.io/bbolt"

	"github.com/heirloom-wallet/heirloomd/bitcoin"
	"github.com/heirloom-wallet/heirloomd/heirloom"
)

var (
	coinsBkt = []byte("coins")
	chainBkt = []byte("chain")
	tipKey   = []byte("tip")
)

// Coin is a wallet-owned output with its known confirmation and spend state.
// Height is 0 while the creating transaction is unconfirmed. SpendTxid is set
// once a spending transaction was observed, and SpendHeight once that
// transaction confirmed.
type Coin struct {
	OutPoint    wire.OutPoint
	Amount      btcutil.Amount
	Address     string
	Height      int32
	Time        uint32
	SpendTxid   *chainhash.Hash
	SpendHeight int32
	SpendTime   uint32
}

// Confirmed reports whether the creating transaction confirmed.
func (c *Coin) Confirmed() bool { return c.Height > 0 }

// Spending reports whether a spending transaction was observed but has not
// confirmed.
func (c *Coin) Spending() bool { return c.SpendTxid != nil && c.SpendHeight == 0 }

// Spent reports whether the spending transaction confirmed.
func (c *Coin) Spent() bool { return c.SpendHeight > 0 }

// ChainUpdate is the delta produced by one reconciliation pass against the
// Bitcoin backend.
type ChainUpdate struct {
	// Tip is the backend's best block as of the end of the pass.
	Tip bitcoin.BlockChainTip
	// ReorgBase, when set, is the common ancestor a reorganization was
	// resolved to. Confirmation and spend info derived from blocks above it
	// is stale and must be re-derived.
	ReorgBase *bitcoin.BlockChainTip
	// Received are coins newly visible to the wallet.
	Received []bitcoin.UTxO
	// Confirmed are coins whose creating transaction confirmed this pass.
	Confirmed []bitcoin.ConfirmedCoin
	// Expired are unconfirmed coins whose creating transaction dropped out
	// of the mempool.
	Expired []wire.OutPoint
	// Spending are coins for which a spend transaction was observed.
	Spending []bitcoin.SpendingCoin
	// Spent are coins whose spend transaction confirmed.
	Spent []bitcoin.SpentCoin
}

// Empty reports whether the pass changed nothing about the coin set.
func (u *ChainUpdate) Empty() bool {
	return u.ReorgBase == nil && len(u.Received) == 0 && len(u.Confirmed) == 0 &&
		len(u.Expired) == 0 && len(u.Spending) == 0 && len(u.Spent) == 0
}

// dbCoin is the stored form of a Coin.
type dbCoin struct {
	TxID        string `json:"txid"`
	Vout        uint32 `json:"vout"`
	Amount      int64  `json:"amount"`
	Address     string `json:"address"`
	Height      int32  `json:"height,omitempty"`
	Time        uint32 `json:"time,omitempty"`
	SpendTxID   string `json:"spendTxid,omitempty"`
	SpendHeight int32  `json:"spendHeight,omitempty"`
	SpendTime   uint32 `json:"spendTime,omitempty"`
}

// dbTip is the stored form of the last known chain tip.
type dbTip struct {
	Hash   string `json:"hash"`
	Height int32  `json:"height"`
}

// outpointKey is the 36-byte key for a coin: the 32-byte tx hash followed by
// the big-endian vout.
func outpointKey(op wire.OutPoint) []byte {
	key := make([]byte, chainhash.HashSize+4)
	copy(key, op.Hash[:])
	binary.BigEndian.PutUint32(key[chainhash.HashSize:], op.Index)
	return key
}

// DB is the bbolt-backed coin store.
type DB struct {
	db  *bbolt.DB
	log heirloom.Logger
}

// Open opens or creates the coin database at the given path.
func Open(path string, log heirloom.Logger) (*DB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("error opening coin db: %w", err)
	}
	err = db.Update(func(dbTx *bbolt.Tx) error {
		if _, err := dbTx.CreateBucketIfNotExists(coinsBkt); err != nil {
			return err
		}
		_, err := dbTx.CreateBucketIfNotExists(chainBkt)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("error creating coin db buckets: %w", err)
	}
	return &DB{db: db, log: log}, nil
}

// Close releases the database file.
func (d *DB) Close() error {
	return d.db.Close()
}

// Tip returns the last known chain tip, or a zero tip if the wallet was
// never synchronized.
func (d *DB) Tip() (bitcoin.BlockChainTip, error) {
	var tip bitcoin.BlockChainTip
	err := d.db.View(func(dbTx *bbolt.Tx) error {
		raw := dbTx.Bucket(chainBkt).Get(tipKey)
		if raw == nil {
			return nil
		}
		var stored dbTip
		if err := json.Unmarshal(raw, &stored); err != nil {
			return err
		}
		hash, err := chainhash.NewHashFromStr(stored.Hash)
		if err != nil {
			return err
		}
		tip = bitcoin.BlockChainTip{Hash: *hash, Height: stored.Height}
		return nil
	})
	return tip, err
}

// Coins returns every coin currently tracked.
func (d *DB) Coins() ([]Coin, error) {
	var coins []Coin
	err := d.db.View(func(dbTx *bbolt.Tx) error {
		return dbTx.Bucket(coinsBkt).ForEach(func(_, v []byte) error {
			coin, err := decodeCoin(v)
			if err != nil {
				return err
			}
			coins = append(coins, *coin)
			return nil
		})
	})
	return coins, err
}

// Coin returns the tracked coin for the outpoint, or nil if unknown.
func (d *DB) Coin(op wire.OutPoint) (*Coin, error) {
	var coin *Coin
	err := d.db.View(func(dbTx *bbolt.Tx) error {
		raw := dbTx.Bucket(coinsBkt).Get(outpointKey(op))
		if raw == nil {
			return nil
		}
		var err error
		coin, err = decodeCoin(raw)
		return err
	})
	return coin, err
}

// ApplyUpdate applies the result of one reconciliation pass atomically. If
// the pass resolved a reorganization, confirmation and spend info above the
// common ancestor is dropped first, then re-derived info from the same pass
// is applied on top.
func (d *DB) ApplyUpdate(u *ChainUpdate) error {
	return d.db.Update(func(dbTx *bbolt.Tx) error {
		bkt := dbTx.Bucket(coinsBkt)

		if u.ReorgBase != nil {
			if err := unconfirmAbove(bkt, u.ReorgBase.Height); err != nil {
				return err
			}
		}

		for i := range u.Received {
			utxo := &u.Received[i]
			key := outpointKey(utxo.OutPoint)
			if bkt.Get(key) != nil {
				continue
			}
			coin := &Coin{
				OutPoint: utxo.OutPoint,
				Amount:   utxo.Amount,
				Address:  utxo.Address,
				Height:   utxo.BlockHeight,
			}
			if err := putCoin(bkt, coin); err != nil {
				return err
			}
		}

		for _, cc := range u.Confirmed {
			coin, err := getCoin(bkt, cc.OutPoint)
			if err != nil {
				return err
			}
			if coin == nil {
				d.log.Warnf("Confirmation reported for unknown coin %s.", cc.OutPoint)
				continue
			}
			coin.Height, coin.Time = cc.Height, cc.Time
			if err := putCoin(bkt, coin); err != nil {
				return err
			}
		}

		for _, op := range u.Expired {
			if err := bkt.Delete(outpointKey(op)); err != nil {
				return err
			}
		}

		for _, sc := range u.Spending {
			coin, err := getCoin(bkt, sc.OutPoint)
			if err != nil {
				return err
			}
			if coin == nil {
				d.log.Warnf("Spend reported for unknown coin %s.", sc.OutPoint)
				continue
			}
			spender := sc.Spender
			coin.SpendTxid = &spender
			if err := putCoin(bkt, coin); err != nil {
				return err
			}
		}

		for _, sc := range u.Spent {
			coin, err := getCoin(bkt, sc.OutPoint)
			if err != nil {
				return err
			}
			if coin == nil {
				d.log.Warnf("Confirmed spend reported for unknown coin %s.", sc.OutPoint)
				continue
			}
			spender := sc.Spender
			coin.SpendTxid = &spender
			coin.SpendHeight, coin.SpendTime = sc.Block.Height, sc.Block.Time
			if err := putCoin(bkt, coin); err != nil {
				return err
			}
		}

		tip, err := json.Marshal(&dbTip{Hash: u.Tip.Hash.String(), Height: u.Tip.Height})
		if err != nil {
			return err
		}
		return dbTx.Bucket(chainBkt).Put(tipKey, tip)
	})
}

// PruneSpent removes coins whose spend transaction has at least minConf
// confirmations at the given tip height, returning how many were removed.
// When to prune is the caller's policy.
func (d *DB) PruneSpent(tipHeight int32, minConf int32) (int, error) {
	var pruned int
	err := d.db.Update(func(dbTx *bbolt.Tx) error {
		bkt := dbTx.Bucket(coinsBkt)
		var stale [][]byte
		err := bkt.ForEach(func(k, v []byte) error {
			coin, err := decodeCoin(v)
			if err != nil {
				return err
			}
			if coin.Spent() && tipHeight-coin.SpendHeight+1 >= minConf {
				key := make([]byte, len(k))
				copy(key, k)
				stale = append(stale, key)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, key := range stale {
			if err := bkt.Delete(key); err != nil {
				return err
			}
		}
		pruned = len(stale)
		return nil
	})
	return pruned, err
}

// unconfirmAbove drops confirmation and spend-confirmation info derived from
// blocks above the given height. The spender txid is kept: the spend
// transaction most likely went back to the mempool and will be re-confirmed
// by a later pass.
func unconfirmAbove(bkt *bbolt.Bucket, height int32) error {
	var demoted []*Coin
	err := bkt.ForEach(func(_, v []byte) error {
		coin, err := decodeCoin(v)
		if err != nil {
			return err
		}
		changed := false
		if coin.Height > height {
			coin.Height, coin.Time = 0, 0
			changed = true
		}
		if coin.SpendHeight > height {
			coin.SpendHeight, coin.SpendTime = 0, 0
			changed = true
		}
		if changed {
			demoted = append(demoted, coin)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, coin := range demoted {
		if err := putCoin(bkt, coin); err != nil {
			return err
		}
	}
	return nil
}

func getCoin(bkt *bbolt.Bucket, op wire.OutPoint) (*Coin, error) {
	raw := bkt.Get(outpointKey(op))
	if raw == nil {
		return nil, nil
	}
	return decodeCoin(raw)
}

func putCoin(bkt *bbolt.Bucket, coin *Coin) error {
	stored := &dbCoin{
		TxID:        coin.OutPoint.Hash.String(),
		Vout:        coin.OutPoint.Index,
		Amount:      int64(coin.Amount),
		Address:     coin.Address,
		Height:      coin.Height,
		Time:        coin.Time,
		SpendHeight: coin.SpendHeight,
		SpendTime:   coin.SpendTime,
	}
	if coin.SpendTxid != nil {
		stored.SpendTxID = coin.SpendTxid.String()
	}
	raw, err := json.Marshal(stored)
	if err != nil {
		return err
	}
	return bkt.Put(outpointKey(coin.OutPoint), raw)
}

func decodeCoin(raw []byte) (*Coin, error) {
	var stored dbCoin
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, err
	}
	txHash, err := chainhash.NewHashFromStr(stored.TxID)
	if err != nil {
		return nil, fmt.Errorf("invalid stored txid: %w", err)
	}
	coin := &Coin{
		OutPoint:    wire.OutPoint{Hash: *txHash, Index: stored.Vout},
		Amount:      btcutil.Amount(stored.Amount),
		Address:     stored.Address,
		Height:      stored.Height,
		Time:        stored.Time,
		SpendHeight: stored.SpendHeight,
		SpendTime:   stored.SpendTime,
	}
	if stored.SpendTxID != "" {
		spendHash, err := chainhash.NewHashFromStr(stored.SpendTxID)
		if err != nil {
			return nil, fmt.Errorf("invalid stored spend txid: %w", err)
		}
		coin.SpendTxid = spendHash
	}
	return coin, nil
}
