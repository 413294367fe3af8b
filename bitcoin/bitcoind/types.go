// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package bitcoind

import (
	"bytes"
	"encoding/json"
	"errors"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/heirloom-wallet/heirloomd/bitcoin"
)

// getBlockChainInfoResult models the subset of the getblockchaininfo result
// we make use of.
type getBlockChainInfoResult struct {
	Chain                string  `json:"chain"`
	Blocks               int32   `json:"blocks"`
	Headers              int32   `json:"headers"`
	BestBlockHash        string  `json:"bestblockhash"`
	VerificationProgress float64 `json:"verificationprogress"`
	InitialBlockDownload bool    `json:"initialblockdownload"`
}

// getTransactionResult models the gettransaction result for a wallet
// transaction. The block fields are only set once the transaction confirmed.
type getTransactionResult struct {
	Confirmations   int64    `json:"confirmations"`
	BlockHash       string   `json:"blockhash"`
	BlockHeight     int32    `json:"blockheight"`
	BlockTime       int64    `json:"blocktime"`
	TxID            string   `json:"txid"`
	WalletConflicts []string `json:"walletconflicts"`
	Time            int64    `json:"time"`
	Hex             string   `json:"hex"`
}

// listTransactionsEntry is a single entry of the listsinceblock and
// listtransactions results.
type listTransactionsEntry struct {
	Address       string   `json:"address"`
	ParentDescs   []string `json:"parent_descs"`
	Category      string   `json:"category"`
	Amount        float64  `json:"amount"`
	Vout          uint32   `json:"vout"`
	Confirmations int64    `json:"confirmations"`
	BlockHeight   int32    `json:"blockheight"`
	TxID          string   `json:"txid"`
}

// listSinceBlockResult models the listsinceblock result.
type listSinceBlockResult struct {
	Transactions []listTransactionsEntry `json:"transactions"`
	LastBlock    string                  `json:"lastblock"`
}

// rpcOutpoint is an outpoint in the format expected by gettxspendingprevout.
type rpcOutpoint struct {
	TxID string `json:"txid"`
	Vout uint32 `json:"vout"`
}

// txSpendingPrevOutResult is a single entry of the gettxspendingprevout
// result. SpendingTxID is empty when no mempool transaction spends the
// outpoint.
type txSpendingPrevOutResult struct {
	TxID         string `json:"txid"`
	Vout         uint32 `json:"vout"`
	SpendingTxID string `json:"spendingtxid"`
}

// getDescriptorInfoResult models the getdescriptorinfo result.
type getDescriptorInfoResult struct {
	Descriptor string `json:"descriptor"`
	Checksum   string `json:"checksum"`
}

// importDescriptorsResult is a single entry of the importdescriptors result.
type importDescriptorsResult struct {
	Success bool `json:"success"`
	Error   *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// scanningInfo is the scanning object of the getwalletinfo result. The field
// is the JSON false value instead of an object when no scan is ongoing.
type scanningInfo struct {
	Duration int64   `json:"duration"`
	Progress float64 `json:"progress"`
}

// getWalletInfoResult models the subset of the getwalletinfo result we make
// use of.
type getWalletInfoResult struct {
	WalletName string          `json:"walletname"`
	Scanning   json.RawMessage `json:"scanning"`
}

// scanProgress interprets the raw scanning field, returning nil when no scan
// is ongoing.
func (r *getWalletInfoResult) scanProgress() (*scanningInfo, error) {
	raw := bytes.TrimSpace(r.Scanning)
	if len(raw) == 0 || bytes.Equal(raw, []byte("false")) {
		return nil, nil
	}
	info := new(scanningInfo)
	if err := json.Unmarshal(raw, info); err != nil {
		return nil, err
	}
	return info, nil
}

// TxResult is the wallet's view of a transaction: the transaction itself, its
// confirming block if any, and the txids of known conflicting transactions.
type TxResult struct {
	Tx        *wire.MsgTx
	Block     *bitcoin.Block
	Conflicts []chainhash.Hash
}

// isRPCErr reports whether the node itself classified and rejected the
// request, as opposed to a transport or protocol failure.
func isRPCErr(err error) bool {
	var rpcErr *btcjson.RPCError
	return errors.As(err, &rpcErr)
}
