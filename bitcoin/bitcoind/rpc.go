// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package bitcoind

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/wire"
)

const (
	methodGetBlockHash         = "getblockhash"
	methodGetBlockHeader       = "getblockheader"
	methodGetBlockChainInfo    = "getblockchaininfo"
	methodGetBlock             = "getblock"
	methodListSinceBlock       = "listsinceblock"
	methodListTransactions     = "listtransactions"
	methodGetTransaction       = "gettransaction"
	methodGetMempoolEntry      = "getmempoolentry"
	methodGetTxOut             = "gettxout"
	methodGetTxSpendingPrevOut = "gettxspendingprevout"
	methodSendRawTransaction   = "sendrawtransaction"
	methodImportDescriptors    = "importdescriptors"
	methodGetDescriptorInfo    = "getdescriptorinfo"
	methodGetWalletInfo        = "getwalletinfo"
)

// RawRequester is satisfied by rpcclient.Client. A stub can be used for
// testing. The returned error is of type *btcjson.RPCError when the node
// itself rejected the request.
type RawRequester interface {
	RawRequest(method string, params []json.RawMessage) (json.RawMessage, error)
}

// anylist is a list of RPC parameters to be converted to []json.RawMessage
// and sent via RawRequest.
type anylist []interface{}

// call is used internally to marshal parameters and send requests to the
// node via RawRequest. If thing is non-nil, the result will be unmarshaled
// into thing.
func (bd *BitcoinD) call(method string, args anylist, thing interface{}) error {
	params := make([]json.RawMessage, 0, len(args))
	for i := range args {
		p, err := json.Marshal(args[i])
		if err != nil {
			return err
		}
		params = append(params, p)
	}
	b, err := bd.node.RawRequest(method, params)
	if err != nil {
		return fmt.Errorf("rawrequest error: %w", err)
	}
	if thing != nil {
		return json.Unmarshal(b, thing)
	}
	return nil
}

// serializeMsgTx serializes the wire.MsgTx.
func serializeMsgTx(msgTx *wire.MsgTx) ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, msgTx.SerializeSize()))
	err := msgTx.Serialize(buf)
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// msgTxFromHex creates a wire.MsgTx by deserializing the hex-encoded
// transaction.
func msgTxFromHex(txHex string) (*wire.MsgTx, error) {
	b, err := hex.DecodeString(txHex)
	if err != nil {
		return nil, err
	}
	msgTx := wire.NewMsgTx(wire.TxVersion)
	if err := msgTx.Deserialize(bytes.NewReader(b)); err != nil {
		return nil, err
	}
	return msgTx, nil
}
