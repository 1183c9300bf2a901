package ledger

import "context"

// UTXO is one unspent output on the ledger. Assets maps asset units
// (policy id + hex-encoded asset name) to quantities; a single output may
// carry zero or many units of any asset.
type UTXO struct {
	TxHash  string            `json:"tx_hash"`
	Index   uint32            `json:"index"`
	Address string            `json:"address"`
	Coin    uint64            `json:"coin"`
	Assets  map[string]uint64 `json:"assets,omitempty"`
}

type ProtocolParams struct {
	MinFee      uint64
	FeePerByte  uint64
	MinUTXOCoin uint64
}

// Provider is the ledger RPC boundary: UTXO query, protocol parameters,
// submission and confirmation lookup. Implementations wrap a real node or
// provider API; tests use a fake.
type Provider interface {
	Unspent(ctx context.Context, address string) ([]UTXO, error)
	Params(ctx context.Context) (ProtocolParams, error)
	Submit(ctx context.Context, tx []byte) (string, error)
	Confirmed(ctx context.Context, hash string) (bool, error)
}
