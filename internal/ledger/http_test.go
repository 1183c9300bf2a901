package ledger

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHTTPProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer key1", r.Header.Get("Authorization"))

		switch r.URL.Path {
		case "/v1/addresses/addr1/utxos":
			w.Write([]byte(`{"utxos":[{"tx_hash":"tx1","index":0,"address":"addr1","coin":42,"assets":{"unit1":1}}]}`))
		case "/v1/protocol-params":
			w.Write([]byte(`{"min_fee":2,"fee_per_byte":1,"min_utxo_coin":5}`))
		case "/v1/transactions":
			require.Equal(t, http.MethodPost, r.Method)
			w.Write([]byte(`{"hash":"submitted1"}`))
		case "/v1/transactions/confirmed1":
			w.Write([]byte(`{"confirmations":3}`))
		case "/v1/transactions/fresh1":
			w.Write([]byte(`{"confirmations":0}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	p := NewHTTPProvider(srv.URL, "key1")

	t.Run("unspent", func(t *testing.T) {
		utxos, err := p.Unspent(ctx, "addr1")
		require.NoError(t, err)
		require.Len(t, utxos, 1)
		require.Equal(t, uint64(42), utxos[0].Coin)
		require.Equal(t, uint64(1), utxos[0].Assets["unit1"])
	})

	t.Run("params", func(t *testing.T) {
		params, err := p.Params(ctx)
		require.NoError(t, err)
		require.Equal(t, ProtocolParams{MinFee: 2, FeePerByte: 1, MinUTXOCoin: 5}, params)
	})

	t.Run("submit", func(t *testing.T) {
		hash, err := p.Submit(ctx, []byte(`{}`))
		require.NoError(t, err)
		require.Equal(t, "submitted1", hash)
	})

	t.Run("confirmation threshold", func(t *testing.T) {
		ok, err := p.Confirmed(ctx, "confirmed1")
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = p.Confirmed(ctx, "fresh1")
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("unknown route is an error", func(t *testing.T) {
		_, err := p.Confirmed(ctx, "missing1")
		require.Error(t, err)
		require.Contains(t, err.Error(), "status 404")
	})
}
