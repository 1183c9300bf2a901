package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// HTTPProvider talks to a ledger RPC provider over JSON HTTP.
type HTTPProvider struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTPProvider(baseURL, apiKey string) *HTTPProvider {
	return &HTTPProvider{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (p *HTTPProvider) Unspent(ctx context.Context, address string) ([]UTXO, error) {
	var out struct {
		UTXOs []UTXO `json:"utxos"`
	}
	path := fmt.Sprintf("/v1/addresses/%s/utxos", url.PathEscape(address))
	if err := p.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.UTXOs, nil
}

func (p *HTTPProvider) Params(ctx context.Context) (ProtocolParams, error) {
	var out struct {
		MinFee      uint64 `json:"min_fee"`
		FeePerByte  uint64 `json:"fee_per_byte"`
		MinUTXOCoin uint64 `json:"min_utxo_coin"`
	}
	if err := p.do(ctx, http.MethodGet, "/v1/protocol-params", nil, &out); err != nil {
		return ProtocolParams{}, err
	}
	return ProtocolParams{MinFee: out.MinFee, FeePerByte: out.FeePerByte, MinUTXOCoin: out.MinUTXOCoin}, nil
}

func (p *HTTPProvider) Submit(ctx context.Context, tx []byte) (string, error) {
	var out struct {
		Hash string `json:"hash"`
	}
	if err := p.do(ctx, http.MethodPost, "/v1/transactions", tx, &out); err != nil {
		return "", err
	}
	return out.Hash, nil
}

func (p *HTTPProvider) Confirmed(ctx context.Context, hash string) (bool, error) {
	var out struct {
		Confirmations int `json:"confirmations"`
	}
	path := fmt.Sprintf("/v1/transactions/%s", url.PathEscape(hash))
	if err := p.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return false, err
	}
	return out.Confirmations > 0, nil
}

func (p *HTTPProvider) do(ctx context.Context, method, path string, body []byte, out any) error {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, r)
	if err != nil {
		return fmt.Errorf("ledger provider: new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("ledger provider: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("ledger provider: %s %s: status %d: %s", method, path, resp.StatusCode, b)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("ledger provider: decode response: %w", err)
	}

	return nil
}
