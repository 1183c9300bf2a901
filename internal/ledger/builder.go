package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/TriviaNFT/trivianft/internal/errors"
)

type Input struct {
	TxHash string `json:"tx_hash"`
	Index  uint32 `json:"index"`
}

type Output struct {
	Address string            `json:"address"`
	Coin    uint64            `json:"coin"`
	Assets  map[string]uint64 `json:"assets,omitempty"`
}

// TxBody is the signable content of a transaction. Mint maps asset units to
// deltas: positive mints, negative burns.
type TxBody struct {
	Inputs   []Input          `json:"inputs"`
	Outputs  []Output         `json:"outputs"`
	Mint     map[string]int64 `json:"mint,omitempty"`
	Fee      uint64           `json:"fee"`
	Metadata map[string]any   `json:"metadata,omitempty"`
}

// Hash returns the deterministic hex hash of the body.
func (b TxBody) Hash() (string, error) {
	data, err := json.Marshal(b)
	if err != nil {
		return "", fmt.Errorf("marshal tx body: %w", err)
	}
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:]), nil
}

// Tx is a built transaction. When Signed is false the Serialized form is the
// unsigned body, handed back for client-side signing.
type Tx struct {
	Body       TxBody
	Hash       string
	Signed     bool
	Signature  string
	Serialized []byte
}

type Config struct {
	Provider      Provider
	Issuer        *Issuer
	IssuerAddress string
}

// Builder constructs mint and burn-and-mint transactions against the UTXO
// ledger.
type Builder struct {
	provider   Provider
	issuer     *Issuer
	issuerAddr string
}

func NewBuilder(c Config) *Builder {
	return &Builder{
		provider:   c.Provider,
		issuer:     c.Issuer,
		issuerAddr: c.IssuerAddress,
	}
}

func (b *Builder) PolicyID() string { return b.issuer.PolicyID() }

// Confirmed reports whether a previously submitted transaction has reached
// the ledger.
func (b *Builder) Confirmed(ctx context.Context, hash string) (bool, error) {
	return b.provider.Confirmed(ctx, hash)
}

type MintRequest struct {
	AssetName   string
	Destination string
	Metadata    TokenMetadata
}

// Mint builds, signs and submits a plain mint of one token to Destination.
// Fees are paid from the issuer's own outputs.
func (b *Builder) Mint(ctx context.Context, req MintRequest) (*Tx, error) {
	params, err := b.provider.Params(ctx)
	if err != nil {
		return nil, fmt.Errorf("protocol params: %w", err)
	}

	utxos, err := b.provider.Unspent(ctx, b.issuerAddr)
	if err != nil {
		return nil, fmt.Errorf("list issuer unspent: %w", err)
	}

	needCoin := params.MinFee + params.MinUTXOCoin
	selected, err := selectInputs(utxos, nil, needCoin)
	if err != nil {
		return nil, err
	}

	unit := AssetUnit(b.issuer.PolicyID(), req.AssetName)
	body := TxBody{
		Inputs: inputsOf(selected),
		Outputs: []Output{{
			Address: req.Destination,
			Coin:    params.MinUTXOCoin,
			Assets:  map[string]uint64{unit: 1},
		}},
		Mint:     map[string]int64{unit: 1},
		Fee:      params.MinFee,
		Metadata: BuildMetadata(b.issuer.PolicyID(), req.AssetName, req.Metadata),
	}
	addChange(&body, selected, params)

	tx, err := b.sign(body)
	if err != nil {
		return nil, err
	}

	if _, err := b.provider.Submit(ctx, tx.Serialized); err != nil {
		return nil, fmt.Errorf("submit mint: %w", err)
	}

	return tx, nil
}

type BurnRequest struct {
	OwnerAddress string
	// BurnUnits maps asset units to the quantity to burn.
	BurnUnits map[string]uint64
}

// Burn builds, signs and submits a burn-only transaction for the owner's
// tokens. Selection rules match Forge: every required token must be found
// among the owner's unspent outputs before anything is submitted.
func (b *Builder) Burn(ctx context.Context, req BurnRequest) (*Tx, error) {
	params, err := b.provider.Params(ctx)
	if err != nil {
		return nil, fmt.Errorf("protocol params: %w", err)
	}

	utxos, err := b.provider.Unspent(ctx, req.OwnerAddress)
	if err != nil {
		return nil, fmt.Errorf("list unspent: %w", err)
	}

	needCoin := params.MinFee + params.MinUTXOCoin
	selected, err := selectInputs(utxos, req.BurnUnits, needCoin)
	if err != nil {
		return nil, err
	}

	mint := make(map[string]int64, len(req.BurnUnits))
	for unit, qty := range req.BurnUnits {
		mint[unit] = -int64(qty)
	}

	change := make(map[string]uint64)
	for _, u := range selected {
		for unit, qty := range u.Assets {
			change[unit] += qty
		}
	}
	for unit, qty := range req.BurnUnits {
		change[unit] -= qty
		if change[unit] == 0 {
			delete(change, unit)
		}
	}
	if len(change) == 0 {
		change = nil
	}

	body := TxBody{
		Inputs: inputsOf(selected),
		Outputs: []Output{{
			Address: req.OwnerAddress,
			Coin:    totalCoin(selected) - params.MinFee,
			Assets:  change,
		}},
		Mint: mint,
		Fee:  params.MinFee,
	}

	tx, err := b.sign(body)
	if err != nil {
		return nil, err
	}

	if _, err := b.provider.Submit(ctx, tx.Serialized); err != nil {
		return nil, fmt.Errorf("submit burn: %w", err)
	}

	return tx, nil
}

type ForgeRequest struct {
	OwnerAddress string
	// BurnUnits maps required asset units to the quantity that must be burned.
	BurnUnits map[string]uint64
	AssetName string
	Metadata  TokenMetadata
	// Unsigned builds the transaction for client-side signing instead of
	// signing with the issuer key and submitting. The burned inputs belong to
	// the player, not the issuer.
	Unsigned bool
}

// Forge builds one transaction that burns every required input token and
// mints the single forged output back to the owner. Input selection is
// validated before anything touches the ledger: one missing token aborts the
// whole forge.
func (b *Builder) Forge(ctx context.Context, req ForgeRequest) (*Tx, error) {
	params, err := b.provider.Params(ctx)
	if err != nil {
		return nil, fmt.Errorf("protocol params: %w", err)
	}

	utxos, err := b.provider.Unspent(ctx, req.OwnerAddress)
	if err != nil {
		return nil, fmt.Errorf("list unspent: %w", err)
	}

	needCoin := params.MinFee + params.MinUTXOCoin
	selected, err := selectInputs(utxos, req.BurnUnits, needCoin)
	if err != nil {
		return nil, err
	}

	mint := make(map[string]int64, len(req.BurnUnits)+1)
	for unit, qty := range req.BurnUnits {
		mint[unit] = -int64(qty)
	}
	outUnit := AssetUnit(b.issuer.PolicyID(), req.AssetName)
	mint[outUnit] = 1

	// Pass through any selected assets that are not being burned.
	change := map[string]uint64{outUnit: 1}
	for _, u := range selected {
		for unit, qty := range u.Assets {
			change[unit] += qty
		}
	}
	for unit, qty := range req.BurnUnits {
		if change[unit] < qty {
			// selectInputs guarantees coverage
			return nil, errors.Internal(fmt.Errorf("selected inputs lost coverage of %s", unit))
		}
		change[unit] -= qty
		if change[unit] == 0 {
			delete(change, unit)
		}
	}

	body := TxBody{
		Inputs: inputsOf(selected),
		Outputs: []Output{{
			Address: req.OwnerAddress,
			Coin:    totalCoin(selected) - params.MinFee,
			Assets:  change,
		}},
		Mint:     mint,
		Fee:      params.MinFee,
		Metadata: BuildMetadata(b.issuer.PolicyID(), req.AssetName, req.Metadata),
	}

	if req.Unsigned {
		return b.unsigned(body)
	}

	tx, err := b.sign(body)
	if err != nil {
		return nil, err
	}

	if _, err := b.provider.Submit(ctx, tx.Serialized); err != nil {
		return nil, fmt.Errorf("submit forge: %w", err)
	}

	return tx, nil
}

// selectInputs picks the smallest greedy set of outputs that covers every
// required unit, then tops the set up with further outputs until the native
// coin in play meets minCoin. Any unit still uncovered after scanning every
// output is a permanent validation failure.
func selectInputs(utxos []UTXO, required map[string]uint64, minCoin uint64) ([]UTXO, error) {
	sorted := make([]UTXO, len(utxos))
	copy(sorted, utxos)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].TxHash != sorted[j].TxHash {
			return sorted[i].TxHash < sorted[j].TxHash
		}
		return sorted[i].Index < sorted[j].Index
	})

	needed := make(map[string]uint64, len(required))
	for unit, qty := range required {
		if qty > 0 {
			needed[unit] = qty
		}
	}

	var (
		selected []UTXO
		used     = make(map[int]bool)
	)
	for i, u := range sorted {
		if len(needed) == 0 {
			break
		}
		contributes := false
		for unit := range needed {
			if u.Assets[unit] > 0 {
				contributes = true
				break
			}
		}
		if !contributes {
			continue
		}
		selected = append(selected, u)
		used[i] = true
		for unit := range needed {
			if have := u.Assets[unit]; have > 0 {
				if have >= needed[unit] {
					delete(needed, unit)
				} else {
					needed[unit] -= have
				}
			}
		}
	}

	if len(needed) > 0 {
		missing := make([]string, 0, len(needed))
		for unit := range needed {
			missing = append(missing, unit)
		}
		sort.Strings(missing)
		return nil, errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("required tokens not found in unspent outputs: %s", strings.Join(missing, ", ")))
	}

	// Top up with plain outputs, largest coin first, until fees are covered.
	coin := totalCoin(selected)
	if coin < minCoin {
		rest := make([]UTXO, 0, len(sorted))
		for i, u := range sorted {
			if !used[i] {
				rest = append(rest, u)
			}
		}
		sort.Slice(rest, func(i, j int) bool { return rest[i].Coin > rest[j].Coin })

		for _, u := range rest {
			if coin >= minCoin {
				break
			}
			selected = append(selected, u)
			coin += u.Coin
		}
	}

	if coin < minCoin {
		return nil, errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("insufficient funds: need %d coin, found %d", minCoin, coin))
	}

	return selected, nil
}

func (b *Builder) sign(body TxBody) (*Tx, error) {
	hash, err := body.Hash()
	if err != nil {
		return nil, err
	}

	sig := b.issuer.Sign([]byte(hash))

	signed := struct {
		Body      TxBody `json:"body"`
		Signature string `json:"signature"`
		PublicKey string `json:"public_key"`
	}{body, hex.EncodeToString(sig), b.issuer.PublicKeyHex()}

	raw, err := json.Marshal(signed)
	if err != nil {
		return nil, fmt.Errorf("marshal signed tx: %w", err)
	}

	return &Tx{
		Body:       body,
		Hash:       hash,
		Signed:     true,
		Signature:  signed.Signature,
		Serialized: raw,
	}, nil
}

func (b *Builder) unsigned(body TxBody) (*Tx, error) {
	hash, err := body.Hash()
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal unsigned tx: %w", err)
	}

	return &Tx{
		Body:       body,
		Hash:       hash,
		Serialized: raw,
	}, nil
}

func inputsOf(utxos []UTXO) []Input {
	ins := make([]Input, 0, len(utxos))
	for _, u := range utxos {
		ins = append(ins, Input{TxHash: u.TxHash, Index: u.Index})
	}
	return ins
}

func totalCoin(utxos []UTXO) uint64 {
	var n uint64
	for _, u := range utxos {
		n += u.Coin
	}
	return n
}

func addChange(body *TxBody, selected []UTXO, params ProtocolParams) {
	in := totalCoin(selected)
	var out uint64
	for _, o := range body.Outputs {
		out += o.Coin
	}
	if in > out+body.Fee {
		body.Outputs = append(body.Outputs, Output{
			Address: selected[0].Address,
			Coin:    in - out - body.Fee,
		})
	}
}
