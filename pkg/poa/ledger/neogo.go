package ledger

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/nspcc-dev/neo-go/pkg/encoding/address"
	"github.com/nspcc-dev/neo-go/pkg/rpcclient"
	"github.com/nspcc-dev/neo-go/pkg/rpcclient/actor"
	"github.com/nspcc-dev/neo-go/pkg/rpcclient/invoker"
	"github.com/nspcc-dev/neo-go/pkg/rpcclient/nep17"
	"github.com/nspcc-dev/neo-go/pkg/util"
	"github.com/nspcc-dev/neo-go/pkg/wallet"
)

// tokenDecimals assumes an 8-decimal NEP-17 token (GAS's own precision),
// matching the teacher's own fixedn.Fixed8 convention.
const tokenDecimals = 8

func floatToAmount(f float64) *big.Int {
	scaled := new(big.Float).Mul(big.NewFloat(f), big.NewFloat(1e8))
	i, _ := scaled.Int(nil)
	return i
}

func amountToFloat(i *big.Int) float64 {
	f := new(big.Float).SetInt(i)
	f.Quo(f, big.NewFloat(1e8))
	out, _ := f.Float64()
	return out
}

// NeoGoClient is a Client backed by a live neo-go node, signing transfers
// with a single held account exactly as cli/wallet/nep17.go's transfer
// command does, but as a long-lived library call rather than a one-shot
// CLI invocation.
type NeoGoClient struct {
	rpc   *rpcclient.Client
	act   *actor.Actor
	token *nep17.Token
	acct  *wallet.Account

	addressBook map[string]string // account name -> NEP-17 address

	mu      sync.Mutex
	seen    map[string]Transfer // txID -> submitted transfer, for VerifyTransfer
}

// NeoGoOptions configures a NeoGoClient.
type NeoGoOptions struct {
	Endpoint    string
	WIF         string            // private key of the account submitting transfers
	TokenHash   string            // NEP-17 contract hash, hex LE
	AddressBook map[string]string // account name -> address
}

// NewNeoGoClient dials endpoint and prepares a signing actor for the
// account derived from opts.WIF.
func NewNeoGoClient(ctx context.Context, opts NeoGoOptions) (*NeoGoClient, error) {
	c, err := rpcclient.New(ctx, opts.Endpoint, rpcclient.Options{})
	if err != nil {
		return nil, fmt.Errorf("ledger: dial %s: %w", opts.Endpoint, err)
	}
	if err := c.Init(); err != nil {
		return nil, fmt.Errorf("ledger: init rpc client: %w", err)
	}

	acct, err := wallet.NewAccountFromWIF(opts.WIF)
	if err != nil {
		return nil, fmt.Errorf("ledger: load account from WIF: %w", err)
	}

	a, err := actor.NewSimple(c, acct)
	if err != nil {
		return nil, fmt.Errorf("ledger: new actor: %w", err)
	}

	tokenHash, err := util.Uint160DecodeStringLE(opts.TokenHash)
	if err != nil {
		return nil, fmt.Errorf("ledger: decode token hash %q: %w", opts.TokenHash, err)
	}

	book := opts.AddressBook
	if book == nil {
		book = make(map[string]string)
	}

	return &NeoGoClient{
		rpc:         c,
		act:         a,
		token:       nep17.New(a, tokenHash),
		acct:        acct,
		addressBook: book,
		seen:        make(map[string]Transfer),
	}, nil
}

func (c *NeoGoClient) GetAccount(_ context.Context, name string) (*Account, error) {
	addr, ok := c.addressBook[name]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return &Account{Name: name, Address: addr}, nil
}

func (c *NeoGoClient) GetBalance(_ context.Context, name string) (float64, error) {
	addr, ok := c.addressBook[name]
	if !ok {
		return 0, ErrAccountNotFound
	}
	accHash, err := address.StringToUint160(addr)
	if err != nil {
		return 0, fmt.Errorf("ledger: decode address %q: %w", addr, err)
	}
	reader := invoker.New(c.rpc, nil)
	balance, err := nep17.NewReader(reader, c.token.Hash).BalanceOf(accHash)
	if err != nil {
		return 0, fmt.Errorf("ledger: balance of %q: %w", name, err)
	}
	return amountToFloat(balance), nil
}

func (c *NeoGoClient) SubmitTransfer(_ context.Context, t Transfer) (string, error) {
	toAddr, ok := c.addressBook[t.To]
	if !ok {
		return "", ErrAccountNotFound
	}
	toHash, err := address.StringToUint160(toAddr)
	if err != nil {
		return "", fmt.Errorf("ledger: decode address %q: %w", toAddr, err)
	}

	var data any
	if t.Memo != "" {
		data = t.Memo
	}

	txHash, _, err := c.token.Transfer(c.act.Sender(), toHash, floatToAmount(t.Amount), data)
	if err != nil {
		return "", fmt.Errorf("ledger: submit transfer: %w", err)
	}

	txID := txHash.StringLE()
	c.mu.Lock()
	c.seen[txID] = t
	c.mu.Unlock()
	return txID, nil
}

func (c *NeoGoClient) VerifyTransfer(_ context.Context, txID string) (*Transfer, error) {
	hash, err := util.Uint256DecodeStringLE(txID)
	if err != nil {
		return nil, fmt.Errorf("ledger: decode tx id %q: %w", txID, err)
	}
	if _, err := c.rpc.GetRawTransaction(hash); err != nil {
		return nil, ErrTransferNotFound
	}

	c.mu.Lock()
	t, ok := c.seen[txID]
	c.mu.Unlock()
	if !ok {
		return nil, ErrTransferNotFound
	}
	return &t, nil
}

func (c *NeoGoClient) LatestBlockDigest(_ context.Context) (string, error) {
	count, err := c.rpc.GetBlockCount()
	if err != nil {
		return "", fmt.Errorf("ledger: get block count: %w", err)
	}
	blk, err := c.rpc.GetBlockByIndex(count - 1)
	if err != nil {
		return "", fmt.Errorf("ledger: get block %d: %w", count-1, err)
	}
	return blk.Hash().StringLE(), nil
}

func (c *NeoGoClient) IsTopValidator(_ context.Context, name string, n int) (bool, error) {
	addr, ok := c.addressBook[name]
	if !ok {
		return false, ErrAccountNotFound
	}
	validators, err := c.rpc.GetNextBlockValidators()
	if err != nil {
		return false, fmt.Errorf("ledger: get next block validators: %w", err)
	}
	if n > len(validators) {
		n = len(validators)
	}
	for _, v := range validators[:n] {
		if v.PublicKey.Address() == addr {
			return true, nil
		}
	}
	return false, nil
}

var _ Client = (*NeoGoClient)(nil)
