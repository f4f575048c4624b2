// Package ledger defines the LedgerClient capability the PoA core uses
// to resolve accounts, submit and verify reward transfers, and read the
// latest block digest salts are mixed with.
package ledger

import "context"

// Account is a resolved on-chain account.
type Account struct {
	Name    string
	Address string
}

// Transfer is a submitted or observed on-chain payment.
type Transfer struct {
	From   string
	To     string
	Amount float64
	Memo   string
}

// Client is the narrow capability the core needs over the external
// ledger. Non-goal per the coordination server's scope: the core never
// builds or signs transactions itself beyond what Client encapsulates.
type Client interface {
	// GetAccount resolves name to an Account. Returns ErrAccountNotFound
	// if absent.
	GetAccount(ctx context.Context, name string) (*Account, error)
	// VerifyTransfer looks up a previously submitted transfer by ID.
	// Returns ErrTransferNotFound if the ledger has no record of it yet.
	VerifyTransfer(ctx context.Context, txID string) (*Transfer, error)
	// SubmitTransfer submits t and returns its transaction ID.
	SubmitTransfer(ctx context.Context, t Transfer) (txID string, err error)
	// LatestBlockDigest returns the hex digest of the most recent block.
	LatestBlockDigest(ctx context.Context) (string, error)
	// GetBalance returns name's current balance.
	GetBalance(ctx context.Context, name string) (float64, error)
	// IsTopValidator reports whether name is among the top n validators
	// by stake. The reward package's financial-safety checks do not call it.
	IsTopValidator(ctx context.Context, name string, n int) (bool, error)
}

type notFoundError struct{ what string }

func (e notFoundError) Error() string { return "ledger: not found: " + e.what }

// ErrAccountNotFound is returned by GetAccount for an unknown name.
var ErrAccountNotFound = notFoundError{"account"}

// ErrTransferNotFound is returned by VerifyTransfer for an unknown ID.
var ErrTransferNotFound = notFoundError{"transfer"}
