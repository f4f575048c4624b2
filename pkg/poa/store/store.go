// Package store defines the narrow repository interface the PoA runtime
// uses for all durable state, and a bbolt-backed implementation of it.
// The runtime never holds a row reference beyond the span of a single
// challenge; every method here returns copies.
package store

import (
	"context"
	"time"

	"github.com/poa-network/coordinator/pkg/poa/model"
)

// Repository is the narrow CRUD surface the PoA core needs over agents,
// blobs, contracts, refs, challenges, contract events and audit rows. It
// supports the specific predicate queries the scheduler and sweeper need
// rather than a general query language, matching the bounded scale (at
// most a few thousand rows) this system operates at.
type Repository interface {
	// Agents.
	GetAgent(ctx context.Context, id string) (*model.Agent, error)
	UpsertAgent(ctx context.Context, a *model.Agent) error
	// EligibleAgents returns agents that are not banned, or whose ban
	// cool-off (24h since LastSeen) has elapsed.
	EligibleAgents(ctx context.Context, now time.Time) ([]*model.Agent, error)

	// Blobs.
	GetBlob(ctx context.Context, contentID string) (*model.Blob, error)
	UpsertBlob(ctx context.Context, b *model.Blob) error
	// PoAEnabledBlobs returns all blobs eligible for challenges.
	PoAEnabledBlobs(ctx context.Context) ([]*model.Blob, error)
	// FundedBlobContentIDs returns content IDs backed by an active
	// contract with remaining budget.
	FundedBlobContentIDs(ctx context.Context) (map[string]string, error) // contentID -> contractID

	// Refs.
	GetRefs(ctx context.Context, contentID string) (*model.RefsEntry, error)
	PutRefs(ctx context.Context, r *model.RefsEntry) error

	// Contracts.
	GetContract(ctx context.Context, id string) (*model.Contract, error)
	UpsertContract(ctx context.Context, c *model.Contract) error
	// ExpiredContracts returns active contracts whose expiry has passed.
	ExpiredContracts(ctx context.Context, now time.Time) ([]*model.Contract, error)
	// ExhaustedContracts returns active contracts whose remaining budget
	// can no longer cover one more reward-per-challenge payout.
	ExhaustedContracts(ctx context.Context) ([]*model.Contract, error)
	// DebitContract atomically applies `spent += reward` iff the result
	// would not exceed budget. ok is false if the debit was rejected.
	DebitContract(ctx context.Context, id string, reward float64) (ok bool, err error)
	AppendContractEvent(ctx context.Context, e *model.ContractEvent) error
	ContractEvents(ctx context.Context, contractID string) ([]*model.ContractEvent, error)

	// Challenges.
	InsertChallenge(ctx context.Context, c *model.Challenge) error
	UpdateChallengeResult(ctx context.Context, id string, result model.ChallengeResult, reason string, latencyMillis int64) error

	// Audit.
	AppendAudit(ctx context.Context, a *model.AuditRow) error
	AuditRows(ctx context.Context, limit int) ([]*model.AuditRow, error)

	Close() error
}

// ErrNotFound is returned by Get* methods when the row does not exist.
var ErrNotFound = notFoundError{}

type notFoundError struct{}

func (notFoundError) Error() string { return "store: not found" }
