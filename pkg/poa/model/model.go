// Package model holds the durable and in-memory data types shared by the
// PoA subsystems: agents, blobs, contracts, challenge records and the
// transient bookkeeping the runtime keeps between ticks.
package model

import "time"

// Status is an agent's membership state, derived from its reputation.
type Status string

// Agent statuses, ordered from best to worst standing.
const (
	StatusActive    Status = "active"
	StatusProbation Status = "probation"
	StatusBanned    Status = "banned"
)

// Agent is a storage participant answering PoA challenges.
type Agent struct {
	ID              string
	AccountName     string
	Reputation      int
	Status          Status
	ConsecutiveFail int
	// Streak is the current run of consecutive successful proofs, reset
	// to 0 on any failure. Scheduling down-weights long streaks and
	// reward payout scales up with them (see scheduler and reward
	// packages).
	Streak   int
	LastSeen time.Time
	// Endpoint is a fallback dial address used when no live AgentChannel
	// session exists for this agent (see ChallengeExecutor step 2).
	Endpoint string
}

// Blob is a content-addressed object tracked for PoA.
type Blob struct {
	ContentID   string
	Replication int
	SizeBytes   int64
	PoAEnabled  bool
}

// RefsEntry is the ordered sub-block list for one content ID.
type RefsEntry struct {
	ContentID   string
	SubBlockIDs []string
}

// ContractStatus is the lifecycle state of a funded storage contract.
type ContractStatus string

// Contract lifecycle states. Transitions only ever move left to right in
// this list (pending -> active -> {completed, expired, cancelled}).
const (
	ContractPending   ContractStatus = "pending"
	ContractActive    ContractStatus = "active"
	ContractCompleted ContractStatus = "completed"
	ContractExpired   ContractStatus = "expired"
	ContractCancelled ContractStatus = "cancelled"
)

// Contract is a funded storage agreement over one content ID.
type Contract struct {
	ID                string
	UploaderAccount   string
	ContentID         string
	RequestedReplicas int
	Budget            float64
	Spent             float64
	RewardPerChallenge float64
	StartAt           time.Time
	ExpiresAt         time.Time
	Status            ContractStatus
}

// Remaining returns the unspent portion of the contract's budget.
func (c *Contract) Remaining() float64 {
	return c.Budget - c.Spent
}

// ChallengeResult is the outcome of one dispatched challenge.
type ChallengeResult string

// Possible challenge results. The empty string means the challenge is
// still pending a response.
const (
	ResultPending ChallengeResult = ""
	ResultSuccess ChallengeResult = "success"
	ResultFail    ChallengeResult = "fail"
	ResultTimeout ChallengeResult = "timeout"
)

// Challenge is one issued (agent, blob) proof request.
type Challenge struct {
	ID             string
	ValidatorID    string
	AgentID        string
	ContentID      string
	ContractID     string // empty when unfunded
	Salt           string
	Result         ChallengeResult
	FailReason     string
	LatencyMillis  int64
	CreatedAt      time.Time
}

// ContractEvent is one append-only audit row for a contract's lifecycle.
type ContractEvent struct {
	ID         string
	ContractID string
	Kind       string // e.g. "activated", "debited", "completed", "expired"
	Detail     string
	At         time.Time
}

// BroadcastStatus is the outcome of one attempted on-chain payout.
type BroadcastStatus string

// Possible broadcast outcomes recorded on an AuditRow.
const (
	BroadcastSuccess BroadcastStatus = "success"
	BroadcastFailed  BroadcastStatus = "failed"
	BroadcastSkipped BroadcastStatus = "skipped"
)

// AuditRow is one append-only record of an attempted batch-flush payout.
type AuditRow struct {
	ID              string
	AgentID         string
	Account         string
	ProofCount      int
	TotalReward     float64
	BroadcastStatus BroadcastStatus
	TxID            string
	At              time.Time
}

// AccumulatorEntry is the in-memory, per-agent pending reward batch.
type AccumulatorEntry struct {
	AgentID     string
	Account     string
	Count       int
	TotalReward float64
	ContentIDs  map[string]struct{}
}

// NewAccumulatorEntry returns an empty accumulator for the given agent.
func NewAccumulatorEntry(agentID, account string) *AccumulatorEntry {
	return &AccumulatorEntry{
		AgentID:    agentID,
		Account:    account,
		ContentIDs: make(map[string]struct{}),
	}
}

// IsEmpty reports whether the accumulator has no un-flushed proofs.
func (a *AccumulatorEntry) IsEmpty() bool {
	return a.Count == 0
}

// Reset clears the accumulator in place, keeping its identity fields.
func (a *AccumulatorEntry) Reset() {
	a.Count = 0
	a.TotalReward = 0
	a.ContentIDs = make(map[string]struct{})
}
