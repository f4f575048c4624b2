package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// DigestTTL is how long a cached block digest is reused before the next
// salt generation re-reads LatestBlockDigest, per spec §9: freshness of
// the digest itself doesn't matter to salt unpredictability, only the
// random bytes mixed alongside it do, so a short stale window is fine.
const DigestTTL = 3 * time.Second

// DigestSource wraps a Client's LatestBlockDigest with a short-TTL cache
// and a fallback so a LedgerClient outage never stalls the scheduler: if
// the live call fails, a time-bucketed digest derived from the wall
// clock is substituted instead.
type DigestSource struct {
	client Client

	mu        sync.Mutex
	cached    string
	expiresAt time.Time
}

// NewDigestSource wraps client.
func NewDigestSource(client Client) *DigestSource {
	return &DigestSource{client: client}
}

// Get returns a recent block digest, refreshing from the client at most
// once per DigestTTL.
func (d *DigestSource) Get(ctx context.Context) string {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	if now.Before(d.expiresAt) {
		return d.cached
	}

	digest, err := d.client.LatestBlockDigest(ctx)
	if err != nil {
		digest = fallbackDigest(now)
	}
	d.cached = digest
	d.expiresAt = now.Add(DigestTTL)
	return digest
}

// fallbackDigest derives a digest from a 3-second wall-clock bucket so
// salts stay unpredictable (from the random bytes mixed in alongside it)
// even while the ledger is unreachable.
func fallbackDigest(now time.Time) string {
	bucket := now.Unix() / int64(DigestTTL/time.Second)
	sum := sha256.Sum256([]byte(fmt.Sprintf("poa-digest-fallback-%d", bucket)))
	return hex.EncodeToString(sum[:])
}
