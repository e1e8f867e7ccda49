// Package ledger implements a tamper-evident, hash-chained store of
// confirmed anomaly events. "Chain" here means hash linkage between
// consecutive entries; there is a single writer and no consensus.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"

	"apexsentinel/pkg/anomaly"
	"apexsentinel/pkg/classify"
)

// GenesisHash is the previous-hash sentinel of the first entry: an all-zero
// value the width of a 256-bit digest in hex.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// ErrLedgerCorrupt means the persisted chain is unreadable. Appending must
// stop rather than silently start a fresh chain, or the tamper-evidence
// guarantee is void.
var ErrLedgerCorrupt = errors.New("ledger corrupt")

// Supported digest choices. Both are 256-bit.
const (
	HashSHA256  = "sha256"
	HashBlake2b = "blake2b-256"
)

// Entry is one committed ledger record. Entries are append-only and never
// mutated after being written.
type Entry struct {
	ID            string            `json:"id"`
	Timestamp     string            `json:"timestamp"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	PreviousHash  string            `json:"previous_hash"`
	IntegrityHash string            `json:"integrity_hash"`
	Event         classify.Event    `json:"data"`
}

// Store is the durable persistence collaborator, keyed by position.
type Store interface {
	// ReadAll returns every entry in insertion order. An unparseable store
	// reports ErrLedgerCorrupt.
	ReadAll(ctx context.Context) ([]Entry, error)
	// AppendAtomic persists one entry durably; a concurrent reader must
	// never observe it partially written.
	AppendAtomic(ctx context.Context, e Entry) error
	// Len returns the number of persisted entries.
	Len(ctx context.Context) (int, error)
}

// verificationPayload is the canonical subset of an entry that the integrity
// hash covers. Field order is fixed (keys in sorted order) so that
// re-serialization is bit-reproducible.
type verificationPayload struct {
	EventType   classify.EventType     `json:"event_type"`
	Severity    classify.Severity      `json:"severity"`
	Timestamp   string                 `json:"timestamp"`
	TopChannels []anomaly.ChannelError `json:"top_channels"`
}

// CanonicalPayload serializes the hashed subset of an entry. Re-deriving the
// integrity hash from this payload and the entry's previous hash must exactly
// reproduce the stored value.
func CanonicalPayload(e Entry) ([]byte, error) {
	return json.Marshal(verificationPayload{
		EventType:   e.Event.Type,
		Severity:    e.Event.Severity,
		Timestamp:   e.Timestamp,
		TopChannels: e.Event.TopChannels,
	})
}

func newDigest(alg string) (hash.Hash, error) {
	switch alg {
	case "", HashSHA256:
		return sha256.New(), nil
	case HashBlake2b:
		return blake2b.New256(nil)
	default:
		return nil, fmt.Errorf("unsupported hash %q", alg)
	}
}

// ChainedHash binds a canonical payload to the hash of the prior entry.
func ChainedHash(alg string, canonical []byte, previousHash string) (string, error) {
	h, err := newDigest(alg)
	if err != nil {
		return "", err
	}
	h.Write(canonical)
	h.Write([]byte(previousHash))
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Chain owns the append-only sequence. Appends are serialized by a mutex
// because read-last-hash then link is a read-modify-write sequence;
// unserialized appends could fork the chain.
type Chain struct {
	store Store
	alg   string

	mu       sync.Mutex
	lastHash string
	loaded   bool

	now func() time.Time // test seam
}

// NewChain wraps a store with chain append logic. alg selects the digest
// (HashSHA256 default).
func NewChain(store Store, alg string) (*Chain, error) {
	if _, err := newDigest(alg); err != nil {
		return nil, err
	}
	if alg == "" {
		alg = HashSHA256
	}
	return &Chain{store: store, alg: alg, now: time.Now}, nil
}

// HashAlg reports the digest this chain hashes with.
func (c *Chain) HashAlg() string { return c.alg }

// Store exposes the underlying persistence collaborator for read paths.
func (c *Chain) Store() Store { return c.store }

// Append links a classified event onto the chain and persists it durably
// before returning. The durable write completes or fails synchronously; there
// is no deferred flush that could drop a committed-looking entry.
func (c *Chain) Append(ctx context.Context, event classify.Event, metadata map[string]string) (Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.loaded {
		entries, err := c.store.ReadAll(ctx)
		if err != nil {
			return Entry{}, fmt.Errorf("load chain head: %w", err)
		}
		if len(entries) == 0 {
			c.lastHash = GenesisHash
		} else {
			c.lastHash = entries[len(entries)-1].IntegrityHash
		}
		c.loaded = true
	}

	ts := c.now().UTC()
	entry := Entry{
		Timestamp:    ts.Format(time.RFC3339Nano),
		Metadata:     metadata,
		PreviousHash: c.lastHash,
		Event:        event,
	}
	canonical, err := CanonicalPayload(entry)
	if err != nil {
		return Entry{}, fmt.Errorf("canonical payload: %w", err)
	}
	entry.IntegrityHash, err = ChainedHash(c.alg, canonical, entry.PreviousHash)
	if err != nil {
		return Entry{}, err
	}
	entry.ID = fmt.Sprintf("EVT-%s-%s", ts.Format("20060102"), strings.ToUpper(entry.IntegrityHash[:6]))

	if err := c.store.AppendAtomic(ctx, entry); err != nil {
		return Entry{}, fmt.Errorf("persist entry %s: %w", entry.ID, err)
	}
	c.lastHash = entry.IntegrityHash
	return entry, nil
}

// VerifyAll replays the persisted chain against the genesis sentinel. It
// operates on the snapshot returned by the store, so it can run concurrently
// with appends without observing partial writes.
func (c *Chain) VerifyAll(ctx context.Context) (VerificationResult, error) {
	entries, err := c.store.ReadAll(ctx)
	if err != nil {
		return VerificationResult{}, err
	}
	return Verify(entries, c.alg)
}
