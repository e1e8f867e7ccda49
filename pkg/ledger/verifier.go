package ledger

import "fmt"

// Status is the terminal state of a verification scan.
type Status string

const (
	StatusClean       Status = "CLEAN"
	StatusCompromised Status = "COMPROMISED"
)

// Reason names the kind of failure that ended a scan. These are findings, not
// errors: they are the verifier's normal output describing where trust ends.
type Reason string

const (
	// ReasonBrokenLink: an entry's previous hash does not match the hash
	// carried from the prior step.
	ReasonBrokenLink Reason = "BROKEN_LINK"
	// ReasonTampering: the recomputed integrity hash differs from the stored
	// one; the payload was altered after the hash was computed.
	ReasonTampering Reason = "TAMPERING_DETECTED"
)

// VerificationResult reports the outcome of a full-chain scan. FailedIndex is
// the 0-based position of the first failing entry, -1 when clean. One
// corruption invalidates trust in everything after it, so scanning stops at
// the first failure.
type VerificationResult struct {
	Status         Status `json:"status"`
	EntriesChecked int    `json:"entries_checked"`
	EntriesTotal   int    `json:"entries_total"`
	FailedIndex    int    `json:"failed_index"`
	FailedID       string `json:"failed_id,omitempty"`
	Reason         Reason `json:"reason,omitempty"`
	Detail         string `json:"detail,omitempty"`
}

// Verify walks entries in insertion order from the genesis sentinel,
// confirming linkage before recomputing each integrity hash. It never repairs
// or truncates; it only reports.
func Verify(entries []Entry, alg string) (VerificationResult, error) {
	running := GenesisHash
	for i, e := range entries {
		if e.PreviousHash != running {
			return VerificationResult{
				Status:         StatusCompromised,
				EntriesChecked: i,
				EntriesTotal:   len(entries),
				FailedIndex:    i,
				FailedID:       e.ID,
				Reason:         ReasonBrokenLink,
				Detail:         fmt.Sprintf("expected previous hash %s…, found %s…", short(running), short(e.PreviousHash)),
			}, nil
		}
		canonical, err := CanonicalPayload(e)
		if err != nil {
			return VerificationResult{}, fmt.Errorf("entry %d: canonical payload: %w", i, err)
		}
		computed, err := ChainedHash(alg, canonical, e.PreviousHash)
		if err != nil {
			return VerificationResult{}, err
		}
		if computed != e.IntegrityHash {
			return VerificationResult{
				Status:         StatusCompromised,
				EntriesChecked: i,
				EntriesTotal:   len(entries),
				FailedIndex:    i,
				FailedID:       e.ID,
				Reason:         ReasonTampering,
				Detail:         fmt.Sprintf("stored hash %s…, recomputed %s…", short(e.IntegrityHash), short(computed)),
			}, nil
		}
		running = e.IntegrityHash
	}
	return VerificationResult{
		Status:         StatusClean,
		EntriesChecked: len(entries),
		EntriesTotal:   len(entries),
		FailedIndex:    -1,
	}, nil
}

func short(h string) string {
	if len(h) > 16 {
		return h[:16]
	}
	return h
}
