// sentinel-verify performs an offline forensic integrity scan of a file-backed
// ledger: it replays the hash chain entry by entry and reports the first
// broken link or tampered payload. It never modifies the ledger.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"

	flag "github.com/spf13/pflag"

	"apexsentinel/pkg/ledger"
)

func main() {
	ledgerPath := flag.String("ledger", "data/ledger/secure_ledger.json", "path to the ledger file")
	hashAlg := flag.String("hash", ledger.HashSHA256, "digest the chain was built with (sha256 | blake2b-256)")
	asJSON := flag.Bool("json", false, "emit the verification result as JSON instead of a scan report")
	flag.Parse()

	result, err := scan(*ledgerPath, *hashAlg, *asJSON)
	if err != nil {
		log.Fatalf("[sentinel-verify] %v", err)
	}
	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			log.Fatalf("[sentinel-verify] encode result: %v", err)
		}
	}
	if result.Status != ledger.StatusClean {
		os.Exit(1)
	}
}

func scan(path, alg string, quiet bool) (ledger.VerificationResult, error) {
	say := func(format string, args ...any) {
		if !quiet {
			fmt.Printf(format+"\n", args...)
		}
	}

	say("Starting forensic integrity scan...")
	say("Scanning ledger: %s (hash=%s)", path, alg)

	store, err := ledger.NewFileStore(path)
	if err != nil {
		return ledger.VerificationResult{}, err
	}
	entries, err := store.ReadAll(context.Background())
	if err != nil {
		if errors.Is(err, ledger.ErrLedgerCorrupt) {
			say("Corruption detected: the ledger file is not parseable.")
		}
		return ledger.VerificationResult{}, err
	}

	result, err := ledger.Verify(entries, alg)
	if err != nil {
		return ledger.VerificationResult{}, err
	}

	for i := 0; i < result.EntriesChecked; i++ {
		say("[Block %d] checking ID %s... verified", i+1, entries[i].ID)
	}
	if result.Status == ledger.StatusCompromised {
		switch result.Reason {
		case ledger.ReasonBrokenLink:
			say("[Block %d] checking ID %s... BROKEN LINK", result.FailedIndex+1, result.FailedID)
		case ledger.ReasonTampering:
			say("[Block %d] checking ID %s... TAMPERING DETECTED", result.FailedIndex+1, result.FailedID)
		}
		say("    %s", result.Detail)
	}

	say("----------------------------------------")
	if result.Status == ledger.StatusClean {
		say("Ledger integrity verified: %d/%d entries, no tampering found.", result.EntriesChecked, result.EntriesTotal)
	} else {
		say("LEDGER COMPROMISED at entry %d of %d.", result.FailedIndex+1, result.EntriesTotal)
	}
	return result, nil
}
