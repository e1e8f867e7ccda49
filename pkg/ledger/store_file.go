package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileStore persists the ledger as a single JSON array document. Every append
// rewrites the document through a temp file and rename, so readers always see
// either the previous complete chain or the new one, never a torn entry.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore creates the parent directory if needed. The ledger file itself
// is created on first append.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("ledger path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir ledger dir: %w", err)
	}
	return &FileStore{path: path}, nil
}

// Path returns the backing file location.
func (s *FileStore) Path() string { return s.path }

func (s *FileStore) readLocked() ([]Entry, error) {
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrLedgerCorrupt, s.path, err)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	var entries []Entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("%w: %s is not a valid ledger document: %v", ErrLedgerCorrupt, s.path, err)
	}
	return entries, nil
}

// ReadAll returns the persisted chain in insertion order.
func (s *FileStore) ReadAll(ctx context.Context) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked()
}

// AppendAtomic re-reads the document, appends the entry, and swaps the file
// in place. A corrupt existing document fails the append; it never starts a
// fresh chain over unreadable history.
func (s *FileStore) AppendAtomic(ctx context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.readLocked()
	if err != nil {
		return err
	}
	entries = append(entries, e)
	doc, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal ledger: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".ledger-*")
	if err != nil {
		return fmt.Errorf("create temp ledger: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(doc); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp ledger: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp ledger: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp ledger: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("swap ledger: %w", err)
	}
	return nil
}

// Len reports the number of persisted entries.
func (s *FileStore) Len(ctx context.Context) (int, error) {
	entries, err := s.ReadAll(ctx)
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}
