package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"trenches/engine"
)

const (
	accountsFile = "accounts.json"
	marketFile   = "market.jsonl"
)

type accountsDocument struct {
	SavedAt  time.Time        `json:"savedAt"`
	Accounts []engine.Account `json:"accounts"`
}

// FileStore writes accounts.json and appends to market.jsonl under one
// directory.
type FileStore struct {
	dir string
	now func() time.Time

	accountsMu sync.Mutex
	marketMu   sync.Mutex
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir %s: %w", dir, err)
	}
	return &FileStore{dir: dir, now: time.Now}, nil
}

// SaveAccounts replaces accounts.json. A crash mid-write leaves the previous
// file intact.
func (s *FileStore) SaveAccounts(ctx context.Context, accounts []engine.Account) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(accountsDocument{SavedAt: s.now(), Accounts: accounts}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode accounts: %w", err)
	}

	s.accountsMu.Lock()
	defer s.accountsMu.Unlock()
	path := filepath.Join(s.dir, accountsFile)
	tmp, err := os.CreateTemp(s.dir, accountsFile+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write accounts: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync accounts: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close accounts: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}

// AppendMarket adds one JSON line to market.jsonl.
func (s *FileStore) AppendMarket(ctx context.Context, rec MarketRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode market record: %w", err)
	}
	line = append(line, '\n')

	s.marketMu.Lock()
	defer s.marketMu.Unlock()
	f, err := os.OpenFile(filepath.Join(s.dir, marketFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open market log: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("append market record: %w", err)
	}
	return f.Close()
}

func (s *FileStore) Close() error { return nil }
