// Package store persists order-book snapshots and venue health records to
// append-only JSON-lines files: one exclusive writer per file, serialized
// by a mutex, matching the crash-safety discipline of an atomic-rename
// writer but append-only rather than whole-file-replace, since these are
// logs rather than latest-state snapshots.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"arbcore/pkg/types"
)

// snapshotRecord is the append-only order_book_snapshot row shape.
type snapshotRecord struct {
	Platform       types.VenueID      `json:"platform"`
	ContractID     string             `json:"contractId"`
	Bids           []types.PriceLevel `json:"bids"`
	Asks           []types.PriceLevel `json:"asks"`
	SequenceNumber *uint64            `json:"sequenceNumber,omitempty"`
	CreatedAt      time.Time          `json:"createdAt"`
}

// healthRecord is the append-only platform_health_log row shape.
type healthRecord struct {
	Platform   types.VenueID      `json:"platform"`
	Status     types.HealthStatus `json:"status"`
	LastUpdate time.Time          `json:"lastUpdate"`
	CreatedAt  time.Time          `json:"createdAt"`
}

// Store is a directory of append-only JSONL files: one for order-book
// snapshots, one for venue health records. Each file has its own mutex so
// a burst of snapshot writes never blocks a health write.
type Store struct {
	snapshotMu   sync.Mutex
	snapshotPath string

	healthMu   sync.Mutex
	healthPath string
}

// Open ensures dir exists and returns a Store backed by it.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &Store{
		snapshotPath: filepath.Join(dir, "order_book_snapshot.jsonl"),
		healthPath:   filepath.Join(dir, "platform_health_log.jsonl"),
	}, nil
}

// Close is a no-op for file-based storage.
func (s *Store) Close() error {
	return nil
}

// AppendSnapshot persists one normalized order book. Implements
// ingestion.SnapshotSink.
func (s *Store) AppendSnapshot(ctx context.Context, book types.NormalizedOrderBook) error {
	rec := snapshotRecord{
		Platform:       book.VenueID,
		ContractID:     book.ContractID,
		Bids:           book.Bids,
		Asks:           book.Asks,
		SequenceNumber: book.SequenceNumber,
		CreatedAt:      time.Now().UTC(),
	}
	s.snapshotMu.Lock()
	defer s.snapshotMu.Unlock()
	return appendLine(s.snapshotPath, rec)
}

// AppendHealth persists one venue health record. Implements
// ingestion.HealthSink.
func (s *Store) AppendHealth(ctx context.Context, health types.VenueHealth) error {
	rec := healthRecord{
		Platform:   health.VenueID,
		Status:     health.Status,
		LastUpdate: health.LastHeartbeat,
		CreatedAt:  time.Now().UTC(),
	}
	s.healthMu.Lock()
	defer s.healthMu.Unlock()
	return appendLine(s.healthPath, rec)
}

func appendLine(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	data = append(data, '\n')

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Sync()
}
