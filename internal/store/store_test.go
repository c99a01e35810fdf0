package store

import (
	"bufio"
	"context"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"arbcore/pkg/types"
)

func testBook() types.NormalizedOrderBook {
	seq := uint64(42)
	return types.NormalizedOrderBook{
		VenueID:        types.Kalshi,
		ContractID:     "K-TEST",
		Bids:           []types.PriceLevel{{Price: decimal.NewFromFloat(0.40), Quantity: decimal.NewFromInt(100)}},
		Asks:           []types.PriceLevel{{Price: decimal.NewFromFloat(0.42), Quantity: decimal.NewFromInt(50)}},
		ObservedAt:     time.Now().UTC(),
		SequenceNumber: &seq,
	}
}

func countLines(t *testing.T, path string) int {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	n := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		n++
	}
	return n
}

func TestAppendSnapshotWritesJSONLine(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if err := s.AppendSnapshot(context.Background(), testBook()); err != nil {
		t.Fatalf("AppendSnapshot: %v", err)
	}
	if err := s.AppendSnapshot(context.Background(), testBook()); err != nil {
		t.Fatalf("AppendSnapshot: %v", err)
	}

	if n := countLines(t, s.snapshotPath); n != 2 {
		t.Errorf("snapshot file has %d lines, want 2", n)
	}
}

func TestAppendHealthWritesJSONLine(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	health := types.VenueHealth{VenueID: types.Polymarket, Status: types.HealthHealthy, LastHeartbeat: time.Now().UTC()}
	if err := s.AppendHealth(context.Background(), health); err != nil {
		t.Fatalf("AppendHealth: %v", err)
	}

	if n := countLines(t, s.healthPath); n != 1 {
		t.Errorf("health file has %d lines, want 1", n)
	}
}

func TestSnapshotAndHealthFilesAreIndependent(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if err := s.AppendSnapshot(context.Background(), testBook()); err != nil {
		t.Fatalf("AppendSnapshot: %v", err)
	}
	if s.snapshotPath == s.healthPath {
		t.Fatal("snapshot and health paths must differ")
	}
	if _, err := os.Stat(s.healthPath); err == nil {
		t.Error("health file should not exist before any health append")
	}
}
