package cachefs

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/lancachemanager/core/internal/config"
)

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestServicesFiltersToKnownNames(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"steam", "blizzard", "not-a-service", "epic"} {
		if err := os.MkdirAll(filepath.Join(root, name), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	// A stray file at the top level must not be reported as a service.
	writeFile(t, filepath.Join(root, "readme.txt"), []byte("hi"))

	got, err := NewWalker(root).Services()
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"blizzard", "epic", "steam"}
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
}

func TestSizeAccumulatesBytesAndEstimatesDeletion(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "steam", "aa", "bb", "hash1"), make([]byte, 100))
	writeFile(t, filepath.Join(root, "steam", "aa", "cc", "hash2"), make([]byte, 50))

	rates := config.DeleteRates{Preserve: 10, Full: 5, Rsync: 20}
	report, err := NewWalker(root).Size(context.Background(), "steam", rates)
	if err != nil {
		t.Fatal(err)
	}
	if report.TotalBytes != 150 {
		t.Fatalf("expected 150 bytes, got %d", report.TotalBytes)
	}
	if report.TotalFiles != 2 {
		t.Fatalf("expected 2 files, got %d", report.TotalFiles)
	}
	// steam/aa, steam/aa/bb, and steam/aa/cc are each named with exactly two
	// hex characters, so all three count as hex directories.
	if report.HexDirectories != 3 {
		t.Fatalf("expected 3 hex directories, got %d", report.HexDirectories)
	}
	if report.EstimatedDeleteSeconds.Preserve != 0.2 {
		t.Fatalf("expected preserve estimate 0.2s, got %v", report.EstimatedDeleteSeconds.Preserve)
	}
	if report.EstimatedDeleteSeconds.Full != 0.4 {
		t.Fatalf("expected full estimate 0.4s, got %v", report.EstimatedDeleteSeconds.Full)
	}
}

func TestSizeCancellation(t *testing.T) {
	root := t.TempDir()
	for i := 0; i < 20; i++ {
		writeFile(t, filepath.Join(root, "steam", "aa", "bb", string(rune('a'+i))), []byte("x"))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewWalker(root).Size(ctx, "steam", config.DeleteRates{})
	if err == nil {
		t.Fatal("expected cancellation error")
	}
}

func TestSizeMissingServiceReturnsError(t *testing.T) {
	root := t.TempDir()
	_, err := NewWalker(root).Size(context.Background(), "nonexistent", config.DeleteRates{})
	if err == nil {
		t.Fatal("expected an error for a missing service directory")
	}
}
