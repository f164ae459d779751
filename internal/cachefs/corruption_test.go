package cachefs

import (
	"context"
	"path/filepath"
	"testing"
)

func TestScanCorruptionFlagsEmptyAndBadMagic(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "blizzard", "aa", "bb", "good"), append([]byte("BLTE"), make([]byte, 20)...))
	writeFile(t, filepath.Join(root, "blizzard", "aa", "bb", "badmagic"), []byte("NOPE0000000000000000"))
	writeFile(t, filepath.Join(root, "blizzard", "aa", "bb", "empty"), []byte{})

	bad, err := NewWalker(root).ScanCorruption(context.Background(), "blizzard")
	if err != nil {
		t.Fatal(err)
	}
	if len(bad) != 2 {
		t.Fatalf("expected 2 flagged files, got %d: %+v", len(bad), bad)
	}
	reasons := map[string]string{}
	for _, b := range bad {
		reasons[filepath.Base(b.Path)] = b.Reason
	}
	if reasons["badmagic"] != "bad magic" {
		t.Fatalf("expected badmagic flagged with 'bad magic', got %q", reasons["badmagic"])
	}
	if reasons["empty"] != "empty file" {
		t.Fatalf("expected empty flagged with 'empty file', got %q", reasons["empty"])
	}
}

func TestScanCorruptionNonBlizzardOnlyChecksEmptiness(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "steam", "aa", "bb", "anything"), []byte("whatever bytes, no format to validate"))

	bad, err := NewWalker(root).ScanCorruption(context.Background(), "steam")
	if err != nil {
		t.Fatal(err)
	}
	if len(bad) != 0 {
		t.Fatalf("expected no flagged files, got %+v", bad)
	}
}
