package cachefs

import (
	"bytes"
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// blteMagic is the leading 4 bytes of every Blizzard BLTE-encoded chunk.
// Duplicated here as a plain constant (rather than importing
// internal/blizzard/tact) since corruption scanning only needs the magic,
// not the full container decoder.
var blteMagic = []byte("BLTE")

// CorruptFile is one file flagged by a corruption scan.
type CorruptFile struct {
	Service string
	Path    string
	Reason  string
}

// ScanCorruption walks service's cache directory, opening each file and
// validating its leading bytes against the known pattern for that service.
// Unreadable files are themselves flagged rather than aborting the scan.
func (w *Walker) ScanCorruption(ctx context.Context, service string) ([]CorruptFile, error) {
	root := w.ServicePath(service)
	var bad []CorruptFile

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			if path != root {
				bad = append(bad, CorruptFile{Service: service, Path: path, Reason: "unreadable"})
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}

		info, statErr := d.Info()
		if statErr != nil {
			bad = append(bad, CorruptFile{Service: service, Path: path, Reason: "unreadable"})
			return nil
		}
		if info.Size() == 0 {
			bad = append(bad, CorruptFile{Service: service, Path: path, Reason: "empty file"})
			return nil
		}
		if service == "blizzard" {
			if ok, reason := validateBLTEHeader(path); !ok {
				bad = append(bad, CorruptFile{Service: service, Path: path, Reason: reason})
			}
		}
		return nil
	})
	return bad, err
}

// validateBLTEHeader reports whether path's leading 4 bytes are the BLTE
// magic. Services other than blizzard have no documented chunk format to
// validate beyond non-emptiness.
func validateBLTEHeader(path string) (ok bool, reason string) {
	f, err := os.Open(path)
	if err != nil {
		return false, "open failed"
	}
	defer f.Close()

	header := make([]byte, 4)
	if _, err := io.ReadFull(f, header); err != nil {
		return false, "truncated header"
	}
	if !bytes.Equal(header, blteMagic) {
		return false, "bad magic"
	}
	return true, ""
}
