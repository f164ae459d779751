package tact

import (
	"bytes"
	"testing"
)

// TestParseArchiveIndexSingleElement builds a minimal archive index with one
// record (a 16-byte zero key, size 0x10, offset 0x1000) and verifies the
// parsed entry.
func TestParseArchiveIndexSingleElement(t *testing.T) {
	var key [16]byte // all zero

	var body bytes.Buffer
	body.Write(key[:])
	body.Write(u32be(0x00000010)) // size
	body.Write(u32be(0x00001000)) // offset
	// Pad the record block to a 4KB boundary (blockSizeKB = 4).
	pad := 4096 - body.Len()
	body.Write(make([]byte, pad))

	var footer bytes.Buffer
	footer.Write(make([]byte, 8))  // toc hash
	footer.Write(make([]byte, 8))  // version
	footer.Write(make([]byte, 3))  // unknown
	footer.WriteByte(4)            // block size KB
	footer.WriteByte(4)            // offset bytes
	footer.WriteByte(4)            // size bytes
	footer.WriteByte(16)           // key size
	footer.WriteByte(8)            // checksum size
	footer.Write(u32be(1))         // num_elements

	data := append(body.Bytes(), footer.Bytes()...)

	entries, err := ParseArchiveIndex(0, data)
	if err != nil {
		t.Fatalf("ParseArchiveIndex: %v", err)
	}
	entry, ok := entries[key]
	if !ok {
		t.Fatalf("expected an entry for the zero key")
	}
	if entry.Size != 0x10 || entry.Offset != 0x1000 || entry.ArchiveIndex != 0 {
		t.Fatalf("unexpected entry: %+v", entry)
	}
}
