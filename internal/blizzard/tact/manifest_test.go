package tact

import (
	"bytes"
	"testing"
)

func buildInstallManifest(t *testing.T, tagName string, tagType uint16, entries []InstallEntry, bits []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	buf.WriteString("IN")
	buf.WriteByte(1)  // version
	buf.WriteByte(16) // hash size
	buf.Write([]byte{0, 1})
	buf.Write(u32be(uint32(len(entries))))

	buf.WriteString(tagName)
	buf.WriteByte(0)
	buf.Write([]byte{byte(tagType >> 8), byte(tagType)})
	buf.Write(bits)

	for _, e := range entries {
		buf.WriteString(e.Name)
		buf.WriteByte(0)
		buf.Write(e.ContentHash[:])
		buf.Write(u32be(e.Size))
	}
	return buf.Bytes()
}

func TestParseInstallManifestTags(t *testing.T) {
	var h1, h2 [16]byte
	h1[0] = 1
	h2[0] = 2
	entries := []InstallEntry{
		{Name: "a.dat", ContentHash: h1, Size: 100},
		{Name: "b.dat", ContentHash: h2, Size: 200},
	}
	// Bit vector: entry 0 tagged, entry 1 not. 2 entries => 1 byte, MSB first.
	bits := []byte{0b10000000}

	data := buildInstallManifest(t, "Windows", 1, entries, bits)

	manifest, err := ParseInstallManifest(data)
	if err != nil {
		t.Fatalf("ParseInstallManifest: %v", err)
	}
	if len(manifest.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(manifest.Entries))
	}
	if len(manifest.Entries[0].Tags) != 1 || manifest.Entries[0].Tags[0] != "1=Windows" {
		t.Fatalf("expected entry 0 tagged, got %+v", manifest.Entries[0])
	}
	if len(manifest.Entries[1].Tags) != 0 {
		t.Fatalf("expected entry 1 untagged, got %+v", manifest.Entries[1])
	}

	filtered := manifest.FilterByTags([]string{"1=Windows"})
	if len(filtered) != 1 || filtered[0].Name != "a.dat" {
		t.Fatalf("unexpected filter result: %+v", filtered)
	}
}

func buildEncodingTable(t *testing.T, ckey, ekey [16]byte, size uint64) []byte {
	t.Helper()
	var buf bytes.Buffer
	buf.WriteString("EN")
	buf.WriteByte(1)  // version
	buf.WriteByte(16) // ckey hash size
	buf.WriteByte(16) // ekey hash size
	buf.Write([]byte{0, 4})    // ckey page size KB
	buf.Write([]byte{0, 4})    // ekey page size KB
	buf.Write(u32be(1))        // ckey page count
	buf.Write(u32be(0))        // ekey page count
	buf.WriteByte(0)           // unknown
	buf.Write(u32be(0))        // string block size, legitimately zero

	var page bytes.Buffer
	page.Write(make([]byte, 16)) // page key, skipped
	page.WriteByte(1)            // keyCount = 1
	sizeBytes := []byte{
		byte(size >> 32), byte(size >> 24), byte(size >> 16), byte(size >> 8), byte(size),
	}
	page.Write(sizeBytes)
	page.Write(ckey[:])
	page.Write(ekey[:])
	page.WriteByte(0) // terminator keyCount
	pad := 4096 - page.Len()
	page.Write(make([]byte, pad))

	buf.Write(page.Bytes())
	return buf.Bytes()
}

func TestParseEncodingTableZeroStringBlock(t *testing.T) {
	var ckey, ekey [16]byte
	ckey[0] = 0xAA
	ekey[0] = 0xBB

	data := buildEncodingTable(t, ckey, ekey, 12345)

	table, err := ParseEncodingTable(data)
	if err != nil {
		t.Fatalf("ParseEncodingTable: %v", err)
	}
	got, ok := table.Lookup(ckey)
	if !ok {
		t.Fatalf("expected a mapping for ckey")
	}
	if got != ekey {
		t.Fatalf("got ekey %x want %x", got, ekey)
	}
}
