package tact

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// InstallTag is one named, typed bit-vector from an install manifest's tag
// section, e.g. "Platform=Windows".
type InstallTag struct {
	Name string
	Type uint16
	Bits []byte // one bit per entry, MSB-first within each byte
}

// Has reports whether entry index i is set for this tag.
func (t InstallTag) Has(i int) bool {
	byteIdx := i / 8
	if byteIdx >= len(t.Bits) {
		return false
	}
	bit := uint(7 - i%8)
	return t.Bits[byteIdx]&(1<<bit) != 0
}

// InstallEntry is one file entry of an install manifest.
type InstallEntry struct {
	Name        string
	ContentHash [16]byte
	Size        uint32
	Tags        []string // "<numeric tag type>=<tag-name>" for every tag set on this entry
}

// InstallManifest is the parsed, BLTE-decompressed install manifest.
type InstallManifest struct {
	Entries []InstallEntry
}

const installMagic = "IN"

// ParseInstallManifest parses an already BLTE-decompressed install
// manifest: magic "IN", version byte, hash-size byte (must be 16), u16BE
// tag count, u32BE entry count, the tag table, then the entry table.
func ParseInstallManifest(data []byte) (InstallManifest, error) {
	r := bytes.NewReader(data)
	var magic [2]byte
	if _, err := r.Read(magic[:]); err != nil || string(magic[:]) != installMagic {
		return InstallManifest{}, fmt.Errorf("tact: install manifest: bad magic")
	}
	var version, hashSize byte
	if err := readByte(r, &version); err != nil {
		return InstallManifest{}, err
	}
	if err := readByte(r, &hashSize); err != nil {
		return InstallManifest{}, err
	}
	if hashSize != 16 {
		return InstallManifest{}, fmt.Errorf("tact: install manifest: unexpected hash size %d", hashSize)
	}

	numTags, err := readUint16BE(r)
	if err != nil {
		return InstallManifest{}, err
	}
	numEntries, err := readUint32BE(r)
	if err != nil {
		return InstallManifest{}, err
	}

	bitVectorSize := int((numEntries + 7) / 8)
	tags := make([]InstallTag, numTags)
	for i := range tags {
		name, err := readCString(r)
		if err != nil {
			return InstallManifest{}, err
		}
		typ, err := readUint16BE(r)
		if err != nil {
			return InstallManifest{}, err
		}
		bits := make([]byte, bitVectorSize)
		if _, err := io.ReadFull(r, bits); err != nil {
			return InstallManifest{}, err
		}
		tags[i] = InstallTag{Name: name, Type: typ, Bits: bits}
	}

	entries := make([]InstallEntry, numEntries)
	for i := range entries {
		name, err := readCString(r)
		if err != nil {
			return InstallManifest{}, err
		}
		var hash [16]byte
		if _, err := io.ReadFull(r, hash[:]); err != nil {
			return InstallManifest{}, err
		}
		size, err := readUint32BE(r)
		if err != nil {
			return InstallManifest{}, err
		}

		var entryTags []string
		for _, tag := range tags {
			if tag.Has(i) {
				entryTags = append(entryTags, fmt.Sprintf("%d=%s", tag.Type, tag.Name))
			}
		}

		entries[i] = InstallEntry{Name: name, ContentHash: hash, Size: size, Tags: entryTags}
	}

	return InstallManifest{Entries: entries}, nil
}

// FilterByTags returns only the entries carrying every tag name in want
// (matched against the "<type>=<name>" strings on InstallEntry.Tags). An
// empty want returns every entry.
func (m InstallManifest) FilterByTags(want []string) []InstallEntry {
	if len(want) == 0 {
		return m.Entries
	}
	var out []InstallEntry
	for _, e := range m.Entries {
		if hasAllTags(e.Tags, want) {
			out = append(out, e)
		}
	}
	return out
}

func hasAllTags(have, want []string) bool {
	set := make(map[string]struct{}, len(have))
	for _, t := range have {
		set[t] = struct{}{}
	}
	for _, w := range want {
		if _, ok := set[w]; !ok {
			return false
		}
	}
	return true
}

func readByte(r *bytes.Reader, out *byte) error {
	b, err := r.ReadByte()
	if err != nil {
		return err
	}
	*out = b
	return nil
}

func readUint16BE(r *bytes.Reader) (uint16, error) {
	var buf [2]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(buf[:]), nil
}

func readUint32BE(r *bytes.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

func readCString(r *bytes.Reader) (string, error) {
	var buf bytes.Buffer
	for {
		b, err := r.ReadByte()
		if err != nil {
			return "", err
		}
		if b == 0 {
			return buf.String(), nil
		}
		buf.WriteByte(b)
	}
}
