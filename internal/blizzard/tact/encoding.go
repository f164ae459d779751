package tact

import (
	"bytes"
	"fmt"
	"io"
)

const encodingMagic = "EN"

// EncodingTable maps a content key (cKey) to its encoding key (eKey).
type EncodingTable struct {
	byContentKey map[[16]byte][16]byte
}

// Lookup returns the encoding key for a content key, if known.
func (e EncodingTable) Lookup(contentKey [16]byte) ([16]byte, bool) {
	ek, ok := e.byContentKey[contentKey]
	return ek, ok
}

// encodingHeader is the fixed-size header preceding the string block and
// CKey pages.
type encodingHeader struct {
	version          byte
	hashSizeCKey     byte
	hashSizeEKey     byte
	ckeyPageSizeKB   uint16
	ekeyPageSizeKB   uint16
	ckeyPageCount    uint32
	ekeyPageCount    uint32
	unknown          byte
	stringBlockSize  uint32
}

// ParseEncodingTable parses an already BLTE-decompressed encoding table:
// magic "EN", a fixed header, a string block (whose size may legitimately
// be zero), then CKey pages.
func ParseEncodingTable(data []byte) (EncodingTable, error) {
	r := bytes.NewReader(data)
	var magic [2]byte
	if _, err := r.Read(magic[:]); err != nil || string(magic[:]) != encodingMagic {
		return EncodingTable{}, fmt.Errorf("tact: encoding table: bad magic")
	}

	var h encodingHeader
	if err := readByte(r, &h.version); err != nil {
		return EncodingTable{}, err
	}
	if err := readByte(r, &h.hashSizeCKey); err != nil {
		return EncodingTable{}, err
	}
	if err := readByte(r, &h.hashSizeEKey); err != nil {
		return EncodingTable{}, err
	}
	var err error
	if h.ckeyPageSizeKB, err = readUint16BE(r); err != nil {
		return EncodingTable{}, err
	}
	if h.ekeyPageSizeKB, err = readUint16BE(r); err != nil {
		return EncodingTable{}, err
	}
	if h.ckeyPageCount, err = readUint32BE(r); err != nil {
		return EncodingTable{}, err
	}
	if h.ekeyPageCount, err = readUint32BE(r); err != nil {
		return EncodingTable{}, err
	}
	if err := readByte(r, &h.unknown); err != nil {
		return EncodingTable{}, err
	}
	if h.stringBlockSize, err = readUint32BE(r); err != nil {
		return EncodingTable{}, err
	}

	if h.hashSizeCKey != 16 || h.hashSizeEKey != 16 {
		return EncodingTable{}, fmt.Errorf("tact: encoding table: unexpected hash sizes %d/%d", h.hashSizeCKey, h.hashSizeEKey)
	}

	// The string block may be zero-length; never assume otherwise.
	if h.stringBlockSize > 0 {
		if _, err := r.Seek(int64(h.stringBlockSize), 1); err != nil {
			return EncodingTable{}, fmt.Errorf("tact: encoding table: skip string block: %w", err)
		}
	}

	out := EncodingTable{byContentKey: make(map[[16]byte][16]byte)}

	pageSize := int(h.ckeyPageSizeKB) * 1024
	if pageSize <= 0 {
		pageSize = 4096
	}

	for p := uint32(0); p < h.ckeyPageCount; p++ {
		page := make([]byte, pageSize)
		if _, err := io.ReadFull(r, page); err != nil {
			return EncodingTable{}, fmt.Errorf("tact: encoding table: read page %d: %w", p, err)
		}
		if err := parseEncodingPage(page, out.byContentKey); err != nil {
			return EncodingTable{}, fmt.Errorf("tact: encoding table: parse page %d: %w", p, err)
		}
	}

	return out, nil
}

// parseEncodingPage decodes one CKey page: skip the leading page key (the
// page's MD5 checksum, not needed for lookup), then loop entries
// {keyCount byte, 40-bit size, cKey 16B, eKey 16B x N} until a zero
// keyCount byte is hit.
func parseEncodingPage(page []byte, out map[[16]byte][16]byte) error {
	const pageKeySize = 16
	if len(page) < pageKeySize {
		return fmt.Errorf("page too short for page key")
	}
	r := bytes.NewReader(page[pageKeySize:])

	for {
		keyCount, err := r.ReadByte()
		if err != nil {
			return nil // ran off the end of the page (zero padding exhausted)
		}
		if keyCount == 0 {
			return nil
		}

		var sizeBuf [5]byte
		if _, err := io.ReadFull(r, sizeBuf[:]); err != nil {
			return err
		}
		_ = uint64(sizeBuf[0])<<32 | uint64(sizeBuf[1])<<24 | uint64(sizeBuf[2])<<16 | uint64(sizeBuf[3])<<8 | uint64(sizeBuf[4])

		var ckey [16]byte
		if _, err := io.ReadFull(r, ckey[:]); err != nil {
			return err
		}

		var firstEKey [16]byte
		for i := 0; i < int(keyCount); i++ {
			var ekey [16]byte
			if _, err := io.ReadFull(r, ekey[:]); err != nil {
				return err
			}
			if i == 0 {
				firstEKey = ekey
			}
		}
		out[ckey] = firstEKey
	}
}
