package tact

import (
	"encoding/binary"
	"fmt"
)

// footerSize is the trailing archive-index footer's fixed size: 8B
// toc-hash, 8B version, 3B unknown, 1B block-size-kb, 1B
// offset-bytes, 1B size-bytes, 1B key-size, 1B checksum-size, 4B
// num_elements (big-endian) = 28 bytes.
const footerSize = 28

// archiveFooter is the parsed trailing footer of a ".index" file.
type archiveFooter struct {
	blockSizeKB  byte
	offsetBytes  byte
	sizeBytes    byte
	keySize      byte
	checksumSize byte
	numElements  uint32
}

// ArchiveIndexEntry is one (eKey -> archive, offset, size) mapping.
type ArchiveIndexEntry struct {
	ArchiveIndex int
	Offset       uint32
	Size         uint32
}

// archiveRecordOrder records a deliberate choice: observed index dumps
// are ambiguous about whether "size" or "offset" comes first in the
// {eKey, size, offset} record layout; this parser reads size first. An
// implementer with access to a real Blizzard dump should confirm the
// order against bytes on disk before relying on it for a production
// archive of unknown origin.
const archiveRecordOrder = "size-then-offset"

// ParseArchiveIndex parses one archive's ".index" file: a footer at the
// trailing 28 bytes, and num_elements records of {16B key, u32BE size,
// u32BE offset} preceding it, grouped into 4KB-aligned pages.
func ParseArchiveIndex(archiveIndex int, data []byte) (map[[16]byte]ArchiveIndexEntry, error) {
	if len(data) < footerSize {
		return nil, fmt.Errorf("tact: archive index: too short for footer")
	}
	footerBytes := data[len(data)-footerSize:]
	footer := archiveFooter{
		blockSizeKB:  footerBytes[19],
		offsetBytes:  footerBytes[20],
		sizeBytes:    footerBytes[21],
		keySize:      footerBytes[22],
		checksumSize: footerBytes[23],
		numElements:  binary.BigEndian.Uint32(footerBytes[24:28]),
	}

	keySize := int(footer.keySize)
	if keySize == 0 {
		keySize = 16
	}
	entrySize := keySize + 4 + 4 // key + size(u32) + offset(u32), per archiveRecordOrder

	blockSize := int(footer.blockSizeKB) * 1024
	if blockSize <= 0 {
		blockSize = 4096
	}
	entriesPerBlock := blockSize / entrySize
	if entriesPerBlock <= 0 {
		return nil, fmt.Errorf("tact: archive index: entry size %d exceeds block size %d", entrySize, blockSize)
	}

	body := data[:len(data)-footerSize]

	out := make(map[[16]byte]ArchiveIndexEntry, footer.numElements)
	remaining := int(footer.numElements)
	pos := 0
	for remaining > 0 {
		inBlock := entriesPerBlock
		if inBlock > remaining {
			inBlock = remaining
		}
		for i := 0; i < inBlock; i++ {
			if pos+entrySize > len(body) {
				return nil, fmt.Errorf("tact: archive index: truncated record block")
			}
			rec := body[pos : pos+entrySize]
			var key [16]byte
			copy(key[:], rec[:keySize])
			size := binary.BigEndian.Uint32(rec[keySize : keySize+4])
			offset := binary.BigEndian.Uint32(rec[keySize+4 : keySize+8])
			out[key] = ArchiveIndexEntry{ArchiveIndex: archiveIndex, Offset: offset, Size: size}
			pos += entrySize
		}
		// Advance to the next 4KB-aligned block boundary.
		if rem := pos % blockSize; rem != 0 {
			pos += blockSize - rem
		}
		remaining -= inBlock
	}

	return out, nil
}
