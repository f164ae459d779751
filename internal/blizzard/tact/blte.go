package tact

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrUnsupported is returned for BLTE chunk modes this implementation does
// not handle: 'E' (encrypted) and 'F' (frame).
var ErrUnsupported = errors.New("tact: unsupported blte chunk mode")

const blteMagic = "BLTE"

// chunkInfo is one entry of a multi-chunk BLTE header.
type chunkInfo struct {
	compressedSize   uint32
	decompressedSize uint32
	checksum         [16]byte
}

// Decompress unwraps a BLTE container and returns its concatenated,
// decompressed payload. It supports chunk modes 'N' (raw) and 'Z' (zlib);
// 'E' and 'F' return ErrUnsupported -- an unsupported chunk mode is a
// structural error the caller must decide how to handle, typically skip.
func Decompress(data []byte) ([]byte, error) {
	if len(data) < 8 || string(data[:4]) != blteMagic {
		return nil, fmt.Errorf("tact: not a BLTE container")
	}
	headerSize := binary.BigEndian.Uint32(data[4:8])

	if headerSize == 0 {
		// Legacy single-chunk form: everything after the 8-byte prefix is
		// one chunk with no size/checksum header.
		return decodeChunk(data[8:])
	}

	if len(data) < int(headerSize) {
		return nil, fmt.Errorf("tact: truncated blte header")
	}

	rest := data[8:headerSize]
	if len(rest) < 4 {
		return nil, fmt.Errorf("tact: truncated blte chunk count field")
	}
	// byte 0 is reserved/flags; bytes 1-3 are the big-endian chunk count.
	chunkCount := int(rest[1])<<16 | int(rest[2])<<8 | int(rest[3])
	rest = rest[4:]

	const chunkInfoSize = 4 + 4 + 16
	if len(rest) < chunkCount*chunkInfoSize {
		return nil, fmt.Errorf("tact: truncated blte chunk table")
	}

	infos := make([]chunkInfo, chunkCount)
	for i := 0; i < chunkCount; i++ {
		off := i * chunkInfoSize
		var ci chunkInfo
		ci.compressedSize = binary.BigEndian.Uint32(rest[off : off+4])
		ci.decompressedSize = binary.BigEndian.Uint32(rest[off+4 : off+8])
		copy(ci.checksum[:], rest[off+8:off+24])
		infos[i] = ci
	}

	body := data[headerSize:]
	var out bytes.Buffer
	pos := 0
	for _, ci := range infos {
		end := pos + int(ci.compressedSize)
		if end > len(body) {
			return nil, fmt.Errorf("tact: truncated blte chunk data")
		}
		decoded, err := decodeChunk(body[pos:end])
		if err != nil {
			return nil, err
		}
		out.Write(decoded)
		pos = end
	}
	return out.Bytes(), nil
}

// decodeChunk decodes a single mode-prefixed BLTE chunk: the first byte is
// the mode ('N', 'Z', 'E', 'F'); the rest is the payload.
func decodeChunk(chunk []byte) ([]byte, error) {
	if len(chunk) == 0 {
		return nil, fmt.Errorf("tact: empty blte chunk")
	}
	mode, payload := chunk[0], chunk[1:]
	switch mode {
	case 'N':
		out := make([]byte, len(payload))
		copy(out, payload)
		return out, nil
	case 'Z':
		zr, err := zlib.NewReader(bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("tact: zlib chunk: %w", err)
		}
		defer zr.Close()
		return io.ReadAll(zr)
	case 'E', 'F':
		return nil, ErrUnsupported
	default:
		return nil, fmt.Errorf("tact: unknown blte chunk mode %q", mode)
	}
}

// Compress wraps data as a single-chunk, mode-'Z' BLTE container using the
// reference zlib implementation (Decompress(Compress(x)) == x). It exists for testing the decoder; the
// attributor itself only ever decompresses data fetched from Blizzard.
func Compress(data []byte) ([]byte, error) {
	var zbuf bytes.Buffer
	zw := zlib.NewWriter(&zbuf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}

	chunk := append([]byte{'Z'}, zbuf.Bytes()...)

	var out bytes.Buffer
	out.WriteString(blteMagic)

	const chunkInfoSize = 4 + 4 + 16
	// Header size covers everything from the magic through the chunk info
	// table: 8-byte magic+size prefix, 4-byte flags+count field, one
	// chunk-info entry.
	headerSize := uint32(8 + 4 + chunkInfoSize)

	var sizeBuf [4]byte
	binary.BigEndian.PutUint32(sizeBuf[:], headerSize)
	out.Write(sizeBuf[:])

	out.WriteByte(0) // flags
	out.WriteByte(0) // chunk count high byte
	out.WriteByte(0)
	out.WriteByte(1) // chunk count = 1

	var u32 [4]byte
	binary.BigEndian.PutUint32(u32[:], uint32(len(chunk)))
	out.Write(u32[:])
	binary.BigEndian.PutUint32(u32[:], uint32(len(data)))
	out.Write(u32[:])
	out.Write(make([]byte, 16)) // checksum not verified by Decompress

	out.Write(chunk)
	return out.Bytes(), nil
}
