package tact

import (
	"bytes"
	"testing"
)

func TestBLTERoundTripZlib(t *testing.T) {
	original := []byte("the quick brown fox jumps over the lazy dog, many times over")

	wrapped, err := Compress(original)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	got, err := Decompress(wrapped)
	if err != nil {
		t.Fatalf("Decompress: %v", err)
	}
	if !bytes.Equal(got, original) {
		t.Fatalf("round trip mismatch: got %q want %q", got, original)
	}
}

func TestBLTERawModeChunk(t *testing.T) {
	// A single-chunk container with one 'N' (raw) chunk.
	payload := []byte("hello world")
	chunk := append([]byte{'N'}, payload...)

	var buf bytes.Buffer
	buf.WriteString("BLTE")
	buf.Write([]byte{0, 0, 0, 36}) // header size: 8 + 4 + (4+4+16)
	buf.Write([]byte{0, 0, 0, 1})  // flags + chunk count = 1
	buf.Write(u32be(uint32(len(chunk))))
	buf.Write(u32be(uint32(len(payload))))
	buf.Write(make([]byte, 16)) // checksum, unchecked
	buf.Write(chunk)

	got, err := Decompress(buf.Bytes())
	if err != nil {
		t.Fatalf("Decompress: %v", err)
	}
	if string(got) != "hello world" {
		t.Fatalf("got %q want %q", got, "hello world")
	}
}

func TestBLTEUnsupportedModeReturnsErrUnsupported(t *testing.T) {
	payload := []byte("anything")
	chunk := append([]byte{'E'}, payload...)

	var buf bytes.Buffer
	buf.WriteString("BLTE")
	buf.Write([]byte{0, 0, 0, 36})
	buf.Write([]byte{0, 0, 0, 1})
	buf.Write(u32be(uint32(len(chunk))))
	buf.Write(u32be(uint32(len(payload))))
	buf.Write(make([]byte, 16))
	buf.Write(chunk)

	_, err := Decompress(buf.Bytes())
	if err != ErrUnsupported {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}

func u32be(v uint32) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}
