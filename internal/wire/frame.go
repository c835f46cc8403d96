// Package wire implements the streaming protocol between a Cluster
// Storage and a remote partition: a connection negotiates a version,
// then exchanges exactly one request/response cycle — a control message
// optionally followed by a bulk stream of framed entries or tombstones —
// before closing, mirroring the per-connection request lifecycle of the
// original server this engine replaces.
package wire

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
)

// writeFrame writes payload as length(uint32 LE) || crc32(uint32 LE) ||
// payload, the same framing idiom used by internal/wal, adapted here to
// net.Conn instead of a file.
func writeFrame(w io.Writer, payload []byte) error {
	var header [8]byte
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(header[4:8], crc32.ChecksumIEEE(payload))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("wire: write frame header: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("wire: write frame payload: %w", err)
	}
	return nil
}

// writeEndOfStream writes the zero-length frame that terminates a bulk
// stream of entries or tombstones.
func writeEndOfStream(w io.Writer) error {
	return writeFrame(w, nil)
}

// readFrame reads one frame, returning a nil (not empty) payload for the
// end-of-stream marker so callers can tell "zero-length record" (never
// produced) apart from "stream done" with a simple nil check.
func readFrame(r io.Reader) ([]byte, error) {
	var header [8]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	length := binary.LittleEndian.Uint32(header[0:4])
	wantChecksum := binary.LittleEndian.Uint32(header[4:8])

	if length == 0 {
		return nil, nil
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("wire: read frame payload: %w", err)
	}
	if crc32.ChecksumIEEE(payload) != wantChecksum {
		return nil, fmt.Errorf("wire: frame checksum mismatch")
	}
	return payload, nil
}
