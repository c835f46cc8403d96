// Package wal is the write-ahead log every local storage node writes
// through before an entry or tombstone becomes visible in the chunk
// store: durable first, merged and uploaded to the Chunk Store second.
package wal

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/akumaburn/crdtstore/internal/crdt"
)

const (
	recKindEntry     byte = 0
	recKindTombstone byte = 1
)

// record is one appended operation, tagged with the id of the segment it
// was written into. drain reads segmentID off every record in a batch it
// has just uploaded to tell which non-current (already rotated) segment
// files that upload covers, and deletes those alongside WAL.finalized.
type record struct {
	segmentID int64
	tombstone bool
	entry     crdt.Entry
	ts        crdt.Tombstone
}

func (r record) key() string {
	if r.tombstone {
		return r.ts.Key
	}
	return r.entry.Key
}

func (r record) timestamp() uint64 {
	if r.tombstone {
		return r.ts.Timestamp
	}
	return r.entry.Timestamp
}

type entryBody struct {
	Key       string `json:"key"`
	Timestamp uint64 `json:"timestamp"`
	State     []byte `json:"state"`
}

type tombstoneBody struct {
	Key       string `json:"key"`
	Timestamp uint64 `json:"timestamp"`
}

// encodeFrame serializes r as length(uint32 LE) || crc32(uint32 LE) ||
// kind(byte) || json body, matching the teacher's sstable writer's
// length+checksum framing rather than the commit log's bare newline-JSON,
// since a WAL record must survive a torn write at the tail of the file.
func encodeFrame(r record) ([]byte, error) {
	var body []byte
	var err error
	if r.tombstone {
		body, err = json.Marshal(tombstoneBody{Key: r.ts.Key, Timestamp: r.ts.Timestamp})
	} else {
		body, err = json.Marshal(entryBody{Key: r.entry.Key, Timestamp: r.entry.Timestamp, State: r.entry.State})
	}
	if err != nil {
		return nil, fmt.Errorf("wal: marshal record: %w", err)
	}

	payload := make([]byte, 0, len(body)+1)
	if r.tombstone {
		payload = append(payload, recKindTombstone)
	} else {
		payload = append(payload, recKindEntry)
	}
	payload = append(payload, body...)

	checksum := crc32.ChecksumIEEE(payload)
	frame := make([]byte, 8+len(payload))
	binary.LittleEndian.PutUint32(frame[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(frame[4:8], checksum)
	copy(frame[8:], payload)
	return frame, nil
}

// readFrame reads one frame from r and verifies its checksum. io.EOF means
// a clean end of file; any other error (including a checksum mismatch)
// means the tail is torn by a crash mid-write and the caller should stop
// reading this file rather than treat later bytes as data.
func readFrame(r *bufio.Reader) (record, error) {
	var header [8]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return record{}, err
	}
	length := binary.LittleEndian.Uint32(header[0:4])
	wantChecksum := binary.LittleEndian.Uint32(header[4:8])

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return record{}, io.ErrUnexpectedEOF
	}
	if crc32.ChecksumIEEE(payload) != wantChecksum {
		return record{}, fmt.Errorf("wal: checksum mismatch, torn record")
	}
	if len(payload) == 0 {
		return record{}, fmt.Errorf("wal: empty record payload")
	}

	kind := payload[0]
	body := payload[1:]
	switch kind {
	case recKindTombstone:
		var t tombstoneBody
		if err := json.Unmarshal(body, &t); err != nil {
			return record{}, fmt.Errorf("wal: unmarshal tombstone: %w", err)
		}
		return record{tombstone: true, ts: crdt.Tombstone{Key: t.Key, Timestamp: t.Timestamp}}, nil
	case recKindEntry:
		var e entryBody
		if err := json.Unmarshal(body, &e); err != nil {
			return record{}, fmt.Errorf("wal: unmarshal entry: %w", err)
		}
		return record{entry: crdt.Entry{Key: e.Key, Timestamp: e.Timestamp, State: e.State}}, nil
	default:
		return record{}, fmt.Errorf("wal: unknown record kind %d", kind)
	}
}

// combine reduces two records for the same key, applying fn.Merge when
// both are data entries and letting whichever side carries the higher
// timestamp win outright when either side is a tombstone. On equal
// timestamps a tombstone beats an entry, the same way internal/chunkstore's
// combine resolves it.
func combine(a, b record, fn crdt.Function) record {
	if a.timestamp() > b.timestamp() {
		a, b = b, a
	}
	if a.tombstone && a.timestamp() == b.timestamp() {
		return a
	}
	if b.tombstone || a.tombstone {
		return b
	}
	merged := crdt.MergeEntries(fn, a.entry, b.entry)
	return record{entry: merged}
}
