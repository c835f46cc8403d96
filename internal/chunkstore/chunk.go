package chunkstore

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/golang/snappy"

	"github.com/akumaburn/crdtstore/internal/crdt"
)

// record kinds inside a chunk body.
const (
	recKindData      byte = 0
	recKindTombstone byte = 1
)

// chunk is the in-memory metadata for one immutable chunk file. The id is
// the monotonic sequence number that also names the file on disk.
type chunk struct {
	id      uint64
	path    string
	minKey  string
	maxKey  string
	count   uint32

	refs int // open readers currently streaming from this file
}

// writeChunkFile writes entries (already known to be in ascending key
// order) to path as a new chunk file: an uncompressed header followed by
// an optionally-compressed body, per spec §6's chunk file format.
func writeChunkFile(path string, entries []entryOrTombstone, compress bool) (minKey, maxKey string, err error) {
	f, err := os.Create(path)
	if err != nil {
		return "", "", fmt.Errorf("create chunk file: %w", err)
	}
	defer f.Close()

	if len(entries) == 0 {
		return "", "", nil
	}
	minKey = entries[0].key()
	maxKey = entries[len(entries)-1].key()

	var body []byte
	for _, e := range entries {
		body = append(body, encodeRecord(e)...)
	}

	bw := bufio.NewWriter(f)
	if err := writeHeader(bw, uint32(len(entries)), minKey, maxKey, compress); err != nil {
		return "", "", err
	}

	if compress {
		compressed := snappy.Encode(nil, body)
		if err := binary.Write(bw, binary.LittleEndian, uint32(len(compressed))); err != nil {
			return "", "", err
		}
		if _, err := bw.Write(compressed); err != nil {
			return "", "", err
		}
	} else {
		if _, err := bw.Write(body); err != nil {
			return "", "", err
		}
	}

	if err := bw.Flush(); err != nil {
		return "", "", err
	}
	if err := f.Sync(); err != nil {
		return "", "", fmt.Errorf("fsync chunk file: %w", err)
	}
	return minKey, maxKey, nil
}

func writeHeader(w io.Writer, count uint32, minKey, maxKey string, compress bool) error {
	flags := byte(0)
	if compress {
		flags = 1
	}
	if _, err := w.Write([]byte{flags}); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, count); err != nil {
		return err
	}
	if err := writeLenPrefixed(w, []byte(minKey)); err != nil {
		return err
	}
	if err := writeLenPrefixed(w, []byte(maxKey)); err != nil {
		return err
	}
	return nil
}

func writeLenPrefixed(w io.Writer, b []byte) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readLenPrefixed(r io.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// entryOrTombstone is either a crdt.Entry or a crdt.Tombstone, tagged so a
// chunk body can hold an interleaving of both in ascending key order
// (tombstones are stored as negative-state entries, per spec §4.1 remove()).
type entryOrTombstone struct {
	tombstone bool
	entry     crdt.Entry
	ts        crdt.Tombstone
}

func (e entryOrTombstone) key() string {
	if e.tombstone {
		return e.ts.Key
	}
	return e.entry.Key
}

func (e entryOrTombstone) timestamp() uint64 {
	if e.tombstone {
		return e.ts.Timestamp
	}
	return e.entry.Timestamp
}

func fromEntry(e crdt.Entry) entryOrTombstone   { return entryOrTombstone{entry: e} }
func fromTombstone(t crdt.Tombstone) entryOrTombstone {
	return entryOrTombstone{tombstone: true, ts: t}
}

func encodeRecord(e entryOrTombstone) []byte {
	var buf []byte
	if e.tombstone {
		buf = append(buf, recKindTombstone)
		buf = appendLenPrefixed(buf, []byte(e.ts.Key))
		buf = appendUint64(buf, e.ts.Timestamp)
		return buf
	}
	buf = append(buf, recKindData)
	buf = appendLenPrefixed(buf, []byte(e.entry.Key))
	buf = appendUint64(buf, e.entry.Timestamp)
	buf = appendLenPrefixed(buf, e.entry.State)
	return buf
}

func appendLenPrefixed(buf, b []byte) []byte {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(b)))
	buf = append(buf, lenBuf[:]...)
	return append(buf, b...)
}

func appendUint64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

// chunkBodyReader streams entryOrTombstone records out of an open chunk
// file in on-disk (ascending key) order.
type chunkBodyReader struct {
	r       *bufio.Reader
	left    uint32
	count   uint32
}

func openChunkBody(path string) (*chunkBodyReader, func() error, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open chunk file: %w", err)
	}

	br := bufio.NewReader(f)
	var flagsBuf [1]byte
	if _, err := io.ReadFull(br, flagsBuf[:]); err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("read chunk flags: %w", err)
	}
	compressed := flagsBuf[0] == 1

	var count uint32
	if err := binary.Read(br, binary.LittleEndian, &count); err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("read chunk count: %w", err)
	}
	if _, err := readLenPrefixed(br); err != nil { // minKey, unused here
		f.Close()
		return nil, nil, fmt.Errorf("read chunk minKey: %w", err)
	}
	if _, err := readLenPrefixed(br); err != nil { // maxKey, unused here
		f.Close()
		return nil, nil, fmt.Errorf("read chunk maxKey: %w", err)
	}

	bodyReader := br
	if compressed {
		var compLen uint32
		if err := binary.Read(br, binary.LittleEndian, &compLen); err != nil {
			f.Close()
			return nil, nil, fmt.Errorf("read chunk compressed length: %w", err)
		}
		compBuf := make([]byte, compLen)
		if _, err := io.ReadFull(br, compBuf); err != nil {
			f.Close()
			return nil, nil, fmt.Errorf("read chunk compressed body: %w", err)
		}
		raw, err := snappy.Decode(nil, compBuf)
		if err != nil {
			f.Close()
			return nil, nil, fmt.Errorf("decompress chunk body: %w", err)
		}
		bodyReader = bufio.NewReader(newByteReader(raw))
	}

	return &chunkBodyReader{r: bodyReader, left: count, count: count}, f.Close, nil
}

// Next returns the next record, or io.EOF once the declared count is
// exhausted.
func (c *chunkBodyReader) Next() (entryOrTombstone, error) {
	if c.left == 0 {
		return entryOrTombstone{}, io.EOF
	}
	var kindBuf [1]byte
	if _, err := io.ReadFull(c.r, kindBuf[:]); err != nil {
		return entryOrTombstone{}, err
	}
	c.left--

	key, err := readLenPrefixed(c.r)
	if err != nil {
		return entryOrTombstone{}, err
	}
	var ts uint64
	if err := binary.Read(c.r, binary.LittleEndian, &ts); err != nil {
		return entryOrTombstone{}, err
	}

	if kindBuf[0] == recKindTombstone {
		return entryOrTombstone{tombstone: true, ts: crdt.Tombstone{Key: string(key), Timestamp: ts}}, nil
	}
	state, err := readLenPrefixed(c.r)
	if err != nil {
		return entryOrTombstone{}, err
	}
	return entryOrTombstone{entry: crdt.Entry{Key: string(key), Timestamp: ts, State: state}}, nil
}

// byteReader adapts a []byte to io.Reader without an extra copy via bytes.Reader.
type byteReader struct {
	b   []byte
	pos int
}

func newByteReader(b []byte) *byteReader { return &byteReader{b: b} }

func (r *byteReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.pos:])
	r.pos += n
	return n, nil
}
