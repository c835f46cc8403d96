package wire

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/akumaburn/crdtstore/internal/crdt"
	"github.com/akumaburn/crdtstore/internal/model"
)

// controlFrame is one non-bulk message: a MessageKind byte followed by a
// JSON body. writeControl/readControl frame this as a single record via
// writeFrame/readFrame.
func writeControl(w io.Writer, kind model.MessageKind, body interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("wire: marshal %v body: %w", kind, err)
	}
	framed := make([]byte, 1+len(payload))
	framed[0] = byte(kind)
	copy(framed[1:], payload)
	return writeFrame(w, framed)
}

func readControl(r io.Reader) (model.MessageKind, []byte, error) {
	framed, err := readFrame(r)
	if err != nil {
		return 0, nil, err
	}
	if len(framed) == 0 {
		return 0, nil, fmt.Errorf("wire: expected control frame, got end-of-stream")
	}
	return model.MessageKind(framed[0]), framed[1:], nil
}

// expectControl reads one control frame and fails unless its kind matches
// want, surfacing a KindServerError body as the returned error.
func expectControl(r io.Reader, want model.MessageKind) ([]byte, error) {
	kind, body, err := readControl(r)
	if err != nil {
		return nil, err
	}
	if kind == model.KindServerError {
		var resp model.ServerErrorResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, fmt.Errorf("wire: server error with unparseable body: %w", err)
		}
		return nil, fmt.Errorf("wire: server error: %s", resp.Message)
	}
	if kind != want {
		return nil, fmt.Errorf("wire: expected message kind %v, got %v", want, kind)
	}
	return body, nil
}

// entryWire/tombstoneWire are the JSON bodies framed, one per frame, for a
// bulk stream, terminated by a zero-length frame (writeEndOfStream).
type entryWire struct {
	Key       string
	Timestamp uint64
	State     []byte
}

type tombstoneWire struct {
	Key       string
	Timestamp uint64
}

func writeEntryStream(w io.Writer, entries <-chan crdt.Entry) error {
	for e := range entries {
		payload, err := json.Marshal(entryWire{Key: e.Key, Timestamp: e.Timestamp, State: e.State})
		if err != nil {
			return fmt.Errorf("wire: marshal entry: %w", err)
		}
		if err := writeFrame(w, payload); err != nil {
			return err
		}
	}
	return writeEndOfStream(w)
}

func writeTombstoneStream(w io.Writer, tombstones <-chan crdt.Tombstone) error {
	for t := range tombstones {
		payload, err := json.Marshal(tombstoneWire{Key: t.Key, Timestamp: t.Timestamp})
		if err != nil {
			return fmt.Errorf("wire: marshal tombstone: %w", err)
		}
		if err := writeFrame(w, payload); err != nil {
			return err
		}
	}
	return writeEndOfStream(w)
}

// readEntryStream reads framed entries until end-of-stream, pushing each
// onto out. It closes out itself and returns any read/decode error.
func readEntryStream(r io.Reader, out chan<- crdt.Entry) error {
	defer close(out)
	for {
		payload, err := readFrame(r)
		if err != nil {
			return err
		}
		if payload == nil {
			return nil
		}
		var w entryWire
		if err := json.Unmarshal(payload, &w); err != nil {
			return fmt.Errorf("wire: unmarshal entry: %w", err)
		}
		out <- crdt.Entry{Key: w.Key, Timestamp: w.Timestamp, State: w.State}
	}
}

func readTombstoneStream(r io.Reader) ([]crdt.Tombstone, error) {
	var tombstones []crdt.Tombstone
	for {
		payload, err := readFrame(r)
		if err != nil {
			return nil, err
		}
		if payload == nil {
			return tombstones, nil
		}
		var w tombstoneWire
		if err := json.Unmarshal(payload, &w); err != nil {
			return nil, fmt.Errorf("wire: unmarshal tombstone: %w", err)
		}
		tombstones = append(tombstones, crdt.Tombstone{Key: w.Key, Timestamp: w.Timestamp})
	}
}
