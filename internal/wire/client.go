package wire

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/akumaburn/crdtstore/internal/chunkstore"
	"github.com/akumaburn/crdtstore/internal/crdt"
	"github.com/akumaburn/crdtstore/internal/model"
)

// Client is a localnode.Storage proxy for one remote partition, reachable
// at Addr. Every operation opens its own connection and closes it when the
// operation completes, mirroring the server's one-request-per-connection
// lifecycle; Take is the exception, keeping its connection open until the
// returned CommitFunc is called.
type Client struct {
	Addr        string
	DialTimeout time.Duration
	Logger      *zap.Logger
}

// NewClient builds a Client for addr with sane defaults.
func NewClient(addr string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{Addr: addr, DialTimeout: 5 * time.Second, Logger: logger}
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	dialer := net.Dialer{Timeout: c.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.Addr)
	if err != nil {
		return nil, fmt.Errorf("wire: dial %s: %w", c.Addr, err)
	}
	if err := c.handshake(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func (c *Client) handshake(conn net.Conn) error {
	if err := writeControl(conn, model.KindHandshake, model.HandshakeRequest{Version: ProtocolVersion}); err != nil {
		return err
	}
	body, err := expectControl(conn, model.KindHandshakeResponse)
	if err != nil {
		return err
	}
	var resp model.HandshakeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("wire: unmarshal handshake response: %w", err)
	}
	if resp.Failed {
		return fmt.Errorf("wire: handshake rejected: %s", resp.Message)
	}
	return nil
}

// Upload sends entries to the remote partition and waits for the server's
// ack before returning.
func (c *Client) Upload(ctx context.Context, entries <-chan crdt.Entry) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := writeControl(conn, model.KindUpload, struct{}{}); err != nil {
		return err
	}
	if err := writeEntryStream(conn, entries); err != nil {
		return err
	}
	_, err = expectControl(conn, model.KindUploadAck)
	return err
}

// Download opens a connection and streams entries as they arrive; the
// connection is closed once the stream (or ctx) ends. The returned func
// reports the stream's terminal error (nil on a clean end-of-stream) and
// blocks until the entry channel is closed, so callers must drain it
// first — mirroring how Take's CommitFunc is only meaningful after its
// own stream has been consumed.
func (c *Client) Download(ctx context.Context, since uint64) (<-chan crdt.Entry, func() error, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, nil, err
	}
	if err := writeControl(conn, model.KindDownload, model.DownloadRequest{Since: since}); err != nil {
		conn.Close()
		return nil, nil, err
	}
	if _, err := expectControl(conn, model.KindDownloadStarted); err != nil {
		conn.Close()
		return nil, nil, err
	}

	out := make(chan crdt.Entry, 64)
	streamErrCh := make(chan error, 1)
	go func() {
		defer conn.Close()
		streamErrCh <- readEntryStream(conn, out)
	}()
	errFn := func() error {
		err := <-streamErrCh
		if err != nil {
			c.Logger.Debug("download stream ended with error", zap.Error(err), zap.String("addr", c.Addr))
		}
		return err
	}
	return out, errFn, nil
}

// takeSession keeps the connection open between the entry stream and the
// ack the CommitFunc sends once the caller has durably absorbed it.
type takeSession struct {
	conn net.Conn
}

// Take opens a connection, streams the remote partition's chunks, and
// returns a CommitFunc that — once called — sends the client's ack over
// the same connection and closes it. The server only deletes its source
// chunks once it receives a non-failed ack.
func (c *Client) Take(ctx context.Context) (<-chan crdt.Entry, chunkstore.CommitFunc, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, nil, err
	}
	if err := writeControl(conn, model.KindTake, struct{}{}); err != nil {
		conn.Close()
		return nil, nil, err
	}
	if _, err := expectControl(conn, model.KindTakeStarted); err != nil {
		conn.Close()
		return nil, nil, err
	}

	out := make(chan crdt.Entry, 64)
	streamErrCh := make(chan error, 1)
	go func() { streamErrCh <- readEntryStream(conn, out) }()

	session := &takeSession{conn: conn}
	commit := func(ackErr error) error {
		defer session.conn.Close()
		if streamErr := <-streamErrCh; ackErr == nil && streamErr != nil {
			ackErr = streamErr
		}
		ack := model.TakeAckRequest{}
		if ackErr != nil {
			ack.Failed = true
			ack.Message = ackErr.Error()
		}
		return writeControl(session.conn, model.KindTakeAck, ack)
	}
	return out, commit, nil
}

// Remove sends tombstones to the remote partition and waits for its ack.
func (c *Client) Remove(ctx context.Context, tombstones <-chan crdt.Tombstone) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := writeControl(conn, model.KindRemove, struct{}{}); err != nil {
		return err
	}
	if err := writeTombstoneStream(conn, tombstones); err != nil {
		return err
	}
	_, err = expectControl(conn, model.KindRemoveAck)
	return err
}

// Ping checks the remote partition is reachable and healthy.
func (c *Client) Ping(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := writeControl(conn, model.KindPing, struct{}{}); err != nil {
		return err
	}
	_, err = expectControl(conn, model.KindPong)
	return err
}
