package wire

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/akumaburn/crdtstore/internal/crdt"
	"github.com/akumaburn/crdtstore/internal/localnode"
	"github.com/akumaburn/crdtstore/internal/metrics"
	"github.com/akumaburn/crdtstore/internal/model"
)

// ProtocolVersion is this build's wire version. A client handshaking with
// a different major version is rejected and its connection closed.
var ProtocolVersion = model.Version{Major: 1, Minor: 0}

// Server accepts connections for one local partition and dispatches each
// to exactly one request/response cycle before closing it, the same
// per-connection lifecycle the Java original's handler methods follow:
// handshake, then a single handle{Upload,Download,Take,Remove,Ping}, then
// close.
type Server struct {
	storage  localnode.Storage
	listener net.Listener
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// NewServer wraps an already-listening net.Listener; callers choose how
// the listener was constructed (net.Listen, a test net.Pipe harness, TLS).
func NewServer(listener net.Listener, storage localnode.Storage, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{storage: storage, listener: listener, logger: logger}
}

// WithMetrics attaches a metrics sink that records per-request counts and
// latencies; it returns s so it can be chained onto NewServer.
func (s *Server) WithMetrics(m *metrics.Metrics) *Server {
	s.metrics = m
	return s
}

// Serve accepts connections until the listener is closed or ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	connID := uuid.NewString()
	logger := s.logger.With(zap.String("conn_id", connID), zap.String("remote", conn.RemoteAddr().String()))

	if err := s.handshake(conn); err != nil {
		logger.Debug("handshake failed", zap.Error(err))
		return
	}

	kind, body, err := readControl(conn)
	if err != nil {
		if err != io.EOF {
			logger.Debug("read request failed", zap.Error(err))
		}
		return
	}

	start := time.Now()
	var requestErr error
	switch kind {
	case model.KindUpload:
		requestErr = s.handleUpload(ctx, conn, logger)
	case model.KindDownload:
		requestErr = s.handleDownload(ctx, conn, body, logger)
	case model.KindTake:
		requestErr = s.handleTake(ctx, conn, logger)
	case model.KindRemove:
		requestErr = s.handleRemove(ctx, conn, logger)
	case model.KindPing:
		requestErr = s.handlePing(ctx, conn, logger)
	default:
		s.sendError(conn, "unexpected request kind")
		requestErr = io.ErrUnexpectedEOF
	}
	if requestErr != nil {
		logger.Debug("request finished with error", zap.Stringer("kind", kind), zap.Error(requestErr))
	}
	s.metrics.RecordWireRequest(kind.String(), time.Since(start).Seconds(), requestErr)
}

func (s *Server) handshake(conn net.Conn) error {
	kind, body, err := readControl(conn)
	if err != nil {
		return err
	}
	if kind != model.KindHandshake {
		if err := writeControl(conn, model.KindHandshakeResponse, model.HandshakeResponse{
			Failed:  true,
			Message: "expected handshake as first message",
		}); err != nil {
			return err
		}
		return fmt.Errorf("wire: expected handshake, got %v", kind)
	}
	var req model.HandshakeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return err
	}
	if req.Version.Major != ProtocolVersion.Major {
		if err := writeControl(conn, model.KindHandshakeResponse, model.HandshakeResponse{
			Failed:         true,
			MinimalVersion: ProtocolVersion,
			Message:        "incompatible major version",
		}); err != nil {
			return err
		}
		return fmt.Errorf("wire: incompatible client major version %d", req.Version.Major)
	}
	return writeControl(conn, model.KindHandshakeResponse, model.HandshakeResponse{})
}

func (s *Server) sendError(conn net.Conn, msg string) {
	if err := writeControl(conn, model.KindServerError, model.ServerErrorResponse{Message: msg}); err != nil {
		s.logger.Debug("failed to send server error", zap.Error(err))
	}
}

func (s *Server) handleUpload(ctx context.Context, conn net.Conn, logger *zap.Logger) error {
	entries := make(chan crdt.Entry, 64)
	readErrCh := make(chan error, 1)
	go func() { readErrCh <- readEntryStream(conn, entries) }()

	err := s.storage.Upload(ctx, entries)
	if readErr := <-readErrCh; err == nil && readErr != nil {
		err = readErr
	}
	if err != nil {
		s.sendError(conn, err.Error())
		return err
	}
	if err := writeControl(conn, model.KindUploadAck, struct{}{}); err != nil {
		logger.Debug("failed to send upload ack", zap.Error(err))
		return err
	}
	return nil
}

func (s *Server) handleDownload(ctx context.Context, conn net.Conn, body []byte, logger *zap.Logger) error {
	var req model.DownloadRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.sendError(conn, "malformed download request")
		return err
	}
	entries, _, err := s.storage.Download(ctx, req.Since)
	if err != nil {
		s.sendError(conn, err.Error())
		return err
	}
	if err := writeControl(conn, model.KindDownloadStarted, struct{}{}); err != nil {
		logger.Debug("failed to send download-started", zap.Error(err))
		return err
	}
	if err := writeEntryStream(conn, entries); err != nil {
		logger.Debug("failed to stream download", zap.Error(err))
		return err
	}
	return nil
}

func (s *Server) handleTake(ctx context.Context, conn net.Conn, logger *zap.Logger) error {
	entries, commit, err := s.storage.Take(ctx)
	if err != nil {
		s.sendError(conn, err.Error())
		return err
	}
	if err := writeControl(conn, model.KindTakeStarted, struct{}{}); err != nil {
		logger.Debug("failed to send take-started", zap.Error(err))
		commit(err)
		return err
	}
	if err := writeEntryStream(conn, entries); err != nil {
		logger.Debug("failed to stream take", zap.Error(err))
		commit(err)
		return err
	}

	kind, body, err := readControl(conn)
	if err != nil {
		commit(err)
		return err
	}
	if kind != model.KindTakeAck {
		commit(io.ErrUnexpectedEOF)
		return io.ErrUnexpectedEOF
	}
	var ack model.TakeAckRequest
	if err := json.Unmarshal(body, &ack); err != nil {
		commit(err)
		return err
	}
	if ack.Failed {
		takeErr := crdtTakeFailed(ack.Message)
		commit(takeErr)
		return takeErr
	}
	return commit(nil)
}

func (s *Server) handleRemove(ctx context.Context, conn net.Conn, logger *zap.Logger) error {
	tombstones, err := readTombstoneStream(conn)
	if err != nil {
		s.sendError(conn, err.Error())
		return err
	}
	ch := make(chan crdt.Tombstone, len(tombstones))
	for _, t := range tombstones {
		ch <- t
	}
	close(ch)
	if err := s.storage.Remove(ctx, ch); err != nil {
		s.sendError(conn, err.Error())
		return err
	}
	if err := writeControl(conn, model.KindRemoveAck, struct{}{}); err != nil {
		logger.Debug("failed to send remove ack", zap.Error(err))
		return err
	}
	return nil
}

func (s *Server) handlePing(ctx context.Context, conn net.Conn, logger *zap.Logger) error {
	if err := s.storage.Ping(ctx); err != nil {
		s.sendError(conn, err.Error())
		return err
	}
	if err := writeControl(conn, model.KindPong, struct{}{}); err != nil {
		logger.Debug("failed to send pong", zap.Error(err))
		return err
	}
	return nil
}

type takeFailedError string

func crdtTakeFailed(msg string) error {
	if msg == "" {
		msg = "client reported take failure"
	}
	return takeFailedError(msg)
}

func (e takeFailedError) Error() string { return string(e) }
