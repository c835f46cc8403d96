package wire

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akumaburn/crdtstore/internal/chunkstore"
	"github.com/akumaburn/crdtstore/internal/crdt"
)

// fakeStorage is a minimal localnode.Storage double so wire's protocol can
// be tested in isolation from the Chunk Store and WAL.
type fakeStorage struct {
	mu sync.Mutex

	uploaded []crdt.Entry
	removed  []crdt.Tombstone

	takeEntries   []crdt.Entry
	takeCommitted bool
	takeAckErr    error

	pingErr error
}

func (f *fakeStorage) Upload(ctx context.Context, entries <-chan crdt.Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for e := range entries {
		f.uploaded = append(f.uploaded, e)
	}
	return nil
}

func (f *fakeStorage) Download(ctx context.Context, since uint64) (<-chan crdt.Entry, func() error, error) {
	f.mu.Lock()
	snapshot := append([]crdt.Entry{}, f.uploaded...)
	f.mu.Unlock()

	out := make(chan crdt.Entry, len(snapshot))
	for _, e := range snapshot {
		if e.Timestamp >= since {
			out <- e
		}
	}
	close(out)
	return out, func() error { return nil }, nil
}

func (f *fakeStorage) Take(ctx context.Context) (<-chan crdt.Entry, chunkstore.CommitFunc, error) {
	out := make(chan crdt.Entry, len(f.takeEntries))
	for _, e := range f.takeEntries {
		out <- e
	}
	close(out)
	commit := func(err error) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.takeCommitted = true
		f.takeAckErr = err
		return nil
	}
	return out, commit, nil
}

func (f *fakeStorage) Remove(ctx context.Context, tombstones <-chan crdt.Tombstone) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for t := range tombstones {
		f.removed = append(f.removed, t)
	}
	return nil
}

func (f *fakeStorage) Ping(ctx context.Context) error { return f.pingErr }

func startTestServer(t *testing.T, storage *fakeStorage) *Client {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	server := NewServer(listener, storage, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go server.Serve(ctx)
	t.Cleanup(func() {
		cancel()
		listener.Close()
	})

	return NewClient(listener.Addr().String(), nil)
}

func TestUploadThenDownloadRoundTrip(t *testing.T) {
	storage := &fakeStorage{}
	client := startTestServer(t, storage)

	entries := make(chan crdt.Entry, 2)
	entries <- crdt.Entry{Key: "a", Timestamp: 1, State: []byte("1")}
	entries <- crdt.Entry{Key: "b", Timestamp: 2, State: []byte("2")}
	close(entries)

	require.NoError(t, client.Upload(context.Background(), entries))

	require.Eventually(t, func() bool {
		storage.mu.Lock()
		defer storage.mu.Unlock()
		return len(storage.uploaded) == 2
	}, time.Second, 10*time.Millisecond)

	out, errFn, err := client.Download(context.Background(), 0)
	require.NoError(t, err)

	var got []crdt.Entry
	for e := range out {
		got = append(got, e)
	}
	assert.Len(t, got, 2)
	assert.NoError(t, errFn())
}

func TestDownloadSinceFilters(t *testing.T) {
	storage := &fakeStorage{uploaded: []crdt.Entry{
		{Key: "a", Timestamp: 1},
		{Key: "b", Timestamp: 5},
	}}
	client := startTestServer(t, storage)

	out, errFn, err := client.Download(context.Background(), 3)
	require.NoError(t, err)

	var got []crdt.Entry
	for e := range out {
		got = append(got, e)
	}
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].Key)
	assert.NoError(t, errFn())
}

func TestTakeCommitsAckOverSameConnection(t *testing.T) {
	storage := &fakeStorage{takeEntries: []crdt.Entry{{Key: "a", Timestamp: 1}}}
	client := startTestServer(t, storage)

	out, commit, err := client.Take(context.Background())
	require.NoError(t, err)

	var got []crdt.Entry
	for e := range out {
		got = append(got, e)
	}
	require.Len(t, got, 1)

	require.NoError(t, commit(nil))

	require.Eventually(t, func() bool {
		storage.mu.Lock()
		defer storage.mu.Unlock()
		return storage.takeCommitted
	}, time.Second, 10*time.Millisecond)

	storage.mu.Lock()
	assert.NoError(t, storage.takeAckErr)
	storage.mu.Unlock()
}

func TestRemoveRoundTrip(t *testing.T) {
	storage := &fakeStorage{}
	client := startTestServer(t, storage)

	tombstones := make(chan crdt.Tombstone, 1)
	tombstones <- crdt.Tombstone{Key: "a", Timestamp: 1}
	close(tombstones)

	require.NoError(t, client.Remove(context.Background(), tombstones))

	storage.mu.Lock()
	defer storage.mu.Unlock()
	require.Len(t, storage.removed, 1)
	assert.Equal(t, "a", storage.removed[0].Key)
}

func TestPingRoundTrip(t *testing.T) {
	storage := &fakeStorage{}
	client := startTestServer(t, storage)
	assert.NoError(t, client.Ping(context.Background()))
}

func TestPingSurfacesServerError(t *testing.T) {
	storage := &fakeStorage{pingErr: assertError("partition unhealthy")}
	client := startTestServer(t, storage)
	err := client.Ping(context.Background())
	require.Error(t, err)
}

type assertError string

func (e assertError) Error() string { return string(e) }
