package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordMethodsUpdateCounters(t *testing.T) {
	m := New("test-node-1")

	m.RecordChunkWrite(1024)
	m.RecordChunkRead(0.01)
	m.SetChunkStoreSize(3, 4096)
	m.RecordConsolidation(0.5)
	m.RecordCleanup(2048)

	m.RecordWALAppend(0.001)
	m.RecordWALRotation()
	m.RecordWALDrain(true)
	m.RecordWALDrain(false)
	m.RecordWALRecovered(7)
	m.SetWALSegmentsLive(2)

	m.RecordWireRequest("upload", 0.02, nil)
	m.RecordWireRequest("download", 0.03, errors.New("boom"))
	m.RecordWireBytes(100, 200)

	m.RecordClusterUpload(4)
	m.RecordClusterDownload(2)
	m.RecordClusterTake(1)
	m.RecordClusterRemove(1)
	m.SetPartitions(2, 3)

	m.RecordRepartition(1.5, 10, 2048, nil)
	m.RecordRepartition(0.5, 0, 0, errors.New("fail"))

	m.SetDiscoveryMembers(5)
	m.SetDiskUsage(42.5, 1000)
	m.RecordDiskThrottled()
	m.RecordDiskCircuitBroken()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ChunkWritesTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConsolidationsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WALDrainsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WALDrainFailures))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.UploadedItemsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RepartitionFailures))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.DiscoveryMembersTotal))
}

func TestNilMetricsIsANoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordChunkWrite(1)
		m.RecordWALAppend(0.1)
		m.RecordWireRequest("ping", 0.1, nil)
		m.RecordClusterUpload(1)
		m.RecordRepartition(1, 1, 1, nil)
		m.SetDiskUsage(1, 1)
	})
}
