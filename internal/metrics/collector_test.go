package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"grimm.is/xtables/internal/logging"
)

func TestCollector_Collect(t *testing.T) {
	logger := logging.New(logging.DefaultConfig())
	src := SourceFunc(func(ctx context.Context) ([]ChainStats, error) {
		return []ChainStats{
			{Table: "filter", Chain: "INPUT", Rules: 3, Packets: 10, Bytes: 1500},
			{Table: "filter", Chain: "web", Rules: 1},
		}, nil
	})
	c := NewCollector(logger, src, time.Minute)
	require.True(t, c.GetLastUpdate().IsZero())

	c.Collect()

	stats := c.GetChainStats()
	require.Len(t, stats, 2)
	assert.Equal(t, uint64(1500), stats["filter/INPUT"].Bytes)
	assert.False(t, c.GetLastUpdate().IsZero())

	r := Get()
	assert.Equal(t, float64(3), testutil.ToFloat64(r.TableRules.WithLabelValues("filter", "INPUT")))
	assert.Equal(t, float64(10), testutil.ToFloat64(r.ChainPackets.WithLabelValues("filter", "INPUT")))
}

func TestCollector_SourceError(t *testing.T) {
	logger := logging.New(logging.DefaultConfig())
	src := SourceFunc(func(ctx context.Context) ([]ChainStats, error) {
		return nil, errors.New("boom")
	})
	c := NewCollector(logger, src, time.Minute)
	c.Collect()

	assert.Empty(t, c.GetChainStats())
	assert.True(t, c.GetLastUpdate().IsZero())
}

func TestCollector_StartStop(t *testing.T) {
	logger := logging.New(logging.DefaultConfig())
	calls := make(chan struct{}, 4)
	src := SourceFunc(func(ctx context.Context) ([]ChainStats, error) {
		select {
		case calls <- struct{}{}:
		default:
		}
		return nil, nil
	})
	c := NewCollector(logger, src, time.Hour)

	done := make(chan struct{})
	go func() {
		c.Start()
		close(done)
	}()

	select {
	case <-calls:
	case <-time.After(5 * time.Second):
		t.Fatal("collector did not run an initial collection")
	}
	c.Stop()
	c.Stop() // second Stop is a no-op

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("collector did not stop")
	}
}

func TestRecordCommit(t *testing.T) {
	r := Get()

	r.RecordCommit("mangle", 1024, 10*time.Millisecond, nil)
	assert.Equal(t, float64(1), testutil.ToFloat64(r.Commits.WithLabelValues("mangle", "ok")))
	assert.Equal(t, float64(1024), testutil.ToFloat64(r.BlobBytes.WithLabelValues("mangle")))

	r.RecordCommit("mangle", 2048, time.Millisecond, unix.EAGAIN)
	assert.Equal(t, float64(1), testutil.ToFloat64(r.Commits.WithLabelValues("mangle", "EAGAIN")))
	assert.Equal(t, float64(1024), testutil.ToFloat64(r.BlobBytes.WithLabelValues("mangle")))
}

func TestResultString(t *testing.T) {
	assert.Equal(t, "ok", resultString(nil))
	assert.Equal(t, "error", resultString(errors.New("x")))
	assert.Equal(t, "EPERM", resultString(unix.EPERM))
}
