package nodestats

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/txcoord/core/bottleneck"
	"github.com/vadiminshakov/txcoord/core/dto"
)

const report = `
nodes:
  core1:
    lock_contention: 20
    cpu_utilization: 90
    memory_gb: 16
    transactions_per_sec: 300
    failure_probability: 0.2
  edge1:
    cpu_utilization: 30
`

func TestParse(t *testing.T) {
	r, err := Parse([]byte(report))
	require.NoError(t, err)

	require.Equal(t, map[dto.NodeID]bottleneck.NodeMetrics{
		"core1": {LockContention: 20, CPUUtilization: 90, MemoryUsageGB: 16, TransactionsPerSec: 300},
		"edge1": {CPUUtilization: 30},
	}, r.Metrics())

	probs := r.Probabilities(map[dto.NodeID]float64{"core1": 0.01, "edge1": 0.05})
	require.Equal(t, map[dto.NodeID]float64{"core1": 0.2, "edge1": 0.05}, probs)
}

func TestParse_Invalid(t *testing.T) {
	_, err := Parse([]byte("nodes:\n  core1:\n    cpu: 90\n"))
	require.Error(t, err)

	_, err = Parse([]byte("nodes:\n  core1:\n    failure_probability: 1.5\n"))
	require.ErrorContains(t, err, "out of [0, 1]")

	r, err := Parse(nil)
	require.NoError(t, err)
	require.Empty(t, r.Metrics())
}

func TestSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nodes.yaml")
	src := NewSource(path, map[dto.NodeID]float64{"cloud1": 0.3})

	_, err := src.Metrics(context.Background())
	require.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte(report), 0o600))

	metrics, err := src.Metrics(context.Background())
	require.NoError(t, err)
	require.Len(t, metrics, 2)

	probs, err := src.Probabilities(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0.2, probs["core1"])
	require.Equal(t, 0.3, probs["cloud1"])

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = src.Probabilities(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
