package risk

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/txcoord/core/dto"
)

func TestTable_Probability(t *testing.T) {
	table := NewTable(map[dto.NodeID]float64{"edge1": 0.2, "bad": 3, "negative": -0.5})

	require.Equal(t, 0.2, table.Probability("edge1"))
	require.Equal(t, 1.0, table.Probability("bad"))
	require.Equal(t, 0.0, table.Probability("negative"))
	require.Equal(t, DefaultProbability, table.Probability("unknown"))

	table.Set("unknown", 0.4)
	require.Equal(t, 0.4, table.Probability("unknown"))

	table.Update(nil)
	require.Equal(t, DefaultProbability, table.Probability("edge1"))
}

func TestTable_Refresh(t *testing.T) {
	table := NewTable(map[dto.NodeID]float64{"edge1": 0.2})

	var calls atomic.Int32
	fetch := func(context.Context) (map[dto.NodeID]float64, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("metrics backend unavailable")
		}
		return map[dto.NodeID]float64{"edge1": 0.7}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go table.Refresh(ctx, 5*time.Millisecond, fetch)

	require.Eventually(t, func() bool { return table.Probability("edge1") == 0.7 }, time.Second, 5*time.Millisecond)
	require.GreaterOrEqual(t, calls.Load(), int32(2))
}
