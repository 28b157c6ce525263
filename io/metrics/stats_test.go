package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/txcoord/core/coordinator"
	"github.com/vadiminshakov/txcoord/core/dto"
)

type fixedStats coordinator.Stats

func (f fixedStats) Stats() coordinator.Stats { return coordinator.Stats(f) }

func TestRegisterStats(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, RegisterStats(reg, fixedStats{
		Active:    3,
		ByState:   map[dto.TransactionState]int{dto.StateActive: 1, dto.StatePrepared: 2},
		LocksHeld: 4,
		MeanAge:   1500 * time.Millisecond,
	}))

	expected := `
# HELP txcoord_coordinator_active_transactions Number of live transactions.
# TYPE txcoord_coordinator_active_transactions gauge
txcoord_coordinator_active_transactions 3
# HELP txcoord_coordinator_locks_held Number of resource locks held.
# TYPE txcoord_coordinator_locks_held gauge
txcoord_coordinator_locks_held 4
# HELP txcoord_coordinator_mean_transaction_age_seconds Mean age of live transactions.
# TYPE txcoord_coordinator_mean_transaction_age_seconds gauge
txcoord_coordinator_mean_transaction_age_seconds 1.5
# HELP txcoord_coordinator_transactions Number of live transactions by state.
# TYPE txcoord_coordinator_transactions gauge
txcoord_coordinator_transactions{state="active"} 1
txcoord_coordinator_transactions{state="prepared"} 2
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected)))
}
