package config

import (
	"flag"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func parse(t *testing.T, args ...string) (*Config, error) {
	t.Helper()
	return Parse(flag.NewFlagSet("test", flag.ContinueOnError), args)
}

func TestParse_Defaults(t *testing.T) {
	conf, err := parse(t)
	require.NoError(t, err)
	require.Equal(t, RoleParticipant, conf.Role)
	require.Equal(t, conf.Nodeaddr, conf.NodeID)
	require.Equal(t, 30*time.Second, conf.TxTimeout)
	require.Equal(t, 100, conf.MaxConcurrent)
	require.Equal(t, 10*time.Second, conf.RoundTimeout)
	require.Equal(t, 5*time.Second, conf.DeadlockInterval)
	require.Equal(t, time.Second, conf.SweepInterval)
	require.Equal(t, []string{"127.0.0.1"}, conf.Whitelist)
	require.Empty(t, conf.Participants)
}

func TestParse_Coordinator(t *testing.T) {
	conf, err := parse(t,
		"-role=coordinator",
		"-nodeid=coord",
		"-participants=edge1=localhost:3051, core1=localhost:3052,localhost:3053",
		"-failprob=edge1=0.1,core1=0.5",
		"-bottlenecks=core1",
		"-txtimeout=2s",
		"-victim=youngest",
		"-nodestats=/etc/txcoord/nodes.yaml",
		"-statsinterval=30s",
	)
	require.NoError(t, err)
	require.Equal(t, map[string]string{
		"edge1":          "localhost:3051",
		"core1":          "localhost:3052",
		"localhost:3053": "localhost:3053",
	}, conf.Participants)
	require.Equal(t, map[string]float64{"edge1": 0.1, "core1": 0.5}, conf.FailureProbabilities)
	require.Equal(t, []string{"core1"}, conf.Bottlenecks)
	require.Equal(t, 2*time.Second, conf.TxTimeout)
	require.Equal(t, "/etc/txcoord/nodes.yaml", conf.NodeStatsPath)
	require.Equal(t, 30*time.Second, conf.StatsInterval)
	require.Len(t, conf.ParticipantIDs(), 3)
}

func TestParse_Invalid(t *testing.T) {
	tests := map[string][]string{
		"role":              {"-role=follower"},
		"probability range": {"-failprob=edge1=1.5"},
		"probability form":  {"-failprob=edge1"},
		"participant form":  {"-participants=edge1="},
		"victim":            {"-victim=random"},
		"timeout":           {"-txtimeout=0s"},
		"workers":           {"-workers=0"},
		"stats interval":    {"-statsinterval=0s"},
		"unknown bottleneck": {
			"-role=coordinator", "-participants=edge1=localhost:3051", "-bottlenecks=core1",
		},
		"self participant": {
			"-role=coordinator", "-nodeid=coord", "-participants=coord=localhost:3051",
		},
	}

	for name, args := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := parse(t, args...)
			require.Error(t, err)
		})
	}
}
