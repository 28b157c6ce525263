package config

import (
	"flag"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	RoleCoordinator = "coordinator"
	RoleParticipant = "participant"
)

type Config struct {
	Role     string
	NodeID   string
	Nodeaddr string
	// Participants maps participant node ids to their gRPC addresses.
	Participants map[string]string
	Whitelist    []string
	DBPath       string
	WALDir       string

	TxTimeout        time.Duration
	MaxConcurrent    int
	RoundTimeout     time.Duration
	AbortTimeout     time.Duration
	Workers          int
	DeadlockInterval time.Duration
	SweepInterval    time.Duration
	VictimPolicy     string

	FailureProbabilities map[string]float64
	Bottlenecks          []string
	// NodeStatsPath is a YAML node load report re-read every StatsInterval.
	NodeStatsPath string
	StatsInterval time.Duration

	OutcomeTTL   time.Duration
	TombstoneTTL time.Duration

	MetricsAddr string
	LogLevel    string
}

// Default returns the configuration used when no flags are given.
func Default() *Config {
	return &Config{
		Role:                 RoleParticipant,
		Nodeaddr:             "localhost:3050",
		NodeID:               "localhost:3050",
		Participants:         map[string]string{},
		Whitelist:            []string{"127.0.0.1"},
		DBPath:               "./badger",
		WALDir:               "./wal",
		TxTimeout:            30 * time.Second,
		MaxConcurrent:        100,
		RoundTimeout:         10 * time.Second,
		AbortTimeout:         5 * time.Second,
		Workers:              32,
		DeadlockInterval:     5 * time.Second,
		SweepInterval:        time.Second,
		VictimPolicy:         "oldest",
		FailureProbabilities: map[string]float64{},
		StatsInterval:        10 * time.Second,
		OutcomeTTL:           5 * time.Minute,
		TombstoneTTL:         10 * time.Minute,
		LogLevel:             "info",
	}
}

// Get creates configuration from command-line arguments.
func Get() (*Config, error) {
	return Parse(flag.CommandLine, os.Args[1:])
}

// Parse registers the flags on fs and reads args into a Config.
func Parse(fs *flag.FlagSet, args []string) (*Config, error) {
	d := Default()

	role := fs.String("role", d.Role, "role (coordinator or participant)")
	nodeid := fs.String("nodeid", "", "node id, defaults to node address")
	nodeaddr := fs.String("nodeaddr", d.Nodeaddr, "node address")
	participants := fs.String("participants", "", "participants as id=host:port,... (coordinator only)")
	whitelist := fs.String("whitelist", strings.Join(d.Whitelist, ","), "allowed hosts")
	dbpath := fs.String("dbpath", d.DBPath, "database path on filesystem")
	waldir := fs.String("waldir", d.WALDir, "vote log directory")
	txtimeout := fs.Duration("txtimeout", d.TxTimeout, "transaction timeout")
	maxconcurrent := fs.Int("maxconcurrent", d.MaxConcurrent, "max number of live transactions")
	roundtimeout := fs.Duration("roundtimeout", d.RoundTimeout, "base per-participant timeout of prepare and commit calls")
	aborttimeout := fs.Duration("aborttimeout", d.AbortTimeout, "timeout of abort notifications")
	workers := fs.Int("workers", d.Workers, "max number of in-flight participant calls")
	deadlockinterval := fs.Duration("deadlockinterval", d.DeadlockInterval, "deadlock detection period")
	sweepinterval := fs.Duration("sweepinterval", d.SweepInterval, "expired transaction sweep period")
	victim := fs.String("victim", d.VictimPolicy, "deadlock victim policy (oldest or youngest)")
	failprob := fs.String("failprob", "", "failure probabilities as id=p,...")
	bottlenecks := fs.String("bottlenecks", "", "static bottleneck node ids, overrides -nodestats scoring")
	nodestats := fs.String("nodestats", "", "YAML node load report used for bottleneck scoring and failure probabilities")
	statsinterval := fs.Duration("statsinterval", d.StatsInterval, "how often the node load report is re-read")
	outcomettl := fs.Duration("outcomettl", d.OutcomeTTL, "how long finished transaction outcomes are kept")
	tombstonettl := fs.Duration("tombstonettl", d.TombstoneTTL, "how long participants remember aborted transactions")
	metricsaddr := fs.String("metricsaddr", "", "prometheus listen address, disabled if empty")
	loglevel := fs.String("loglevel", d.LogLevel, "log level")

	if err := fs.Parse(args); err != nil {
		return nil, errors.Wrap(err, "parse flags")
	}

	participantsMap, err := parseNodeMap(*participants)
	if err != nil {
		return nil, errors.Wrap(err, "parse participants")
	}
	probs, err := parseProbabilities(*failprob)
	if err != nil {
		return nil, errors.Wrap(err, "parse failure probabilities")
	}

	conf := &Config{
		Role:                 *role,
		NodeID:               *nodeid,
		Nodeaddr:             *nodeaddr,
		Participants:         participantsMap,
		Whitelist:            splitList(*whitelist),
		DBPath:               *dbpath,
		WALDir:               *waldir,
		TxTimeout:            *txtimeout,
		MaxConcurrent:        *maxconcurrent,
		RoundTimeout:         *roundtimeout,
		AbortTimeout:         *aborttimeout,
		Workers:              *workers,
		DeadlockInterval:     *deadlockinterval,
		SweepInterval:        *sweepinterval,
		VictimPolicy:         *victim,
		FailureProbabilities: probs,
		Bottlenecks:          splitList(*bottlenecks),
		NodeStatsPath:        *nodestats,
		StatsInterval:        *statsinterval,
		OutcomeTTL:           *outcomettl,
		TombstoneTTL:         *tombstonettl,
		MetricsAddr:          *metricsaddr,
		LogLevel:             *loglevel,
	}
	if conf.NodeID == "" {
		conf.NodeID = conf.Nodeaddr
	}

	return conf, conf.Validate()
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Role != RoleCoordinator && c.Role != RoleParticipant {
		return errors.Errorf("unknown role %q", c.Role)
	}
	if c.Role == RoleCoordinator {
		if _, ok := c.Participants[c.NodeID]; ok {
			return errors.Errorf("coordinator %s cannot be its own participant", c.NodeID)
		}
		for _, b := range c.Bottlenecks {
			if _, ok := c.Participants[b]; !ok {
				return errors.Errorf("bottleneck %s is not a participant", b)
			}
		}
	}
	if !includes([]string{"oldest", "youngest"}, strings.ToLower(c.VictimPolicy)) {
		return errors.Errorf("unknown victim policy %q", c.VictimPolicy)
	}
	if c.TxTimeout <= 0 || c.RoundTimeout <= 0 || c.AbortTimeout <= 0 {
		return errors.New("timeouts must be positive")
	}
	if c.DeadlockInterval <= 0 || c.SweepInterval <= 0 || c.StatsInterval <= 0 {
		return errors.New("background intervals must be positive")
	}
	if c.MaxConcurrent <= 0 {
		return errors.New("maxconcurrent must be positive")
	}
	if c.Workers <= 0 {
		return errors.New("workers must be positive")
	}
	return nil
}

// ParticipantIDs returns the configured participant ids.
func (c *Config) ParticipantIDs() []string {
	ids := make([]string, 0, len(c.Participants))
	for id := range c.Participants {
		ids = append(ids, id)
	}
	return ids
}

func parseNodeMap(s string) (map[string]string, error) {
	out := make(map[string]string)
	for _, item := range splitList(s) {
		id, addr, ok := strings.Cut(item, "=")
		if !ok {
			// a bare address is its own id
			id, addr = item, item
		}
		id, addr = strings.TrimSpace(id), strings.TrimSpace(addr)
		if id == "" || addr == "" {
			return nil, errors.Errorf("malformed participant %q", item)
		}
		out[id] = addr
	}
	return out, nil
}

func parseProbabilities(s string) (map[string]float64, error) {
	out := make(map[string]float64)
	for _, item := range splitList(s) {
		id, raw, ok := strings.Cut(item, "=")
		if !ok {
			return nil, errors.Errorf("malformed failure probability %q", item)
		}
		p, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return nil, errors.Wrapf(err, "failure probability of %s", id)
		}
		if p < 0 || p > 1 {
			return nil, errors.Errorf("failure probability of %s out of [0, 1]: %v", id, p)
		}
		out[strings.TrimSpace(id)] = p
	}
	return out, nil
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// includes checks that the 'arr' includes 'value'
func includes(arr []string, value string) bool {
	for i := range arr {
		if arr[i] == value {
			return true
		}
	}
	return false
}
