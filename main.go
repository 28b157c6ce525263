package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/vadiminshakov/gowal"
	"github.com/vadiminshakov/txcoord/config"
	"github.com/vadiminshakov/txcoord/core/bottleneck"
	"github.com/vadiminshakov/txcoord/core/cohort"
	"github.com/vadiminshakov/txcoord/core/cohort/hooks"
	"github.com/vadiminshakov/txcoord/core/coordinator"
	"github.com/vadiminshakov/txcoord/core/dto"
	"github.com/vadiminshakov/txcoord/core/lock"
	"github.com/vadiminshakov/txcoord/core/protocol"
	"github.com/vadiminshakov/txcoord/core/risk"
	"github.com/vadiminshakov/txcoord/io/gateway/grpc/client"
	"github.com/vadiminshakov/txcoord/io/gateway/grpc/server"
	"github.com/vadiminshakov/txcoord/io/metrics"
	"github.com/vadiminshakov/txcoord/io/nodestats"
	"github.com/vadiminshakov/txcoord/io/store"
)

// maxPayload bounds the payload a participant accepts in prepare.
const maxPayload = 4 << 20

type registry interface {
	coordinator.TransactionManager
	Stage(id dto.TransactionID, payload []byte) error
	Enlist(id dto.TransactionID, nodes ...dto.NodeID) error
	Outcome(id dto.TransactionID) (dto.Outcome, bool)
	Stats() coordinator.Stats
	Start(ctx context.Context)
	Close()
}

type coordinatorNode struct {
	registry  registry
	transport *client.Transport
	advisor   protocol.Advisor
	risk      *risk.Table
	metrics   *http.Server
	cancel    context.CancelFunc
}

func (n *coordinatorNode) Stop() {
	n.cancel()
	n.registry.Close()
	if err := n.transport.Close(); err != nil {
		log.Errorf("failed to close transport: %v", err)
	}
	if n.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = n.metrics.Shutdown(ctx)
	}
}

type participantNode struct {
	server *server.Server
	cohort *cohort.Cohort
	wal    *gowal.Wal
	store  *store.Store
}

func (n *participantNode) Stop() {
	n.server.Stop()
	n.cohort.Close()
	if err := n.wal.Close(); err != nil {
		log.Errorf("failed to close vote log: %v", err)
	}
	if err := n.store.Close(); err != nil {
		log.Errorf("failed to close db: %v", err)
	}
}

func main() {
	conf, err := config.Get()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	setupLogging(conf.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch conf.Role {
	case config.RoleCoordinator:
		node, err := startCoordinator(ctx, conf, prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
		if err != nil {
			log.Fatalf("failed to start coordinator: %v", err)
		}
		defer node.Stop()
		probe(ctx, node.registry, participantIDs(conf))
	case config.RoleParticipant:
		node, err := startParticipant(conf)
		if err != nil {
			log.Fatalf("failed to start participant: %v", err)
		}
		defer node.Stop()
		if err := node.server.Run(server.WhiteListChecker); err != nil {
			log.Fatalf("failed to start participant: %v", err)
		}
	}

	<-ctx.Done()
	log.Info("shutting down")
}

func setupLogging(level string) {
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339Nano,
	})
	lvl, err := log.ParseLevel(level)
	if err != nil {
		log.Warnf("unknown log level %q, using info", level)
		lvl = log.InfoLevel
	}
	log.SetLevel(lvl)
}

func startCoordinator(ctx context.Context, conf *config.Config, reg prometheus.Registerer, gatherer prometheus.Gatherer) (*coordinatorNode, error) {
	collector, err := metrics.New(reg)
	if err != nil {
		return nil, errors.Wrap(err, "register metrics")
	}

	ctx, cancel := context.WithCancel(ctx)
	locks := lock.NewManager()
	advisor, riskTable, err := loadAdvisors(ctx, conf, locks)
	if err != nil {
		cancel()
		return nil, err
	}

	transport := client.NewTransport(conf.Participants)
	engine := protocol.NewEngine(transport, advisor, riskTable, protocol.Config{
		Coordinator:  dto.NodeID(conf.NodeID),
		BaseTimeout:  conf.RoundTimeout,
		AbortTimeout: conf.AbortTimeout,
		Workers:      conf.Workers,
	}, protocol.WithObserver(collector))

	coord, err := coordinator.New(conf, engine, locks, coordinator.WithRecorder(collector))
	if err != nil {
		cancel()
		_ = transport.Close()
		return nil, err
	}
	if err := metrics.RegisterStats(reg, coord); err != nil {
		cancel()
		coord.Close()
		_ = transport.Close()
		return nil, errors.Wrap(err, "register registry metrics")
	}
	coord.Start(ctx)

	node := &coordinatorNode{registry: coord, transport: transport, advisor: advisor, risk: riskTable, cancel: cancel}
	if conf.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(gatherer))
		node.metrics = &http.Server{Addr: conf.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := node.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorf("metrics server stopped: %v", err)
			}
		}()
		log.Infof("serving metrics on http://%s/metrics", conf.MetricsAddr)
	}

	log.Infof("coordinator %s started with %d participants", conf.NodeID, len(conf.Participants))
	return node, nil
}

// loadAdvisors builds the bottleneck advisor and the failure probabilities.
// Static -bottlenecks win over scoring; a -nodestats report feeds the scorer
// and the probabilities and is re-read until ctx is done.
func loadAdvisors(ctx context.Context, conf *config.Config, locks *lock.Manager) (protocol.Advisor, *risk.Table, error) {
	probs := make(map[dto.NodeID]float64, len(conf.FailureProbabilities))
	for id, p := range conf.FailureProbabilities {
		probs[dto.NodeID(id)] = p
	}
	table := risk.NewTable(probs)

	static := make([]dto.NodeID, 0, len(conf.Bottlenecks))
	for _, b := range conf.Bottlenecks {
		static = append(static, dto.NodeID(b))
	}

	if conf.NodeStatsPath == "" {
		return bottleneck.NewStatic(static...), table, nil
	}

	src := nodestats.NewSource(conf.NodeStatsPath, probs)
	report, err := src.Load()
	if err != nil {
		return nil, nil, err
	}
	table.Update(report.Probabilities(probs))
	go table.Refresh(ctx, conf.StatsInterval, src.Probabilities)

	if len(static) > 0 {
		return bottleneck.NewStatic(static...), table, nil
	}

	loads := bottleneck.NewMetricsTable(report.Metrics())
	go loads.Refresh(ctx, conf.StatsInterval, src.Metrics)
	log.Infof("scoring bottlenecks from %s every %s", conf.NodeStatsPath, conf.StatsInterval)

	return bottleneck.NewScorer(loads, locks, bottleneck.DefaultThreshold), table, nil
}

func startParticipant(conf *config.Config) (*participantNode, error) {
	db, err := store.New(conf.DBPath)
	if err != nil {
		return nil, err
	}

	wal, err := gowal.NewWAL(gowal.Config{
		Dir:              conf.WALDir,
		Prefix:           "votes_",
		SegmentThreshold: 1000,
		MaxSegments:      100,
		IsInSyncDiskMode: true,
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "open vote log")
	}

	c, recovery, err := cohort.New(dto.NodeID(conf.NodeID), wal, db, conf.TombstoneTTL,
		hooks.NewValidationHook(maxPayload), hooks.NewMetricsHook())
	if err != nil {
		_ = wal.Close()
		_ = db.Close()
		return nil, err
	}
	if len(recovery.InDoubt) > 0 {
		log.Warnf("transactions %v are prepared and wait for the coordinator", recovery.InDoubt)
	}

	srv, err := server.New(conf, c)
	if err != nil {
		c.Close()
		_ = wal.Close()
		_ = db.Close()
		return nil, err
	}

	return &participantNode{server: srv, cohort: c, wal: wal, store: db}, nil
}

// probe runs one empty transaction across every participant and logs how it ended.
func probe(ctx context.Context, reg registry, participants []dto.NodeID) dto.CommitResult {
	if len(participants) == 0 {
		log.Info("no participants configured, skipping probe transaction")
		return dto.Aborted
	}

	id, err := reg.Begin()
	if err != nil {
		log.Errorf("probe: %v", err)
		return dto.Aborted
	}

	if err := reg.Enlist(id, participants...); err != nil {
		log.Errorf("probe %s: %v", id, err)
		reg.Abort(id)
		return dto.Aborted
	}

	state, err := reg.Prepare(ctx, id)
	if err != nil {
		log.Errorf("probe %s: %v", id, err)
		return dto.Aborted
	}
	if state != dto.StatePrepared {
		o, ok := reg.Outcome(id)
		if !ok {
			return dto.Aborted
		}
		log.Warnf("probe %s aborted in prepare: %s", id, o.Reason)
		return o.Result
	}

	result := reg.Commit(ctx, id)
	log.WithFields(log.Fields{"tx": id, "result": result}).Info("probe transaction finished")
	return result
}

func participantIDs(conf *config.Config) []dto.NodeID {
	ids := conf.ParticipantIDs()
	sort.Strings(ids)

	out := make([]dto.NodeID, 0, len(ids))
	for _, id := range ids {
		out = append(out, dto.NodeID(id))
	}
	return out
}
