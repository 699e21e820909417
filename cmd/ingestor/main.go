// Command ingestor runs the PBS data-ingestion pipeline: a live
// coordinator and a set of resumable backfill drivers and the
// aggregation pass, selected by subcommand.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/pbsdata/ingestor/internal/adjustment"
	"github.com/pbsdata/ingestor/internal/aggregator"
	"github.com/pbsdata/ingestor/internal/archive"
	"github.com/pbsdata/ingestor/internal/backfill"
	"github.com/pbsdata/ingestor/internal/balance"
	"github.com/pbsdata/ingestor/internal/config"
	"github.com/pbsdata/ingestor/internal/live"
	"github.com/pbsdata/ingestor/internal/logging"
	"github.com/pbsdata/ingestor/internal/metrics"
	"github.com/pbsdata/ingestor/internal/model"
	"github.com/pbsdata/ingestor/internal/relay"
	"github.com/pbsdata/ingestor/internal/retry"
	"github.com/pbsdata/ingestor/internal/rpc"
	"github.com/pbsdata/ingestor/internal/store"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New()
	defer logger.Sync()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	go serveMetrics(reg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.DatabaseURL, cfg.DBPoolSize)
	if err != nil {
		logger.Fatal("open store failed", zap.Error(err))
	}
	defer st.Close()

	switch os.Args[1] {
	case "live":
		err = runLive(ctx, cfg, logger, m, st)
	case "backfill-blocks":
		err = runBackfillBlocks(ctx, cfg, logger, m, st)
	case "backfill-relay":
		err = runBackfillRelay(ctx, cfg, logger, m, st)
	case "backfill-balance":
		err = runBackfillBalance(ctx, cfg, logger, m, st)
	case "backfill-adjustment":
		err = runBackfillAdjustment(ctx, cfg, logger, m, st)
	case "repair-relay-gaps":
		err = runRepairRelayGaps(ctx, cfg, logger, m, st)
	case "aggregate":
		err = runAggregate(ctx, logger, st)
	case "version":
		fmt.Printf("ingestor v%s\n", version)
		return
	case "help", "--help", "-h":
		printUsage()
		return
	default:
		fmt.Printf("unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		logger.Error("command failed", zap.String("command", os.Args[1]), zap.Error(err))
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("ingestor - Ethereum PBS market data-ingestion pipeline")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  ingestor live                 Run the live coordinator")
	fmt.Println("  ingestor backfill-blocks      Backfill block headers from the object-store archive")
	fmt.Println("  ingestor backfill-relay       Backfill delivered relay payloads for every configured relay")
	fmt.Println("  ingestor backfill-balance     Backfill balance/auxiliary deltas over a block range")
	fmt.Println("  ingestor backfill-adjustment  Backfill relay adjustments for every adjustment-capable relay")
	fmt.Println("  ingestor repair-relay-gaps    Detect outlier-volume days per relay and re-page to fill them")
	fmt.Println("  ingestor aggregate            Recompute PBS aggregate records over a block range")
	fmt.Println("  ingestor version              Show version information")
	fmt.Println("  ingestor help                 Show this help message")
}

func serveMetrics(reg *prometheus.Registry, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	addr := os.Getenv("METRICS_ADDR")
	if addr == "" {
		addr = ":9090"
	}
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Warn("metrics server stopped", zap.Error(err))
	}
}

func buildRPCClient(cfg *config.Config, m *metrics.Registry) (rpc.Client, error) {
	health := rpc.NewSimpleHealthTracker()
	httpClient, err := rpc.NewHTTPClient([]string{cfg.EthRPCURL}, cfg.RPCAttemptTimeout, health)
	if err != nil {
		return nil, err
	}
	return rpc.NewMetricsClient(httpClient, m), nil
}

func rpcPolicy(cfg *config.Config) retry.Policy {
	return retry.Policy{MaxAttempts: cfg.RPCRetryAttempts, Base: cfg.RPCBackoffBase, Cap: cfg.RPCBackoffCap}
}

func relayPolicy(cfg *config.Config) retry.Policy {
	return retry.Policy{MaxAttempts: cfg.RelayRetryAttempts, Base: cfg.RPCBackoffBase, Cap: cfg.RPCBackoffCap}
}

func runLive(ctx context.Context, cfg *config.Config, logger *zap.Logger, m *metrics.Registry, st *store.Store) error {
	client, err := buildRPCClient(cfg, m)
	if err != nil {
		return err
	}
	headerReader := rpc.NewHeaderReader(client, cfg.RPCBatchSize, cfg.RPCMaxConcurrency, rpcPolicy(cfg))
	tracker := balance.NewTracker(headerReader, cfg.AuxiliaryBuilderAddresses)

	relayDrivers := make([]*relay.Driver, 0, len(cfg.RelayEndpoints))
	for _, endpoint := range cfg.RelayEndpoints {
		relayDrivers = append(relayDrivers, relay.NewDriver(endpoint, endpoint, cfg.RelayRateLimitPerSec, cfg.RelayRateLimitBurst, cfg.RelayPageSize, relayPolicy(cfg)))
	}
	adjustmentDrivers := make([]*adjustment.Driver, 0, len(cfg.AdjustmentRelays))
	for _, endpoint := range cfg.AdjustmentRelays {
		adjustmentDrivers = append(adjustmentDrivers, adjustment.NewDriver(endpoint, endpoint, cfg.RelayPageSize, relayPolicy(cfg)))
	}

	subscriber, err := rpc.NewWSHeadSubscriber(cfg.EthWSURL, cfg.ReconnectBackoffBase, cfg.ReconnectBackoffCap, func() {
		m.LiveReconnects.Inc()
	})
	if err != nil {
		return err
	}

	coord := &live.Coordinator{
		Subscriber: subscriber,
		Queue:      live.NewQueue(cfg.QueueCapacity),

		StoreHeader: func(ctx context.Context, blockNumber uint64) error {
			blocks, err := headerReader.GetBlockHeaders(ctx, []uint64{blockNumber})
			if err != nil {
				return err
			}
			return st.UpsertBlocks(ctx, blocks)
		},
		TrackBalance: func(ctx context.Context, blockNumber uint64) error {
			blocks, err := st.SelectBlockRange(ctx, blockNumber, blockNumber)
			if err != nil || len(blocks) == 0 {
				return fmt.Errorf("block header not yet available: %w", err)
			}
			delta, aux, err := tracker.Track(ctx, blockNumber, blocks[0].FeeRecipient)
			if err != nil {
				return err
			}
			return st.WithTx(ctx, func(tx pgx.Tx) error {
				if err := st.UpsertBalanceDeltasTx(ctx, tx, []model.BalanceDelta{delta}); err != nil {
					return err
				}
				if len(aux) > 0 {
					return st.UpsertAuxiliaryDeltasTx(ctx, tx, aux)
				}
				return nil
			})
		},
		// CollectRelay visits the relays one after another and fetches each
		// one's most recent page; the query is not scoped to blockNumber's
		// slot. A relay that fails does not stop the others: their errors
		// are joined and returned after every relay has been tried.
		CollectRelay: func(ctx context.Context, blockNumber uint64) error {
			var errs []error
			for _, d := range relayDrivers {
				payloads, _, err := d.Page(ctx, "")
				if err == nil {
					err = st.UpsertRelayPayloads(ctx, payloads)
				}
				if err != nil {
					errs = append(errs, fmt.Errorf("relay %s: %w", d.Identifier, err))
				}
			}
			return errors.Join(errs...)
		},
		// CollectAdjustments fetches each adjustment relay's most recent
		// page; the query is not scoped to blockNumber's slot.
		CollectAdjustments: func(ctx context.Context, blockNumber uint64) error {
			for _, d := range adjustmentDrivers {
				adjustments, _, err := d.Page(ctx, "")
				if err != nil {
					return err
				}
				if err := st.UpsertAdjustments(ctx, adjustments); err != nil {
					return err
				}
			}
			return nil
		},
		Aggregate: func(ctx context.Context, blockNumber uint64) error {
			_, err := aggregator.Aggregate(ctx, st, st, blockNumber, blockNumber)
			return err
		},

		RelayPreWaitMin:     cfg.RelayPreWaitMin,
		RelayPreWaitMax:     cfg.RelayPreWaitMax,
		ShutdownGracePeriod: cfg.ShutdownGracePeriod,
		Logger:              logging.Stage(logger, "live"),
		Metrics:             m,
	}

	return coord.Run(ctx)
}

func runBackfillBlocks(ctx context.Context, cfg *config.Config, logger *zap.Logger, m *metrics.Registry, st *store.Store) error {
	reader := archive.NewReader(cfg.ObjectStoreBaseURL)
	start := time.Now().AddDate(0, -6, 0)
	end := time.Now()
	stream := backfill.NewBlockStream(st, reader, start, end)
	stream.Logger = logging.Stage(logger, stream.Key)
	stream.Metrics = m
	stream.ShowBar = true
	return stream.Run(ctx)
}

func runBackfillRelay(ctx context.Context, cfg *config.Config, logger *zap.Logger, m *metrics.Registry, st *store.Store) error {
	for _, endpoint := range cfg.RelayEndpoints {
		d := relay.NewDriver(endpoint, endpoint, cfg.RelayRateLimitPerSec, cfg.RelayRateLimitBurst, cfg.RelayPageSize, relayPolicy(cfg))
		stream := backfill.NewRelayStream(st, d)
		stream.Logger = logging.Stage(logger, stream.Key)
		stream.Metrics = m
		stream.ShowBar = true
		if err := stream.Run(ctx); err != nil {
			return err
		}
	}
	return nil
}

func runBackfillBalance(ctx context.Context, cfg *config.Config, logger *zap.Logger, m *metrics.Registry, st *store.Store) error {
	client, err := buildRPCClient(cfg, m)
	if err != nil {
		return err
	}
	headerReader := rpc.NewHeaderReader(client, cfg.RPCBatchSize, cfg.RPCMaxConcurrency, rpcPolicy(cfg))
	tracker := balance.NewTracker(headerReader, cfg.AuxiliaryBuilderAddresses)

	headBlock, err := latestStoredBlock(ctx, st)
	if err != nil {
		return err
	}
	startBlock := uint64(0)
	if headBlock > uint64(cfg.BackfillChunkBlocks) {
		startBlock = headBlock - cfg.BackfillChunkBlocks
	}

	stream := backfill.NewBalanceStream(st, tracker, headBlock, startBlock)
	stream.Logger = logging.Stage(logger, stream.Key)
	stream.Metrics = m
	stream.ShowBar = true
	return stream.Run(ctx)
}

func runBackfillAdjustment(ctx context.Context, cfg *config.Config, logger *zap.Logger, m *metrics.Registry, st *store.Store) error {
	for _, endpoint := range cfg.AdjustmentRelays {
		d := adjustment.NewDriver(endpoint, endpoint, cfg.RelayPageSize, relayPolicy(cfg))
		stream := backfill.NewAdjustmentStream(st, d)
		stream.Logger = logging.Stage(logger, stream.Key)
		stream.Metrics = m
		stream.ShowBar = true
		if err := stream.Run(ctx); err != nil {
			return err
		}
	}
	return nil
}

// runRepairRelayGaps runs daily-aggregation outlier detection per configured
// relay and re-pages each detected gap's slot window, upserting any
// payloads the normal forward-cursor backfill missed. A consolidated gap
// spanning several days is repaired with a single re-page pass rather than
// one per day.
func runRepairRelayGaps(ctx context.Context, cfg *config.Config, logger *zap.Logger, m *metrics.Registry, st *store.Store) error {
	log := logging.Stage(logger, "repair-relay-gaps")
	for _, endpoint := range cfg.RelayEndpoints {
		d := relay.NewDriver(endpoint, endpoint, cfg.RelayRateLimitPerSec, cfg.RelayRateLimitBurst, cfg.RelayPageSize, relayPolicy(cfg))

		history, err := st.SelectRelayDailyCounts(ctx, d.Identifier)
		if err != nil {
			return err
		}
		gaps := relay.DetectGaps(history)
		if len(gaps) == 0 {
			log.Info("no gaps detected", zap.String("relay", d.Identifier))
			continue
		}

		repairer := relay.NewRepairer(d)
		for _, gap := range gaps {
			m.RelayGapsDetected.WithLabelValues(d.Identifier).Inc()
			minSlot, maxSlot, err := relay.GapSlotRange(gap)
			if err != nil {
				log.Warn("failed to compute gap slot range", zap.String("relay", d.Identifier), zap.Error(err))
				continue
			}
			log.Warn("repairing relay gap",
				zap.String("relay", d.Identifier),
				zap.String("start", gap.StartDate), zap.String("end", gap.EndDate))

			payloads, err := repairer.Repair(ctx, minSlot, maxSlot)
			if err != nil {
				log.Warn("gap repair failed", zap.String("relay", d.Identifier), zap.Error(err))
				continue
			}
			if len(payloads) > 0 {
				if err := st.UpsertRelayPayloads(ctx, payloads); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func runAggregate(ctx context.Context, logger *zap.Logger, st *store.Store) error {
	var lo, hi uint64
	if len(os.Args) >= 4 {
		v, err := strconv.ParseUint(os.Args[2], 10, 64)
		if err != nil {
			return err
		}
		lo = v
		v, err = strconv.ParseUint(os.Args[3], 10, 64)
		if err != nil {
			return err
		}
		hi = v
	} else {
		head, err := latestStoredBlock(ctx, st)
		if err != nil {
			return err
		}
		hi = head
		lo = 0
	}
	n, err := aggregator.Aggregate(ctx, st, st, lo, hi)
	if err != nil {
		return err
	}
	logging.Stage(logger, "aggregate").Info("aggregate pass complete", zap.Int("records_written", n))
	return nil
}

func latestStoredBlock(ctx context.Context, st *store.Store) (uint64, error) {
	return st.LatestBlockNumber(ctx)
}
