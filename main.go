package main

import (
	"context"
	"crypto/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gitzhang10/scribe/config"
	"github.com/gitzhang10/scribe/mempool"
	"github.com/gitzhang10/scribe/metrics"
	"github.com/gitzhang10/scribe/network"
	"github.com/gitzhang10/scribe/runner"
	"github.com/gitzhang10/scribe/sequencer"
	"github.com/gitzhang10/scribe/store"
	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"
)

var (
	configDir    string
	configName   string
	envPrefix    string
	startupDelay time.Duration

	rootCmd = &cobra.Command{
		Use:   "scribe",
		Short: "Run one scribe of a BFT DAG consensus cluster.",
		Long: `scribe builds the round-based DAG together with the other scribes of
its cluster and delivers the agreed order of the DAG. The cluster, the keys
and the sequencing strategy are read from a config file generated by
config_gen.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := config.LoadConfig(envPrefix, configName, configDir)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, conf)
		},
	}
)

func init() {
	rootCmd.Flags().StringVar(&configDir, "config-dir", "./", "directory holding the config file")
	rootCmd.Flags().StringVar(&configName, "config", "config", "config file name without extension")
	rootCmd.Flags().StringVar(&envPrefix, "env-prefix", "scribe", "prefix of the environment variables overriding the config")
	rootCmd.Flags().DurationVar(&startupDelay, "startup-delay", 15*time.Second, "time given to the other scribes to start listening")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, conf *config.Config) error {
	logger := hclog.New(&hclog.LoggerOptions{
		Name:   "scribe",
		Output: hclog.DefaultOutput,
		Level:  hclog.Level(conf.LogLevel),
	}).With("scribe", conf.Name)

	st, err := openStore(conf, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	strategy, err := sequencer.New(conf.Protocol, sequencer.StaticValidators(conf.Scribes()), st, conf.CoinSeed,
		logger.Named("sequencer"))
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg, conf.Name)
	if err != nil {
		return err
	}
	if conf.MetricsAddr != "" {
		go serveMetrics(ctx, conf.MetricsAddr, reg, logger)
	}

	keys := conf.Keyring()
	trans, err := network.NewTCP(network.TCPConfig{
		Bind:         conf.BindAddr(),
		Peers:        conf.Peers(),
		Keys:         keys,
		MaxPool:      conf.MaxPool,
		DialTimeout:  time.Second,
		FetchTimeout: conf.FetchTimeout,
		Logger:       logger.Named("net"),
	})
	if err != nil {
		return err
	}
	defer trans.Close()

	pool := mempool.New(conf.MaxPool * conf.BatchSize)
	opts := runner.DefaultOptions()
	opts.EventPollInterval = conf.EventPoll
	opts.MaxEventWait = conf.MaxEventWait
	opts.QuorumPollInterval = conf.QuorumPoll
	opts.RebroadcastInterval = conf.Rebroadcast
	opts.Metrics = m
	opts.Logger = logger.Named("runner")
	output := logger.Named("output")
	opts.Deliver = func(sections []sequencer.Section) {
		for _, s := range sections {
			events := 0
			for _, v := range s.Vertices {
				events += len(v.Events)
			}
			output.Info("section delivered", "leader-round", s.LeaderRound, "leader", s.Leader.Proposer,
				"vertices", len(s.Vertices), "events", events)
		}
	}
	r := runner.New(keys, strategy, st, trans, pool, opts)
	if err := r.Bootstrap(ctx); err != nil {
		return err
	}
	go func() {
		if err := trans.Serve(ctx, r); err != nil {
			logger.Error("inbound loop stopped", "error", err)
		}
	}()

	// wait for each scribe to start
	select {
	case <-ctx.Done():
		return nil
	case <-time.After(startupDelay):
	}
	if err := trans.Connect(); err != nil {
		logger.Warn("some scribes are unreachable", "error", err)
	}

	if conf.EventRate > 0 {
		go generateLoad(ctx, pool, conf.EventRate, conf.BatchSize, logger)
	}
	logger.Info("scribe starts", "protocol", strategy.Name(), "scribes", len(conf.Scribes()))
	policy := runner.DefaultRetryPolicy()
	policy.Retries = conf.LivenessRetries
	policy.Backoff = conf.LivenessBackoff
	return runner.Supervise(ctx, r, policy, logger.Named("supervisor"))
}

func openStore(conf *config.Config, logger hclog.Logger) (store.Store, error) {
	if conf.DataDir == "" {
		logger.Warn("no data_dir configured, the DAG is kept in memory")
		return store.NewMemory(), nil
	}
	return store.OpenBadger(conf.DataDir, logger.Named("store"))
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, logger hclog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		_ = srv.Shutdown(context.Background())
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics endpoint stopped", "addr", addr, "error", err)
	}
}

// generateLoad enqueues random events of size bytes at the given rate.
func generateLoad(ctx context.Context, pool *mempool.Pool, perSecond float64, size int, logger hclog.Logger) {
	if size <= 0 {
		size = 1
	}
	limiter := rate.NewLimiter(rate.Limit(perSecond), 1)
	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		ev := make([]byte, size)
		if _, err := rand.Read(ev); err != nil {
			logger.Error("fail to generate an event", "error", err)
			return
		}
		if err := pool.Enqueue(ev); err != nil {
			logger.Debug("event dropped", "error", err, "pending", pool.Len())
		}
	}
}
