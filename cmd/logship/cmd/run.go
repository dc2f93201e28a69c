package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/austindbirch/logship/internal/config"
	"github.com/austindbirch/logship/internal/deadletter"
	"github.com/austindbirch/logship/internal/health"
	"github.com/austindbirch/logship/internal/logging"
	"github.com/austindbirch/logship/internal/metrics"
	"github.com/austindbirch/logship/internal/report"
	"github.com/austindbirch/logship/internal/shipper"
	"github.com/austindbirch/logship/internal/source"
	"github.com/austindbirch/logship/internal/tracing"
)

const (
	healthSyncInterval = 5 * time.Second
	serverStopTimeout  = 5 * time.Second
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Ship records until interrupted",
	Long: `Start the shipper: records read from stdin and/or an NSQ topic are
buffered on disk and drained to the listener on a fixed interval.

Metrics are served on /metrics and health on /healthz. When stdin is the only
source, the shipper flushes and exits at end of input.`,
	Example: `  # Ship a file
  cat app.log | logship run --token $TOKEN

  # Consume an NSQ topic with stdin disabled
  logship run --stdin=false --nsq-topic app_logs`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		return runShipper(cmd.Context(), cfg)
	},
}

func runShipper(parent context.Context, cfg config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	log := logging.New(cfg.AppName)

	shutdownTracing, err := tracing.InitTracing(ctx, cfg.AppName)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer shutdownTracing()

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	rep := report.NewLogReporter(log)
	deps := shipper.Deps{Reporter: rep, Logger: log}

	sink, err := buildDeadLetterSink(ctx, cfg.DeadLetter, log)
	if err != nil {
		return err
	}
	if sink != nil {
		defer sink.Close()
		deps.OnDrop = deadletter.Handler(sink, rep)
	}

	s, err := shipper.New(cfg.Shipper, deps)
	if err != nil {
		return err
	}
	if err := s.Start(ctx); err != nil {
		_ = s.Close()
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	// HTTP health/metrics
	mux := http.NewServeMux()
	mux.Handle("/healthz", health.HTTPHandler(s))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	httpSrv := &http.Server{Addr: cfg.HTTPPort, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	g.Go(func() error {
		log.Plain().WithField("addr", httpSrv.Addr).Info("HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, scancel := context.WithTimeout(context.Background(), serverStopTimeout)
		defer scancel()
		return httpSrv.Shutdown(sctx)
	})

	// gRPC health
	if cfg.GRPCPort != "" {
		lis, err := net.Listen("tcp", cfg.GRPCPort)
		if err != nil {
			cancel()
			_ = g.Wait()
			_ = s.Stop(context.Background())
			return fmt.Errorf("grpc listen: %w", err)
		}
		gs, hs := health.NewGRPCServer()
		g.Go(func() error {
			log.Plain().WithField("addr", cfg.GRPCPort).Info("gRPC health server starting")
			return gs.Serve(lis)
		})
		g.Go(func() error {
			health.Sync(gctx, s, hs, healthSyncInterval)
			gs.GracefulStop()
			return nil
		})
	}

	// Sources
	if cfg.Source.NSQTopic != "" {
		src, err := source.NewNSQ(cfg.Source, s.Send, log)
		if err == nil {
			err = src.Connect()
		}
		if err != nil {
			cancel()
			_ = g.Wait()
			_ = s.Stop(context.Background())
			return err
		}
		log.Plain().WithFields(map[string]any{"topic": cfg.Source.NSQTopic, "channel": cfg.Source.NSQChannel}).Info("NSQ source connected")
		g.Go(func() error {
			<-gctx.Done()
			src.Stop()
			return nil
		})
	}
	if cfg.Source.Stdin {
		// Not tracked by the group: a blocked read on stdin must not hold up shutdown.
		go func() {
			read, dropped, err := source.ReadLines(gctx, os.Stdin, s.Send, source.LineOptions{
				Wrap:   cfg.Source.WrapJSON,
				Logger: "stdin",
				Thread: "main",
			})
			entry := log.Plain().WithFields(map[string]any{"read": read, "dropped": dropped})
			if err != nil && !errors.Is(err, context.Canceled) {
				entry.WithError(err).Error("stdin source failed")
			} else {
				entry.Info("stdin source finished")
			}
			if cfg.Source.NSQTopic == "" {
				cancel()
			}
		}()
	}

	log.Plain().WithFields(map[string]any{
		"url":        cfg.Shipper.URL,
		"buffer_dir": cfg.Shipper.BufferDir,
		"queued":     s.QueueLen(),
	}).Info("logship started")

	<-gctx.Done()
	log.Plain().Info("Shutting down logship")
	groupErr := g.Wait()

	fctx, fcancel := context.WithTimeout(context.Background(), cfg.Shipper.ShutdownTimeout)
	defer fcancel()
	if err := s.Stop(fctx); err != nil {
		return err
	}
	log.Plain().Info("logship stopped")
	return groupErr
}

// buildDeadLetterSink assembles the configured dead-letter sinks. It returns
// nil when none is enabled.
func buildDeadLetterSink(ctx context.Context, cfg config.DeadLetter, log *logging.Logger) (deadletter.Sink, error) {
	var sinks deadletter.Multi
	if cfg.PublishNSQ {
		ns, err := deadletter.NewNSQSink(cfg.NsqdTCPAddr, cfg.Topic, log)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, ns)
	}
	if cfg.DSN != "" {
		ps, err := deadletter.NewPGSink(ctx, cfg.DSN)
		if err != nil {
			sinks.Close()
			return nil, fmt.Errorf("dead-letter archive: %w", err)
		}
		sinks = append(sinks, ps)
	}
	if len(sinks) == 0 {
		return nil, nil
	}
	return sinks, nil
}

func init() {
	rootCmd.AddCommand(runCmd)

	f := runCmd.Flags()
	f.String("http-port", "", "address for /metrics and /healthz (default :8085)")
	f.String("grpc-port", "", "address for the gRPC health service, empty disables")
	f.String("nsq-topic", "", "NSQ topic to consume records from")
	f.Bool("stdin", true, "read newline-delimited records from stdin")
	f.Bool("wrap-json", false, "wrap each stdin line in a JSON log event")
	for _, name := range []string{"http-port", "grpc-port", "nsq-topic", "stdin", "wrap-json"} {
		_ = viper.BindPFlag(name, f.Lookup(name))
	}
}
