package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-editlock/v1/config"
	"github.com/mirkobrombin/go-editlock/v1/lock"
	"github.com/mirkobrombin/go-editlock/v1/metrics"
	"github.com/mirkobrombin/go-editlock/v1/model"
	"github.com/mirkobrombin/go-editlock/v1/presets"
	"github.com/mirkobrombin/go-editlock/v1/validator"
)

var v = config.New()

var rootCmd = &cobra.Command{
	Use:   "editlock-bench",
	Short: "Drive concurrent editors against a lock coordinator",
	Long: `Spawns simulated editors that acquire, extend, take over and release
locks on a small pool of content items, then verifies that no content item
ever ended up with more than one active lock.`,
	SilenceUsage: true,
	RunE:         runBench,
}

func init() {
	f := rootCmd.Flags()
	f.String("config", "", "Path to a YAML config file")
	f.Int("editors", 32, "Number of concurrent editors")
	f.Int("contents", 8, "Number of content items to contend on")
	f.Duration("duration", 10*time.Second, "How long to run")
	f.String("metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :2112")
	f.Bool("trace", false, "Print OpenTelemetry spans to stdout")
	f.Int("lease", 0, "Lease duration in seconds (overrides config)")
	f.String("redis-addr", "", "Persist to Redis at this address")
	f.Duration("validate", 0, "With Redis, check and heal persisted state at this interval")

	_ = v.BindPFlag("lease_duration_seconds", f.Lookup("lease"))
	_ = v.BindPFlag("redis.addr", f.Lookup("redis-addr"))
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return config.Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return config.FromViper(v)
}

func runBench(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel)

	editors, _ := cmd.Flags().GetInt("editors")
	contents, _ := cmd.Flags().GetInt("contents")
	duration, _ := cmd.Flags().GetDuration("duration")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	trace, _ := cmd.Flags().GetBool("trace")
	validate, _ := cmd.Flags().GetDuration("validate")
	if editors <= 0 || contents <= 0 {
		return errors.New("editors and contents must be positive")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	opts := []presets.Option{presets.WithLogger(logger)}
	if trace {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return fmt.Errorf("stdout exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		defer func() { _ = tp.Shutdown(context.Background()) }()
		otel.SetTracerProvider(tp)
		opts = append(opts, presets.WithTracing())
	}

	reg := metrics.NewRegistry()
	opts = append(opts, presets.WithMetrics(metrics.NewCollector(reg)))
	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("editlock: metrics server stopped", "error", err)
			}
		}()
		defer func() { _ = srv.Shutdown(context.Background()) }()
	}

	if validate > 0 {
		opts = append(opts, presets.WithValidation(validator.ModeAutoHeal, validate))
	}

	var stack *presets.Stack
	if cfg.Redis.Addr != "" {
		if stack, err = presets.NewRedis(cfg, opts...); err != nil {
			return err
		}
	} else {
		stack = presets.NewInMemoryStandalone(cfg, opts...)
	}
	if err := stack.Start(ctx); err != nil {
		return fmt.Errorf("start stack: %w", err)
	}
	defer stack.Close()

	runCtx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	var ops, granted, conflicts, violations atomic.Int64
	g, gctx := errgroup.WithContext(runCtx)
	for i := 0; i < editors; i++ {
		me := model.UserRef{ID: fmt.Sprintf("editor-%d", i), Name: fmt.Sprintf("Editor %d", i), Role: "editor"}
		seed := time.Now().UnixNano() + int64(i)
		g.Go(func() error {
			r := rand.New(rand.NewSource(seed))
			for gctx.Err() == nil {
				contentID := fmt.Sprintf("post-%d", r.Intn(contents))
				res, err := stack.Coordinator.Acquire(gctx, lock.AcquireRequest{
					ContentID:   contentID,
					ContentType: model.ContentPost,
					Title:       "Bench " + contentID,
					Requester:   me,
				})
				ops.Add(1)
				if err != nil {
					if gctx.Err() != nil {
						return nil
					}
					return err
				}
				if !res.Granted {
					conflicts.Add(1)
					resolution := model.ResolutionWait
					if r.Intn(10) == 0 {
						resolution = model.ResolutionTakeover
					}
					// Another editor may have released or taken over first.
					_, _ = stack.Resolver.Resolve(gctx, res.Conflict.ID, resolution)
					continue
				}
				granted.Add(1)
				if r.Intn(3) == 0 {
					_, _ = stack.Coordinator.Extend(gctx, res.Lock.ID, me)
				}
				if err := stack.Coordinator.Release(gctx, res.Lock.ID, me); err != nil && gctx.Err() == nil {
					return err
				}
			}
			return nil
		})
	}

	g.Go(func() error {
		t := time.NewTicker(50 * time.Millisecond)
		defer t.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-t.C:
				seen := make(map[string]int)
				for _, l := range stack.Store.Locks() {
					if l.Active() {
						seen[l.ContentID]++
					}
				}
				for cid, n := range seen {
					if n > 1 {
						violations.Add(1)
						logger.Error("editlock: multiple active locks", "content_id", cid, "count", n)
					}
				}
			}
		}
	})

	if err := g.Wait(); err != nil {
		return err
	}

	fmt.Printf("Operations: %d\n", ops.Load())
	fmt.Printf("Granted: %d\n", granted.Load())
	fmt.Printf("Conflicts: %d\n", conflicts.Load())
	fmt.Printf("History entries: %d\n", len(stack.Audit.Entries()))
	fmt.Printf("Open conflicts: %d\n", len(stack.Resolver.Unresolved()))
	fmt.Printf("Invariant violations: %d\n", violations.Load())
	if stack.Validator != nil {
		fmt.Printf("Persisted drift repaired: %d\n", stack.Validator.Metrics())
	}
	if violations.Load() > 0 {
		return fmt.Errorf("%d invariant violations", violations.Load())
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
