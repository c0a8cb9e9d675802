// Package presets wires ready-made coordinator stacks.
package presets

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-editlock/v1/adapter"
	"github.com/mirkobrombin/go-editlock/v1/audit"
	"github.com/mirkobrombin/go-editlock/v1/clock"
	"github.com/mirkobrombin/go-editlock/v1/config"
	"github.com/mirkobrombin/go-editlock/v1/lock"
	"github.com/mirkobrombin/go-editlock/v1/metrics"
	"github.com/mirkobrombin/go-editlock/v1/store"
	"github.com/mirkobrombin/go-editlock/v1/sweeper"
	"github.com/mirkobrombin/go-editlock/v1/validator"
	"github.com/mirkobrombin/go-editlock/v1/watchbus"
)

const (
	busFailureThreshold = 5
	busCooldown         = 30 * time.Second
)

// Stack is a fully wired coordinator with its resolver, sweeper and event
// stream.
type Stack struct {
	Store       *store.Store
	Audit       *audit.Log
	Coordinator *lock.Coordinator
	Resolver    *lock.Resolver
	Sweeper     *sweeper.Sweeper
	Bus         watchbus.WatchBus
	// Validator is set on persisted stacks built with WithValidation.
	Validator *validator.Validator

	client         *redis.Client
	stopValidation context.CancelFunc
}

// Option configures a Stack.
type Option func(*settings)

type settings struct {
	clock   clock.Clock
	logger  *slog.Logger
	metrics *metrics.Collector
	tracing bool

	validation         validator.Mode
	validationInterval time.Duration
}

// WithClock sets the time source shared by the coordinator and sweeper.
func WithClock(c clock.Clock) Option {
	return func(s *settings) { s.clock = c }
}

// WithLogger sets the logger shared by every component.
func WithLogger(l *slog.Logger) Option {
	return func(s *settings) { s.logger = l }
}

// WithMetrics records coordinator and sweeper metrics on m.
func WithMetrics(m *metrics.Collector) Option {
	return func(s *settings) { s.metrics = m }
}

// WithTracing enables OpenTelemetry spans on coordinator operations.
func WithTracing() Option {
	return func(s *settings) { s.tracing = true }
}

// WithValidation compares the store with its persister every interval.
// It has no effect on stacks without a persister.
func WithValidation(mode validator.Mode, interval time.Duration) Option {
	return func(s *settings) {
		s.validation = mode
		s.validationInterval = interval
	}
}

func newSettings(opts []Option) settings {
	set := settings{clock: clock.Real{}, logger: slog.Default()}
	for _, opt := range opts {
		opt(&set)
	}
	return set
}

func build(cfg config.Config, st *store.Store, bus watchbus.WatchBus, set settings) *Stack {
	a := audit.New(st, audit.WithBus(bus), audit.WithTopic(cfg.EventTopic), audit.WithLogger(set.logger))

	lockOpts := []lock.Option{
		lock.WithClock(set.clock),
		lock.WithLogger(set.logger),
		lock.WithMetrics(set.metrics),
	}
	if set.tracing {
		lockOpts = append(lockOpts, lock.WithTracing())
	}
	co := lock.New(st, a, cfg, lockOpts...)
	return &Stack{
		Store:       st,
		Audit:       a,
		Coordinator: co,
		Resolver:    lock.NewResolver(co),
		Sweeper: sweeper.New(st, a, cfg,
			sweeper.WithClock(set.clock),
			sweeper.WithLogger(set.logger),
			sweeper.WithMetrics(set.metrics)),
		Bus: bus,
	}
}

// NewInMemoryStandalone returns a stack that keeps everything in process
// memory with an in-memory event bus.
func NewInMemoryStandalone(cfg config.Config, opts ...Option) *Stack {
	return build(cfg, store.New(), watchbus.NewInMemory(), newSettings(opts))
}

// NewRedis returns a stack that persists every transition to Redis and
// publishes history on Redis streams, using cfg.Redis for the connection.
// Call Start to restore the persisted state.
func NewRedis(cfg config.Config, opts ...Option) (*Stack, error) {
	if cfg.Redis.Addr == "" {
		return nil, fmt.Errorf("editlock: redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	set := newSettings(opts)
	p := adapter.NewRedisPersister(client)
	st := store.New(store.WithPersister(p))
	bus := watchbus.NewCircuitBreaker(watchbus.NewRedisWatchBus(client), busFailureThreshold, busCooldown)
	s := build(cfg, st, bus, set)
	s.client = client
	if set.validation != validator.ModeNoop && set.validationInterval > 0 {
		s.Validator = validator.New(st, p, set.validation, set.validationInterval).WithLogger(set.logger)
	}
	return s, nil
}

// Start restores persisted state and starts the sweeper and, when
// configured, the validator.
func (s *Stack) Start(ctx context.Context) error {
	if err := s.Store.Load(ctx); err != nil {
		return err
	}
	if err := s.Sweeper.Start(); err != nil {
		return err
	}
	if s.Validator != nil && s.stopValidation == nil {
		vctx, cancel := context.WithCancel(context.Background())
		s.stopValidation = cancel
		go s.Validator.Run(vctx)
	}
	return nil
}

// Close stops the background tasks and releases the backend connection.
func (s *Stack) Close() error {
	s.Sweeper.Stop()
	if s.stopValidation != nil {
		s.stopValidation()
		s.stopValidation = nil
	}
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}
