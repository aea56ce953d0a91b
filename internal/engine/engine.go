// Package engine provides the sync orchestrator.
// It drives detection, transformation, validation, conflict resolution and
// apply per table, with checkpoints, retries and resumable job state.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/leapstack-labs/leapsync/internal/ai"
	"github.com/leapstack-labs/leapsync/internal/audit"
	"github.com/leapstack-labs/leapsync/internal/config"
	"github.com/leapstack-labs/leapsync/internal/detect"
	"github.com/leapstack-labs/leapsync/internal/resolve"
	"github.com/leapstack-labs/leapsync/internal/state"
	"github.com/leapstack-labs/leapsync/internal/validate"
	"github.com/leapstack-labs/leapsync/pkg/adapter"
	"github.com/leapstack-labs/leapsync/pkg/core"
)

// Engine orchestrates sync jobs between one source and one target.
type Engine struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	// Database adapters (lazy initialized)
	dbMu      sync.Mutex
	source    adapter.Adapter
	target    adapter.Adapter
	ownSource bool
	ownTarget bool
	auditLog  *audit.Log

	store     state.Store
	ownStore  bool
	resolver  *resolve.Resolver
	validator *validate.Validator
	ai        *ai.Client

	runsMu sync.Mutex
	runs   map[string]*run
	wg     sync.WaitGroup

	hooks hooks
}

// hooks lets tests interleave third-party writes and control requests.
type hooks struct {
	beforeApply func(table string, batch *detect.Batch)
	afterRecord func(jobID, table string, ch core.Change)
	detector    func(d detect.Detector) detect.Detector
}

// Config holds engine configuration.
type Config struct {
	Source core.AdapterConfig
	Target core.AdapterConfig
	// SourceAdapter and TargetAdapter are used instead of connecting from
	// Source and Target when set. The engine does not close them.
	SourceAdapter adapter.Adapter
	TargetAdapter adapter.Adapter

	Tables []core.TableDescriptor
	Sync   config.Sync

	MappingDirectory string

	// Store persists job state; when nil a SQLite store is opened in
	// StateDirectory.
	Store          state.Store
	StateDirectory string

	AI ai.Config

	// Logger is the structured logger (optional, uses discard if nil)
	Logger *slog.Logger
	// Now overrides the clock.
	Now func() time.Time
}

// ConfigFrom builds an engine config from the loaded configuration.
func ConfigFrom(c *config.Config, logger *slog.Logger) Config {
	return Config{
		Source:           c.Source,
		Target:           c.Target,
		Tables:           c.Tables,
		Sync:             c.Sync,
		MappingDirectory: c.MappingDirectory,
		StateDirectory:   c.StateDirectory,
		AI:               c.AI,
		Logger:           logger,
	}
}

// New creates an engine. Databases are connected on first use.
func New(ctx context.Context, cfg Config) (*Engine, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	if cfg.Sync.BatchSize == 0 {
		cfg.Sync = config.DefaultSync()
	}
	cfg.Sync.ApplyDefaults()
	if err := cfg.Sync.Validate(); err != nil {
		return nil, err
	}
	if _, err := audit.ParseLevel(cfg.Sync.AuditLevel); err != nil {
		return nil, err
	}
	for i := range cfg.Tables {
		cfg.Tables[i].Normalize()
	}

	logger.Debug("initializing engine",
		"source", cfg.Source.Type, "target", cfg.Target.Type, "tables", len(cfg.Tables))

	store := cfg.Store
	ownStore := false
	if store == nil {
		dir := cfg.StateDirectory
		if dir == "" {
			dir = config.DefaultStateDirectory()
		}
		s, err := state.OpenDir(ctx, dir, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open state store: %w", err)
		}
		store, ownStore = s, true
	}

	client := ai.New(cfg.AI, logger)
	ropts := resolve.Options{Logger: logger, AITimeout: client.Timeout()}
	if client.Enabled() {
		ropts.AI = client
	}

	return &Engine{
		cfg:       cfg,
		logger:    logger,
		now:       now,
		source:    cfg.SourceAdapter,
		target:    cfg.TargetAdapter,
		store:     store,
		ownStore:  ownStore,
		resolver:  resolve.New(ropts),
		validator: validate.New(),
		ai:        client,
		runs:      make(map[string]*run),
	}, nil
}

// connect lazily opens both databases and the audit log.
func (e *Engine) connect(ctx context.Context) error {
	e.dbMu.Lock()
	defer e.dbMu.Unlock()

	if e.source == nil {
		e.logger.Debug("connecting to source", "adapter_type", e.cfg.Source.Type)
		a, err := adapter.Open(ctx, e.cfg.Source, e.logger)
		if err != nil {
			return fmt.Errorf("failed to connect to source: %w", err)
		}
		e.source, e.ownSource = a, true
	}
	if e.target == nil {
		e.logger.Debug("connecting to target", "adapter_type", e.cfg.Target.Type)
		a, err := adapter.Open(ctx, e.cfg.Target, e.logger)
		if err != nil {
			return fmt.Errorf("failed to connect to target: %w", err)
		}
		e.target, e.ownTarget = a, true
	}
	if e.auditLog == nil {
		level, _ := audit.ParseLevel(e.cfg.Sync.AuditLevel)
		l := audit.New(e.target.Handle(), e.target.Dialect(), audit.Config{
			Table:       e.cfg.Sync.AuditTable,
			Level:       level,
			IncludeData: e.cfg.Sync.IncludeData,
			Timeout:     e.cfg.Sync.AuditTimeout,
			Logger:      e.logger,
			Now:         e.now,
		})
		if err := l.Init(ctx); err != nil {
			return fmt.Errorf("failed to initialize audit log: %w", err)
		}
		e.auditLog = l
	}
	return nil
}

// Close stops running jobs at the next record boundary, waits for them and
// releases every connection the engine opened.
func (e *Engine) Close() error {
	e.runsMu.Lock()
	for _, r := range e.runs {
		if r != nil {
			r.signal(signalStop)
		}
	}
	e.runsMu.Unlock()
	e.wg.Wait()

	e.dbMu.Lock()
	defer e.dbMu.Unlock()
	var errs []error
	if e.ownSource && e.source != nil {
		errs = append(errs, e.source.Close())
	}
	if e.ownTarget && e.target != nil {
		errs = append(errs, e.target.Close())
	}
	if e.ownStore && e.store != nil {
		errs = append(errs, e.store.Close())
	}
	return errors.Join(errs...)
}

// Store returns the job store.
func (e *Engine) Store() state.Store { return e.store }

// Tables returns the configured table descriptors.
func (e *Engine) Tables() []core.TableDescriptor { return e.cfg.Tables }

func (e *Engine) endpoints() (detect.Endpoint, detect.Endpoint) {
	return detect.Endpoint{DB: e.source.Handle(), Dialect: e.source.Dialect()},
		detect.Endpoint{DB: e.target.Handle(), Dialect: e.target.Dialect()}
}

func (e *Engine) transient(err error) bool {
	return core.IsRetryable(err, e.source.IsTransient, e.target.IsTransient)
}

func newJobID() string { return uuid.NewString() }
