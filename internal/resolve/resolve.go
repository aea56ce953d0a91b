// Package resolve decides the outcome when source and target disagree on a
// record at apply time.
package resolve

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/leapstack-labs/leapsync/internal/mapping"
	"github.com/leapstack-labs/leapsync/pkg/core"
)

// Strategy names.
const (
	SourceWins          = "source_wins"
	TargetWins          = "target_wins"
	LatestTimestampWins = "latest_timestamp_wins"
	FieldMerge          = "field_merge"
	Manual              = "manual"
	AI                  = "ai"
)

// DefaultAITimeout bounds one inference call made by the ai strategy.
const DefaultAITimeout = 10 * time.Second

// Conflict is the input to a strategy. Both records are in target shape:
// Source is the transformed source record and Target the row currently in
// the target.
type Conflict struct {
	Table           string
	Key             core.Key
	Source          core.Record
	Target          core.Record
	TimestampColumn string
	Mapping         *mapping.Mapping
}

// Resolution is a strategy's decision.
type Resolution struct {
	// Strategy is the strategy that produced Record. It differs from the
	// requested strategy after a fallback.
	Strategy string
	Record   core.Record
	// Deferred means the conflict was queued for an operator; Record is nil.
	Deferred bool
	Reasons  []string
}

// Strategy resolves conflicts one way.
type Strategy interface {
	Name() string
	Resolve(ctx context.Context, c Conflict) (Resolution, error)
}

// RecordInferer produces a complete resolved record from both sides.
type RecordInferer interface {
	ResolveConflict(ctx context.Context, table string, source, target core.Record) (core.Record, error)
}

// Options configures a Resolver.
type Options struct {
	Logger    *slog.Logger
	AI        RecordInferer
	AITimeout time.Duration
}

// Resolver dispatches conflicts to named strategies.
type Resolver struct {
	strategies map[string]Strategy
	logger     *slog.Logger
}

// New returns a Resolver with every built-in strategy registered.
func New(opts Options) *Resolver {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if opts.AITimeout <= 0 {
		opts.AITimeout = DefaultAITimeout
	}
	r := &Resolver{strategies: make(map[string]Strategy), logger: logger}
	r.Register(sourceWins{})
	r.Register(targetWins{})
	r.Register(latestTimestamp{})
	r.Register(fieldMerge{})
	r.Register(manual{})
	r.Register(&aiStrategy{client: opts.AI, timeout: opts.AITimeout, logger: logger})
	return r
}

// Register adds or replaces a strategy.
func (r *Resolver) Register(s Strategy) {
	r.strategies[s.Name()] = s
}

// Strategies lists the registered strategy names, sorted.
func (r *Resolver) Strategies() []string {
	names := make([]string, 0, len(r.strategies))
	for n := range r.strategies {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Has reports whether name is a registered strategy.
func (r *Resolver) Has(name string) bool {
	_, ok := r.strategies[name]
	return ok
}

// Resolve applies the named strategy. An unknown name is a configuration
// error.
func (r *Resolver) Resolve(ctx context.Context, name string, c Conflict) (Resolution, error) {
	s, ok := r.strategies[name]
	if !ok {
		return Resolution{}, core.Errorf(core.CodeConfiguration, "resolve", "unknown conflict strategy %q", name)
	}
	res, err := s.Resolve(ctx, c)
	if err != nil {
		return Resolution{}, fmt.Errorf("failed to resolve conflict on %s %s: %w", c.Table, c.Key, err)
	}
	if res.Strategy == "" {
		res.Strategy = name
	}
	return res, nil
}

type sourceWins struct{}

func (sourceWins) Name() string { return SourceWins }

func (sourceWins) Resolve(_ context.Context, c Conflict) (Resolution, error) {
	return Resolution{Strategy: SourceWins, Record: c.Source.Clone()}, nil
}

type targetWins struct{}

func (targetWins) Name() string { return TargetWins }

func (targetWins) Resolve(_ context.Context, c Conflict) (Resolution, error) {
	return Resolution{Strategy: TargetWins, Record: c.Target.Clone()}, nil
}

// latestTimestamp keeps whichever side has the later timestamp column.
// Ties and missing timestamps on the target go to the source.
type latestTimestamp struct{}

func (latestTimestamp) Name() string { return LatestTimestampWins }

func (latestTimestamp) Resolve(_ context.Context, c Conflict) (Resolution, error) {
	if c.TimestampColumn == "" {
		return Resolution{}, core.Errorf(core.CodeConfiguration, "resolve", "table %s: latest_timestamp_wins requires timestamp_column", c.Table)
	}
	st, err := timestampOf(c.Source, c.TimestampColumn)
	if err != nil {
		return Resolution{}, err
	}
	tt, err := timestampOf(c.Target, c.TimestampColumn)
	if err != nil {
		return Resolution{}, err
	}
	if tt.IsNull() || core.Compare(st, tt) >= 0 {
		return Resolution{Strategy: LatestTimestampWins, Record: c.Source.Clone(), Reasons: []string{"source is newer or equal"}}, nil
	}
	return Resolution{Strategy: LatestTimestampWins, Record: c.Target.Clone(), Reasons: []string{"target is newer"}}, nil
}

func timestampOf(r core.Record, col string) (core.Value, error) {
	v, ok := r[col]
	if !ok || v.IsNull() {
		return core.NullValue(), nil
	}
	ts, err := core.Coerce(v, core.KindTimestamp)
	if err != nil {
		return core.Value{}, core.NewError(core.CodeRecordRejected, "resolve", fmt.Errorf("column %s: %w", col, err))
	}
	return ts, nil
}

// fieldMerge takes each field from the side the mapping's field_merge
// section names; unlisted fields come from the source.
type fieldMerge struct{}

func (fieldMerge) Name() string { return FieldMerge }

func (fieldMerge) Resolve(_ context.Context, c Conflict) (Resolution, error) {
	out := c.Source.Clone()
	var reasons []string
	for col := range c.Target {
		side := mapping.SideSource
		if c.Mapping != nil {
			side = c.Mapping.MergeSide(col)
		}
		if side == mapping.SideTarget {
			out[col] = c.Target[col]
			reasons = append(reasons, col+" from target")
		}
	}
	sort.Strings(reasons)
	return Resolution{Strategy: FieldMerge, Record: out, Reasons: reasons}, nil
}

type manual struct{}

func (manual) Name() string { return Manual }

func (manual) Resolve(context.Context, Conflict) (Resolution, error) {
	return Resolution{Strategy: Manual, Deferred: true}, nil
}

// aiStrategy asks the inference service for a merged record and falls back
// to source_wins when it is unavailable.
type aiStrategy struct {
	client  RecordInferer
	timeout time.Duration
	logger  *slog.Logger
}

func (*aiStrategy) Name() string { return AI }

func (s *aiStrategy) Resolve(ctx context.Context, c Conflict) (Resolution, error) {
	fallback := func(reason string) Resolution {
		return Resolution{Strategy: SourceWins, Record: c.Source.Clone(), Reasons: []string{"ai fallback: " + reason}}
	}
	if s.client == nil {
		return fallback("no inference service configured"), nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	rec, err := s.client.ResolveConflict(ctx, c.Table, c.Source, c.Target)
	if err != nil {
		s.logger.Warn("ai conflict resolution failed, using source", "table", c.Table, "key", c.Key.String(), "error", err)
		return fallback(err.Error()), nil
	}
	if rec == nil {
		return fallback("empty response"), nil
	}
	return Resolution{Strategy: AI, Record: rec}, nil
}
