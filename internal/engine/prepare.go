package engine

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/jinzhu/inflection"

	"github.com/leapstack-labs/leapsync/internal/dag"
	"github.com/leapstack-labs/leapsync/internal/detect"
	"github.com/leapstack-labs/leapsync/internal/mapping"
	"github.com/leapstack-labs/leapsync/internal/resolve"
	"github.com/leapstack-labs/leapsync/internal/transform"
	"github.com/leapstack-labs/leapsync/pkg/core"
)

// tableRun is one table compiled for a job.
type tableRun struct {
	desc     core.TableDescriptor
	detector detect.Detector
	// strategy is the conflict strategy in effect for the table.
	strategy string
	mapping  *mapping.Mapping
	table    *detect.Table
}

// keyTransformer completes mapped records with the target key columns when
// the mapping does not produce them.
type keyTransformer struct {
	inner      *transform.Transformer
	sourceKeys []string
	targetKeys []string
}

func (k keyTransformer) Transform(ctx context.Context, src core.Record) (core.Record, error) {
	out, err := k.inner.Transform(ctx, src)
	if err != nil {
		return nil, err
	}
	for i, tk := range k.targetKeys {
		if _, ok := out[tk]; ok || i >= len(k.sourceKeys) {
			continue
		}
		if v, ok := src[k.sourceKeys[i]]; ok {
			out[tk] = v
		}
	}
	return out, nil
}

// loadMappings reads the mapping directory. Mappings are read once per job.
func (e *Engine) loadMappings() (map[string]*mapping.Mapping, error) {
	if e.cfg.MappingDirectory == "" {
		return map[string]*mapping.Mapping{}, nil
	}
	return mapping.LoadDir(e.cfg.MappingDirectory)
}

// mappingFor picks the mapping for a table. An explicitly named mapping
// must exist; otherwise a mapping named after the table is used when present
// and the identity mapping when not.
func mappingFor(t core.TableDescriptor, mappings map[string]*mapping.Mapping) (*mapping.Mapping, error) {
	if t.Mapping != "" {
		m, ok := mappings[t.Mapping]
		if !ok {
			return nil, core.Errorf(core.CodeConfiguration, "mapping", "table %s: mapping %q not found", t.Name, t.Mapping)
		}
		return m, nil
	}
	if m, ok := mappings[t.Name]; ok {
		return m, nil
	}
	if _, name := splitTable(t.Name); name != t.Name {
		if m, ok := mappings[name]; ok {
			return m, nil
		}
	}
	return mapping.Identity(t.Name), nil
}

func splitTable(name string) (schema, table string) {
	if i := strings.LastIndex(name, "."); i >= 0 {
		return name[:i], name[i+1:]
	}
	return "", name
}

// inferPrimaryKeys fills in primary keys for a table that declares none:
// the introspected primary key, then an id column, then <singular>_id.
func inferPrimaryKeys(t core.TableDescriptor, schema *core.TableSchema) ([]string, error) {
	if len(t.PrimaryKeys) > 0 {
		return t.PrimaryKeys, nil
	}
	if pks := schema.PrimaryKeys(); len(pks) > 0 {
		return pks, nil
	}
	_, base := splitTable(t.Name)
	for _, candidate := range []string{"id", inflection.Singular(base) + "_id"} {
		if c, ok := schema.Column(candidate); ok {
			return []string{c.Name}, nil
		}
	}
	return nil, core.Errorf(core.CodeConfiguration, "table", "table %s: no primary key declared or found", t.Name)
}

// selectTables returns the configured tables named in names, or all of them.
func (e *Engine) selectTables(names []string) ([]core.TableDescriptor, error) {
	if len(e.cfg.Tables) == 0 {
		return nil, core.Errorf(core.CodeConfiguration, "engine", "no tables configured")
	}
	if len(names) == 0 {
		return slices.Clone(e.cfg.Tables), nil
	}
	var out []core.TableDescriptor
	for _, n := range names {
		i := slices.IndexFunc(e.cfg.Tables, func(t core.TableDescriptor) bool { return t.Name == n })
		if i < 0 {
			return nil, core.Errorf(core.CodeConfiguration, "engine", "unknown table %q", n)
		}
		out = append(out, e.cfg.Tables[i])
	}
	return out, nil
}

// detectionFor picks the detection strategy for a table in a job.
func detectionFor(job *core.JobState, t core.TableDescriptor) string {
	if job.DetectionStrategy == detect.FullSnapshot {
		return detect.FullSnapshot
	}
	if t.DetectionStrategy != "" {
		return t.DetectionStrategy
	}
	return job.DetectionStrategy
}

// compileTable introspects both sides and compiles the mapping for t.
func (e *Engine) compileTable(ctx context.Context, t core.TableDescriptor, mappings map[string]*mapping.Mapping, detection string) (*tableRun, error) {
	src, err := e.source.GetTableSchema(ctx, t.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to describe source table %s: %w", t.Name, err)
	}
	if len(src.Columns) == 0 {
		return nil, core.Errorf(core.CodeConfiguration, "table", "source table %s not found", t.Name)
	}
	if t.PrimaryKeys, err = inferPrimaryKeys(t, src); err != nil {
		return nil, err
	}
	t.Normalize()
	if err := t.Validate(); err != nil {
		return nil, err
	}

	dst, err := e.target.GetTableSchema(ctx, t.TargetName())
	if err != nil {
		return nil, fmt.Errorf("failed to describe target table %s: %w", t.TargetName(), err)
	}
	if len(dst.Columns) == 0 {
		return nil, core.Errorf(core.CodeSchemaIncompatible, "table", "target table %s not found", t.TargetName())
	}

	m, err := mappingFor(t, mappings)
	if err != nil {
		return nil, err
	}
	opts := transform.Options{Logger: e.logger.With("table", t.Name), AITimeout: e.ai.Timeout()}
	if e.ai.Enabled() {
		opts.AI = e.ai
	}
	tr, err := transform.New(m, opts)
	if err != nil {
		return nil, err
	}

	det, err := detect.New(detection)
	if err != nil {
		return nil, err
	}
	if e.hooks.detector != nil {
		det = e.hooks.detector(det)
	}

	strategy := t.ConflictStrategy
	if strategy == "" {
		strategy = e.cfg.Sync.ConflictStrategy
	}
	if !e.resolver.Has(strategy) {
		return nil, core.Errorf(core.CodeConfiguration, "resolve", "table %s: unknown conflict strategy %q", t.Name, strategy)
	}
	if strategy == resolve.LatestTimestampWins {
		if t.TimestampColumn == "" {
			return nil, core.Errorf(core.CodeConfiguration, "resolve", "table %s: %s requires timestamp_column", t.Name, strategy)
		}
		if _, ok := dst.Column(t.TimestampColumn); !ok {
			return nil, core.Errorf(core.CodeConfiguration, "resolve", "table %s: timestamp_column %s is not a column of %s",
				t.Name, t.TimestampColumn, t.TargetName())
		}
	}

	cols := t.SyncFields
	if len(cols) == 0 {
		cols = src.ColumnNames()
	}
	return &tableRun{
		desc:     t,
		detector: det,
		strategy: strategy,
		mapping:  m,
		table: &detect.Table{
			Descriptor:    t,
			SourceSchema:  src,
			TargetSchema:  dst,
			SourceColumns: cols,
			TargetColumns: dst.ColumnNames(),
			Transformer:   keyTransformer{inner: tr, sourceKeys: t.PrimaryKeys, targetKeys: t.TargetKeyColumns()},
			LogPrefix:     e.cfg.Sync.CDCPrefix,
		},
	}, nil
}

// checkSchema runs schema validation for a compiled table.
func (e *Engine) checkSchema(tr *tableRun) (bool, []string) {
	return e.validator.ValidateSchema(tr.table.SourceSchema, tr.table.TargetSchema, tr.desc, tr.mapping)
}

// compileJob compiles every table of a job, validates schemas and orders the
// tables by their dependencies.
func (e *Engine) compileJob(ctx context.Context, job *core.JobState) (map[string]*tableRun, *dag.Graph, error) {
	mappings, err := e.loadMappings()
	if err != nil {
		return nil, nil, err
	}
	graph, err := dag.Build(job.Tables, true)
	if err != nil {
		return nil, nil, err
	}

	runs := make(map[string]*tableRun, len(job.Tables))
	var issues []string
	for _, t := range job.Tables {
		tr, err := e.compileTable(ctx, t, mappings, detectionFor(job, t))
		if err != nil {
			return nil, nil, err
		}
		if ok, problems := e.checkSchema(tr); !ok {
			issues = append(issues, problems...)
		}
		runs[t.Name] = tr
	}
	if len(issues) > 0 {
		return nil, nil, core.NewError(core.CodeSchemaIncompatible, "validate",
			fmt.Errorf("%d schema issue(s): %s", len(issues), strings.Join(issues, "; ")))
	}
	return runs, graph, nil
}

// ValidateSchemaCompatibility checks one configured table against the
// target schema.
func (e *Engine) ValidateSchemaCompatibility(ctx context.Context, table string) (bool, []string, error) {
	if err := e.connect(ctx); err != nil {
		return false, nil, err
	}
	tables, err := e.selectTables([]string{table})
	if err != nil {
		return false, nil, err
	}
	mappings, err := e.loadMappings()
	if err != nil {
		return false, nil, err
	}
	tr, err := e.compileTable(ctx, tables[0], mappings, e.cfg.Sync.DetectionStrategy)
	if err != nil {
		if core.HasCode(err, core.CodeSchemaIncompatible) {
			return false, []string{err.Error()}, nil
		}
		return false, nil, err
	}
	ok, issues := e.checkSchema(tr)
	return ok, issues, nil
}

// MappingIssues validates the mapping file at path against every table
// that uses it. Tables that use other mappings are not checked.
func (e *Engine) MappingIssues(ctx context.Context, path string) (map[string][]string, error) {
	if err := e.connect(ctx); err != nil {
		return nil, err
	}
	m, err := mapping.Load(path)
	if err != nil {
		return nil, err
	}
	set := map[string]*mapping.Mapping{m.Name: m}
	out := make(map[string][]string)
	for _, t := range e.cfg.Tables {
		if got, err := mappingFor(t, set); err != nil || got != m {
			continue
		}
		tr, err := e.compileTable(ctx, t, set, e.cfg.Sync.DetectionStrategy)
		if err != nil {
			out[t.Name] = []string{err.Error()}
			continue
		}
		_, issues := e.checkSchema(tr)
		out[t.Name] = issues
	}
	return out, nil
}
