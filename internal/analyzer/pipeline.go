package analyzer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/wesm/petphrase/internal/pool"
)

// TableErrorPolicy decides what a failed table does to the run.
type TableErrorPolicy string

const (
	// OnTableErrorSkip records the failure in the report and carries on.
	OnTableErrorSkip TableErrorPolicy = "skip"
	// OnTableErrorAbort cancels the run on the first failed table.
	OnTableErrorAbort TableErrorPolicy = "abort"
)

// Options configures a pipeline run.
type Options struct {
	Mode          Mode
	Targets       []string
	ExcludeGroups bool
	Filter        Filter

	// Messages shown before and after each match.
	ContextBefore int
	ContextAfter  int

	OnTableError TableErrorPolicy

	// Concurrency is how many tables are processed at once. It should not
	// exceed the message pool's size.
	Concurrency int

	// RetryAttempts bounds retries of a table whose pool acquire timed out.
	RetryAttempts int
	// RetryInterval is the first backoff interval; it grows exponentially.
	RetryInterval time.Duration
}

// TableFailure is a table that could not be analyzed.
type TableFailure struct {
	Table   string `json:"table" yaml:"table"`
	Contact string `json:"contact" yaml:"contact"`
	Error   string `json:"error" yaml:"error"`
}

// Report is the outcome of one run.
type Report struct {
	RunID             string         `json:"run_id" yaml:"run_id"`
	Mode              Mode           `json:"mode" yaml:"mode"`
	Phrases           []string       `json:"phrases" yaml:"phrases"`
	WindowStart       *time.Time     `json:"window_start,omitempty" yaml:"window_start,omitempty"`
	WindowEnd         *time.Time     `json:"window_end,omitempty" yaml:"window_end,omitempty"`
	StartedAt         time.Time      `json:"started_at" yaml:"started_at"`
	FinishedAt        time.Time      `json:"finished_at" yaml:"finished_at"`
	Results           []Result       `json:"results" yaml:"results"`
	TableErrors       []TableFailure `json:"table_errors,omitempty" yaml:"table_errors,omitempty"`
	MissingTables     []string       `json:"missing_tables,omitempty" yaml:"missing_tables,omitempty"`
	UnresolvedTargets []string       `json:"unresolved_targets,omitempty" yaml:"unresolved_targets,omitempty"`
	Rewritten         int            `json:"rewritten_prefixes" yaml:"rewritten_prefixes"`
}

// TotalMatches returns the number of matched messages across all results.
func (r *Report) TotalMatches() int {
	n := 0
	for _, res := range r.Results {
		n += len(res.Records)
	}
	return n
}

// Resolution is the outcome of the first two stages.
type Resolution struct {
	Mapping    Mapping
	Tables     []TableInfo
	Missing    []string
	Unresolved []string
}

// Pipeline runs the analysis stages in order: resolve contacts, validate
// tables, then retrieve and backtrack each table, then aggregate and
// normalize.
type Pipeline struct {
	contacts ContactLookup
	store    MessageStore
	opts     Options
	logger   *slog.Logger
	now      func() time.Time
}

// NewPipeline creates a pipeline over the contact and message databases.
func NewPipeline(contacts ContactLookup, store MessageStore, opts Options) *Pipeline {
	if opts.Mode == "" {
		opts.Mode = ModeSelfToTarget
	}
	if opts.OnTableError == "" {
		opts.OnTableError = OnTableErrorSkip
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 200 * time.Millisecond
	}
	return &Pipeline{
		contacts: contacts,
		store:    store,
		opts:     opts,
		logger:   slog.Default(),
		now:      time.Now,
	}
}

// WithLogger sets the logger.
func (p *Pipeline) WithLogger(logger *slog.Logger) *Pipeline {
	p.logger = logger
	return p
}

// Resolve runs contact resolution and table validation only.
func (p *Pipeline) Resolve(ctx context.Context) (*Resolution, error) {
	return p.resolve(ctx, p.logger)
}

func (p *Pipeline) resolve(ctx context.Context, logger *slog.Logger) (*Resolution, error) {
	targets := p.opts.Targets
	if !p.opts.Mode.RequiresTargets() {
		targets = nil
	} else if len(cleanTargets(targets)) == 0 {
		return nil, fmt.Errorf("mode %s needs at least one target", p.opts.Mode)
	}

	resolver := NewResolver(p.contacts, p.store).WithLogger(logger)
	mapping, unresolved, err := resolver.Associate(ctx, targets, p.opts.ExcludeGroups)
	if err != nil {
		return nil, err
	}
	tables, missing, err := resolver.Validate(ctx, mapping)
	if err != nil {
		return nil, err
	}
	return &Resolution{Mapping: mapping, Tables: tables, Missing: missing, Unresolved: unresolved}, nil
}

// Run executes a full analysis. Fatal conditions (no contact resolved, no
// table present, pool failures, or any table failure under the abort
// policy) return an error; other table failures are listed in the report.
func (p *Pipeline) Run(ctx context.Context) (*Report, error) {
	runID := uuid.NewString()
	logger := p.logger.With("run_id", runID)
	report := &Report{
		RunID:     runID,
		Mode:      p.opts.Mode,
		Phrases:   p.opts.Filter.Phrases,
		StartedAt: p.now(),
	}
	if !p.opts.Filter.Start.IsZero() {
		start := p.opts.Filter.Start
		report.WindowStart = &start
	}
	if !p.opts.Filter.End.IsZero() {
		end := p.opts.Filter.End
		report.WindowEnd = &end
	}
	logger.Info("analysis started", "mode", p.opts.Mode, "phrases", len(p.opts.Filter.Phrases))

	res, err := p.resolve(ctx, logger)
	if err != nil {
		return nil, err
	}
	report.MissingTables = res.Missing
	report.UnresolvedTargets = res.Unresolved
	logger.Info("tables resolved", "contacts", len(res.Mapping), "tables", len(res.Tables),
		"missing", len(res.Missing), "unresolved", len(res.Unresolved))

	retriever := NewRetriever(p.store, p.opts.Mode, p.opts.Filter)
	backtracker := NewBacktracker(p.store, p.opts.ContextBefore, p.opts.ContextAfter, p.opts.Filter.SelfSenderID).
		WithLogger(logger)

	var (
		mu       sync.Mutex
		outputs  = make(map[string]TableOutput, len(res.Tables))
		failures = make(map[string]error)
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Concurrency)
	for _, t := range res.Tables {
		g.Go(func() error {
			out, err := p.withRetry(gctx, logger, t.Name, func() (TableOutput, error) {
				return processTable(gctx, retriever, backtracker, t.Name)
			})
			if err != nil {
				if fatal(gctx, err) {
					return err
				}
				te := &TableError{Table: t.Name, Contact: res.Mapping[t.Name].DisplayName, Err: err}
				if p.opts.OnTableError == OnTableErrorAbort {
					return te
				}
				logger.Warn("table skipped", "table", t.Name, "contact", te.Contact, "error", err)
				mu.Lock()
				failures[t.Name] = err
				mu.Unlock()
				return nil
			}
			mu.Lock()
			outputs[t.Name] = out
			mu.Unlock()
			logger.Debug("table analyzed", "table", t.Name, "matches", len(out.Core))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Failures are reported in validation order.
	for _, t := range res.Tables {
		if err, ok := failures[t.Name]; ok {
			report.TableErrors = append(report.TableErrors, TableFailure{
				Table:   t.Name,
				Contact: res.Mapping[t.Name].DisplayName,
				Error:   err.Error(),
			})
		}
	}

	report.Results = Aggregate(res.Mapping, res.Tables, outputs)
	n, err := NewNormalizer(p.contacts).WithLogger(logger).Normalize(ctx, report.Results, res.Mapping, NormalizeOptions{
		Mode:          p.opts.Mode,
		ExcludeGroups: p.opts.ExcludeGroups,
	})
	if err != nil {
		return nil, err
	}
	report.Rewritten = n
	report.FinishedAt = p.now()

	logger.Info("analysis finished",
		"results", len(report.Results),
		"matches", report.TotalMatches(),
		"table_errors", len(report.TableErrors),
		"duration", report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond))
	return report, nil
}

func processTable(ctx context.Context, r *Retriever, b *Backtracker, table string) (TableOutput, error) {
	core, err := r.Retrieve(ctx, table)
	if err != nil {
		return TableOutput{}, err
	}
	surroundings, err := b.Backtrack(ctx, table, core)
	if err != nil {
		return TableOutput{}, err
	}
	return TableOutput{Core: core, Context: surroundings}, nil
}

// withRetry retries fn with exponential backoff while the pool reports
// exhaustion. Any other error is returned at once.
func (p *Pipeline) withRetry(ctx context.Context, logger *slog.Logger, table string, fn func() (TableOutput, error)) (TableOutput, error) {
	if p.opts.RetryAttempts <= 0 {
		return fn()
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.opts.RetryInterval
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(p.opts.RetryAttempts)), ctx)

	var out TableOutput
	err := backoff.RetryNotify(func() error {
		var err error
		out, err = fn()
		if err != nil && !errors.Is(err, pool.ErrExhausted) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, wait time.Duration) {
		logger.Debug("pool exhausted, retrying table", "table", table, "wait", wait)
	})
	return out, err
}

// fatal reports whether err must stop the whole run regardless of policy.
func fatal(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	var initErr *pool.InitError
	return errors.As(err, &initErr) || errors.Is(err, pool.ErrClosed) || errors.Is(err, pool.ErrNotInitialized)
}
