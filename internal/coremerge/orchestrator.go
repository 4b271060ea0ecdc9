package coremerge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/steveyegge/coremerge/internal/coremerge/db"
	"github.com/steveyegge/coremerge/internal/coremerge/errs"
)

var orchestratorTracer = otel.Tracer("github.com/steveyegge/coremerge/orchestrator")

// ProgressSink receives per-phase progress events during a merge run
// (spec §6.3 monitoring.enableProgressTracking). Implementations must not
// block the merge; a slow sink should buffer internally.
type ProgressSink interface {
	OnPhase(phase string, detail string)
	OnDimensionLoaded(dimType DimensionType, result *LoadResult)
	OnFactLoaded(factType FactType, result *FactLoadResult)
}

// noopProgressSink discards every event; the orchestrator's zero value for
// ProgressSink.
type noopProgressSink struct{}

func (noopProgressSink) OnPhase(string, string)                           {}
func (noopProgressSink) OnDimensionLoaded(DimensionType, *LoadResult)     {}
func (noopProgressSink) OnFactLoaded(FactType, *FactLoadResult)          {}

// MergeOptions mirrors mergeToCore(...)'s parameters (spec §4.8).
type MergeOptions struct {
	LoadRunID       string
	ExtractType     string
	ForceReprocess  bool
	DryRun          bool
	ContinueOnError bool
	BatchSize       int
	SCD2Strategy    string // "hash" or "field" (dimension.scd2Strategy, §6.3)
	UpsertMode      UpsertMode
	Progress        ProgressSink
}

// MergeResult is mergeToCore's return value (spec §4.8 step 6-7).
type MergeResult struct {
	MergeRunID        string
	Status            MergeRunStatus
	DimensionResults  map[DimensionType]*LoadResult
	FactResults       map[FactType]*FactLoadResult
	TotalCreated      int
	TotalUpdated      int
	TotalInserted     int
	Elapsed           time.Duration
}

// Orchestrator is C8: the single entry point that sequences C4 and C7
// across every registered dimension and fact in their fixed dependency
// order, inside one audited MergeRun.
type Orchestrator struct {
	store   *CoreStore
	pool    *db.Pool
	cache   *FKResolver
	dims    *DimensionRegistry
	facts   *FactRegistry
	dimLoad *DimensionLoader
	factLoad *FactLoader
	log     *slog.Logger
	nowFn   func() time.Time
	idFn    func() string
}

// NewOrchestrator wires C4, C5, C7 and the registries into C8.
func NewOrchestrator(store *CoreStore, pool *db.Pool, cache *FKResolver, dims *DimensionRegistry, facts *FactRegistry, log *slog.Logger) *Orchestrator {
	return &Orchestrator{
		store:    store,
		pool:     pool,
		cache:    cache,
		dims:     dims,
		facts:    facts,
		dimLoad:  NewDimensionLoader(store, pool, log),
		factLoad: NewFactLoader(store, pool, cache, dims, log),
		log:      log,
		nowFn:    time.Now,
		idFn:     func() string { return uuid.New().String() },
	}
}

// MergeToCore implements C8's algorithm (spec §4.8): validate the load
// run precondition, enforce idempotency, run every dimension then every
// fact in fixed order, and record a single audited MergeRun.
func (o *Orchestrator) MergeToCore(ctx context.Context, opts MergeOptions) (*MergeResult, error) {
	ctx, span := orchestratorTracer.Start(ctx, "coremerge.merge_to_core", trace.WithAttributes(
		attribute.String("load_run_id", opts.LoadRunID),
		attribute.String("extract_type", opts.ExtractType),
	))
	defer span.End()

	progress := opts.Progress
	if progress == nil {
		progress = noopProgressSink{}
	}

	loadRun, err := o.store.LookupLoadRun(ctx, opts.LoadRunID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if loadRun == nil {
		return nil, errs.NewMergePrecondition(fmt.Sprintf("load run %q not found", opts.LoadRunID))
	}
	if loadRun.Status != LoadRunCompleted {
		return nil, errs.NewMergePrecondition(fmt.Sprintf("load run %q is %s, not completed", opts.LoadRunID, loadRun.Status))
	}

	if !opts.ForceReprocess {
		existing, err := o.store.FindCompletedMergeRun(ctx, opts.LoadRunID, opts.ExtractType)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		if existing != nil {
			var cached MergeResult
			if len(existing.ResultJSON) > 0 {
				_ = json.Unmarshal(existing.ResultJSON, &cached)
			}
			cached.MergeRunID = existing.MergeRunID
			cached.Status = existing.Status
			return &cached, nil
		}
	}

	start := o.nowFn()
	mr := &MergeRun{
		MergeRunID:  o.idFn(),
		LoadRunID:   opts.LoadRunID,
		ExtractType: opts.ExtractType,
		Status:      MergeRunRunning,
		StartedAt:   start,
	}
	if !opts.DryRun {
		if err := o.store.InsertMergeRun(ctx, mr); err != nil {
			span.RecordError(err)
			return nil, err
		}
	}

	result := &MergeResult{
		MergeRunID:       mr.MergeRunID,
		DimensionResults: make(map[DimensionType]*LoadResult, len(DimensionLoadOrder)),
		FactResults:      make(map[FactType]*FactLoadResult, len(FactLoadOrder)),
	}

	runErr := o.run(ctx, opts, progress, result)

	now := o.nowFn()
	mr.CompletedAt = &now
	if runErr != nil {
		mr.Status = MergeRunFailed
		mr.Error = runErr.Error()
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
	} else {
		mr.Status = MergeRunCompleted
	}
	mr.Created = result.TotalCreated
	mr.Updated = result.TotalUpdated
	mr.Inserted = result.TotalInserted
	if blob, err := json.Marshal(result); err == nil {
		mr.ResultJSON = blob
	}

	result.Status = mr.Status
	result.Elapsed = now.Sub(start)

	if !opts.DryRun {
		if err := o.store.FinalizeMergeRun(ctx, mr); err != nil {
			span.RecordError(err)
			if runErr == nil {
				return result, err
			}
		}
	}

	return result, runErr
}

// run sequences C5's cache preload, then every dimension, then every fact,
// in the fixed orders DimensionLoadOrder and FactLoadOrder (spec §4.8
// steps 4-5). A fatal error (errs.IsFatal) aborts the merge immediately;
// non-fatal per-entity failures are recorded and the run continues.
func (o *Orchestrator) run(ctx context.Context, opts MergeOptions, progress ProgressSink, result *MergeResult) error {
	progress.OnPhase("cache_preload", "")
	if _, _, err := o.cache.Preload(ctx, DimensionLoadOrder...); err != nil {
		o.log.Warn("fk cache preload failed, continuing with cold cache", "error", err)
	}

	for _, dimType := range DimensionLoadOrder {
		h := o.dims.Get(dimType)
		if h == nil {
			continue
		}
		progress.OnPhase("dimension_load", string(dimType))

		lr, err := o.dimLoad.LoadDimension(ctx, h, LoadDimensionOptions{
			LoadRunID:       opts.LoadRunID,
			ExtractType:     opts.ExtractType,
			BatchSize:       opts.BatchSize,
			EnableSCD2:      true,
			Strategy:        opts.SCD2Strategy,
			DryRun:          opts.DryRun,
			ContinueOnError: opts.ContinueOnError,
		})
		if lr != nil {
			result.DimensionResults[dimType] = lr
			result.TotalCreated += lr.Created
			result.TotalUpdated += lr.Updated
			progress.OnDimensionLoaded(dimType, lr)
		}
		if err != nil {
			if errs.IsFatal(err) {
				return fmt.Errorf("dimension %s: %w", dimType, err)
			}
			o.log.Warn("dimension load returned non-fatal error", "dimension", dimType, "error", err)
		}

		if _, err := o.cache.Refresh(ctx, dimType); err != nil {
			o.log.Warn("fk cache refresh failed after dimension load", "dimension", dimType, "error", err)
		}
	}

	return o.runFacts(ctx, opts, progress, result)
}

// runFacts loads every registered fact type concurrently (spec §5: "MAY,
// but need not, parallelise independent dimension loads"; facts have no
// inter-fact dependency once every dimension has loaded, so the same
// allowance applies). Each fact type still processes its own batches
// sequentially; only the fan-out across fact types is parallel. A fatal
// error from any fact cancels the remaining ones via the shared context.
func (o *Orchestrator) runFacts(ctx context.Context, opts MergeOptions, progress ProgressSink, result *MergeResult) error {
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)

	for _, factType := range FactLoadOrder {
		h := o.facts.Get(factType)
		if h == nil {
			continue
		}
		factType, h := factType, h

		g.Go(func() error {
			progress.OnPhase("fact_load", string(factType))

			fr, err := o.factLoad.LoadFacts(gctx, h, LoadFactsOptions{
				LoadRunID:       opts.LoadRunID,
				ExtractType:     opts.ExtractType,
				BatchSize:       opts.BatchSize,
				UpsertMode:      upsertModeOrDefault(opts.UpsertMode),
				ValidateFKs:     true,
				DryRun:          opts.DryRun,
				ContinueOnError: opts.ContinueOnError,
			})

			mu.Lock()
			if fr != nil {
				result.FactResults[factType] = fr
				result.TotalInserted += fr.Inserted
				result.TotalUpdated += fr.Updated
				progress.OnFactLoaded(factType, fr)
			}
			mu.Unlock()

			if err != nil {
				if errs.IsFatal(err) {
					return fmt.Errorf("fact %s: %w", factType, err)
				}
				o.log.Warn("fact load returned non-fatal error", "fact", factType, "error", err)
			}
			return nil
		})
	}

	return g.Wait()
}

func upsertModeOrDefault(m UpsertMode) UpsertMode {
	if m == "" {
		return UpsertUpsert
	}
	return m
}
