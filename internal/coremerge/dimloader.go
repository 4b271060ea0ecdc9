package coremerge

import (
	"context"
	"log/slog"
	"time"

	"github.com/steveyegge/coremerge/internal/coremerge/db"
	"github.com/steveyegge/coremerge/internal/coremerge/errs"
)

// LoadResult is C4's return value (spec §4.4 step 6).
type LoadResult struct {
	Created  int
	Updated  int
	Expired  int
	Skipped  int
	Warnings []string
	Errors   []*errs.RowError
	RowsSeen int
	Elapsed  time.Duration
}

// DimensionLoader is C4.
type DimensionLoader struct {
	store  *CoreStore
	pool   *db.Pool
	log    *slog.Logger
	nowFn  func() time.Time
}

// NewDimensionLoader builds C4. nowFn defaults to time.Now; tests may
// override it for deterministic effectiveFrom/effectiveTo timestamps.
func NewDimensionLoader(store *CoreStore, pool *db.Pool, log *slog.Logger) *DimensionLoader {
	return &DimensionLoader{store: store, pool: pool, log: log, nowFn: time.Now}
}

// LoadDimensionOptions mirrors the loadDimension(...) signature of spec §4.4.
type LoadDimensionOptions struct {
	LoadRunID       string
	ExtractType     string
	BatchSize       int
	EnableSCD2      bool
	Strategy        string // "hash" or "field" (dimension.scd2Strategy)
	DryRun          bool
	ContinueOnError bool
}

// LoadDimension implements C4's algorithm (spec §4.4).
func (l *DimensionLoader) LoadDimension(ctx context.Context, h *DimensionHandler, opts LoadDimensionOptions) (*LoadResult, error) {
	start := time.Now()
	result := &LoadResult{}
	classifier := h.Classifier(opts.Strategy)

	next := l.store.StreamStagingBatches(h.SourceTable, h.BusinessKeyFields, opts.LoadRunID, batchSizeOrDefault(opts.BatchSize))

	for {
		if err := ctx.Err(); err != nil {
			return result, err // cancellable at batch boundaries (§5)
		}
		batchStart := time.Now()

		// Each batch gets its own transaction, since the spec requires
		// the batch boundary to double as the transaction boundary
		// (§4.4 step 5, §5).
		tx, err := db.BeginBatch(ctx, l.pool)
		if err != nil {
			return result, errs.WrapDatabaseError("begin dimension batch", err)
		}

		batchRows, err := l.readNextBatch(ctx, tx, next)
		if err != nil {
			tx.Rollback()
			tx.Close()
			return result, err
		}
		if len(batchRows) == 0 {
			tx.Rollback()
			tx.Close()
			break
		}

		batchErr := l.applyBatch(ctx, tx, h, classifier, batchRows, opts, result)
		if batchErr != nil {
			tx.Rollback()
			tx.Close()
			if !opts.ContinueOnError {
				return result, batchErr
			}
			l.log.Warn("dimension batch failed, continuing", "dimension", h.DimType, "error", batchErr)
			continue
		}

		if opts.DryRun {
			tx.Rollback()
		} else if err := tx.Commit(ctx); err != nil {
			tx.Close()
			return result, errs.WrapDatabaseError("commit dimension batch", err)
		}
		tx.Close()

		db.RecordBatch(ctx, len(batchRows), time.Since(batchStart))
	}

	result.Elapsed = time.Since(start)
	return result, nil
}

func (l *DimensionLoader) readNextBatch(ctx context.Context, tx *db.Tx, next func(ctx context.Context, tx *db.Tx) (StagingBatch, bool, error)) ([]Row, error) {
	batch, ok, err := next(ctx, tx)
	if err != nil {
		return nil, errs.WrapDatabaseError("read staging batch", err)
	}
	if !ok {
		return nil, nil
	}
	return batch.Rows, nil
}

// applyBatch processes one batch of staging rows sequentially (spec §5:
// same business key may appear twice within a batch, so rows must be
// applied in order, each seeing prior rows' writes).
func (l *DimensionLoader) applyBatch(ctx context.Context, tx *db.Tx, h *DimensionHandler, classifier *Classifier, rows []Row, opts LoadDimensionOptions, result *LoadResult) error {
	now := l.nowFn()

	for _, source := range rows {
		result.RowsSeen++

		if !h.BusinessKeyComplete(source) {
			result.Errors = append(result.Errors, errs.NewRowError(errs.KindBusinessKeyMissing, "", "business key field is null or missing"))
			continue
		}

		attrs, missing := h.MapAttributes(source)
		if len(missing) > 0 {
			result.Errors = append(result.Errors, errs.NewRowError(errs.KindTransformation, businessKeyString(h.BusinessKey(source)), "required field(s) missing: "+joinStrings(missing)))
			continue
		}

		bk := h.BusinessKey(source)
		incoming := Row{}
		for k, v := range attrs {
			incoming[k] = v
		}

		prior, err := l.store.LookupCurrentVersion(ctx, tx, h, bk)
		if err != nil {
			return err
		}

		change := classifier.Classify(prior, incoming)

		switch change.Type {
		case ChangeNew:
			dv := &DimensionVersion{
				BusinessKey:   bk,
				Attributes:    incoming,
				EffectiveFrom: now,
				IsCurrent:     true,
				LoadRunID:     opts.LoadRunID,
				LoadTs:        now,
			}
			if _, err := l.store.InsertDimensionVersion(ctx, tx, h, dv, change.Fingerprint); err != nil {
				return err
			}
			result.Created++

		case ChangeUpdated:
			if prior != nil {
				if err := l.store.ExpireDimensionVersion(ctx, tx, h, prior.SurrogateKey, now); err != nil {
					return err
				}
				result.Expired++
			}
			dv := &DimensionVersion{
				BusinessKey:   bk,
				Attributes:    incoming,
				EffectiveFrom: now,
				IsCurrent:     true,
				LoadRunID:     opts.LoadRunID,
				LoadTs:        now,
			}
			if _, err := l.store.InsertDimensionVersion(ctx, tx, h, dv, change.Fingerprint); err != nil {
				return err
			}
			result.Updated++

		case ChangeNoChange:
			if len(change.AttributeChanges) > 0 && prior != nil {
				if err := l.store.UpdateNonSignificant(ctx, tx, h, prior.SurrogateKey, change.AttributeChanges, Lineage{LoadRunID: opts.LoadRunID, LoadTs: now}); err != nil {
					return err
				}
				result.Warnings = append(result.Warnings, "in-place update of non-significant fields for "+businessKeyString(bk))
			}
			result.Skipped++
		}
	}
	return nil
}

func batchSizeOrDefault(n int) int {
	if n <= 0 {
		return 500
	}
	return n
}

func joinStrings(ss []string) string {
	out := ""
	for i, s := range ss {
		if i > 0 {
			out += ", "
		}
		out += s
	}
	return out
}
