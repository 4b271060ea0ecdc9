package coremerge

import (
	"context"
	"log/slog"
	"time"

	"github.com/steveyegge/coremerge/internal/coremerge/db"
	"github.com/steveyegge/coremerge/internal/coremerge/errs"
)

// UpsertMode is fact.upsertMode (spec §4.7, §6.3).
type UpsertMode string

const (
	UpsertInsertOnly UpsertMode = "insert"
	UpsertUpdateOnly UpsertMode = "update"
	UpsertUpsert     UpsertMode = "upsert"
)

// FactLoadResult is C7's return value (spec §4.7).
type FactLoadResult struct {
	Inserted          int
	Updated           int
	Skipped           int
	Warnings          []string
	Errors            []*errs.RowError
	MissingFKSummary  map[DimensionType]int
	RowsSeen          int
	Elapsed           time.Duration
}

// FactLoader is C7.
type FactLoader struct {
	store *CoreStore
	pool  *db.Pool
	cache FKLookup
	dims  *DimensionRegistry
	log   *slog.Logger
	nowFn func() time.Time
}

// NewFactLoader builds C7. cache is held only as a read-only reference
// (spec §9 "Cache ownership" — the fact loader never mutates entries).
func NewFactLoader(store *CoreStore, pool *db.Pool, cache FKLookup, dims *DimensionRegistry, log *slog.Logger) *FactLoader {
	return &FactLoader{store: store, pool: pool, cache: cache, dims: dims, log: log, nowFn: time.Now}
}

// LoadFactsOptions mirrors loadFacts(...) of spec §4.7.
type LoadFactsOptions struct {
	LoadRunID       string
	ExtractType     string
	BatchSize       int
	UpsertMode      UpsertMode
	ValidateFKs     bool
	DryRun          bool
	ContinueOnError bool
}

// LoadFacts implements C7's algorithm (spec §4.7).
func (l *FactLoader) LoadFacts(ctx context.Context, h *FactHandler, opts LoadFactsOptions) (*FactLoadResult, error) {
	start := time.Now()
	result := &FactLoadResult{MissingFKSummary: map[DimensionType]int{}}

	next := l.store.StreamStagingBatches(h.SourceTable, h.BusinessKeyFields, opts.LoadRunID, batchSizeOrDefault(opts.BatchSize))

	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		batchStart := time.Now()

		tx, err := db.BeginBatch(ctx, l.pool)
		if err != nil {
			return result, errs.WrapDatabaseError("begin fact batch", err)
		}

		batch, ok, err := next(ctx, tx)
		if err != nil {
			tx.Rollback()
			tx.Close()
			return result, errs.WrapDatabaseError("read staging batch", err)
		}
		if !ok || len(batch.Rows) == 0 {
			tx.Rollback()
			tx.Close()
			break
		}

		batchErr := l.applyBatch(ctx, tx, h, batch.Rows, opts, result)
		if batchErr != nil {
			tx.Rollback()
			tx.Close()
			if !opts.ContinueOnError {
				return result, batchErr
			}
			l.log.Warn("fact batch failed, continuing", "fact", h.FactType, "error", batchErr)
			continue
		}

		if opts.DryRun {
			tx.Rollback()
		} else if err := tx.Commit(ctx); err != nil {
			tx.Close()
			return result, errs.WrapDatabaseError("commit fact batch", err)
		}
		tx.Close()

		db.RecordBatch(ctx, len(batch.Rows), time.Since(batchStart))
	}

	result.Elapsed = time.Since(start)
	return result, nil
}

// applyBatch processes one batch of fact staging rows sequentially (spec
// §4.7 steps 3a-3e).
func (l *FactLoader) applyBatch(ctx context.Context, tx *db.Tx, h *FactHandler, rows []Row, opts LoadFactsOptions, result *FactLoadResult) error {
	now := l.nowFn()

	for _, source := range rows {
		result.RowsSeen++

		if !h.BusinessKeyComplete(source) {
			result.Errors = append(result.Errors, errs.NewRowError(errs.KindBusinessKeyConflict, "", "business key field is null or missing"))
			continue
		}

		bk := make(Row, len(h.BusinessKeyFields))
		for _, f := range h.BusinessKeyFields {
			bk[f] = Canonicalize(source.Get(f))
		}

		fkColumns, skip, fatalErr := l.resolveForeignKeys(ctx, h, source, result)
		if fatalErr != nil {
			return fatalErr
		}
		if skip {
			result.Skipped++
			continue
		}

		attrs, missing := h.MapAttributes(source)
		if len(missing) > 0 {
			result.Errors = append(result.Errors, errs.NewRowError(errs.KindTransformation, businessKeyString(bk), "required field(s) missing: "+joinStrings(missing)))
			continue
		}

		lineage := Lineage{LoadRunID: opts.LoadRunID, LoadTs: now}

		switch opts.UpsertMode {
		case UpsertInsertOnly:
			if err := l.store.InsertFact(ctx, tx, h, bk, fkColumns, attrs, lineage); err != nil {
				return err
			}
			result.Inserted++

		case UpsertUpdateOnly:
			if err := l.store.UpdateFact(ctx, tx, h, bk, fkColumns, attrs, lineage); err != nil {
				return err
			}
			result.Updated++

		default: // UpsertUpsert
			exists, err := l.store.FactExists(ctx, tx, h, bk)
			if err != nil {
				return err
			}
			if exists {
				if err := l.store.UpdateFact(ctx, tx, h, bk, fkColumns, attrs, lineage); err != nil {
					return err
				}
				result.Updated++
			} else {
				if err := l.store.InsertFact(ctx, tx, h, bk, fkColumns, attrs, lineage); err != nil {
					return err
				}
				result.Inserted++
			}
		}
	}
	return nil
}

// resolveForeignKeys applies every declared relationship's missing-FK
// policy (spec §4.6 matrix, §4.7 step 3b-3c). It returns skip=true when
// the row must be dropped, or a fatal error for a required+error relation
// under !continueOnError semantics handled by the caller's batch error path.
func (l *FactLoader) resolveForeignKeys(ctx context.Context, h *FactHandler, source Row, result *FactLoadResult) (map[string]*int64, bool, error) {
	fkColumns := make(map[string]*int64, len(h.ForeignKeys))

	for _, fk := range h.ForeignKeys {
		dimHandler := l.dims.Get(fk.DimType)
		var dimBKFields []string
		if dimHandler != nil {
			dimBKFields = dimHandler.BusinessKeyFields
		}
		lookupKey := fk.LookupKey(source, dimBKFields)

		sk, found, err := l.cache.Resolve(ctx, fk.DimType, lookupKey)
		if err != nil {
			return nil, false, errs.WrapDatabaseError("resolve foreign key", err)
		}

		if found {
			v := sk
			fkColumns[fk.FactColumn] = &v
			continue
		}

		// Missing FK: apply the policy matrix (spec §4.6).
		result.MissingFKSummary[fk.DimType]++

		switch {
		case fk.Required && fk.MissingStrategy == FKError:
			return nil, false, errs.MissingForeignKeyError(string(fk.DimType), "required foreign key missing with error strategy")
		case fk.Required && fk.MissingStrategy == FKSkip:
			return nil, true, nil
		case !fk.Required && fk.MissingStrategy == FKNull:
			fkColumns[fk.FactColumn] = nil
		case fk.MissingStrategy == FKPlaceholder:
			if fk.PlaceholderSurrogateKey != nil {
				v := *fk.PlaceholderSurrogateKey
				fkColumns[fk.FactColumn] = &v
			} else {
				fkColumns[fk.FactColumn] = nil
			}
		default:
			fkColumns[fk.FactColumn] = nil
		}
	}

	return fkColumns, false, nil
}
