package coremerge

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/steveyegge/coremerge/internal/coremerge/db"
	"github.com/steveyegge/coremerge/internal/coremerge/errs"
)

// CoreStore is the SQL-backed implementation of every read/write the
// loaders and orchestrator need. It realises the raw/stg/core/etl schema
// split as a table-name prefix convention on a single MySQL/Dolt database
// (SPEC_FULL.md Open Question resolution #3), using the same `?`
// placeholder style and database/sql primitives as
// internal/storage/sqlite/queries.go.
type CoreStore struct {
	pool *db.Pool
	dims *DimensionRegistry
}

// NewCoreStore wraps a connection pool. dims resolves each DimensionType to
// its handler's declared TargetTable/SurrogateKeyColumn (SPEC_FULL.md Open
// Question resolution #2) for the DimensionPointLookup methods below.
func NewCoreStore(pool *db.Pool, dims *DimensionRegistry) *CoreStore {
	return &CoreStore{pool: pool, dims: dims}
}

func coreTableFor(dimType DimensionType, targetTable string) string {
	if targetTable != "" {
		return targetTable
	}
	return "core_" + string(dimType)
}

func factTableFor(factType FactType, targetTable string) string {
	if targetTable != "" {
		return targetTable
	}
	return "core_fact_" + string(factType)
}

// --- Staging row streaming (§4.4 step 2-3, §4.7 step 2) ---

// StagingBatch is one batch of staging rows plus its starting offset, used
// only for logging/progress.
type StagingBatch struct {
	Rows   []Row
	Offset int
}

// StreamStagingBatches reads a handler's staging rows, joined to
// etl_load_run_files on load_run_file_id to scope by loadRunID, ordered by
// businessKeyFields, and partitions them into batches of batchSize. It
// returns a pull function the loader calls until it returns ok=false.
func (s *CoreStore) StreamStagingBatches(sourceTable string, businessKeyFields []string, loadRunID string, batchSize int) func(ctx context.Context, tx *db.Tx) (StagingBatch, bool, error) {
	offset := 0
	done := false

	orderBy := strings.Join(quoteIdents(businessKeyFields), ", ")
	query := fmt.Sprintf(
		`SELECT st.* FROM %s st
		   JOIN etl_load_run_files lrf ON st.load_run_file_id = lrf.id
		  WHERE lrf.load_run_id = ?
		  ORDER BY %s
		  LIMIT ? OFFSET ?`,
		quoteIdent(sourceTable), orderBy,
	)

	return func(ctx context.Context, tx *db.Tx) (StagingBatch, bool, error) {
		if done {
			return StagingBatch{}, false, nil
		}
		rows, err := tx.Query(ctx, s.pool, query, loadRunID, batchSize, offset)
		if err != nil {
			return StagingBatch{}, false, errs.WrapDatabaseError("stream staging rows", err)
		}
		defer rows.Close()

		var batch []Row
		for rows.Next() {
			r, err := scanRow(rows)
			if err != nil {
				return StagingBatch{}, false, errs.WrapDatabaseError("scan staging row", err)
			}
			batch = append(batch, r)
		}
		if err := rows.Err(); err != nil {
			return StagingBatch{}, false, errs.WrapDatabaseError("iterate staging rows", err)
		}

		result := StagingBatch{Rows: batch, Offset: offset}
		offset += len(batch)
		if len(batch) < batchSize {
			done = true
		}
		if len(batch) == 0 {
			return result, false, nil
		}
		return result, true, nil
	}
}

// --- Dimension reads/writes (§4.4) ---

// LookupCurrentVersion runs the point query "current version by business
// key" (spec §4.4 step 4c).
func (s *CoreStore) LookupCurrentVersion(ctx context.Context, tx *db.Tx, h *DimensionHandler, businessKey Row) (*DimensionVersion, error) {
	table := coreTableFor(h.DimType, h.TargetTable)
	cols := append([]string{h.SurrogateKeyColumn, "effective_from", "effective_to", "is_current", "load_run_id", "load_ts", "fingerprint"}, targetColumns(h.FieldMappings)...)

	where, args := businessKeyWhere(h.BusinessKeyFields, businessKey)
	query := fmt.Sprintf(
		`SELECT %s FROM %s WHERE %s AND is_current = 1 LIMIT 1`,
		strings.Join(quoteIdents(cols), ", "), quoteIdent(table), where,
	)

	row := tx.QueryRow(ctx, query, args...)
	return scanDimensionVersion(row, h, cols)
}

func scanDimensionVersion(row *sql.Row, h *DimensionHandler, cols []string) (*DimensionVersion, error) {
	dest := make([]any, len(cols))
	raw := make([]any, len(cols))
	for i := range dest {
		dest[i] = &raw[i]
	}
	if err := row.Scan(dest...); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, errs.WrapDatabaseError("lookup current dimension version", err)
	}

	dv := &DimensionVersion{Attributes: make(Row, len(cols)-7), IsCurrent: true}
	for i, col := range cols {
		v := driverValueToValue(raw[i])
		switch col {
		case h.SurrogateKeyColumn:
			dv.SurrogateKey = int64(v.num)
		case "effective_from":
			dv.EffectiveFrom = v.ts
		case "effective_to":
			if !v.IsNull() {
				t := v.ts
				dv.EffectiveTo = &t
			}
		case "is_current":
			dv.IsCurrent = v.boo
		case "load_run_id":
			dv.LoadRunID = v.str
		case "load_ts":
			dv.LoadTs = v.ts
		case "fingerprint":
			dv.Fingerprint = v.str
		default:
			// col is already the handler's TargetField (the handlers in
			// handlers_dimension.go declare snake_case target fields
			// directly, doubling as both the Row key and the SQL column
			// name — see §6.2's "round-trip camelCase ↔ snake_case"
			// requirement, satisfied trivially here since there's no case
			// to convert).
			dv.Attributes[col] = v
		}
	}
	return dv, nil
}

// InsertDimensionVersion inserts a new version row (NEW or the UPDATED
// case's replacement row; spec §4.4 step 4e).
func (s *CoreStore) InsertDimensionVersion(ctx context.Context, tx *db.Tx, h *DimensionHandler, dv *DimensionVersion, fingerprint string) (int64, error) {
	table := coreTableFor(h.DimType, h.TargetTable)

	cols := []string{"effective_from", "effective_to", "is_current", "load_run_id", "load_ts", "fingerprint"}
	vals := []any{dv.EffectiveFrom, nilIfZero(dv.EffectiveTo), dv.IsCurrent, dv.LoadRunID, dv.LoadTs, fingerprint}

	bkCols := make(map[string]bool, len(h.BusinessKeyFields))
	for _, f := range h.BusinessKeyFields {
		col := ToSnakeCase(f)
		bkCols[col] = true
		cols = append(cols, col)
		vals = append(vals, toDriverValue(dv.BusinessKey.Get(f)))
	}
	for _, m := range h.FieldMappings {
		if bkCols[m.TargetField] {
			continue // already written as a business-key column
		}
		cols = append(cols, m.TargetField)
		vals = append(vals, toDriverValue(dv.Attributes.Get(m.TargetField)))
	}

	placeholders := strings.TrimRight(strings.Repeat("?, ", len(cols)), ", ")
	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`,
		quoteIdent(table), strings.Join(quoteIdents(cols), ", "), placeholders)

	result, err := tx.Exec(ctx, s.pool, query, vals...)
	if err != nil {
		return 0, errs.WrapDatabaseError("insert dimension version", err)
	}
	return result.LastInsertId()
}

// ExpireDimensionVersion sets effective_to/is_current on the prior current
// row (spec §4.4 step 4e, UPDATED case).
func (s *CoreStore) ExpireDimensionVersion(ctx context.Context, tx *db.Tx, h *DimensionHandler, surrogateKey int64, effectiveTo time.Time) error {
	table := coreTableFor(h.DimType, h.TargetTable)
	query := fmt.Sprintf(
		`UPDATE %s SET effective_to = ?, is_current = 0 WHERE %s = ?`,
		quoteIdent(table), quoteIdent(h.SurrogateKeyColumn),
	)
	_, err := tx.Exec(ctx, s.pool, query, effectiveTo, surrogateKey)
	if err != nil {
		return errs.WrapDatabaseError("expire dimension version", err)
	}
	return nil
}

// UpdateNonSignificant updates non-significant columns plus lineage on the
// current row in place, without creating a new version (spec §4.4 step 4e,
// NO_CHANGE-with-diffs case).
func (s *CoreStore) UpdateNonSignificant(ctx context.Context, tx *db.Tx, h *DimensionHandler, surrogateKey int64, diffs []FieldDiff, lineage Lineage) error {
	if len(diffs) == 0 {
		return nil
	}
	table := coreTableFor(h.DimType, h.TargetTable)

	var sets []string
	var args []any
	for _, d := range diffs {
		sets = append(sets, fmt.Sprintf("%s = ?", quoteIdent(d.Field)))
		args = append(args, toDriverValue(d.Incoming))
	}
	sets = append(sets, "load_run_id = ?", "load_ts = ?")
	args = append(args, lineage.LoadRunID, lineage.LoadTs)
	args = append(args, surrogateKey)

	query := fmt.Sprintf(`UPDATE %s SET %s WHERE %s = ?`,
		quoteIdent(table), strings.Join(sets, ", "), quoteIdent(h.SurrogateKeyColumn))
	_, err := tx.Exec(ctx, s.pool, query, args...)
	if err != nil {
		return errs.WrapDatabaseError("update non-significant attributes", err)
	}
	return nil
}

// --- FK resolver backing (§4.5), implements DimensionPointLookup ---

// LookupCurrentSurrogateKey implements DimensionPointLookup for the FK
// cache's database fallback. It runs outside any loader transaction (a
// plain pool query), matching §5's note that the cache may be read
// concurrently with a single fact loader.
func (s *CoreStore) LookupCurrentSurrogateKey(ctx context.Context, dimType DimensionType, businessKey Row) (int64, bool, error) {
	table, skCol := s.dimensionTableAndKey(dimType)
	return s.lookupSurrogateKeyFor(ctx, dimType, table, skCol, businessKey)
}

// dimensionTableAndKey resolves a dimension's target table and surrogate
// key column the same way coreTableFor does for C4's own reads/writes,
// falling back to the dimType-derived default only when the type has no
// registered handler.
func (s *CoreStore) dimensionTableAndKey(dimType DimensionType) (table, skCol string) {
	var h *DimensionHandler
	if s.dims != nil {
		h = s.dims.Get(dimType)
	}
	if h == nil {
		return coreTableFor(dimType, ""), defaultSurrogateKeyColumn(dimType)
	}
	return coreTableFor(dimType, h.TargetTable), h.SurrogateKeyColumn
}

func (s *CoreStore) lookupSurrogateKeyFor(ctx context.Context, dimType DimensionType, table, skCol string, businessKey Row) (int64, bool, error) {
	where, args := businessKeyWhere(sortedKeys(businessKey), businessKey)
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE %s AND is_current = 1 LIMIT 1`,
		quoteIdent(skCol), quoteIdent(table), where)

	var sk int64
	err := s.pool.DB.QueryRowContext(ctx, query, args...).Scan(&sk)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errs.WrapDatabaseError("lookup surrogate key", err)
	}
	return sk, true, nil
}

// AllCurrentRows implements DimensionPointLookup's preload source: every
// current dimension row, returned as a pull iterator.
func (s *CoreStore) AllCurrentRows(ctx context.Context, dimType DimensionType) (func() (Row, int64, bool, error), error) {
	table, skCol := s.dimensionTableAndKey(dimType)

	rows, err := s.pool.DB.QueryContext(ctx, fmt.Sprintf(`SELECT * FROM %s WHERE is_current = 1`, quoteIdent(table)))
	if err != nil {
		return nil, errs.WrapDatabaseError("select current dimension rows", err)
	}

	return func() (Row, int64, bool, error) {
		if !rows.Next() {
			_ = rows.Close()
			if err := rows.Err(); err != nil {
				return nil, 0, false, err
			}
			return nil, 0, false, nil
		}
		r, err := scanRow(rows)
		if err != nil {
			return nil, 0, false, err
		}
		sk := int64(r.Get(skCol).num)
		return r, sk, true, nil
	}, nil
}

// --- Facts (§4.7) ---

// FactExists probes for an existing fact row by business key (upsert mode).
func (s *CoreStore) FactExists(ctx context.Context, tx *db.Tx, h *FactHandler, businessKey Row) (bool, error) {
	table := factTableFor(h.FactType, h.TargetTable)
	where, args := businessKeyWhere(h.BusinessKeyFields, businessKey)
	query := fmt.Sprintf(`SELECT 1 FROM %s WHERE %s LIMIT 1`, quoteIdent(table), where)

	var one int
	err := tx.QueryRow(ctx, query, args...).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errs.WrapDatabaseError("probe fact existence", err)
	}
	return true, nil
}

// InsertFact inserts a new fact row.
func (s *CoreStore) InsertFact(ctx context.Context, tx *db.Tx, h *FactHandler, businessKey Row, fkColumns map[string]*int64, attrs Row, lineage Lineage) error {
	table := factTableFor(h.FactType, h.TargetTable)

	cols := []string{"load_run_id", "load_ts"}
	vals := []any{lineage.LoadRunID, lineage.LoadTs}
	bkCols := make(map[string]bool, len(h.BusinessKeyFields))
	for _, f := range h.BusinessKeyFields {
		col := ToSnakeCase(f)
		bkCols[col] = true
		cols = append(cols, col)
		vals = append(vals, toDriverValue(businessKey.Get(f)))
	}
	for _, fk := range h.ForeignKeys {
		cols = append(cols, fk.FactColumn)
		vals = append(vals, fkColumns[fk.FactColumn])
	}
	for _, m := range h.FieldMappings {
		if bkCols[m.TargetField] {
			continue // already written as a business-key column
		}
		cols = append(cols, m.TargetField)
		vals = append(vals, toDriverValue(attrs.Get(m.TargetField)))
	}

	placeholders := strings.TrimRight(strings.Repeat("?, ", len(cols)), ", ")
	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`,
		quoteIdent(table), strings.Join(quoteIdents(cols), ", "), placeholders)

	_, err := tx.Exec(ctx, s.pool, query, vals...)
	if err != nil {
		return errs.WrapDatabaseError("insert fact", err)
	}
	return nil
}

// UpdateFact updates all non-business-key columns on an existing fact row.
func (s *CoreStore) UpdateFact(ctx context.Context, tx *db.Tx, h *FactHandler, businessKey Row, fkColumns map[string]*int64, attrs Row, lineage Lineage) error {
	table := factTableFor(h.FactType, h.TargetTable)

	var sets []string
	var args []any
	for _, fk := range h.ForeignKeys {
		sets = append(sets, fmt.Sprintf("%s = ?", quoteIdent(fk.FactColumn)))
		args = append(args, fkColumns[fk.FactColumn])
	}
	for _, m := range h.FieldMappings {
		sets = append(sets, fmt.Sprintf("%s = ?", quoteIdent(m.TargetField)))
		args = append(args, toDriverValue(attrs.Get(m.TargetField)))
	}
	sets = append(sets, "load_run_id = ?", "load_ts = ?")
	args = append(args, lineage.LoadRunID, lineage.LoadTs)

	where, whereArgs := businessKeyWhere(h.BusinessKeyFields, businessKey)
	args = append(args, whereArgs...)

	query := fmt.Sprintf(`UPDATE %s SET %s WHERE %s`, quoteIdent(table), strings.Join(sets, ", "), where)
	_, err := tx.Exec(ctx, s.pool, query, args...)
	if err != nil {
		return errs.WrapDatabaseError("update fact", err)
	}
	return nil
}

// --- Audit (etl.*) ---

// LookupLoadRun resolves the external LoadRun descriptor (spec §4.8 step 1).
func (s *CoreStore) LookupLoadRun(ctx context.Context, loadRunID string) (*LoadRun, error) {
	var lr LoadRun
	var status string
	var started time.Time
	var ended sql.NullTime
	err := s.pool.DB.QueryRowContext(ctx,
		`SELECT load_run_id, status, started_at, ended_at FROM etl_load_runs WHERE load_run_id = ?`,
		loadRunID,
	).Scan(&lr.LoadRunID, &status, &started, &ended)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errs.WrapDatabaseError("lookup load run", err)
	}
	lr.Status = LoadRunStatus(status)
	lr.StartedAt = started
	if ended.Valid {
		lr.EndedAt = &ended.Time
	}
	return &lr, nil
}

// FindCompletedMergeRun implements the idempotency check of spec §4.8 step
// 2, reading the partial-unique-indexed (load_run_id, extract_type,
// status='completed') row if one exists.
func (s *CoreStore) FindCompletedMergeRun(ctx context.Context, loadRunID, extractType string) (*MergeRun, error) {
	var mr MergeRun
	var completedAt sql.NullTime
	err := s.pool.DB.QueryRowContext(ctx,
		`SELECT merge_run_id, load_run_id, extract_type, status, result_json, started_at, completed_at
		   FROM etl_core_merge_runs
		  WHERE load_run_id = ? AND extract_type = ? AND status = 'completed'
		  LIMIT 1`,
		loadRunID, extractType,
	).Scan(&mr.MergeRunID, &mr.LoadRunID, &mr.ExtractType, &mr.Status, &mr.ResultJSON, &mr.StartedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errs.WrapDatabaseError("find completed merge run", err)
	}
	if completedAt.Valid {
		mr.CompletedAt = &completedAt.Time
	}
	return &mr, nil
}

// InsertMergeRun creates a running MergeRun row (spec §4.8 step 3).
func (s *CoreStore) InsertMergeRun(ctx context.Context, mr *MergeRun) error {
	_, err := s.pool.DB.ExecContext(ctx,
		`INSERT INTO etl_core_merge_runs (merge_run_id, load_run_id, extract_type, status, started_at)
		 VALUES (?, ?, ?, ?, ?)`,
		mr.MergeRunID, mr.LoadRunID, mr.ExtractType, mr.Status, mr.StartedAt,
	)
	if err != nil {
		return errs.WrapDatabaseError("insert merge run", err)
	}
	return nil
}

// FinalizeMergeRun sets the terminal status, error, counters and
// completedAt (spec §4.8 step 7). Terminal states are immutable; this is
// the only write to an etl_core_merge_runs row after InsertMergeRun.
func (s *CoreStore) FinalizeMergeRun(ctx context.Context, mr *MergeRun) error {
	_, err := s.pool.DB.ExecContext(ctx,
		`UPDATE etl_core_merge_runs
		    SET status = ?, error = ?, created = ?, updated = ?, inserted = ?, result_json = ?, completed_at = ?
		  WHERE merge_run_id = ? AND status = 'running'`,
		mr.Status, mr.Error, mr.Created, mr.Updated, mr.Inserted, mr.ResultJSON, mr.CompletedAt, mr.MergeRunID,
	)
	if err != nil {
		return errs.WrapDatabaseError("finalize merge run", err)
	}
	return nil
}

// --- helpers ---

func quoteIdent(id string) string {
	return "`" + strings.ReplaceAll(id, "`", "``") + "`"
}

func quoteIdents(ids []string) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = quoteIdent(id)
	}
	return out
}

func businessKeyWhere(fields []string, bk Row) (string, []any) {
	var clauses []string
	var args []any
	for _, f := range fields {
		clauses = append(clauses, fmt.Sprintf("%s = ?", quoteIdent(ToSnakeCase(f))))
		args = append(args, toDriverValue(bk.Get(f)))
	}
	return strings.Join(clauses, " AND "), args
}

func targetColumns(mappings []FieldMapping) []string {
	cols := make([]string, len(mappings))
	for i, m := range mappings {
		cols[i] = m.TargetField
	}
	return cols
}

func toDriverValue(v Value) any {
	cv := Canonicalize(v)
	switch cv.kind {
	case kindNull:
		return nil
	case kindString:
		return cv.str
	case kindNumber:
		return cv.num
	case kindBool:
		return cv.boo
	default:
		return nil
	}
}

func nilIfZero(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func sortedKeys(r Row) []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func defaultSurrogateKeyColumn(dimType DimensionType) string {
	return string(dimType) + "_key"
}
