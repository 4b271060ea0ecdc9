//go:build integration

package coremerge_test

// Integration tests exercise the dimension merge path (C4/C5/C8) against a
// real Dolt SQL server, the same way internal/storage/dolt/dolt_test.go
// exercises the teacher's store against a real embedded Dolt database —
// here via testcontainers-go/modules/dolt instead of an embedded driver,
// since the core merger talks to Dolt purely over the MySQL wire protocol
// through database/sql rather than embedding it.

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/dolt"

	"github.com/steveyegge/coremerge/internal/coremerge"
	"github.com/steveyegge/coremerge/internal/coremerge/db"
)

const mergeSchemaDDL = `
CREATE TABLE etl_load_runs (
  load_run_id VARCHAR(64) PRIMARY KEY,
  status VARCHAR(16) NOT NULL,
  started_at DATETIME NOT NULL,
  ended_at DATETIME NULL
);

CREATE TABLE etl_load_run_files (
  id BIGINT AUTO_INCREMENT PRIMARY KEY,
  load_run_id VARCHAR(64) NOT NULL
);

CREATE TABLE etl_core_merge_runs (
  merge_run_id VARCHAR(64) PRIMARY KEY,
  load_run_id VARCHAR(64) NOT NULL,
  extract_type VARCHAR(64) NOT NULL,
  status VARCHAR(16) NOT NULL,
  created INT DEFAULT 0,
  updated INT DEFAULT 0,
  inserted INT DEFAULT 0,
  error TEXT,
  result_json JSON,
  started_at DATETIME NOT NULL,
  completed_at DATETIME NULL
);

CREATE TABLE stg_practice (
  load_run_file_id BIGINT NOT NULL,
  practice_id VARCHAR(64) NOT NULL,
  name VARCHAR(255),
  pho_name VARCHAR(255),
  region VARCHAR(255)
);

CREATE TABLE stg_patient (
  load_run_file_id BIGINT NOT NULL,
  patient_id VARCHAR(64) NOT NULL,
  nhi_number VARCHAR(32),
  first_name VARCHAR(255),
  last_name VARCHAR(255),
  date_of_birth VARCHAR(32),
  sex VARCHAR(16),
  ethnicity VARCHAR(64),
  address VARCHAR(255),
  practice_id VARCHAR(64)
);

CREATE TABLE core_dim_practice (
  practice_key BIGINT AUTO_INCREMENT PRIMARY KEY,
  practice_id VARCHAR(64) NOT NULL,
  name VARCHAR(255),
  pho_name VARCHAR(255),
  region VARCHAR(255),
  effective_from DATETIME NOT NULL,
  effective_to DATETIME NULL,
  is_current TINYINT NOT NULL,
  load_run_id VARCHAR(64),
  load_ts DATETIME,
  fingerprint VARCHAR(64)
);

CREATE TABLE core_dim_patient (
  patient_key BIGINT AUTO_INCREMENT PRIMARY KEY,
  patient_id VARCHAR(64) NOT NULL,
  nhi_number VARCHAR(32),
  first_name VARCHAR(255),
  last_name VARCHAR(255),
  date_of_birth VARCHAR(32),
  sex VARCHAR(16),
  ethnicity VARCHAR(64),
  address VARCHAR(255),
  practice_id VARCHAR(64),
  effective_from DATETIME NOT NULL,
  effective_to DATETIME NULL,
  is_current TINYINT NOT NULL,
  load_run_id VARCHAR(64),
  load_ts DATETIME,
  fingerprint VARCHAR(64)
);
`

func setupMergeDatabase(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()

	container, err := dolt.Run(ctx, "dolthub/dolt-sql-server:latest")
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	connStr, err := container.ConnectionString(ctx)
	require.NoError(t, err)

	sqlDB, err := sql.Open("mysql", connStr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.Eventually(t, func() bool {
		return sqlDB.PingContext(ctx) == nil
	}, 30*time.Second, 500*time.Millisecond)

	for _, stmt := range strings.Split(mergeSchemaDDL, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		_, err := sqlDB.ExecContext(ctx, stmt)
		require.NoError(t, err, "schema statement: %s", stmt)
	}
	return sqlDB
}

func seedLoadRun(t *testing.T, sqlDB *sql.DB, loadRunID string) int64 {
	t.Helper()
	ctx := context.Background()
	_, err := sqlDB.ExecContext(ctx,
		`INSERT INTO etl_load_runs (load_run_id, status, started_at) VALUES (?, 'completed', NOW())`,
		loadRunID,
	)
	require.NoError(t, err)

	res, err := sqlDB.ExecContext(ctx, `INSERT INTO etl_load_run_files (load_run_id) VALUES (?)`, loadRunID)
	require.NoError(t, err)
	id, err := res.LastInsertId()
	require.NoError(t, err)
	return id
}

func TestDimensionMergeEndToEndNewThenUpdated(t *testing.T) {
	sqlDB := setupMergeDatabase(t)
	ctx := context.Background()

	reg := coremerge.NewDimensionRegistry(coremerge.PracticeHandler, coremerge.PatientHandler)
	facts := coremerge.NewFactRegistry()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	pool := db.NewPool(sqlDB, 3, 10*time.Millisecond)
	store := coremerge.NewCoreStore(pool, reg)
	bkFields := func(dt coremerge.DimensionType) []string {
		if h := reg.Get(dt); h != nil {
			return h.BusinessKeyFields
		}
		return nil
	}
	cache := coremerge.NewFKResolver(store, bkFields, time.Minute, 1000)
	orch := coremerge.NewOrchestrator(store, pool, cache, reg, facts, log)

	loadRunID := "lr-1"
	fileID := seedLoadRun(t, sqlDB, loadRunID)

	_, err := sqlDB.ExecContext(ctx,
		`INSERT INTO stg_practice (load_run_file_id, practice_id, name, pho_name, region) VALUES (?, 'PR-1', 'Riverside Clinic', 'Central PHO', 'Auckland')`,
		fileID,
	)
	require.NoError(t, err)
	_, err = sqlDB.ExecContext(ctx,
		`INSERT INTO stg_patient (load_run_file_id, patient_id, first_name, last_name, practice_id) VALUES (?, 'P-1', 'Alice', 'Smith', 'PR-1')`,
		fileID,
	)
	require.NoError(t, err)

	result, err := orch.MergeToCore(ctx, coremerge.MergeOptions{
		LoadRunID:   loadRunID,
		ExtractType: "nightly",
		BatchSize:   10,
	})
	require.NoError(t, err)
	require.Equal(t, coremerge.MergeRunCompleted, result.Status)
	require.Equal(t, 2, result.TotalCreated)

	var practiceCount int
	require.NoError(t, sqlDB.QueryRowContext(ctx, `SELECT COUNT(*) FROM core_dim_practice WHERE is_current = 1`).Scan(&practiceCount))
	require.Equal(t, 1, practiceCount)

	// idempotent: re-invoking with the same (loadRunId, extractType) must
	// short-circuit and return the cached result rather than reprocess.
	again, err := orch.MergeToCore(ctx, coremerge.MergeOptions{
		LoadRunID:   loadRunID,
		ExtractType: "nightly",
		BatchSize:   10,
	})
	require.NoError(t, err)
	require.Equal(t, result.MergeRunID, again.MergeRunID)

	var mergeRunCount int
	require.NoError(t, sqlDB.QueryRowContext(ctx, `SELECT COUNT(*) FROM etl_core_merge_runs WHERE load_run_id = ?`, loadRunID).Scan(&mergeRunCount))
	require.Equal(t, 1, mergeRunCount, "idempotency check must not insert a second merge run")

	// a second load run with a changed significant field should produce an
	// SCD2 UPDATED version: the prior row expires, a new current row appears.
	loadRunID2 := "lr-2"
	_, err = sqlDB.ExecContext(ctx,
		`INSERT INTO etl_load_runs (load_run_id, status, started_at) VALUES (?, 'completed', NOW())`,
		loadRunID2,
	)
	require.NoError(t, err)
	res2, err := sqlDB.ExecContext(ctx, `INSERT INTO etl_load_run_files (load_run_id) VALUES (?)`, loadRunID2)
	require.NoError(t, err)
	fileID2, err := res2.LastInsertId()
	require.NoError(t, err)

	_, err = sqlDB.ExecContext(ctx,
		`INSERT INTO stg_practice (load_run_file_id, practice_id, name, pho_name, region) VALUES (?, 'PR-1', 'Riverside Clinic', 'Central PHO', 'Auckland')`,
		fileID2,
	)
	require.NoError(t, err)
	_, err = sqlDB.ExecContext(ctx,
		`INSERT INTO stg_patient (load_run_file_id, patient_id, first_name, last_name, practice_id) VALUES (?, 'P-1', 'Alicia', 'Smith', 'PR-1')`,
		fileID2,
	)
	require.NoError(t, err)

	result2, err := orch.MergeToCore(ctx, coremerge.MergeOptions{
		LoadRunID:   loadRunID2,
		ExtractType: "nightly",
		BatchSize:   10,
	})
	require.NoError(t, err)
	require.Equal(t, coremerge.MergeRunCompleted, result2.Status)
	require.Equal(t, 1, result2.TotalUpdated, "patient's first_name change should register as an SCD2 update")

	var currentPatientRows int
	require.NoError(t, sqlDB.QueryRowContext(ctx, `SELECT COUNT(*) FROM core_dim_patient WHERE patient_id = 'P-1' AND is_current = 1`).Scan(&currentPatientRows))
	require.Equal(t, 1, currentPatientRows)

	var historicalPatientRows int
	require.NoError(t, sqlDB.QueryRowContext(ctx, `SELECT COUNT(*) FROM core_dim_patient WHERE patient_id = 'P-1' AND is_current = 0`).Scan(&historicalPatientRows))
	require.Equal(t, 1, historicalPatientRows, "the prior version must be expired, not overwritten")

	var currentFirstName string
	require.NoError(t, sqlDB.QueryRowContext(ctx, `SELECT first_name FROM core_dim_patient WHERE patient_id = 'P-1' AND is_current = 1`).Scan(&currentFirstName))
	require.Equal(t, "alicia", currentFirstName, "attributes pass through Canonicalize before storage")
}

// TestDimensionMergeNonSignificantFieldUpdatesInPlace exercises the
// NO_CHANGE path where only a never_version field (patient.address)
// differs: the row must update in place rather than spawn a new SCD2
// version.
func TestDimensionMergeNonSignificantFieldUpdatesInPlace(t *testing.T) {
	sqlDB := setupMergeDatabase(t)
	ctx := context.Background()

	reg := coremerge.NewDimensionRegistry(coremerge.PracticeHandler, coremerge.PatientHandler)
	facts := coremerge.NewFactRegistry()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	pool := db.NewPool(sqlDB, 3, 10*time.Millisecond)
	store := coremerge.NewCoreStore(pool, reg)
	bkFields := func(dt coremerge.DimensionType) []string {
		if h := reg.Get(dt); h != nil {
			return h.BusinessKeyFields
		}
		return nil
	}
	cache := coremerge.NewFKResolver(store, bkFields, time.Minute, 1000)
	orch := coremerge.NewOrchestrator(store, pool, cache, reg, facts, log)

	loadRunID := "lr-addr-1"
	fileID := seedLoadRun(t, sqlDB, loadRunID)
	_, err := sqlDB.ExecContext(ctx,
		`INSERT INTO stg_practice (load_run_file_id, practice_id, name, pho_name, region) VALUES (?, 'PR-1', 'Riverside Clinic', 'Central PHO', 'Auckland')`,
		fileID,
	)
	require.NoError(t, err)
	_, err = sqlDB.ExecContext(ctx,
		`INSERT INTO stg_patient (load_run_file_id, patient_id, first_name, last_name, address, practice_id) VALUES (?, 'P-2', 'Bob', 'Jones', '1 Queen St', 'PR-1')`,
		fileID,
	)
	require.NoError(t, err)

	_, err = orch.MergeToCore(ctx, coremerge.MergeOptions{LoadRunID: loadRunID, ExtractType: "nightly", BatchSize: 10})
	require.NoError(t, err)

	loadRunID2 := "lr-addr-2"
	_, err = sqlDB.ExecContext(ctx, `INSERT INTO etl_load_runs (load_run_id, status, started_at) VALUES (?, 'completed', NOW())`, loadRunID2)
	require.NoError(t, err)
	res2, err := sqlDB.ExecContext(ctx, `INSERT INTO etl_load_run_files (load_run_id) VALUES (?)`, loadRunID2)
	require.NoError(t, err)
	fileID2, err := res2.LastInsertId()
	require.NoError(t, err)
	_, err = sqlDB.ExecContext(ctx,
		`INSERT INTO stg_practice (load_run_file_id, practice_id, name, pho_name, region) VALUES (?, 'PR-1', 'Riverside Clinic', 'Central PHO', 'Auckland')`,
		fileID2,
	)
	require.NoError(t, err)
	_, err = sqlDB.ExecContext(ctx,
		`INSERT INTO stg_patient (load_run_file_id, patient_id, first_name, last_name, address, practice_id) VALUES (?, 'P-2', 'Bob', 'Jones', '2 King St', 'PR-1')`,
		fileID2,
	)
	require.NoError(t, err)

	result2, err := orch.MergeToCore(ctx, coremerge.MergeOptions{LoadRunID: loadRunID2, ExtractType: "nightly", BatchSize: 10})
	require.NoError(t, err)
	require.Equal(t, 0, result2.TotalUpdated, "an address-only change must not create a new SCD2 version")

	var versionCount int
	require.NoError(t, sqlDB.QueryRowContext(ctx, `SELECT COUNT(*) FROM core_dim_patient WHERE patient_id = 'P-2'`).Scan(&versionCount))
	require.Equal(t, 1, versionCount, "only one row should ever exist for P-2")

	var address string
	require.NoError(t, sqlDB.QueryRowContext(ctx, `SELECT address FROM core_dim_patient WHERE patient_id = 'P-2'`).Scan(&address))
	require.Equal(t, "2 king st", address, "the non-significant field must still be refreshed in place")
}

// TestDimensionMergeDryRunDoesNotPersist exercises dryRun: the loader must
// roll back every batch transaction rather than commit it.
func TestDimensionMergeDryRunDoesNotPersist(t *testing.T) {
	sqlDB := setupMergeDatabase(t)
	ctx := context.Background()

	reg := coremerge.NewDimensionRegistry(coremerge.PracticeHandler, coremerge.PatientHandler)
	facts := coremerge.NewFactRegistry()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	pool := db.NewPool(sqlDB, 3, 10*time.Millisecond)
	store := coremerge.NewCoreStore(pool, reg)
	bkFields := func(dt coremerge.DimensionType) []string {
		if h := reg.Get(dt); h != nil {
			return h.BusinessKeyFields
		}
		return nil
	}
	cache := coremerge.NewFKResolver(store, bkFields, time.Minute, 1000)
	orch := coremerge.NewOrchestrator(store, pool, cache, reg, facts, log)

	loadRunID := "lr-dry-1"
	fileID := seedLoadRun(t, sqlDB, loadRunID)
	_, err := sqlDB.ExecContext(ctx,
		`INSERT INTO stg_practice (load_run_file_id, practice_id, name, pho_name, region) VALUES (?, 'PR-9', 'Dry Run Clinic', 'West PHO', 'Wellington')`,
		fileID,
	)
	require.NoError(t, err)

	result, err := orch.MergeToCore(ctx, coremerge.MergeOptions{LoadRunID: loadRunID, ExtractType: "nightly", BatchSize: 10, DryRun: true})
	require.NoError(t, err)
	require.Equal(t, 1, result.TotalCreated, "the loader still reports what it would have created")

	var practiceCount int
	require.NoError(t, sqlDB.QueryRowContext(ctx, `SELECT COUNT(*) FROM core_dim_practice`).Scan(&practiceCount))
	require.Equal(t, 0, practiceCount, "dry run must not commit any batch")

	var mergeRunCount int
	require.NoError(t, sqlDB.QueryRowContext(ctx, `SELECT COUNT(*) FROM etl_core_merge_runs WHERE load_run_id = ?`, loadRunID).Scan(&mergeRunCount))
	require.Equal(t, 0, mergeRunCount, "dry run must not record a merge run either")
}

// TestDimensionMergeSameBusinessKeyTwiceInBatchAppliesInOrder exercises the
// spec's requirement that a business key appearing twice within one batch
// is applied in order, each row seeing the prior row's write: two staging
// rows for the same practice_id in one load run must yield a single
// current version reflecting the second (last) row, not the first.
func TestDimensionMergeSameBusinessKeyTwiceInBatchAppliesInOrder(t *testing.T) {
	sqlDB := setupMergeDatabase(t)
	ctx := context.Background()

	reg := coremerge.NewDimensionRegistry(coremerge.PracticeHandler, coremerge.PatientHandler)
	facts := coremerge.NewFactRegistry()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	pool := db.NewPool(sqlDB, 3, 10*time.Millisecond)
	store := coremerge.NewCoreStore(pool, reg)
	bkFields := func(dt coremerge.DimensionType) []string {
		if h := reg.Get(dt); h != nil {
			return h.BusinessKeyFields
		}
		return nil
	}
	cache := coremerge.NewFKResolver(store, bkFields, time.Minute, 1000)
	orch := coremerge.NewOrchestrator(store, pool, cache, reg, facts, log)

	loadRunID := "lr-dup-1"
	fileID := seedLoadRun(t, sqlDB, loadRunID)
	_, err := sqlDB.ExecContext(ctx,
		`INSERT INTO stg_practice (load_run_file_id, practice_id, name, pho_name, region) VALUES (?, 'PR-DUP', 'First Name', 'Central PHO', 'Auckland')`,
		fileID,
	)
	require.NoError(t, err)
	_, err = sqlDB.ExecContext(ctx,
		`INSERT INTO stg_practice (load_run_file_id, practice_id, name, pho_name, region) VALUES (?, 'PR-DUP', 'Second Name', 'Central PHO', 'Auckland')`,
		fileID,
	)
	require.NoError(t, err)

	result, err := orch.MergeToCore(ctx, coremerge.MergeOptions{LoadRunID: loadRunID, ExtractType: "nightly", BatchSize: 10})
	require.NoError(t, err)
	require.Equal(t, 1, result.TotalCreated, "the first occurrence creates the version")
	require.Equal(t, 1, result.TotalUpdated, "the second occurrence, seen in the same batch, updates it again")

	var currentCount int
	require.NoError(t, sqlDB.QueryRowContext(ctx, `SELECT COUNT(*) FROM core_dim_practice WHERE practice_id = 'PR-DUP' AND is_current = 1`).Scan(&currentCount))
	require.Equal(t, 1, currentCount)

	var name string
	require.NoError(t, sqlDB.QueryRowContext(ctx, `SELECT name FROM core_dim_practice WHERE practice_id = 'PR-DUP' AND is_current = 1`).Scan(&name))
	require.Equal(t, "second name", name, "the later row in the same batch must win")
}

// TestMergeToCorePreconditionLoadRunNotFound covers the first precondition
// check: mergeToCore must fail fast, with no side effects, when the load
// run doesn't exist.
func TestMergeToCorePreconditionLoadRunNotFound(t *testing.T) {
	sqlDB := setupMergeDatabase(t)
	ctx := context.Background()

	reg := coremerge.NewDimensionRegistry(coremerge.PracticeHandler)
	facts := coremerge.NewFactRegistry()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	pool := db.NewPool(sqlDB, 3, 10*time.Millisecond)
	store := coremerge.NewCoreStore(pool, reg)
	cache := coremerge.NewFKResolver(store, func(coremerge.DimensionType) []string { return nil }, time.Minute, 1000)
	orch := coremerge.NewOrchestrator(store, pool, cache, reg, facts, log)

	_, err := orch.MergeToCore(ctx, coremerge.MergeOptions{LoadRunID: "does-not-exist", ExtractType: "nightly"})
	require.Error(t, err)

	var mergeRunCount int
	require.NoError(t, sqlDB.QueryRowContext(ctx, `SELECT COUNT(*) FROM etl_core_merge_runs`).Scan(&mergeRunCount))
	require.Equal(t, 0, mergeRunCount)
}

// TestMergeToCorePreconditionLoadRunNotCompleted covers the second
// precondition check: a load run that hasn't finished extracting must not
// be merged.
func TestMergeToCorePreconditionLoadRunNotCompleted(t *testing.T) {
	sqlDB := setupMergeDatabase(t)
	ctx := context.Background()

	_, err := sqlDB.ExecContext(ctx,
		`INSERT INTO etl_load_runs (load_run_id, status, started_at) VALUES ('lr-running', 'running', NOW())`,
	)
	require.NoError(t, err)

	reg := coremerge.NewDimensionRegistry(coremerge.PracticeHandler)
	facts := coremerge.NewFactRegistry()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	pool := db.NewPool(sqlDB, 3, 10*time.Millisecond)
	store := coremerge.NewCoreStore(pool, reg)
	cache := coremerge.NewFKResolver(store, func(coremerge.DimensionType) []string { return nil }, time.Minute, 1000)
	orch := coremerge.NewOrchestrator(store, pool, cache, reg, facts, log)

	_, err = orch.MergeToCore(ctx, coremerge.MergeOptions{LoadRunID: "lr-running", ExtractType: "nightly"})
	require.Error(t, err)
}
