package store

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/tariff-sync/internal/db"
	"github.com/sells-group/tariff-sync/internal/model"
)

// PostgresStore implements Store on a pgx pool. Batch writes go through
// db.BulkUpsert to keep round-trips bounded.
type PostgresStore struct {
	pool db.Pool
}

// NewPostgres wraps an existing pool. The caller owns the pool lifecycle
// unless it implements Close.
func NewPostgres(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS products (
	id               BIGSERIAL PRIMARY KEY,
	hts_code         TEXT NOT NULL UNIQUE,
	description      TEXT NOT NULL DEFAULT '',
	base_rate        DOUBLE PRECISION NOT NULL DEFAULT 0,
	additional_rates JSONB,
	program_rates    JSONB,
	category         TEXT NOT NULL DEFAULT '',
	total_rate       DOUBLE PRECISION NOT NULL DEFAULT 0,
	keywords         JSONB,
	common_names     JSONB,
	search_text      TEXT NOT NULL DEFAULT '',
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS country_rates (
	id             BIGSERIAL PRIMARY KEY,
	product_id     BIGINT NOT NULL REFERENCES products(id) ON DELETE CASCADE,
	country_id     BIGINT NOT NULL,
	additional_sum DOUBLE PRECISION NOT NULL DEFAULT 0,
	total_rate     DOUBLE PRECISION NOT NULL DEFAULT 0,
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE(product_id, country_id)
);

CREATE TABLE IF NOT EXISTS tariff_history (
	id             BIGSERIAL PRIMARY KEY,
	product_id     BIGINT NOT NULL,
	country_id     BIGINT,
	base_rate      DOUBLE PRECISION NOT NULL,
	additional_sum DOUBLE PRECISION NOT NULL DEFAULT 0,
	total_rate     DOUBLE PRECISION NOT NULL,
	effective_date TIMESTAMPTZ NOT NULL,
	end_date       TIMESTAMPTZ,
	source         TEXT NOT NULL,
	note           TEXT NOT NULL DEFAULT '',
	import_id      TEXT
);

CREATE TABLE IF NOT EXISTS import_records (
	id                 TEXT PRIMARY KEY,
	source_file        TEXT NOT NULL,
	size_bytes         BIGINT NOT NULL DEFAULT 0,
	row_count          INTEGER NOT NULL DEFAULT 0,
	status             TEXT NOT NULL,
	new_count          INTEGER NOT NULL DEFAULT 0,
	updated_count      INTEGER NOT NULL DEFAULT 0,
	rate_changed_count INTEGER NOT NULL DEFAULT 0,
	desc_changed_count INTEGER NOT NULL DEFAULT 0,
	removed_count      INTEGER NOT NULL DEFAULT 0,
	skipped_count      INTEGER NOT NULL DEFAULT 0,
	summary            TEXT NOT NULL DEFAULT '',
	error              TEXT NOT NULL DEFAULT '',
	started_at         TIMESTAMPTZ NOT NULL,
	completed_at       TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS import_changes (
	id          BIGSERIAL PRIMARY KEY,
	import_id   TEXT NOT NULL REFERENCES import_records(id),
	hts_code    TEXT NOT NULL,
	product_id  BIGINT,
	change_type TEXT NOT NULL,
	old_value   JSONB,
	new_value   JSONB,
	created_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS sync_runs (
	id           BIGSERIAL PRIMARY KEY,
	job_id       TEXT NOT NULL,
	job_type     TEXT NOT NULL,
	status       TEXT NOT NULL,
	started_at   TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ,
	rows_synced  BIGINT NOT NULL DEFAULT 0,
	error        TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS sync_jobs (
	id           TEXT PRIMARY KEY,
	job_type     TEXT NOT NULL,
	status       TEXT NOT NULL,
	payload      JSONB NOT NULL,
	attempts     INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 3,
	run_at       TIMESTAMPTZ NOT NULL,
	last_error   TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL,
	started_at   TIMESTAMPTZ,
	completed_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS watchers (
	id         BIGSERIAL PRIMARY KEY,
	user_id    BIGINT NOT NULL,
	product_id BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE(user_id, product_id)
);

CREATE INDEX IF NOT EXISTS idx_country_rates_product ON country_rates(product_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_history_pair_open ON tariff_history(product_id, COALESCE(country_id, -1)) WHERE end_date IS NULL;
CREATE INDEX IF NOT EXISTS idx_changes_import ON import_changes(import_id);
CREATE INDEX IF NOT EXISTS idx_runs_type_status ON sync_runs(job_type, status);
CREATE INDEX IF NOT EXISTS idx_jobs_type_status ON sync_jobs(job_type, status, run_at);
CREATE INDEX IF NOT EXISTS idx_watchers_product ON watchers(product_id);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(postgresMigration, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return eris.Wrap(err, "postgres: migrate")
		}
	}
	return nil
}

func (s *PostgresStore) Close() error {
	type closer interface{ Close() }
	if c, ok := s.pool.(closer); ok {
		c.Close()
	}
	return nil
}

func scanPgProduct(row pgx.Row) (*model.Product, error) {
	var p model.Product
	var addl, prog, kw, cn []byte
	if err := row.Scan(
		&p.ID, &p.HTSCode, &p.Description, &p.BaseRate,
		&addl, &prog, &p.Category, &p.TotalRate,
		&kw, &cn, &p.SearchText, &p.UpdatedAt,
	); err != nil {
		return nil, err
	}
	for _, pair := range []struct {
		raw []byte
		dst any
	}{
		{addl, &p.AdditionalRates},
		{prog, &p.ProgramRates},
		{kw, &p.Keywords},
		{cn, &p.CommonNames},
	} {
		if len(pair.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(pair.raw, pair.dst); err != nil {
			return nil, eris.Wrap(err, "postgres: decode product json")
		}
	}
	return &p, nil
}

func (s *PostgresStore) GetProductByCode(ctx context.Context, htsCode string) (*model.Product, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+productCols+` FROM products WHERE hts_code = $1`, htsCode)
	p, err := scanPgProduct(row)
	if err != nil {
		if eris.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get product %s", htsCode)
	}
	return p, nil
}

func (s *PostgresStore) GetProduct(ctx context.Context, id int64) (*model.Product, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+productCols+` FROM products WHERE id = $1`, id)
	p, err := scanPgProduct(row)
	if err != nil {
		if eris.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get product %d", id)
	}
	return p, nil
}

var productUpsertCfg = db.UpsertConfig{
	Table: "products",
	Columns: []string{
		"hts_code", "description", "base_rate", "additional_rates", "program_rates",
		"category", "total_rate", "keywords", "common_names", "search_text", "updated_at",
	},
	ConflictKeys: []string{"hts_code"},
}

func (s *PostgresStore) UpsertProducts(ctx context.Context, products []model.Product) (int64, error) {
	if len(products) == 0 {
		return 0, nil
	}

	now := time.Now().UTC()
	rows := make([][]any, 0, len(products))
	for i := range products {
		p := &products[i]
		addl, err := marshalOrNull(p.AdditionalRates)
		if err != nil {
			return 0, eris.Wrapf(err, "postgres: marshal additional rates %s", p.HTSCode)
		}
		prog, err := marshalOrNull(p.ProgramRates)
		if err != nil {
			return 0, eris.Wrapf(err, "postgres: marshal program rates %s", p.HTSCode)
		}
		kw, err := marshalOrNull(p.Keywords)
		if err != nil {
			return 0, eris.Wrapf(err, "postgres: marshal keywords %s", p.HTSCode)
		}
		cn, err := marshalOrNull(p.CommonNames)
		if err != nil {
			return 0, eris.Wrapf(err, "postgres: marshal common names %s", p.HTSCode)
		}
		rows = append(rows, []any{
			p.HTSCode, p.Description, p.BaseRate, addl, prog,
			p.Category, p.TotalRate, kw, cn, p.SearchText, now,
		})
	}

	n, err := db.BulkUpsert(ctx, s.pool, productUpsertCfg, rows)
	return n, eris.Wrap(err, "postgres: upsert products")
}

func (s *PostgresStore) DeleteProduct(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM products WHERE id = $1`, id)
	return eris.Wrapf(err, "postgres: delete product %d", id)
}

func (s *PostgresStore) ListProductCodes(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT hts_code FROM products ORDER BY hts_code`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list product codes")
	}
	defer rows.Close()

	var codes []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, eris.Wrap(err, "postgres: scan product code")
		}
		codes = append(codes, c)
	}
	return codes, rows.Err()
}

func (s *PostgresStore) ProductIDsByCode(ctx context.Context, codes []string) (map[string]int64, error) {
	out := make(map[string]int64, len(codes))
	if len(codes) == 0 {
		return out, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT hts_code, id FROM products WHERE hts_code = ANY($1)`, codes)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: product ids by code")
	}
	defer rows.Close()

	for rows.Next() {
		var code string
		var id int64
		if err := rows.Scan(&code, &id); err != nil {
			return nil, eris.Wrap(err, "postgres: scan product id")
		}
		out[code] = id
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListCountryRates(ctx context.Context, productID int64) ([]model.CountryRate, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, product_id, country_id, additional_sum, total_rate, updated_at
		 FROM country_rates WHERE product_id = $1 ORDER BY country_id`, productID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list country rates %d", productID)
	}
	defer rows.Close()

	var out []model.CountryRate
	for rows.Next() {
		var cr model.CountryRate
		if err := rows.Scan(&cr.ID, &cr.ProductID, &cr.CountryID, &cr.AdditionalSum, &cr.TotalRate, &cr.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan country rate")
		}
		out = append(out, cr)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateCountryRateTotal(ctx context.Context, id int64, total float64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE country_rates SET total_rate = $1, updated_at = now() WHERE id = $2`,
		total, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: update country rate %d", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("country rate %d not found", id)
	}
	return nil
}

func (s *PostgresStore) AppendHistory(ctx context.Context, h model.TariffHistory) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: append history: begin")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// Concurrent appends for the same pair would each see the other's open
	// row as still open under READ COMMITTED and insert a second one. The
	// transaction-scoped advisory lock serializes the close-then-insert per
	// pair; the partial unique index on open rows backstops it.
	if _, err := tx.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtextextended('tariff_history:' || $1::text || ':' || COALESCE($2::text, 'global'), 0))`,
		h.ProductID, h.CountryID,
	); err != nil {
		return 0, eris.Wrap(err, "postgres: lock history pair")
	}

	// IS NOT DISTINCT FROM matches NULL country ids without a separate
	// branch for the global ledger.
	if _, err := tx.Exec(ctx,
		`UPDATE tariff_history SET end_date = $1
		 WHERE product_id = $2 AND country_id IS NOT DISTINCT FROM $3 AND end_date IS NULL`,
		h.EffectiveDate, h.ProductID, h.CountryID,
	); err != nil {
		return 0, eris.Wrap(err, "postgres: close open history row")
	}

	var id int64
	if err := tx.QueryRow(ctx,
		`INSERT INTO tariff_history (product_id, country_id, base_rate, additional_sum, total_rate, effective_date, end_date, source, note, import_id)
		 VALUES ($1, $2, $3, $4, $5, $6, NULL, $7, $8, $9)
		 RETURNING id`,
		h.ProductID, h.CountryID, h.BaseRate, h.AdditionalSum, h.TotalRate,
		h.EffectiveDate, string(h.Source), h.Note, h.ImportID,
	).Scan(&id); err != nil {
		return 0, eris.Wrap(err, "postgres: insert history row")
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "postgres: append history: commit")
	}
	return id, nil
}

func (s *PostgresStore) OpenHistory(ctx context.Context, productID int64, countryID *int64) (*model.TariffHistory, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+historyCols+` FROM tariff_history
		 WHERE product_id = $1 AND country_id IS NOT DISTINCT FROM $2 AND end_date IS NULL`,
		productID, countryID)
	h, err := scanHistory(row)
	if err != nil {
		if eris.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: open history %d", productID)
	}
	return h, nil
}

func (s *PostgresStore) ListHistory(ctx context.Context, productID int64) ([]model.TariffHistory, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+historyCols+` FROM tariff_history
		 WHERE product_id = $1 ORDER BY effective_date DESC, id DESC`, productID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list history %d", productID)
	}
	defer rows.Close()

	var out []model.TariffHistory
	for rows.Next() {
		h, err := scanHistory(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan history")
		}
		out = append(out, *h)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateImportRecord(ctx context.Context, rec *model.ImportRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO import_records (id, source_file, size_bytes, row_count, status, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.ID, rec.SourceFile, rec.SizeBytes, rec.RowCount, string(rec.Status), rec.StartedAt,
	)
	return eris.Wrapf(err, "postgres: create import record %s", rec.ID)
}

func (s *PostgresStore) UpdateImportRecord(ctx context.Context, rec *model.ImportRecord) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE import_records SET
			row_count = $1, status = $2, new_count = $3, updated_count = $4,
			rate_changed_count = $5, desc_changed_count = $6, removed_count = $7,
			skipped_count = $8, summary = $9, error = $10, completed_at = $11
		 WHERE id = $12 AND status != $13`,
		rec.RowCount, string(rec.Status), rec.NewCount, rec.UpdatedCount,
		rec.RateChangedCount, rec.DescChangedCount, rec.RemovedCount,
		rec.SkippedCount, rec.Summary, rec.Error, rec.CompletedAt,
		rec.ID, string(model.ImportStatusRolledBack),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update import record %s", rec.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("import record %s not found or rolled back", rec.ID)
	}
	return nil
}

func (s *PostgresStore) GetImportRecord(ctx context.Context, id string) (*model.ImportRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+importCols+` FROM import_records WHERE id = $1`, id)
	rec, err := scanImportRecord(row)
	if err != nil {
		if eris.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get import record %s", id)
	}
	return rec, nil
}

func (s *PostgresStore) ListImportRecords(ctx context.Context, limit int) ([]model.ImportRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+importCols+` FROM import_records ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list import records")
	}
	defer rows.Close()

	var out []model.ImportRecord
	for rows.Next() {
		rec, err := scanImportRecord(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan import record")
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AppendImportChanges(ctx context.Context, changes []model.ImportChange) error {
	if len(changes) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for i := range changes {
		c := &changes[i]
		oldVal, err := marshalOrNull(c.Old)
		if err != nil {
			return eris.Wrapf(err, "postgres: marshal old snapshot %s", c.HTSCode)
		}
		newVal, err := marshalOrNull(c.New)
		if err != nil {
			return eris.Wrapf(err, "postgres: marshal new snapshot %s", c.HTSCode)
		}
		batch.Queue(
			`INSERT INTO import_changes (import_id, hts_code, product_id, change_type, old_value, new_value, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			c.ImportID, c.HTSCode, c.ProductID, string(c.Type), oldVal, newVal, c.CreatedAt,
		)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: append changes: begin")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	res := tx.SendBatch(ctx, batch)
	for range changes {
		if _, err := res.Exec(); err != nil {
			res.Close() //nolint:errcheck
			return eris.Wrap(err, "postgres: append changes: exec")
		}
	}
	if err := res.Close(); err != nil {
		return eris.Wrap(err, "postgres: append changes: close batch")
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: append changes: commit")
}

func (s *PostgresStore) ListImportChanges(ctx context.Context, importID string, newestFirst bool) ([]model.ImportChange, error) {
	order := "ASC"
	if newestFirst {
		order = "DESC"
	}
	// Ids follow apply order; created_at is stamped during concurrent
	// preparation and cannot order a replay.
	rows, err := s.pool.Query(ctx,
		`SELECT id, import_id, hts_code, product_id, change_type, old_value, new_value, created_at
		 FROM import_changes WHERE import_id = $1 ORDER BY id `+order,
		importID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list changes %s", importID)
	}
	defer rows.Close()

	var out []model.ImportChange
	for rows.Next() {
		var c model.ImportChange
		var ctype string
		var oldVal, newVal []byte
		if err := rows.Scan(&c.ID, &c.ImportID, &c.HTSCode, &c.ProductID, &ctype, &oldVal, &newVal, &c.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan change")
		}
		c.Type = model.ChangeType(ctype)
		if len(oldVal) > 0 {
			if err := json.Unmarshal(oldVal, &c.Old); err != nil {
				return nil, eris.Wrap(err, "postgres: decode old snapshot")
			}
		}
		if len(newVal) > 0 {
			if err := json.Unmarshal(newVal, &c.New); err != nil {
				return nil, eris.Wrap(err, "postgres: decode new snapshot")
			}
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) StartSyncRun(ctx context.Context, jobID string, jobType model.JobType) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO sync_runs (job_id, job_type, status, started_at)
		 VALUES ($1, $2, $3, now()) RETURNING id`,
		jobID, string(jobType), string(model.RunStatusRunning),
	).Scan(&id)
	return id, eris.Wrapf(err, "postgres: start sync run %s", jobID)
}

func (s *PostgresStore) CompleteSyncRun(ctx context.Context, runID int64, rowsSynced int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE sync_runs SET status = $1, completed_at = now(), rows_synced = $2 WHERE id = $3`,
		string(model.RunStatusComplete), rowsSynced, runID)
	return eris.Wrapf(err, "postgres: complete sync run %d", runID)
}

func (s *PostgresStore) FailSyncRun(ctx context.Context, runID int64, errMsg string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE sync_runs SET status = $1, completed_at = now(), error = $2 WHERE id = $3`,
		string(model.RunStatusFailed), errMsg, runID)
	return eris.Wrapf(err, "postgres: fail sync run %d", runID)
}

func (s *PostgresStore) ListSyncRuns(ctx context.Context, jobType model.JobType, limit int) ([]model.SyncRun, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, job_id, job_type, status, started_at, completed_at, rows_synced, error FROM sync_runs`
	var args []any
	if jobType != "" {
		query += ` WHERE job_type = $1 ORDER BY started_at DESC LIMIT $2`
		args = append(args, string(jobType), limit)
	} else {
		query += ` ORDER BY started_at DESC LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list sync runs")
	}
	defer rows.Close()

	var out []model.SyncRun
	for rows.Next() {
		var r model.SyncRun
		var jt, status string
		if err := rows.Scan(&r.ID, &r.JobID, &jt, &status, &r.StartedAt, &r.CompletedAt, &r.RowsSynced, &r.Error); err != nil {
			return nil, eris.Wrap(err, "postgres: scan sync run")
		}
		r.Type = model.JobType(jt)
		r.Status = model.RunStatus(status)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) LastSuccess(ctx context.Context, jobType model.JobType) (*time.Time, error) {
	var t time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT started_at FROM sync_runs WHERE job_type = $1 AND status = $2
		 ORDER BY started_at DESC LIMIT 1`,
		string(jobType), string(model.RunStatusComplete),
	).Scan(&t)
	if err != nil {
		if eris.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: last success for %s", jobType)
	}
	return &t, nil
}

func (s *PostgresStore) EnqueueJob(ctx context.Context, job *model.SyncJob) error {
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal job payload")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO sync_jobs (id, job_type, status, payload, attempts, max_attempts, run_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		job.ID, string(job.Type), string(job.Status), payload,
		job.Attempts, job.MaxAttempts, job.RunAt, job.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: enqueue job %s", job.ID)
}

func (s *PostgresStore) ClaimJobs(ctx context.Context, jobType model.JobType, limit int) ([]model.SyncJob, error) {
	if limit <= 0 {
		return nil, nil
	}

	// Single statement claim. FOR UPDATE SKIP LOCKED lets concurrent
	// workers drain the queue without claiming the same job twice.
	rows, err := s.pool.Query(ctx,
		`UPDATE sync_jobs SET status = $1, started_at = now()
		 WHERE id IN (
			SELECT id FROM sync_jobs
			WHERE job_type = $2 AND status = $3 AND run_at <= now()
			ORDER BY created_at ASC
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+jobCols,
		string(model.JobRunning), string(jobType), string(model.JobPending), limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: claim jobs")
	}
	defer rows.Close()

	var jobs []model.SyncJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan claimed job")
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

func (s *PostgresStore) CompleteJob(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE sync_jobs SET status = $1, completed_at = now() WHERE id = $2`,
		string(model.JobCompleted), id)
	return eris.Wrapf(err, "postgres: complete job %s", id)
}

func (s *PostgresStore) RetryJob(ctx context.Context, id string, errMsg string, runAt time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE sync_jobs SET status = $1, attempts = attempts + 1, last_error = $2, run_at = $3, started_at = NULL
		 WHERE id = $4`,
		string(model.JobPending), errMsg, runAt, id)
	return eris.Wrapf(err, "postgres: retry job %s", id)
}

func (s *PostgresStore) RequeueRunningJobs(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sync_jobs SET status = $1, started_at = NULL WHERE status = $2`,
		string(model.JobPending), string(model.JobRunning))
	if err != nil {
		return 0, eris.Wrap(err, "postgres: requeue running jobs")
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) FailJob(ctx context.Context, id string, errMsg string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE sync_jobs SET status = $1, attempts = attempts + 1, last_error = $2, completed_at = now()
		 WHERE id = $3`,
		string(model.JobFailed), errMsg, id)
	return eris.Wrapf(err, "postgres: fail job %s", id)
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*model.SyncJob, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobCols+` FROM sync_jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if err != nil {
		if eris.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get job %s", id)
	}
	return j, nil
}

func (s *PostgresStore) CountJobs(ctx context.Context) (JobCounts, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT job_type, status, COUNT(*) FROM sync_jobs GROUP BY job_type, status`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count jobs")
	}
	defer rows.Close()

	counts := make(JobCounts)
	for rows.Next() {
		var jt, status string
		var n int
		if err := rows.Scan(&jt, &status, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan job count")
		}
		t := model.JobType(jt)
		if counts[t] == nil {
			counts[t] = make(map[model.JobStatus]int)
		}
		counts[t][model.JobStatus(status)] = n
	}
	return counts, rows.Err()
}

func (s *PostgresStore) PruneJobs(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM sync_jobs WHERE status IN ($1, $2) AND created_at < $3`,
		string(model.JobCompleted), string(model.JobFailed), olderThan)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: prune jobs")
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) ListWatchers(ctx context.Context, productID int64) ([]model.Watcher, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, product_id, created_at FROM watchers WHERE product_id = $1`, productID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list watchers %d", productID)
	}
	defer rows.Close()

	var out []model.Watcher
	for rows.Next() {
		var w model.Watcher
		if err := rows.Scan(&w.ID, &w.UserID, &w.ProductID, &w.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan watcher")
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
