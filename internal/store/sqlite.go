package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/tariff-sync/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS products (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	hts_code         TEXT NOT NULL UNIQUE,
	description      TEXT NOT NULL DEFAULT '',
	base_rate        REAL NOT NULL DEFAULT 0,
	additional_rates TEXT,
	program_rates    TEXT,
	category         TEXT NOT NULL DEFAULT '',
	total_rate       REAL NOT NULL DEFAULT 0,
	keywords         TEXT,
	common_names     TEXT,
	search_text      TEXT NOT NULL DEFAULT '',
	updated_at       DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS country_rates (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	product_id     INTEGER NOT NULL REFERENCES products(id) ON DELETE CASCADE,
	country_id     INTEGER NOT NULL,
	additional_sum REAL NOT NULL DEFAULT 0,
	total_rate     REAL NOT NULL DEFAULT 0,
	updated_at     DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE(product_id, country_id)
);

CREATE TABLE IF NOT EXISTS tariff_history (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	product_id     INTEGER NOT NULL,
	country_id     INTEGER,
	base_rate      REAL NOT NULL,
	additional_sum REAL NOT NULL DEFAULT 0,
	total_rate     REAL NOT NULL,
	effective_date DATETIME NOT NULL,
	end_date       DATETIME,
	source         TEXT NOT NULL,
	note           TEXT NOT NULL DEFAULT '',
	import_id      TEXT
);

CREATE TABLE IF NOT EXISTS import_records (
	id                 TEXT PRIMARY KEY,
	source_file        TEXT NOT NULL,
	size_bytes         INTEGER NOT NULL DEFAULT 0,
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
	started_at         DATETIME NOT NULL,
	completed_at       DATETIME
);

CREATE TABLE IF NOT EXISTS import_changes (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	import_id   TEXT NOT NULL REFERENCES import_records(id),
	hts_code    TEXT NOT NULL,
	product_id  INTEGER,
	change_type TEXT NOT NULL,
	old_value   TEXT,
	new_value   TEXT,
	created_at  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS sync_runs (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id       TEXT NOT NULL,
	job_type     TEXT NOT NULL,
	status       TEXT NOT NULL,
	started_at   DATETIME NOT NULL,
	completed_at DATETIME,
	rows_synced  INTEGER NOT NULL DEFAULT 0,
	error        TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS sync_jobs (
	id           TEXT PRIMARY KEY,
	job_type     TEXT NOT NULL,
	status       TEXT NOT NULL,
	payload      TEXT NOT NULL,
	attempts     INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 3,
	run_at       DATETIME NOT NULL,
	last_error   TEXT NOT NULL DEFAULT '',
	created_at   DATETIME NOT NULL,
	started_at   DATETIME,
	completed_at DATETIME
);

CREATE TABLE IF NOT EXISTS watchers (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id    INTEGER NOT NULL,
	product_id INTEGER NOT NULL,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE(user_id, product_id)
);

CREATE INDEX IF NOT EXISTS idx_products_hts_code ON products(hts_code);
CREATE INDEX IF NOT EXISTS idx_country_rates_product ON country_rates(product_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_history_pair_open ON tariff_history(product_id, COALESCE(country_id, -1)) WHERE end_date IS NULL;
CREATE INDEX IF NOT EXISTS idx_changes_import ON import_changes(import_id);
CREATE INDEX IF NOT EXISTS idx_runs_type_status ON sync_runs(job_type, status);
CREATE INDEX IF NOT EXISTS idx_jobs_type_status ON sync_jobs(job_type, status, run_at);
CREATE INDEX IF NOT EXISTS idx_watchers_product ON watchers(product_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// DB exposes the handle for test seeding.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

const productCols = `id, hts_code, description, base_rate, additional_rates, program_rates, category, total_rate, keywords, common_names, search_text, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (*model.Product, error) {
	var p model.Product
	var addl, prog, kw, cn sql.NullString
	if err := row.Scan(
		&p.ID, &p.HTSCode, &p.Description, &p.BaseRate,
		&addl, &prog, &p.Category, &p.TotalRate,
		&kw, &cn, &p.SearchText, &p.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if err := unmarshalInto(addl, &p.AdditionalRates); err != nil {
		return nil, eris.Wrap(err, "sqlite: decode additional rates")
	}
	if err := unmarshalInto(prog, &p.ProgramRates); err != nil {
		return nil, eris.Wrap(err, "sqlite: decode program rates")
	}
	if err := unmarshalInto(kw, &p.Keywords); err != nil {
		return nil, eris.Wrap(err, "sqlite: decode keywords")
	}
	if err := unmarshalInto(cn, &p.CommonNames); err != nil {
		return nil, eris.Wrap(err, "sqlite: decode common names")
	}
	return &p, nil
}

func unmarshalInto(col sql.NullString, dst any) error {
	if !col.Valid || col.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(col.String), dst)
}

func marshalOrNull(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (s *SQLiteStore) GetProductByCode(ctx context.Context, htsCode string) (*model.Product, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+productCols+` FROM products WHERE hts_code = ?`, htsCode)
	p, err := scanProduct(row)
	if err != nil {
		if eris.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get product %s", htsCode)
	}
	return p, nil
}

func (s *SQLiteStore) GetProduct(ctx context.Context, id int64) (*model.Product, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+productCols+` FROM products WHERE id = ?`, id)
	p, err := scanProduct(row)
	if err != nil {
		if eris.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get product %d", id)
	}
	return p, nil
}

func (s *SQLiteStore) UpsertProducts(ctx context.Context, products []model.Product) (int64, error) {
	if len(products) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: upsert products: begin")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO products (hts_code, description, base_rate, additional_rates, program_rates, category, total_rate, keywords, common_names, search_text, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(hts_code) DO UPDATE SET
			description = excluded.description,
			base_rate = excluded.base_rate,
			additional_rates = excluded.additional_rates,
			program_rates = excluded.program_rates,
			category = excluded.category,
			total_rate = excluded.total_rate,
			keywords = excluded.keywords,
			common_names = excluded.common_names,
			search_text = excluded.search_text,
			updated_at = excluded.updated_at
	`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: upsert products: prepare")
	}
	defer stmt.Close() //nolint:errcheck

	var n int64
	now := time.Now().UTC()
	for i := range products {
		p := &products[i]
		addl, err := marshalOrNull(p.AdditionalRates)
		if err != nil {
			return n, eris.Wrapf(err, "sqlite: marshal additional rates %s", p.HTSCode)
		}
		prog, err := marshalOrNull(p.ProgramRates)
		if err != nil {
			return n, eris.Wrapf(err, "sqlite: marshal program rates %s", p.HTSCode)
		}
		kw, err := marshalOrNull(p.Keywords)
		if err != nil {
			return n, eris.Wrapf(err, "sqlite: marshal keywords %s", p.HTSCode)
		}
		cn, err := marshalOrNull(p.CommonNames)
		if err != nil {
			return n, eris.Wrapf(err, "sqlite: marshal common names %s", p.HTSCode)
		}
		if _, err := stmt.ExecContext(ctx,
			p.HTSCode, p.Description, p.BaseRate, addl, prog,
			p.Category, p.TotalRate, kw, cn, p.SearchText, now,
		); err != nil {
			return n, eris.Wrapf(err, "sqlite: upsert product %s", p.HTSCode)
		}
		n++
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: upsert products: commit")
	}
	return n, nil
}

func (s *SQLiteStore) DeleteProduct(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM products WHERE id = ?`, id)
	return eris.Wrapf(err, "sqlite: delete product %d", id)
}

func (s *SQLiteStore) ListProductCodes(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT hts_code FROM products ORDER BY hts_code`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list product codes")
	}
	defer rows.Close() //nolint:errcheck

	var codes []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan product code")
		}
		codes = append(codes, c)
	}
	return codes, rows.Err()
}

func (s *SQLiteStore) ProductIDsByCode(ctx context.Context, codes []string) (map[string]int64, error) {
	out := make(map[string]int64, len(codes))
	if len(codes) == 0 {
		return out, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(codes)), ",")
	args := make([]any, len(codes))
	for i, c := range codes {
		args[i] = c
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT hts_code, id FROM products WHERE hts_code IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: product ids by code")
	}
	defer rows.Close() //nolint:errcheck

	for rows.Next() {
		var code string
		var id int64
		if err := rows.Scan(&code, &id); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan product id")
		}
		out[code] = id
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListCountryRates(ctx context.Context, productID int64) ([]model.CountryRate, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, product_id, country_id, additional_sum, total_rate, updated_at
		 FROM country_rates WHERE product_id = ? ORDER BY country_id`, productID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list country rates %d", productID)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.CountryRate
	for rows.Next() {
		var cr model.CountryRate
		if err := rows.Scan(&cr.ID, &cr.ProductID, &cr.CountryID, &cr.AdditionalSum, &cr.TotalRate, &cr.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan country rate")
		}
		out = append(out, cr)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateCountryRateTotal(ctx context.Context, id int64, total float64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE country_rates SET total_rate = ?, updated_at = ? WHERE id = ?`,
		total, time.Now().UTC(), id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update country rate %d", id)
	}
	return checkRowsAffected(res, "country rate", id)
}

func (s *SQLiteStore) AppendHistory(ctx context.Context, h model.TariffHistory) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: append history: begin")
	}
	defer tx.Rollback() //nolint:errcheck

	// Close the currently-open row for the pair. `country_id IS ?` matches
	// NULL against NULL, keeping global and per-country ledgers separate.
	if _, err := tx.ExecContext(ctx,
		`UPDATE tariff_history SET end_date = ?
		 WHERE product_id = ? AND country_id IS ? AND end_date IS NULL`,
		h.EffectiveDate, h.ProductID, h.CountryID,
	); err != nil {
		return 0, eris.Wrap(err, "sqlite: close open history row")
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO tariff_history (product_id, country_id, base_rate, additional_sum, total_rate, effective_date, end_date, source, note, import_id)
		 VALUES (?, ?, ?, ?, ?, ?, NULL, ?, ?, ?)`,
		h.ProductID, h.CountryID, h.BaseRate, h.AdditionalSum, h.TotalRate,
		h.EffectiveDate, string(h.Source), h.Note, h.ImportID,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: insert history row")
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: history last insert id")
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: append history: commit")
	}
	return id, nil
}

const historyCols = `id, product_id, country_id, base_rate, additional_sum, total_rate, effective_date, end_date, source, note, import_id`

func scanHistory(row rowScanner) (*model.TariffHistory, error) {
	var h model.TariffHistory
	var src string
	if err := row.Scan(
		&h.ID, &h.ProductID, &h.CountryID, &h.BaseRate, &h.AdditionalSum,
		&h.TotalRate, &h.EffectiveDate, &h.EndDate, &src, &h.Note, &h.ImportID,
	); err != nil {
		return nil, err
	}
	h.Source = model.HistorySource(src)
	return &h, nil
}

func (s *SQLiteStore) OpenHistory(ctx context.Context, productID int64, countryID *int64) (*model.TariffHistory, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+historyCols+` FROM tariff_history
		 WHERE product_id = ? AND country_id IS ? AND end_date IS NULL`,
		productID, countryID)
	h, err := scanHistory(row)
	if err != nil {
		if eris.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: open history %d", productID)
	}
	return h, nil
}

func (s *SQLiteStore) ListHistory(ctx context.Context, productID int64) ([]model.TariffHistory, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+historyCols+` FROM tariff_history
		 WHERE product_id = ? ORDER BY effective_date DESC, id DESC`, productID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list history %d", productID)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.TariffHistory
	for rows.Next() {
		h, err := scanHistory(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan history")
		}
		out = append(out, *h)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CreateImportRecord(ctx context.Context, rec *model.ImportRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO import_records (id, source_file, size_bytes, row_count, status, started_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.SourceFile, rec.SizeBytes, rec.RowCount, string(rec.Status), rec.StartedAt,
	)
	return eris.Wrapf(err, "sqlite: create import record %s", rec.ID)
}

func (s *SQLiteStore) UpdateImportRecord(ctx context.Context, rec *model.ImportRecord) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE import_records SET
			row_count = ?, status = ?, new_count = ?, updated_count = ?,
			rate_changed_count = ?, desc_changed_count = ?, removed_count = ?,
			skipped_count = ?, summary = ?, error = ?, completed_at = ?
		 WHERE id = ? AND status != ?`,
		rec.RowCount, string(rec.Status), rec.NewCount, rec.UpdatedCount,
		rec.RateChangedCount, rec.DescChangedCount, rec.RemovedCount,
		rec.SkippedCount, rec.Summary, rec.Error, rec.CompletedAt,
		rec.ID, string(model.ImportStatusRolledBack),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update import record %s", rec.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: update import record rows affected")
	}
	if n == 0 {
		return eris.Errorf("import record %s not found or rolled back", rec.ID)
	}
	return nil
}

const importCols = `id, source_file, size_bytes, row_count, status, new_count, updated_count, rate_changed_count, desc_changed_count, removed_count, skipped_count, summary, error, started_at, completed_at`

func scanImportRecord(row rowScanner) (*model.ImportRecord, error) {
	var rec model.ImportRecord
	var status string
	if err := row.Scan(
		&rec.ID, &rec.SourceFile, &rec.SizeBytes, &rec.RowCount, &status,
		&rec.NewCount, &rec.UpdatedCount, &rec.RateChangedCount, &rec.DescChangedCount,
		&rec.RemovedCount, &rec.SkippedCount, &rec.Summary, &rec.Error,
		&rec.StartedAt, &rec.CompletedAt,
	); err != nil {
		return nil, err
	}
	rec.Status = model.ImportStatus(status)
	return &rec, nil
}

func (s *SQLiteStore) GetImportRecord(ctx context.Context, id string) (*model.ImportRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+importCols+` FROM import_records WHERE id = ?`, id)
	rec, err := scanImportRecord(row)
	if err != nil {
		if eris.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get import record %s", id)
	}
	return rec, nil
}

func (s *SQLiteStore) ListImportRecords(ctx context.Context, limit int) ([]model.ImportRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+importCols+` FROM import_records ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list import records")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.ImportRecord
	for rows.Next() {
		rec, err := scanImportRecord(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan import record")
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AppendImportChanges(ctx context.Context, changes []model.ImportChange) error {
	if len(changes) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: append changes: begin")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO import_changes (import_id, hts_code, product_id, change_type, old_value, new_value, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return eris.Wrap(err, "sqlite: append changes: prepare")
	}
	defer stmt.Close() //nolint:errcheck

	for i := range changes {
		c := &changes[i]
		oldVal, err := marshalOrNull(c.Old)
		if err != nil {
			return eris.Wrapf(err, "sqlite: marshal old snapshot %s", c.HTSCode)
		}
		newVal, err := marshalOrNull(c.New)
		if err != nil {
			return eris.Wrapf(err, "sqlite: marshal new snapshot %s", c.HTSCode)
		}
		if _, err := stmt.ExecContext(ctx,
			c.ImportID, c.HTSCode, c.ProductID, string(c.Type), oldVal, newVal, c.CreatedAt,
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert change %s", c.HTSCode)
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: append changes: commit")
}

func (s *SQLiteStore) ListImportChanges(ctx context.Context, importID string, newestFirst bool) ([]model.ImportChange, error) {
	order := "ASC"
	if newestFirst {
		order = "DESC"
	}
	// Ids follow apply order; created_at is stamped during concurrent
	// preparation and cannot order a replay.
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, import_id, hts_code, product_id, change_type, old_value, new_value, created_at
		 FROM import_changes WHERE import_id = ? ORDER BY id `+order,
		importID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list changes %s", importID)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.ImportChange
	for rows.Next() {
		var c model.ImportChange
		var ctype string
		var oldVal, newVal sql.NullString
		if err := rows.Scan(&c.ID, &c.ImportID, &c.HTSCode, &c.ProductID, &ctype, &oldVal, &newVal, &c.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan change")
		}
		c.Type = model.ChangeType(ctype)
		if err := unmarshalInto(oldVal, &c.Old); err != nil {
			return nil, eris.Wrap(err, "sqlite: decode old snapshot")
		}
		if err := unmarshalInto(newVal, &c.New); err != nil {
			return nil, eris.Wrap(err, "sqlite: decode new snapshot")
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) StartSyncRun(ctx context.Context, jobID string, jobType model.JobType) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_runs (job_id, job_type, status, started_at) VALUES (?, ?, ?, ?)`,
		jobID, string(jobType), string(model.RunStatusRunning), time.Now().UTC(),
	)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: start sync run %s", jobID)
	}
	id, err := res.LastInsertId()
	return id, eris.Wrap(err, "sqlite: sync run last insert id")
}

func (s *SQLiteStore) CompleteSyncRun(ctx context.Context, runID int64, rowsSynced int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sync_runs SET status = ?, completed_at = ?, rows_synced = ? WHERE id = ?`,
		string(model.RunStatusComplete), time.Now().UTC(), rowsSynced, runID)
	return eris.Wrapf(err, "sqlite: complete sync run %d", runID)
}

func (s *SQLiteStore) FailSyncRun(ctx context.Context, runID int64, errMsg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sync_runs SET status = ?, completed_at = ?, error = ? WHERE id = ?`,
		string(model.RunStatusFailed), time.Now().UTC(), errMsg, runID)
	return eris.Wrapf(err, "sqlite: fail sync run %d", runID)
}

func (s *SQLiteStore) ListSyncRuns(ctx context.Context, jobType model.JobType, limit int) ([]model.SyncRun, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, job_id, job_type, status, started_at, completed_at, rows_synced, error FROM sync_runs`
	var args []any
	if jobType != "" {
		query += ` WHERE job_type = ?`
		args = append(args, string(jobType))
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list sync runs")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.SyncRun
	for rows.Next() {
		var r model.SyncRun
		var jt, status string
		if err := rows.Scan(&r.ID, &r.JobID, &jt, &status, &r.StartedAt, &r.CompletedAt, &r.RowsSynced, &r.Error); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan sync run")
		}
		r.Type = model.JobType(jt)
		r.Status = model.RunStatus(status)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) LastSuccess(ctx context.Context, jobType model.JobType) (*time.Time, error) {
	var t time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT started_at FROM sync_runs WHERE job_type = ? AND status = ?
		 ORDER BY started_at DESC LIMIT 1`,
		string(jobType), string(model.RunStatusComplete),
	).Scan(&t)
	if err != nil {
		if eris.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: last success for %s", jobType)
	}
	return &t, nil
}

func (s *SQLiteStore) EnqueueJob(ctx context.Context, job *model.SyncJob) error {
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal job payload")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sync_jobs (id, job_type, status, payload, attempts, max_attempts, run_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, string(job.Type), string(job.Status), string(payload),
		job.Attempts, job.MaxAttempts, job.RunAt, job.CreatedAt,
	)
	return eris.Wrapf(err, "sqlite: enqueue job %s", job.ID)
}

const jobCols = `id, job_type, status, payload, attempts, max_attempts, run_at, last_error, created_at, started_at, completed_at`

func scanJob(row rowScanner) (*model.SyncJob, error) {
	var j model.SyncJob
	var jt, status, payload string
	if err := row.Scan(
		&j.ID, &jt, &status, &payload, &j.Attempts, &j.MaxAttempts,
		&j.RunAt, &j.LastError, &j.CreatedAt, &j.StartedAt, &j.CompletedAt,
	); err != nil {
		return nil, err
	}
	j.Type = model.JobType(jt)
	j.Status = model.JobStatus(status)
	if err := json.Unmarshal([]byte(payload), &j.Payload); err != nil {
		return nil, eris.Wrap(err, "sqlite: decode job payload")
	}
	return &j, nil
}

func (s *SQLiteStore) ClaimJobs(ctx context.Context, jobType model.JobType, limit int) ([]model.SyncJob, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: claim jobs: begin")
	}
	defer tx.Rollback() //nolint:errcheck

	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM sync_jobs
		 WHERE job_type = ? AND status = ? AND run_at <= ?
		 ORDER BY created_at ASC LIMIT ?`,
		string(jobType), string(model.JobPending), now, limit)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: claim jobs: select")
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "sqlite: claim jobs: scan id")
		}
		ids = append(ids, id)
	}
	rows.Close() //nolint:errcheck
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: claim jobs: rows")
	}
	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := []any{string(model.JobRunning), now}
	for _, id := range ids {
		args = append(args, id)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE sync_jobs SET status = ?, started_at = ? WHERE id IN (`+placeholders+`)`,
		args...,
	); err != nil {
		return nil, eris.Wrap(err, "sqlite: claim jobs: update")
	}

	idArgs := make([]any, len(ids))
	for i, id := range ids {
		idArgs[i] = id
	}
	jobRows, err := tx.QueryContext(ctx,
		`SELECT `+jobCols+` FROM sync_jobs WHERE id IN (`+placeholders+`) ORDER BY created_at ASC`,
		idArgs...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: claim jobs: reselect")
	}
	var jobs []model.SyncJob
	for jobRows.Next() {
		j, err := scanJob(jobRows)
		if err != nil {
			jobRows.Close()
			return nil, eris.Wrap(err, "sqlite: claim jobs: scan job")
		}
		jobs = append(jobs, *j)
	}
	jobRows.Close() //nolint:errcheck
	if err := jobRows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: claim jobs: job rows")
	}

	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: claim jobs: commit")
	}
	return jobs, nil
}

func (s *SQLiteStore) CompleteJob(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sync_jobs SET status = ?, completed_at = ? WHERE id = ?`,
		string(model.JobCompleted), time.Now().UTC(), id)
	return eris.Wrapf(err, "sqlite: complete job %s", id)
}

func (s *SQLiteStore) RetryJob(ctx context.Context, id string, errMsg string, runAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sync_jobs SET status = ?, attempts = attempts + 1, last_error = ?, run_at = ?, started_at = NULL
		 WHERE id = ?`,
		string(model.JobPending), errMsg, runAt, id)
	return eris.Wrapf(err, "sqlite: retry job %s", id)
}

func (s *SQLiteStore) RequeueRunningJobs(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sync_jobs SET status = ?, started_at = NULL WHERE status = ?`,
		string(model.JobPending), string(model.JobRunning))
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: requeue running jobs")
	}
	n, err := res.RowsAffected()
	return n, eris.Wrap(err, "sqlite: requeue running jobs rows affected")
}

func (s *SQLiteStore) FailJob(ctx context.Context, id string, errMsg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sync_jobs SET status = ?, attempts = attempts + 1, last_error = ?, completed_at = ?
		 WHERE id = ?`,
		string(model.JobFailed), errMsg, time.Now().UTC(), id)
	return eris.Wrapf(err, "sqlite: fail job %s", id)
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.SyncJob, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobCols+` FROM sync_jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err != nil {
		if eris.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get job %s", id)
	}
	return j, nil
}

func (s *SQLiteStore) CountJobs(ctx context.Context) (JobCounts, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_type, status, COUNT(*) FROM sync_jobs GROUP BY job_type, status`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count jobs")
	}
	defer rows.Close() //nolint:errcheck

	counts := make(JobCounts)
	for rows.Next() {
		var jt, status string
		var n int
		if err := rows.Scan(&jt, &status, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan job count")
		}
		t := model.JobType(jt)
		if counts[t] == nil {
			counts[t] = make(map[model.JobStatus]int)
		}
		counts[t][model.JobStatus(status)] = n
	}
	return counts, rows.Err()
}

func (s *SQLiteStore) PruneJobs(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sync_jobs WHERE status IN (?, ?) AND created_at < ?`,
		string(model.JobCompleted), string(model.JobFailed), olderThan)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prune jobs")
	}
	n, err := res.RowsAffected()
	return n, eris.Wrap(err, "sqlite: prune jobs rows affected")
}

func (s *SQLiteStore) ListWatchers(ctx context.Context, productID int64) ([]model.Watcher, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, product_id, created_at FROM watchers WHERE product_id = ?`, productID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list watchers %d", productID)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Watcher
	for rows.Next() {
		var w model.Watcher
		if err := rows.Scan(&w.ID, &w.UserID, &w.ProductID, &w.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan watcher")
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func checkRowsAffected(res sql.Result, kind string, id any) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrapf(err, "sqlite: %s rows affected", kind)
	}
	if n == 0 {
		return eris.Errorf("%s %v not found", kind, id)
	}
	return nil
}

var _ Store = (*SQLiteStore)(nil)
