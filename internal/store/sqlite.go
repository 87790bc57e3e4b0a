package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/risetech/openfiscal/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a read-write SQLite database at the given path and
// configures WAL mode so search reads never block on the writer.
func NewSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

// OpenReadOnly opens the store for the search service. A missing or
// corrupt store file fails here, at construction, rather than on the
// first query.
func OpenReadOnly(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open read-only")
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "sqlite: exec busy_timeout")
	}
	// Force the lazy open so a broken store surfaces now.
	var n int
	if err := db.QueryRow(`SELECT count(*) FROM sqlite_master`).Scan(&n); err != nil {
		db.Close() //nolint:errcheck
		return nil, eris.Wrapf(err, "sqlite: verify store %s", path)
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS ibpt_taxes (
	ncm            TEXT NOT NULL,
	uf             TEXT NOT NULL CHECK (length(uf) = 2),
	ex             TEXT,
	tipo           TEXT,
	descricao      TEXT,
	aliqNacional   REAL,
	aliqEstadual   REAL,
	aliqMunicipal  REAL,
	aliqImportado  REAL,
	vigenciaInicio TEXT,
	vigenciaFim    TEXT,
	chave          TEXT,
	versao         TEXT,
	fonte          TEXT,
	PRIMARY KEY (ncm, uf)
);

CREATE TABLE IF NOT EXISTS cest_data (
	cest      TEXT NOT NULL CHECK (cest <> ''),
	ncm       TEXT NOT NULL CHECK (ncm <> ''),
	descricao TEXT,
	PRIMARY KEY (cest, ncm)
);

CREATE TABLE IF NOT EXISTS suggestions (
	id             TEXT PRIMARY KEY,
	original_query TEXT NOT NULL,
	ncm            TEXT NOT NULL,
	descricao      TEXT NOT NULL,
	created_at     DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_ncm_ibpt ON ibpt_taxes (ncm);
CREATE INDEX IF NOT EXISTS idx_ncm_cest ON cest_data (ncm);
CREATE INDEX IF NOT EXISTS idx_cest_data_cest ON cest_data (cest);

CREATE VIRTUAL TABLE IF NOT EXISTS ibpt_search USING fts5(
	ncm,
	descricao,
	content='ibpt_taxes',
	content_rowid='rowid',
	tokenize = 'porter unicode61'
);

CREATE TRIGGER IF NOT EXISTS ibpt_taxes_after_insert AFTER INSERT ON ibpt_taxes BEGIN
	INSERT INTO ibpt_search(rowid, ncm, descricao) VALUES (new.rowid, new.ncm, new.descricao);
END;

CREATE TRIGGER IF NOT EXISTS ibpt_taxes_after_delete AFTER DELETE ON ibpt_taxes BEGIN
	INSERT INTO ibpt_search(ibpt_search, rowid, ncm, descricao) VALUES ('delete', old.rowid, old.ncm, old.descricao);
END;

CREATE TRIGGER IF NOT EXISTS ibpt_taxes_after_update AFTER UPDATE ON ibpt_taxes BEGIN
	INSERT INTO ibpt_search(ibpt_search, rowid, ncm, descricao) VALUES ('delete', old.rowid, old.ncm, old.descricao);
	INSERT INTO ibpt_search(rowid, ncm, descricao) VALUES (new.rowid, new.ncm, new.descricao);
END;
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ReplaceRates swaps in a new generation of the rate table and rebuilds
// the search index, all in one transaction. On any failure the previous
// generation remains queryable.
func (s *SQLiteStore) ReplaceRates(ctx context.Context, records []model.RateRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin replace rates")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM ibpt_taxes`); err != nil {
		return eris.Wrap(err, "sqlite: clear rate table")
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO ibpt_taxes
			(ncm, uf, ex, tipo, descricao, aliqNacional, aliqEstadual, aliqMunicipal, aliqImportado,
			 vigenciaInicio, vigenciaFim, chave, versao, fonte)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare rate insert")
	}
	defer stmt.Close() //nolint:errcheck

	for _, rec := range records {
		if _, err := stmt.ExecContext(ctx,
			rec.NCM, rec.UF, rec.Ex, rec.Tipo, rec.Descricao,
			rec.AliqNacional, rec.AliqEstadual, rec.AliqMunicipal, rec.AliqImportado,
			rec.VigenciaInicio, rec.VigenciaFim, rec.Chave, rec.Versao, rec.Fonte,
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert rate %s/%s", rec.NCM, rec.UF)
		}
	}

	// Realign the search index with the freshly loaded generation.
	if _, err := tx.ExecContext(ctx, `INSERT INTO ibpt_search(ibpt_search) VALUES('rebuild')`); err != nil {
		return eris.Wrap(err, "sqlite: rebuild search index")
	}

	if err := tx.Commit(); err != nil {
		return eris.Wrap(err, "sqlite: commit replace rates")
	}
	return nil
}

// ReplaceRegimes swaps in a new generation of the regime table in one
// transaction, independent of the rate table.
func (s *SQLiteStore) ReplaceRegimes(ctx context.Context, records []model.RegimeRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin replace regimes")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM cest_data`); err != nil {
		return eris.Wrap(err, "sqlite: clear regime table")
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO cest_data (cest, ncm, descricao) VALUES (?, ?, ?)`)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare regime insert")
	}
	defer stmt.Close() //nolint:errcheck

	for _, rec := range records {
		if _, err := stmt.ExecContext(ctx, rec.CEST, rec.NCM, rec.Descricao); err != nil {
			return eris.Wrapf(err, "sqlite: insert regime %s/%s", rec.CEST, rec.NCM)
		}
	}

	if err := tx.Commit(); err != nil {
		return eris.Wrap(err, "sqlite: commit replace regimes")
	}
	return nil
}

// Search runs a disjunctive prefix match over the FTS index and returns
// results in relevance order, deduplicated by (ncm, descricao).
func (s *SQLiteStore) Search(ctx context.Context, tokens []string, limit int) ([]model.SearchResult, error) {
	if len(tokens) == 0 {
		return nil, nil
	}

	terms := make([]string, len(tokens))
	for i, tok := range tokens {
		terms[i] = tok + "*"
	}
	match := strings.Join(terms, " OR ")

	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT ncm, descricao, -rank
		FROM ibpt_search
		WHERE ibpt_search MATCH ?
		ORDER BY rank
		LIMIT ?`, match, limit)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: search %q", match)
	}
	defer rows.Close() //nolint:errcheck

	var results []model.SearchResult
	for rows.Next() {
		r := model.SearchResult{Source: model.SourceFTS}
		if err := rows.Scan(&r.NCM, &r.Descricao, &r.Score); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan search result")
		}
		results = append(results, r)
	}
	return results, eris.Wrap(rows.Err(), "sqlite: search rows")
}

// FilterByPrefix returns records whose code starts with prefix. This is
// a plain prefix scan, not a ranked full-text lookup.
func (s *SQLiteStore) FilterByPrefix(ctx context.Context, prefix string, limit int) ([]model.SearchResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT ncm, descricao
		FROM ibpt_taxes
		WHERE ncm LIKE ?
		ORDER BY ncm
		LIMIT ?`, prefix+"%", limit)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: filter by prefix %q", prefix)
	}
	defer rows.Close() //nolint:errcheck

	var results []model.SearchResult
	for rows.Next() {
		r := model.SearchResult{Source: model.SourcePrefix}
		if err := rows.Scan(&r.NCM, &r.Descricao); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan prefix result")
		}
		results = append(results, r)
	}
	return results, eris.Wrap(rows.Err(), "sqlite: prefix rows")
}

func (s *SQLiteStore) RegimeForCode(ctx context.Context, ncm string) (*model.RegimeRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT cest, ncm, descricao
		FROM cest_data
		WHERE ? LIKE ncm || '%'
		ORDER BY length(ncm) DESC, ncm ASC, cest ASC
		LIMIT 1`, ncm)

	var rec model.RegimeRecord
	if err := row.Scan(&rec.CEST, &rec.NCM, &rec.Descricao); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: regime for %s", ncm)
	}
	return &rec, nil
}

func (s *SQLiteStore) CountRates(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM ibpt_taxes`).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count rates")
}

func (s *SQLiteStore) CountRegimes(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM cest_data`).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count regimes")
}

func (s *SQLiteStore) SaveSuggestion(ctx context.Context, sg model.Suggestion) error {
	if sg.ID == "" {
		sg.ID = uuid.New().String()
	}
	if sg.CreatedAt.IsZero() {
		sg.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO suggestions (id, original_query, ncm, descricao, created_at) VALUES (?, ?, ?, ?, ?)`,
		sg.ID, sg.OriginalQuery, sg.NCM, sg.Descricao, sg.CreatedAt,
	)
	return eris.Wrap(err, "sqlite: insert suggestion")
}

// ExportRows joins each rate record with its longest-prefix regime
// record. Equal-length prefixes tie-break on (ncm, cest).
func (s *SQLiteStore) ExportRows(ctx context.Context) ([]model.ExportRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT i.ncm, i.uf, i.ex, i.tipo, i.descricao,
		       i.aliqNacional, i.aliqEstadual, i.aliqMunicipal, i.aliqImportado,
		       i.vigenciaInicio, i.vigenciaFim, i.chave, i.versao, i.fonte,
		       COALESCE((SELECT c.cest FROM cest_data c
		                 WHERE i.ncm LIKE c.ncm || '%'
		                 ORDER BY length(c.ncm) DESC, c.ncm ASC, c.cest ASC LIMIT 1), ''),
		       COALESCE((SELECT c.descricao FROM cest_data c
		                 WHERE i.ncm LIKE c.ncm || '%'
		                 ORDER BY length(c.ncm) DESC, c.ncm ASC, c.cest ASC LIMIT 1), '')
		FROM ibpt_taxes i
		ORDER BY i.ncm, i.uf`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: export rows")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.ExportRow
	for rows.Next() {
		var r model.ExportRow
		if err := rows.Scan(
			&r.NCM, &r.UF, &r.Ex, &r.Tipo, &r.Descricao,
			&r.AliqNacional, &r.AliqEstadual, &r.AliqMunicipal, &r.AliqImportado,
			&r.VigenciaInicio, &r.VigenciaFim, &r.Chave, &r.Versao, &r.Fonte,
			&r.CEST, &r.CESTDescricao,
		); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan export row")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: export rows")
}
