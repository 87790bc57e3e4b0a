package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/risetech/openfiscal/internal/model"
)

// PgxPool is the subset of pgxpool.Pool the store uses. pgxmock
// implements it for unit tests.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// PostgresStore implements Store using pgx, for deployments that serve
// search from a shared server instead of the embedded file store.
type PostgresStore struct {
	pool PgxPool
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}
	pgxCfg.MaxConns = 10
	pgxCfg.MinConns = 2
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS ibpt_taxes (
	ncm            TEXT NOT NULL,
	uf             TEXT NOT NULL CHECK (length(uf) = 2),
	ex             TEXT,
	tipo           TEXT,
	descricao      TEXT,
	aliq_nacional  DOUBLE PRECISION,
	aliq_estadual  DOUBLE PRECISION,
	aliq_municipal DOUBLE PRECISION,
	aliq_importado DOUBLE PRECISION,
	vigencia_inicio TEXT,
	vigencia_fim   TEXT,
	chave          TEXT,
	versao         TEXT,
	fonte          TEXT,
	search_vector  tsvector GENERATED ALWAYS AS (
		to_tsvector('portuguese', coalesce(ncm, '') || ' ' || coalesce(descricao, ''))
	) STORED,
	PRIMARY KEY (ncm, uf)
);

CREATE TABLE IF NOT EXISTS cest_data (
	cest      TEXT NOT NULL CHECK (cest <> ''),
	ncm       TEXT NOT NULL CHECK (ncm <> ''),
	descricao TEXT,
	PRIMARY KEY (cest, ncm)
);

CREATE TABLE IF NOT EXISTS suggestions (
	id             UUID PRIMARY KEY,
	original_query TEXT NOT NULL,
	ncm            TEXT NOT NULL,
	descricao      TEXT NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_ibpt_taxes_search ON ibpt_taxes USING GIN (search_vector);
CREATE INDEX IF NOT EXISTS idx_ibpt_taxes_ncm ON ibpt_taxes (ncm);
CREATE INDEX IF NOT EXISTS idx_cest_data_ncm ON cest_data (ncm);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) ReplaceRates(ctx context.Context, records []model.RateRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin replace rates")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `DELETE FROM ibpt_taxes`); err != nil {
		return eris.Wrap(err, "postgres: clear rate table")
	}

	for _, rec := range records {
		if _, err := tx.Exec(ctx, `
			INSERT INTO ibpt_taxes
				(ncm, uf, ex, tipo, descricao, aliq_nacional, aliq_estadual, aliq_municipal, aliq_importado,
				 vigencia_inicio, vigencia_fim, chave, versao, fonte)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			ON CONFLICT (ncm, uf) DO NOTHING`,
			rec.NCM, rec.UF, rec.Ex, rec.Tipo, rec.Descricao,
			rec.AliqNacional, rec.AliqEstadual, rec.AliqMunicipal, rec.AliqImportado,
			rec.VigenciaInicio, rec.VigenciaFim, rec.Chave, rec.Versao, rec.Fonte,
		); err != nil {
			return eris.Wrapf(err, "postgres: insert rate %s/%s", rec.NCM, rec.UF)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return eris.Wrap(err, "postgres: commit replace rates")
	}
	return nil
}

func (s *PostgresStore) ReplaceRegimes(ctx context.Context, records []model.RegimeRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin replace regimes")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `DELETE FROM cest_data`); err != nil {
		return eris.Wrap(err, "postgres: clear regime table")
	}

	for _, rec := range records {
		if _, err := tx.Exec(ctx, `
			INSERT INTO cest_data (cest, ncm, descricao) VALUES ($1, $2, $3)
			ON CONFLICT (cest, ncm) DO NOTHING`,
			rec.CEST, rec.NCM, rec.Descricao,
		); err != nil {
			return eris.Wrapf(err, "postgres: insert regime %s/%s", rec.CEST, rec.NCM)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return eris.Wrap(err, "postgres: commit replace regimes")
	}
	return nil
}

// Search uses the built-in Portuguese text-search configuration with
// prefix lexemes, mirroring the FTS index semantics of the sqlite
// driver.
func (s *PostgresStore) Search(ctx context.Context, tokens []string, limit int) ([]model.SearchResult, error) {
	if len(tokens) == 0 {
		return nil, nil
	}

	terms := make([]string, len(tokens))
	for i, tok := range tokens {
		terms[i] = tok + ":*"
	}
	query := strings.Join(terms, " | ")

	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT ncm, descricao, ts_rank(search_vector, q) AS score
		FROM ibpt_taxes, to_tsquery('portuguese', $1) q
		WHERE search_vector @@ q
		ORDER BY score DESC
		LIMIT $2`, query, limit)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: search %q", query)
	}
	defer rows.Close()

	var results []model.SearchResult
	for rows.Next() {
		r := model.SearchResult{Source: model.SourceFTS}
		if err := rows.Scan(&r.NCM, &r.Descricao, &r.Score); err != nil {
			return nil, eris.Wrap(err, "postgres: scan search result")
		}
		results = append(results, r)
	}
	return results, eris.Wrap(rows.Err(), "postgres: search rows")
}

func (s *PostgresStore) FilterByPrefix(ctx context.Context, prefix string, limit int) ([]model.SearchResult, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT ncm, descricao
		FROM ibpt_taxes
		WHERE ncm LIKE $1
		ORDER BY ncm
		LIMIT $2`, prefix+"%", limit)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: filter by prefix %q", prefix)
	}
	defer rows.Close()

	var results []model.SearchResult
	for rows.Next() {
		r := model.SearchResult{Source: model.SourcePrefix}
		if err := rows.Scan(&r.NCM, &r.Descricao); err != nil {
			return nil, eris.Wrap(err, "postgres: scan prefix result")
		}
		results = append(results, r)
	}
	return results, eris.Wrap(rows.Err(), "postgres: prefix rows")
}

func (s *PostgresStore) RegimeForCode(ctx context.Context, ncm string) (*model.RegimeRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT cest, ncm, descricao
		FROM cest_data
		WHERE $1 LIKE ncm || '%'
		ORDER BY length(ncm) DESC, ncm ASC, cest ASC
		LIMIT 1`, ncm)

	var rec model.RegimeRecord
	if err := row.Scan(&rec.CEST, &rec.NCM, &rec.Descricao); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: regime for %s", ncm)
	}
	return &rec, nil
}

func (s *PostgresStore) CountRates(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM ibpt_taxes`).Scan(&n)
	return n, eris.Wrap(err, "postgres: count rates")
}

func (s *PostgresStore) CountRegimes(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM cest_data`).Scan(&n)
	return n, eris.Wrap(err, "postgres: count regimes")
}

func (s *PostgresStore) SaveSuggestion(ctx context.Context, sg model.Suggestion) error {
	if sg.ID == "" {
		sg.ID = uuid.New().String()
	}
	if sg.CreatedAt.IsZero() {
		sg.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO suggestions (id, original_query, ncm, descricao, created_at) VALUES ($1, $2, $3, $4, $5)`,
		sg.ID, sg.OriginalQuery, sg.NCM, sg.Descricao, sg.CreatedAt,
	)
	return eris.Wrap(err, "postgres: insert suggestion")
}

func (s *PostgresStore) ExportRows(ctx context.Context) ([]model.ExportRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT i.ncm, i.uf, i.ex, i.tipo, i.descricao,
		       i.aliq_nacional, i.aliq_estadual, i.aliq_municipal, i.aliq_importado,
		       i.vigencia_inicio, i.vigencia_fim, i.chave, i.versao, i.fonte,
		       COALESCE((SELECT c.cest FROM cest_data c
		                 WHERE i.ncm LIKE c.ncm || '%'
		                 ORDER BY length(c.ncm) DESC, c.ncm ASC, c.cest ASC LIMIT 1), ''),
		       COALESCE((SELECT c.descricao FROM cest_data c
		                 WHERE i.ncm LIKE c.ncm || '%'
		                 ORDER BY length(c.ncm) DESC, c.ncm ASC, c.cest ASC LIMIT 1), '')
		FROM ibpt_taxes i
		ORDER BY i.ncm, i.uf`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: export rows")
	}
	defer rows.Close()

	var out []model.ExportRow
	for rows.Next() {
		var r model.ExportRow
		if err := rows.Scan(
			&r.NCM, &r.UF, &r.Ex, &r.Tipo, &r.Descricao,
			&r.AliqNacional, &r.AliqEstadual, &r.AliqMunicipal, &r.AliqImportado,
			&r.VigenciaInicio, &r.VigenciaFim, &r.Chave, &r.Versao, &r.Fonte,
			&r.CEST, &r.CESTDescricao,
		); err != nil {
			return nil, eris.Wrap(err, "postgres: scan export row")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: export rows")
}
