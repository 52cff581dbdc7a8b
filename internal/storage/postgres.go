package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	logx "docconv/pkg/logx"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS docconv_kv (
  key        TEXT PRIMARY KEY,
  val        BYTEA NOT NULL,
  expires_at TIMESTAMPTZ,
  updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS docconv_kv_expires_at ON docconv_kv(expires_at) WHERE expires_at IS NOT NULL;
`

type postgresStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("postgres dsn is required")
	}
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres pool: %w", err)
	}
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(pctx, pgSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}
	return &postgresStore{pool: pool, log: log}, nil
}

func (s *postgresStore) Name() string { return "postgres" }

func (s *postgresStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var val []byte
	err := s.pool.QueryRow(ctx,
		`SELECT val FROM docconv_kv WHERE key = $1 AND (expires_at IS NULL OR expires_at > NOW())`,
		key,
	).Scan(&val)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (s *postgresStore) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	var exp *time.Time
	if ttl > 0 {
		t := time.Now().Add(ttl)
		exp = &t
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO docconv_kv (key, val, expires_at, updated_at) VALUES ($1, $2, $3, NOW())
		 ON CONFLICT (key) DO UPDATE SET val = EXCLUDED.val, expires_at = EXCLUDED.expires_at, updated_at = NOW()`,
		key, val, exp,
	)
	return err
}

func (s *postgresStore) DeleteMatch(ctx context.Context, pattern string) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM docconv_kv WHERE key LIKE $1 ESCAPE '\' AND (expires_at IS NULL OR expires_at > NOW())`,
		globToLike(pattern),
	)
	if err != nil {
		return 0, err
	}
	_, _ = s.pool.Exec(ctx, `DELETE FROM docconv_kv WHERE expires_at IS NOT NULL AND expires_at <= NOW()`)
	return int(tag.RowsAffected()), nil
}

func (s *postgresStore) Count(ctx context.Context, pattern string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM docconv_kv WHERE key LIKE $1 ESCAPE '\' AND (expires_at IS NULL OR expires_at > NOW())`,
		globToLike(pattern),
	).Scan(&n)
	return n, err
}

func (s *postgresStore) Info(context.Context) (map[string]string, error) {
	st := s.pool.Stat()
	return map[string]string{
		"total_conns":    strconv.Itoa(int(st.TotalConns())),
		"idle_conns":     strconv.Itoa(int(st.IdleConns())),
		"acquired_conns": strconv.Itoa(int(st.AcquiredConns())),
	}, nil
}

func (s *postgresStore) Close() error {
	s.pool.Close()
	return nil
}

// globToLike translates * and ? to LIKE wildcards. Character classes are
// matched literally.
func globToLike(pattern string) string {
	var b strings.Builder
	escaped := false
	for _, r := range pattern {
		switch {
		case escaped:
			if r == '%' || r == '_' || r == '\\' {
				b.WriteByte('\\')
			}
			b.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped = true
		case r == '*':
			b.WriteByte('%')
		case r == '?':
			b.WriteByte('_')
		case r == '%' || r == '_':
			b.WriteByte('\\')
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
