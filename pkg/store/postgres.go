package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"
)

// PostgresBackend implements Backend on the kv_* and rate_events tables so
// every server and worker process sees the same state.
type PostgresBackend struct {
	db *sql.DB
}

// NewPostgresBackend creates a backend on an already-migrated pool.
func NewPostgresBackend(db *sql.DB) *PostgresBackend {
	return &PostgresBackend{db: db}
}

// expiry converts a TTL into a nullable timestamp argument.
func expiry(ttl time.Duration) any {
	if ttl <= 0 {
		return nil
	}
	return time.Now().Add(ttl)
}

// likePrefix escapes LIKE metacharacters in prefix and appends a wildcard.
func likePrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix) + "%"
}

func (p *PostgresBackend) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// lockKey serializes writers of one key until the transaction ends.
func lockKey(ctx context.Context, tx *sql.Tx, key string) error {
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
		return fmt.Errorf("lock key %s: %w", key, err)
	}
	return nil
}

func writeHash(ctx context.Context, tx *sql.Tx, key string, fields map[string]string, ttl time.Duration) error {
	// An expired key starts over empty.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM kv_hashes WHERE key = $1 AND expires_at IS NOT NULL AND expires_at <= now()`, key); err != nil {
		return fmt.Errorf("drop expired fields: %w", err)
	}
	exp := expiry(ttl)
	for field, value := range fields {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO kv_hashes (key, field, value, expires_at) VALUES ($1, $2, $3, $4)
			 ON CONFLICT (key, field) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at`,
			key, field, value, exp); err != nil {
			return fmt.Errorf("set field %s: %w", field, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE kv_hashes SET expires_at = $2 WHERE key = $1`, key, exp); err != nil {
		return fmt.Errorf("refresh ttl: %w", err)
	}
	return nil
}

func readHash(ctx context.Context, q interface {
	QueryContext(context.Context, string, ...any) (*sql.Rows, error)
}, key string) (map[string]string, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT field, value FROM kv_hashes
		 WHERE key = $1 AND (expires_at IS NULL OR expires_at > now())`, key)
	if err != nil {
		return nil, fmt.Errorf("read hash %s: %w", key, err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]string)
	for rows.Next() {
		var field, value string
		if err := rows.Scan(&field, &value); err != nil {
			return nil, fmt.Errorf("scan hash %s: %w", key, err)
		}
		out[field] = value
	}
	return out, rows.Err()
}

func (p *PostgresBackend) HSet(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error {
	return p.withTx(ctx, func(tx *sql.Tx) error {
		if err := lockKey(ctx, tx, key); err != nil {
			return err
		}
		return writeHash(ctx, tx, key, fields, ttl)
	})
}

func (p *PostgresBackend) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return readHash(ctx, p.db, key)
}

func (p *PostgresBackend) HUpdate(ctx context.Context, key string, ttl time.Duration, fn func(map[string]string) (map[string]string, error)) error {
	return p.withTx(ctx, func(tx *sql.Tx) error {
		if err := lockKey(ctx, tx, key); err != nil {
			return err
		}
		current, err := readHash(ctx, tx, key)
		if err != nil {
			return err
		}
		changes, err := fn(maps.Clone(current))
		if err != nil {
			return err
		}
		if changes == nil {
			return nil
		}
		return writeHash(ctx, tx, key, changes, ttl)
	})
}

func (p *PostgresBackend) LPush(ctx context.Context, key, value string, ttl time.Duration) error {
	return p.withTx(ctx, func(tx *sql.Tx) error {
		if err := lockKey(ctx, tx, key); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM kv_lists WHERE key = $1 AND expires_at IS NOT NULL AND expires_at <= now()`, key); err != nil {
			return fmt.Errorf("drop expired entries: %w", err)
		}
		exp := expiry(ttl)
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO kv_lists (key, value, expires_at) VALUES ($1, $2, $3)`, key, value, exp); err != nil {
			return fmt.Errorf("push %s: %w", key, err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE kv_lists SET expires_at = $2 WHERE key = $1`, key, exp); err != nil {
			return fmt.Errorf("refresh ttl: %w", err)
		}
		return nil
	})
}

func (p *PostgresBackend) LRange(ctx context.Context, key string, limit int) ([]string, error) {
	query := `SELECT value FROM kv_lists
		WHERE key = $1 AND (expires_at IS NULL OR expires_at > now())
		ORDER BY id DESC`
	args := []any{key}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("range %s: %w", key, err)
	}
	defer func() { _ = rows.Close() }()

	out := []string{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan %s: %w", key, err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (p *PostgresBackend) Del(ctx context.Context, keys ...string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	var removed int
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := countLive(ctx, tx,
			`key = ANY($1)`, keys)
		if err != nil {
			return err
		}
		var counters int
		if err := tx.QueryRowContext(ctx,
			`WITH d AS (DELETE FROM kv_counters WHERE key = ANY($1) RETURNING key) SELECT count(*) FROM d`,
			keys).Scan(&counters); err != nil {
			return fmt.Errorf("delete counters: %w", err)
		}
		for _, table := range []string{"kv_hashes", "kv_lists"} {
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE key = ANY($1)`, keys); err != nil {
				return fmt.Errorf("delete from %s: %w", table, err)
			}
		}
		removed = existing + counters
		return nil
	})
	return removed, err
}

func (p *PostgresBackend) DelPrefix(ctx context.Context, prefix string) (int, error) {
	var removed int
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		n, err := countLive(ctx, tx, `key LIKE $1 ESCAPE '\'`, likePrefix(prefix))
		if err != nil {
			return err
		}
		for _, table := range []string{"kv_hashes", "kv_lists"} {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM `+table+` WHERE key LIKE $1 ESCAPE '\'`, likePrefix(prefix)); err != nil {
				return fmt.Errorf("delete prefix from %s: %w", table, err)
			}
		}
		removed = n
		return nil
	})
	return removed, err
}

// liveKeysQuery selects distinct unexpired hash and list keys matching cond,
// which may reference $1.
func liveKeysQuery(cond string) string {
	return `SELECT key FROM kv_hashes WHERE ` + cond + ` AND (expires_at IS NULL OR expires_at > now())
		UNION
		SELECT key FROM kv_lists WHERE ` + cond + ` AND (expires_at IS NULL OR expires_at > now())`
}

func countLive(ctx context.Context, tx *sql.Tx, cond string, arg any) (int, error) {
	var n int
	if err := tx.QueryRowContext(ctx, `SELECT count(*) FROM (`+liveKeysQuery(cond)+`) k`, arg).Scan(&n); err != nil {
		return 0, fmt.Errorf("count keys: %w", err)
	}
	return n, nil
}

func (p *PostgresBackend) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, liveKeysQuery(`key LIKE $1 ESCAPE '\'`)+` ORDER BY key`, likePrefix(prefix))
	if err != nil {
		return nil, fmt.Errorf("list keys %s: %w", prefix, err)
	}
	defer func() { _ = rows.Close() }()

	keys := []string{}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (p *PostgresBackend) CountKeys(ctx context.Context, prefix string) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx,
		`SELECT count(*) FROM (`+liveKeysQuery(`key LIKE $1 ESCAPE '\'`)+`) k`, likePrefix(prefix)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count keys %s: %w", prefix, err)
	}
	return n, nil
}

func (p *PostgresBackend) WindowAdd(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	var allowed bool
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		if err := lockKey(ctx, tx, key); err != nil {
			return err
		}
		windowSecs := window.Seconds()
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM rate_events WHERE key = $1 AND occurred_at <= clock_timestamp() - make_interval(secs => $2)`,
			key, windowSecs); err != nil {
			return fmt.Errorf("trim window: %w", err)
		}
		var count int
		if err := tx.QueryRowContext(ctx,
			`SELECT count(*) FROM rate_events WHERE key = $1`, key).Scan(&count); err != nil {
			return fmt.Errorf("count window: %w", err)
		}
		if count >= limit {
			return nil
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO rate_events (key, occurred_at, expires_at)
			 VALUES ($1, clock_timestamp(), clock_timestamp() + make_interval(secs => $2))`,
			key, windowSecs); err != nil {
			return fmt.Errorf("record event: %w", err)
		}
		allowed = true
		return nil
	})
	return allowed, err
}

func (p *PostgresBackend) IncrBounded(ctx context.Context, key string, max int64, ttl time.Duration) (bool, int64, error) {
	var value int64
	err := p.db.QueryRowContext(ctx,
		`INSERT INTO kv_counters (key, value, expires_at) VALUES ($1, 1, $3)
		 ON CONFLICT (key) DO UPDATE SET
		   value = CASE WHEN kv_counters.expires_at IS NOT NULL AND kv_counters.expires_at <= now()
		                THEN 1 ELSE kv_counters.value + 1 END,
		   expires_at = EXCLUDED.expires_at
		 WHERE kv_counters.value < $2
		    OR (kv_counters.expires_at IS NOT NULL AND kv_counters.expires_at <= now())
		 RETURNING value`,
		key, max, expiry(ttl)).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		current, cerr := p.Counter(ctx, key)
		return false, current, cerr
	}
	if err != nil {
		return false, 0, fmt.Errorf("increment %s: %w", key, err)
	}
	return true, value, nil
}

func (p *PostgresBackend) Decr(ctx context.Context, key string) (int64, error) {
	var value int64
	err := p.db.QueryRowContext(ctx,
		`UPDATE kv_counters SET value = GREATEST(value - 1, 0)
		 WHERE key = $1 AND (expires_at IS NULL OR expires_at > now())
		 RETURNING value`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("decrement %s: %w", key, err)
	}
	return value, nil
}

func (p *PostgresBackend) Counter(ctx context.Context, key string) (int64, error) {
	var value int64
	err := p.db.QueryRowContext(ctx,
		`SELECT value FROM kv_counters WHERE key = $1 AND (expires_at IS NULL OR expires_at > now())`,
		key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read counter %s: %w", key, err)
	}
	return value, nil
}

func (p *PostgresBackend) PurgeExpired(ctx context.Context) (int64, error) {
	var total int64
	for _, table := range []string{"kv_hashes", "kv_lists", "kv_counters", "rate_events"} {
		res, err := p.db.ExecContext(ctx,
			`DELETE FROM `+table+` WHERE expires_at IS NOT NULL AND expires_at <= now()`)
		if err != nil {
			return total, fmt.Errorf("purge %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

func (p *PostgresBackend) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}
