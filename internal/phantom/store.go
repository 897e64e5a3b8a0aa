package phantom

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// PostgresStore persists phantoms in the phantom_transactions and
// phantom_access_logs tables.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema creates the phantom tables if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS phantom_transactions (
			phantom_id          TEXT PRIMARY KEY,
			user_id             TEXT NOT NULL,
			amount              DOUBLE PRECISION NOT NULL,
			merchant            TEXT NOT NULL,
			location            TEXT NOT NULL,
			ts                  TIMESTAMPTZ NOT NULL,
			profile_similarity  DOUBLE PRECISION NOT NULL,
			risk_bait_level     INTEGER NOT NULL,
			decoy_type          TEXT NOT NULL,
			session_fingerprint TEXT NOT NULL,
			status              TEXT NOT NULL,
			expires_at          TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_phantom_user_status
			ON phantom_transactions (user_id, status)`,
		`CREATE TABLE IF NOT EXISTS phantom_access_logs (
			id                 BIGSERIAL PRIMARY KEY,
			phantom_id         TEXT NOT NULL REFERENCES phantom_transactions (phantom_id),
			access_time        TIMESTAMPTZ NOT NULL,
			source_ip          TEXT NOT NULL,
			geo                TEXT,
			device_fingerprint TEXT,
			threat_level       INTEGER NOT NULL,
			user_id            TEXT NOT NULL,
			accessed           BOOLEAN NOT NULL DEFAULT FALSE
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure phantom schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) ActiveUsers(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT user_id FROM user_limits WHERE active = TRUE`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		users = append(users, id)
	}
	return users, rows.Err()
}

func (s *PostgresStore) InsertPhantom(ctx context.Context, tx *Transaction) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO phantom_transactions (
			phantom_id, user_id, amount, merchant, location, ts,
			profile_similarity, risk_bait_level, decoy_type,
			session_fingerprint, status, expires_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		tx.PhantomID, tx.UserID, tx.Amount, tx.Merchant, tx.Location, tx.Timestamp,
		tx.ProfileSimilarity, tx.RiskBaitLevel, tx.DecoyType,
		tx.SessionFingerprint, tx.Status, tx.ExpiresAt)
	return err
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, phantomID, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE phantom_transactions SET status = $1 WHERE phantom_id = $2`,
		status, phantomID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("phantom %s not found", phantomID)
	}
	return nil
}

func (s *PostgresStore) AccessLogs(ctx context.Context) ([]AccessLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.phantom_id, a.access_time, a.source_ip,
		       COALESCE(a.geo, ''), COALESCE(a.device_fingerprint, ''),
		       a.threat_level, a.user_id, a.accessed
		FROM phantom_access_logs a
		JOIN phantom_transactions p ON p.phantom_id = a.phantom_id
		WHERE p.status = $1`, StatusActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []AccessLog
	for rows.Next() {
		var l AccessLog
		if err := rows.Scan(&l.PhantomID, &l.AccessTime, &l.SourceIP,
			&l.Geo, &l.DeviceFingerprint, &l.ThreatLevel, &l.UserID, &l.Accessed); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

func (s *PostgresStore) LogAccess(ctx context.Context, entry AccessLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO phantom_access_logs (
			phantom_id, access_time, source_ip, geo,
			device_fingerprint, threat_level, user_id, accessed
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		entry.PhantomID, entry.AccessTime, entry.SourceIP, entry.Geo,
		entry.DeviceFingerprint, entry.ThreatLevel, entry.UserID, entry.Accessed)
	return err
}

func (s *PostgresStore) ExpiredPhantoms(ctx context.Context, now time.Time) ([]Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT phantom_id, user_id, amount, merchant, location, ts,
		       profile_similarity, risk_bait_level, decoy_type,
		       session_fingerprint, status, expires_at
		FROM phantom_transactions
		WHERE status = $1 AND expires_at < $2`, StatusActive, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPhantoms(rows)
}

func (s *PostgresStore) UserPhantoms(ctx context.Context, userID, status string) ([]Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT phantom_id, user_id, amount, merchant, location, ts,
		       profile_similarity, risk_bait_level, decoy_type,
		       session_fingerprint, status, expires_at
		FROM phantom_transactions
		WHERE user_id = $1 AND status = $2
		ORDER BY ts DESC`, userID, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPhantoms(rows)
}

func scanPhantoms(rows *sql.Rows) ([]Transaction, error) {
	var out []Transaction
	for rows.Next() {
		var tx Transaction
		if err := rows.Scan(&tx.PhantomID, &tx.UserID, &tx.Amount, &tx.Merchant,
			&tx.Location, &tx.Timestamp, &tx.ProfileSimilarity, &tx.RiskBaitLevel,
			&tx.DecoyType, &tx.SessionFingerprint, &tx.Status, &tx.ExpiresAt); err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

// RedisCache backs the phantom lookup cache with Redis. Values are
// stored as JSON under "phantom:{id}" keys.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache wraps a connected Redis client.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, data, ttl).Err()
}

func (c *RedisCache) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}
