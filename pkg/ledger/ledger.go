// Package ledger is the durable session store. It is the single
// source of truth for grants: enforcement state is always re-derivable
// from the rows here.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/andred88/bth-lab/pkg/models"
)

type ledgerDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store wraps the sessions and blocked_sites tables.
type Store struct {
	DB ledgerDB
}

func New(db ledgerDB) *Store {
	return &Store{DB: db}
}

// CreateSession opens a new access window for ip. Any prior active
// row for the same IP is deactivated first (same-IP login is a
// takeover, never a reactivation), keeping at most one active session
// per IP.
func (s *Store) CreateSession(ctx context.Context, userID uuid.UUID, username, ip, role string, ttl time.Duration) (models.Session, error) {
	cleanIP, err := models.ValidateClientIP(ip)
	if err != nil {
		return models.Session{}, err
	}
	if ttl <= 0 {
		return models.Session{}, fmt.Errorf("%w: non-positive session ttl %v", models.ErrInvalidInput, ttl)
	}
	now := time.Now().UTC()
	sess := models.Session{
		ID:         uuid.New(),
		UserID:     userID,
		Username:   username,
		IPAddress:  cleanIP,
		Role:       role,
		LoginTime:  now,
		ExpiryTime: now.Add(ttl),
		Active:     true,
	}
	// One statement, so takeover is atomic: two racing logins from the
	// same IP can never both leave an active row. The partial unique
	// index on (ip_address) WHERE active backstops the rare case where
	// neither statement sees the other's insert.
	if _, err := s.DB.Exec(ctx, `
		WITH prior AS (
			UPDATE sessions SET active = false
			WHERE ip_address = $3 AND active = true
		)
		INSERT INTO sessions (id, user_id, ip_address, role, login_time, expiry_time, active)
		VALUES ($1, $2, $3, $4, $5, $6, true)
	`, sess.ID, sess.UserID, sess.IPAddress, sess.Role, sess.LoginTime, sess.ExpiryTime); err != nil {
		return models.Session{}, fmt.Errorf("create session for %s: %w", cleanIP, err)
	}
	return sess, nil
}

// FindActiveByIP returns the most recent active, unexpired session
// for ip, or nil when the IP holds no grant.
func (s *Store) FindActiveByIP(ctx context.Context, ip string) (*models.Session, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT s.id, s.user_id, u.username, s.ip_address, s.role, s.login_time, s.expiry_time, s.active
		FROM sessions s
		JOIN users u ON s.user_id = u.id
		WHERE s.ip_address = $1 AND s.active = true AND s.expiry_time > now()
		ORDER BY s.login_time DESC
		LIMIT 1
	`, ip)
	sess, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find active session for %s: %w", ip, err)
	}
	return &sess, nil
}

// Get returns one session row by id regardless of state.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT s.id, s.user_id, u.username, s.ip_address, s.role, s.login_time, s.expiry_time, s.active
		FROM sessions s
		JOIN users u ON s.user_id = u.id
		WHERE s.id = $1
	`, id)
	sess, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return &sess, nil
}

// Deactivate marks one session inactive. Deactivating an already
// inactive session is a no-op.
func (s *Store) Deactivate(ctx context.Context, id uuid.UUID) error {
	if _, err := s.DB.Exec(ctx, `
		UPDATE sessions SET active = false WHERE id = $1 AND active = true
	`, id); err != nil {
		return fmt.Errorf("deactivate session %s: %w", id, err)
	}
	return nil
}

// DeactivateByIP marks every active session for ip inactive.
func (s *Store) DeactivateByIP(ctx context.Context, ip string) error {
	if _, err := s.DB.Exec(ctx, `
		UPDATE sessions SET active = false WHERE ip_address = $1 AND active = true
	`, ip); err != nil {
		return fmt.Errorf("deactivate sessions for %s: %w", ip, err)
	}
	return nil
}

// SweepExpired atomically deactivates every expired-but-active row
// and returns the pre-sweep snapshot the caller needs to revoke
// enforcement. The single conditional UPDATE ... RETURNING guarantees
// no row is handed to two concurrent sweeps.
func (s *Store) SweepExpired(ctx context.Context) ([]models.Session, error) {
	rows, err := s.DB.Query(ctx, `
		UPDATE sessions SET active = false
		WHERE active = true AND expiry_time < now()
		RETURNING id, user_id, ip_address, role, login_time, expiry_time
	`)
	if err != nil {
		return nil, fmt.Errorf("sweep expired sessions: %w", err)
	}
	defer rows.Close()
	var out []models.Session
	for rows.Next() {
		var sess models.Session
		if err := rows.Scan(&sess.ID, &sess.UserID, &sess.IPAddress, &sess.Role, &sess.LoginTime, &sess.ExpiryTime); err != nil {
			return nil, fmt.Errorf("scan swept session: %w", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sweep rows: %w", err)
	}
	return out, nil
}

// ListActive returns all active, unexpired sessions, newest first.
func (s *Store) ListActive(ctx context.Context) ([]models.Session, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT s.id, s.user_id, u.username, s.ip_address, s.role, s.login_time, s.expiry_time, s.active
		FROM sessions s
		JOIN users u ON s.user_id = u.id
		WHERE s.active = true AND s.expiry_time > now()
		ORDER BY s.login_time DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	defer rows.Close()
	var out []models.Session
	for rows.Next() {
		var sess models.Session
		if err := rows.Scan(&sess.ID, &sess.UserID, &sess.Username, &sess.IPAddress, &sess.Role, &sess.LoginTime, &sess.ExpiryTime, &sess.Active); err != nil {
			return nil, fmt.Errorf("scan active session: %w", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("active rows: %w", err)
	}
	return out, nil
}

// BlockedDomainsByRole returns every (role, domain) pair, used only
// by startup reconciliation to replay resolver rules.
func (s *Store) BlockedDomainsByRole(ctx context.Context) ([]models.RoleDomain, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT r.name, bs.domain
		FROM blocked_sites bs
		JOIN roles r ON bs.role_id = r.id
		ORDER BY bs.created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list blocked domains: %w", err)
	}
	defer rows.Close()
	var out []models.RoleDomain
	for rows.Next() {
		var rd models.RoleDomain
		if err := rows.Scan(&rd.Role, &rd.Domain); err != nil {
			return nil, fmt.Errorf("scan blocked domain: %w", err)
		}
		out = append(out, rd)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("blocked domain rows: %w", err)
	}
	return out, nil
}

// Stats aggregates the admin dashboard numbers.
func (s *Store) Stats(ctx context.Context) (models.Stats, error) {
	stats := models.Stats{RoleCounts: map[string]int{}, GeneratedAt: time.Now().UTC()}
	if err := s.DB.QueryRow(ctx, `
		SELECT COUNT(*) FROM sessions WHERE active = true AND expiry_time > now()
	`).Scan(&stats.ActiveSessions); err != nil {
		return stats, fmt.Errorf("count active sessions: %w", err)
	}
	if err := s.DB.QueryRow(ctx, `SELECT COUNT(*) FROM users`).Scan(&stats.TotalUsers); err != nil {
		return stats, fmt.Errorf("count users: %w", err)
	}
	if err := s.DB.QueryRow(ctx, `
		SELECT COUNT(*) FROM sessions WHERE login_time > now() - INTERVAL '24 hours'
	`).Scan(&stats.LoginsToday); err != nil {
		return stats, fmt.Errorf("count recent logins: %w", err)
	}
	rows, err := s.DB.Query(ctx, `
		SELECT r.name, COUNT(u.id)
		FROM roles r
		LEFT JOIN users u ON r.id = u.role_id
		GROUP BY r.id, r.name
	`)
	if err != nil {
		return stats, fmt.Errorf("count users per role: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		var count int
		if err := rows.Scan(&name, &count); err != nil {
			return stats, fmt.Errorf("scan role count: %w", err)
		}
		stats.RoleCounts[name] = count
	}
	if err := rows.Err(); err != nil {
		return stats, fmt.Errorf("role count rows: %w", err)
	}
	return stats, nil
}

func scanSession(row pgx.Row) (models.Session, error) {
	var sess models.Session
	err := row.Scan(&sess.ID, &sess.UserID, &sess.Username, &sess.IPAddress, &sess.Role, &sess.LoginTime, &sess.ExpiryTime, &sess.Active)
	return sess, err
}
