// Package roles stores the administrator-managed access policies and
// the per-role blocked-domain rules behind them.
package roles

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/andred88/bth-lab/pkg/models"
	"github.com/andred88/bth-lab/pkg/store"
)

var (
	ErrNotFound  = errors.New("role not found")
	ErrDuplicate = errors.New("already exists")
)

const cacheTTL = 5 * time.Minute

type rolesDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store reads roles through a small TTL cache. Policy lookups happen on
// every login, the rows almost never change.
type Store struct {
	db    rolesDB
	cache store.Cache
}

func New(db rolesDB, cache store.Cache) *Store {
	if cache == nil {
		cache = store.NewMemoryCache()
	}
	return &Store{db: db, cache: cache}
}

func cacheKey(name string) string { return "role:" + name }

// GetByName resolves a role policy by name, serving from cache when the
// entry is fresh.
func (s *Store) GetByName(ctx context.Context, name string) (*models.Role, error) {
	if cached, err := s.cache.Get(ctx, cacheKey(name)); err == nil {
		var r models.Role
		if err := json.Unmarshal([]byte(cached), &r); err == nil {
			return &r, nil
		}
		// A corrupt entry falls through to the database.
		_ = s.cache.Del(ctx, cacheKey(name))
	}
	row := s.db.QueryRow(ctx, `
		SELECT id, name, access_duration, unrestricted_access, created_at
		FROM roles WHERE name = $1`, name)
	r, err := scanRole(row)
	if err != nil {
		return nil, err
	}
	if buf, err := json.Marshal(r); err == nil {
		if err := s.cache.Set(ctx, cacheKey(name), string(buf), cacheTTL); err != nil {
			log.Printf("roles: cache set %s: %v", name, err)
		}
	}
	return r, nil
}

// Get returns one role by id, bypassing the cache.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*models.Role, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, name, access_duration, unrestricted_access, created_at
		FROM roles WHERE id = $1`, id)
	return scanRole(row)
}

// List returns every role with its blocked domains attached.
func (s *Store) List(ctx context.Context) ([]models.Role, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, name, access_duration, unrestricted_access, created_at
		FROM roles ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list roles: %w", err)
	}
	defer rows.Close()

	var out []models.Role
	for rows.Next() {
		var r models.Role
		if err := rows.Scan(&r.ID, &r.Name, &r.AccessDuration, &r.Unrestricted, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan role: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		domains, err := s.BlockedDomains(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].BlockedDomains = domains
	}
	return out, nil
}

// UpdateDuration changes how long future sessions under this role last.
// Sessions already granted keep their original expiry.
func (s *Store) UpdateDuration(ctx context.Context, id uuid.UUID, seconds int) error {
	if seconds <= 0 {
		return fmt.Errorf("update role duration: %w", models.ErrInvalidInput)
	}
	name, err := s.nameOf(ctx, id)
	if err != nil {
		return err
	}
	tag, err := s.db.Exec(ctx,
		`UPDATE roles SET access_duration = $1 WHERE id = $2`, seconds, id)
	if err != nil {
		return fmt.Errorf("update role duration: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return s.cache.Del(ctx, cacheKey(name))
}

// AddBlockedSite records one normalized (domain, role) rule.
func (s *Store) AddBlockedSite(ctx context.Context, roleID uuid.UUID, domain string) (*models.BlockedSite, error) {
	normalized := models.NormalizeDomain(domain)
	if normalized == "" {
		return nil, fmt.Errorf("%w: empty domain", models.ErrInvalidInput)
	}
	site := &models.BlockedSite{
		ID:     uuid.New(),
		Domain: normalized,
		RoleID: roleID,
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO blocked_sites (id, domain, role_id) VALUES ($1, $2, $3)`,
		site.ID, site.Domain, site.RoleID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrDuplicate
		}
		return nil, fmt.Errorf("insert blocked site: %w", err)
	}
	return site, nil
}

// RemoveBlockedSite deletes one rule and returns it so the caller can
// undo the matching resolver rule.
func (s *Store) RemoveBlockedSite(ctx context.Context, id uuid.UUID) (*models.BlockedSite, error) {
	row := s.db.QueryRow(ctx, `
		DELETE FROM blocked_sites WHERE id = $1
		RETURNING id, domain, role_id, created_at`, id)
	var site models.BlockedSite
	err := row.Scan(&site.ID, &site.Domain, &site.RoleID, &site.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("delete blocked site: %w", err)
	}
	return &site, nil
}

// BlockedDomains returns the domains blocked for one role.
func (s *Store) BlockedDomains(ctx context.Context, roleID uuid.UUID) ([]string, error) {
	rows, err := s.db.Query(ctx, `
		SELECT domain FROM blocked_sites WHERE role_id = $1 ORDER BY domain`, roleID)
	if err != nil {
		return nil, fmt.Errorf("list blocked domains: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("scan domain: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) nameOf(ctx context.Context, id uuid.UUID) (string, error) {
	var name string
	err := s.db.QueryRow(ctx, `SELECT name FROM roles WHERE id = $1`, id).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("resolve role name: %w", err)
	}
	return name, nil
}

func scanRole(row pgx.Row) (*models.Role, error) {
	var r models.Role
	err := row.Scan(&r.ID, &r.Name, &r.AccessDuration, &r.Unrestricted, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan role: %w", err)
	}
	return &r, nil
}
