// Package users manages portal accounts and credential verification.
package users

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"golang.org/x/crypto/bcrypt"

	"github.com/andred88/bth-lab/pkg/models"
)

var (
	ErrNotFound     = errors.New("user not found")
	ErrBadPassword  = errors.New("invalid credentials")
	ErrDuplicate    = errors.New("username already taken")
	ErrWeakPassword = errors.New("password too short")
)

const minPasswordLen = 6

type usersDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	db usersDB
}

func New(db usersDB) *Store {
	return &Store{db: db}
}

// Authenticate checks username/password against the stored bcrypt hash
// and returns the account with its role name resolved. Unknown users
// and wrong passwords both come back as ErrBadPassword so the login
// endpoint cannot be used to probe for valid usernames.
func (s *Store) Authenticate(ctx context.Context, username, password string) (*models.User, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return nil, ErrBadPassword
	}
	u, err := s.byUsername(ctx, username)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrBadPassword
		}
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return nil, ErrBadPassword
	}
	return u, nil
}

// Create registers a new account under the given role.
func (s *Store) Create(ctx context.Context, username, password string, roleID uuid.UUID) (*models.User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, fmt.Errorf("create user: %w", models.ErrInvalidInput)
	}
	if len(password) < minPasswordLen {
		return nil, ErrWeakPassword
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	u := &models.User{
		ID:           uuid.New(),
		Username:     username,
		PasswordHash: string(hash),
		RoleID:       roleID,
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO users (id, username, password_hash, role_id) VALUES ($1, $2, $3, $4)`,
		u.ID, u.Username, u.PasswordHash, u.RoleID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrDuplicate
		}
		return nil, fmt.Errorf("insert user: %w", err)
	}
	return u, nil
}

// UpdatePassword rehashes and stores a new password for the account.
func (s *Store) UpdatePassword(ctx context.Context, id uuid.UUID, password string) error {
	if len(password) < minPasswordLen {
		return ErrWeakPassword
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	tag, err := s.db.Exec(ctx,
		`UPDATE users SET password_hash = $1 WHERE id = $2`, string(hash), id)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes the account. Its sessions stay in the ledger for audit.
func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Get returns one account by id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*models.User, error) {
	row := s.db.QueryRow(ctx, `
		SELECT u.id, u.username, u.password_hash, u.role_id, r.name, u.created_at
		FROM users u
		JOIN roles r ON r.id = u.role_id
		WHERE u.id = $1`, id)
	return scanUser(row)
}

// List returns every account ordered by username.
func (s *Store) List(ctx context.Context) ([]models.User, error) {
	rows, err := s.db.Query(ctx, `
		SELECT u.id, u.username, u.password_hash, u.role_id, r.name, u.created_at
		FROM users u
		JOIN roles r ON r.id = u.role_id
		ORDER BY u.username`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var out []models.User
	for rows.Next() {
		var u models.User
		if err := rows.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.RoleID, &u.Role, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *Store) byUsername(ctx context.Context, username string) (*models.User, error) {
	row := s.db.QueryRow(ctx, `
		SELECT u.id, u.username, u.password_hash, u.role_id, r.name, u.created_at
		FROM users u
		JOIN roles r ON r.id = u.role_id
		WHERE u.username = $1`, username)
	return scanUser(row)
}

func scanUser(row pgx.Row) (*models.User, error) {
	var u models.User
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.RoleID, &u.Role, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return &u, nil
}
