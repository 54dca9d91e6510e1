// Package audit appends portal actions to the audit_logs table.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/andred88/bth-lab/pkg/models"
)

// Actions recorded by the engine and the admin API.
const (
	ActionLogin           = "login"
	ActionLogout          = "logout"
	ActionDisconnect      = "admin_disconnect"
	ActionExpire          = "session_expired"
	ActionEnforceFailure  = "enforcement_failure"
	ActionUserCreated     = "user_created"
	ActionUserUpdated     = "user_updated"
	ActionUserDeleted     = "user_deleted"
	ActionRoleUpdated     = "role_updated"
	ActionSiteBlocked     = "site_blocked"
	ActionSiteUnblocked   = "site_unblocked"
	ActionLoginRejected   = "login_rejected"
	ActionStartupRecon    = "startup_reconciliation"
	ActionPolicyReloadErr = "policy_reload_failed"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type Writer struct {
	DB auditDB
}

// Append records one entry. Details must be JSON or nil.
func (w *Writer) Append(ctx context.Context, userID uuid.UUID, action string, details any) error {
	var raw json.RawMessage
	if details != nil {
		buf, err := json.Marshal(details)
		if err != nil {
			return fmt.Errorf("encode audit details: %w", err)
		}
		raw = buf
	}
	_, err := w.DB.Exec(ctx, `
		INSERT INTO audit_logs (id, user_id, action, details, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		uuid.New(), nullableID(userID), action, raw, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("append audit log: %w", err)
	}
	return nil
}

// Recent returns the newest entries with usernames resolved where the
// account still exists.
func (w *Writer) Recent(ctx context.Context, limit int) ([]models.AuditEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := w.DB.Query(ctx, `
		SELECT a.id, COALESCE(a.user_id, '00000000-0000-0000-0000-000000000000'), COALESCE(u.username, ''), a.action, COALESCE(a.details, 'null'), a.created_at
		FROM audit_logs a
		LEFT JOIN users u ON u.id = a.user_id
		ORDER BY a.created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit logs: %w", err)
	}
	defer rows.Close()

	var out []models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		var details string
		if err := rows.Scan(&e.ID, &e.UserID, &e.Username, &e.Action, &details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit log: %w", err)
		}
		if details != "null" {
			e.Details = json.RawMessage(details)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// nullableID maps the zero UUID to NULL for system-originated entries
// such as expiry sweeps.
func nullableID(id uuid.UUID) any {
	if id == uuid.Nil {
		return nil
	}
	return id
}
