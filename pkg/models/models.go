package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Session is one granted network-access window for one client IP.
// At most one session per IP is active at a time; a new login for the
// same IP takes over by deactivating the prior row. Once Active drops
// to false it never returns to true.
type Session struct {
	ID         uuid.UUID `json:"id"`
	UserID     uuid.UUID `json:"user_id"`
	Username   string    `json:"username"`
	IPAddress  string    `json:"ip_address"`
	Role       string    `json:"role"`
	LoginTime  time.Time `json:"login_time"`
	ExpiryTime time.Time `json:"expiry_time"`
	Active     bool      `json:"active"`
}

// Expired reports whether the session's window ended before now.
func (s Session) Expired(now time.Time) bool {
	return now.After(s.ExpiryTime)
}

// Role is an administrator-managed access policy template. Mutating
// AccessDuration affects only future sessions.
type Role struct {
	ID             uuid.UUID `json:"id"`
	Name           string    `json:"name"`
	AccessDuration int       `json:"access_duration"`
	Unrestricted   bool      `json:"unrestricted_access"`
	BlockedDomains []string  `json:"blocked_domains,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// TTL returns the session lifetime this role grants.
func (r Role) TTL() time.Duration {
	return time.Duration(r.AccessDuration) * time.Second
}

// BlockedSite is one (domain, role) DNS policy rule. Domain is stored
// normalized so the same logical domain is never registered twice
// under different textual forms.
type BlockedSite struct {
	ID        uuid.UUID `json:"id"`
	Domain    string    `json:"domain"`
	RoleID    uuid.UUID `json:"role_id"`
	CreatedAt time.Time `json:"created_at"`
}

// RoleDomain pairs a role name with one of its blocked domains, as
// returned by the ledger for startup reconciliation.
type RoleDomain struct {
	Role   string `json:"role"`
	Domain string `json:"domain"`
}

type User struct {
	ID           uuid.UUID `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	RoleID       uuid.UUID `json:"role_id"`
	Role         string    `json:"role,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

type AuditEntry struct {
	ID        uuid.UUID       `json:"id"`
	UserID    uuid.UUID       `json:"user_id"`
	Username  string          `json:"username,omitempty"`
	Action    string          `json:"action"`
	Details   json.RawMessage `json:"details,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Stats is the admin dashboard summary.
type Stats struct {
	ActiveSessions int            `json:"active_sessions"`
	TotalUsers     int            `json:"total_users"`
	RoleCounts     map[string]int `json:"role_counts"`
	LoginsToday    int            `json:"logins_today"`
	GeneratedAt    time.Time      `json:"generated_at"`
}
