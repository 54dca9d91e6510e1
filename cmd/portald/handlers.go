package main

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/andred88/bth-lab/pkg/audit"
	"github.com/andred88/bth-lab/pkg/auth"
	"github.com/andred88/bth-lab/pkg/engine"
	"github.com/andred88/bth-lab/pkg/httpx"
	"github.com/andred88/bth-lab/pkg/models"
	"github.com/andred88/bth-lab/pkg/roles"
	"github.com/andred88/bth-lab/pkg/stream"
	"github.com/andred88/bth-lab/pkg/unbound"
	"github.com/andred88/bth-lab/pkg/users"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token   string         `json:"token"`
	Session models.Session `json:"session"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	ip := s.ClientIP.ClientIP(r)
	if d := s.LoginLimit.Allow(ip); !d.Allowed {
		s.Metrics.IncLoginFailure()
		s.Audit.Record(uuid.Nil, audit.ActionLoginRejected, map[string]string{"ip": ip, "reason": "rate_limited"})
		httpx.Error(w, http.StatusTooManyRequests, "too many login attempts")
		return
	}

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	user, err := s.Users.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, users.ErrBadPassword) {
			s.Metrics.IncLoginFailure()
			s.Audit.Record(uuid.Nil, audit.ActionLoginRejected, map[string]string{"ip": ip, "username": req.Username})
			httpx.Error(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		httpx.Error(w, http.StatusInternalServerError, "authentication unavailable")
		return
	}

	session, err := s.Engine.Login(r.Context(), user.ID, user.Username, ip, user.Role)
	if err != nil {
		if errors.Is(err, models.ErrInvalidInput) {
			httpx.Error(w, http.StatusBadRequest, "client address not eligible for access")
			return
		}
		log.Printf("portald: login %s from %s: %v", user.Username, ip, err)
		httpx.Error(w, http.StatusInternalServerError, "login failed")
		return
	}

	token, err := s.Issuer.Issue(auth.Principal{UserID: user.ID, Username: user.Username, Role: user.Role})
	if err != nil {
		log.Printf("portald: issue token for %s: %v", user.Username, err)
		httpx.Error(w, http.StatusInternalServerError, "login failed")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, loginResponse{Token: token, Session: session})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ip := s.ClientIP.ClientIP(r)
	session, err := s.Engine.StatusOf(r.Context(), ip)
	if err != nil {
		if errors.Is(err, models.ErrInvalidInput) {
			httpx.Error(w, http.StatusBadRequest, "invalid client address")
			return
		}
		httpx.Error(w, http.StatusInternalServerError, "status unavailable")
		return
	}
	if session == nil {
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"active": false, "ip": ip})
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"active": true, "ip": ip, "session": session})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	ip := s.ClientIP.ClientIP(r)
	session, err := s.Engine.StatusOf(r.Context(), ip)
	if err != nil {
		if errors.Is(err, models.ErrInvalidInput) {
			httpx.Error(w, http.StatusBadRequest, "invalid client address")
			return
		}
		httpx.Error(w, http.StatusInternalServerError, "logout failed")
		return
	}
	if session == nil {
		httpx.Error(w, http.StatusNotFound, "no active session for this address")
		return
	}
	if session.UserID != principal.UserID {
		httpx.Error(w, http.StatusForbidden, "session belongs to another user")
		return
	}
	if _, err := s.Engine.Logout(r.Context(), session.ID); err != nil {
		if errors.Is(err, engine.ErrNoActiveSession) {
			httpx.Error(w, http.StatusNotFound, "no active session")
			return
		}
		httpx.Error(w, http.StatusInternalServerError, "logout failed")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.Sessions.ListActive(r.Context())
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "could not list sessions")
		return
	}
	if sessions == nil {
		sessions = []models.Session{}
	}
	httpx.WriteJSON(w, http.StatusOK, sessions)
}

type disconnectRequest struct {
	IP string `json:"ip"`
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	var req disconnectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	session, err := s.Engine.AdminDisconnect(r.Context(), principal.UserID, req.IP)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrInvalidInput):
			httpx.Error(w, http.StatusBadRequest, "invalid ip address")
		case errors.Is(err, engine.ErrNoActiveSession):
			httpx.Error(w, http.StatusNotFound, "no active session on that address")
		default:
			httpx.Error(w, http.StatusInternalServerError, "disconnect failed")
		}
		return
	}
	httpx.WriteJSON(w, http.StatusOK, session)
}

func (s *Server) handleDisconnectSession(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid session id")
		return
	}
	session, err := s.Engine.AdminDisconnectSession(r.Context(), principal.UserID, id)
	if err != nil {
		if errors.Is(err, engine.ErrNoActiveSession) {
			httpx.Error(w, http.StatusNotFound, "session not found or already inactive")
			return
		}
		httpx.Error(w, http.StatusInternalServerError, "disconnect failed")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, session)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.Sessions.Stats(r.Context())
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "could not collect stats")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, stats)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}
	entries, err := s.AuditLog.Recent(r.Context(), limit)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "could not read audit log")
		return
	}
	if entries == nil {
		entries = []models.AuditEntry{}
	}
	httpx.WriteJSON(w, http.StatusOK, entries)
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	list, err := s.Users.List(r.Context())
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "could not list users")
		return
	}
	if list == nil {
		list = []models.User{}
	}
	httpx.WriteJSON(w, http.StatusOK, list)
}

type createUserRequest struct {
	Username string    `json:"username"`
	Password string    `json:"password"`
	RoleID   uuid.UUID `json:"role_id"`
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	var req createUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	user, err := s.Users.Create(r.Context(), req.Username, req.Password, req.RoleID)
	if err != nil {
		switch {
		case errors.Is(err, users.ErrDuplicate):
			httpx.Error(w, http.StatusConflict, "username already taken")
		case errors.Is(err, users.ErrWeakPassword), errors.Is(err, models.ErrInvalidInput):
			httpx.Error(w, http.StatusBadRequest, "invalid username or password")
		default:
			httpx.Error(w, http.StatusInternalServerError, "could not create user")
		}
		return
	}
	s.Audit.Record(principal.UserID, audit.ActionUserCreated, map[string]string{"username": user.Username})
	httpx.WriteJSON(w, http.StatusCreated, user)
}

type updatePasswordRequest struct {
	Password string `json:"password"`
}

func (s *Server) handleUpdateUserPassword(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid user id")
		return
	}
	var req updatePasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.Users.UpdatePassword(r.Context(), id, req.Password); err != nil {
		switch {
		case errors.Is(err, users.ErrNotFound):
			httpx.Error(w, http.StatusNotFound, "user not found")
		case errors.Is(err, users.ErrWeakPassword):
			httpx.Error(w, http.StatusBadRequest, "password too short")
		default:
			httpx.Error(w, http.StatusInternalServerError, "could not update password")
		}
		return
	}
	s.Audit.Record(principal.UserID, audit.ActionUserUpdated, map[string]string{"user_id": id.String()})
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid user id")
		return
	}
	if err := s.Users.Delete(r.Context(), id); err != nil {
		if errors.Is(err, users.ErrNotFound) {
			httpx.Error(w, http.StatusNotFound, "user not found")
			return
		}
		httpx.Error(w, http.StatusInternalServerError, "could not delete user")
		return
	}
	s.Audit.Record(principal.UserID, audit.ActionUserDeleted, map[string]string{"user_id": id.String()})
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleListRoles(w http.ResponseWriter, r *http.Request) {
	list, err := s.Roles.List(r.Context())
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "could not list roles")
		return
	}
	if list == nil {
		list = []models.Role{}
	}
	httpx.WriteJSON(w, http.StatusOK, list)
}

type updateRoleRequest struct {
	AccessDuration int `json:"access_duration"`
}

func (s *Server) handleUpdateRole(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid role id")
		return
	}
	var req updateRoleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.Roles.UpdateDuration(r.Context(), id, req.AccessDuration); err != nil {
		switch {
		case errors.Is(err, roles.ErrNotFound):
			httpx.Error(w, http.StatusNotFound, "role not found")
		case errors.Is(err, models.ErrInvalidInput):
			httpx.Error(w, http.StatusBadRequest, "access duration must be positive")
		default:
			httpx.Error(w, http.StatusInternalServerError, "could not update role")
		}
		return
	}
	s.Audit.Record(principal.UserID, audit.ActionRoleUpdated, map[string]any{
		"role_id":         id.String(),
		"access_duration": req.AccessDuration,
	})
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

type blockSiteRequest struct {
	RoleID uuid.UUID `json:"role_id"`
	Domain string    `json:"domain"`
}

func (s *Server) handleBlockSite(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	var req blockSiteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	role, err := s.Roles.Get(r.Context(), req.RoleID)
	if err != nil {
		if errors.Is(err, roles.ErrNotFound) {
			httpx.Error(w, http.StatusNotFound, "role not found")
			return
		}
		httpx.Error(w, http.StatusInternalServerError, "could not resolve role")
		return
	}
	site, err := s.Roles.AddBlockedSite(r.Context(), req.RoleID, req.Domain)
	if err != nil {
		switch {
		case errors.Is(err, roles.ErrDuplicate):
			httpx.Error(w, http.StatusConflict, "domain already blocked for this role")
		case errors.Is(err, models.ErrInvalidInput):
			httpx.Error(w, http.StatusBadRequest, "invalid domain")
		default:
			httpx.Error(w, http.StatusInternalServerError, "could not block domain")
		}
		return
	}
	// The rule row is authoritative; resolver failure is absorbed and
	// replayed by the next startup reconciliation.
	if err := s.Resolver.AddDomainRule(r.Context(), role.Name, site.Domain, unbound.ActionNXDomain); err != nil {
		log.Printf("portald: block %s for %s: %v", site.Domain, role.Name, err)
		s.Metrics.IncEnforcementFailure("unbound")
	}
	s.Audit.Record(principal.UserID, audit.ActionSiteBlocked, map[string]string{
		"role":   role.Name,
		"domain": site.Domain,
	})
	s.Events.Publish(stream.PolicyChanged(role.Name, site.Domain, "blocked"))
	httpx.WriteJSON(w, http.StatusCreated, site)
}

func (s *Server) handleListBlockedSites(w http.ResponseWriter, r *http.Request) {
	roleID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid role id")
		return
	}
	if _, err := s.Roles.Get(r.Context(), roleID); err != nil {
		if errors.Is(err, roles.ErrNotFound) {
			httpx.Error(w, http.StatusNotFound, "role not found")
			return
		}
		httpx.Error(w, http.StatusInternalServerError, "could not resolve role")
		return
	}
	domains, err := s.Roles.BlockedDomains(r.Context(), roleID)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "could not list blocked domains")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"role_id": roleID, "domains": domains})
}

func (s *Server) handleUnblockSite(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid blocked site id")
		return
	}
	site, err := s.Roles.RemoveBlockedSite(r.Context(), id)
	if err != nil {
		if errors.Is(err, roles.ErrNotFound) {
			httpx.Error(w, http.StatusNotFound, "blocked site not found")
			return
		}
		httpx.Error(w, http.StatusInternalServerError, "could not unblock domain")
		return
	}
	roleName := ""
	if role, err := s.Roles.Get(r.Context(), site.RoleID); err == nil {
		roleName = role.Name
		if err := s.Resolver.RemoveDomainRule(r.Context(), role.Name, site.Domain); err != nil {
			log.Printf("portald: unblock %s for %s: %v", site.Domain, role.Name, err)
			s.Metrics.IncEnforcementFailure("unbound")
		}
	}
	s.Audit.Record(principal.UserID, audit.ActionSiteUnblocked, map[string]string{
		"role":   roleName,
		"domain": site.Domain,
	})
	s.Events.Publish(stream.PolicyChanged(roleName, site.Domain, "unblocked"))
	httpx.WriteJSON(w, http.StatusOK, site)
}
