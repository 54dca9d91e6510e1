// Package engine reconciles the session ledger with the firewall and
// resolver adapters. The ledger is authoritative: enforcement failures
// are logged and counted but never fail the operation that caused
// them, and a later reconciliation converges the kernel state.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/andred88/bth-lab/pkg/audit"
	"github.com/andred88/bth-lab/pkg/metrics"
	"github.com/andred88/bth-lab/pkg/models"
	"github.com/andred88/bth-lab/pkg/stream"
	"github.com/andred88/bth-lab/pkg/unbound"
)

var ErrNoActiveSession = errors.New("no active session")

const defaultSweepInterval = 60 * time.Second

// SessionLedger is the authoritative session store.
type SessionLedger interface {
	CreateSession(ctx context.Context, userID uuid.UUID, username, ip, role string, ttl time.Duration) (models.Session, error)
	FindActiveByIP(ctx context.Context, ip string) (*models.Session, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Session, error)
	Deactivate(ctx context.Context, id uuid.UUID) error
	SweepExpired(ctx context.Context) ([]models.Session, error)
	ListActive(ctx context.Context) ([]models.Session, error)
	BlockedDomainsByRole(ctx context.Context) ([]models.RoleDomain, error)
}

// RolePolicy resolves role names to their access policy.
type RolePolicy interface {
	GetByName(ctx context.Context, name string) (*models.Role, error)
}

// Firewall grants and revokes packet-level access for one IP.
type Firewall interface {
	Grant(ctx context.Context, ip string, unrestricted bool) error
	Revoke(ctx context.Context, ip string) error
}

// Resolver manages DNS view bindings and per-view domain rules.
type Resolver interface {
	BindIPToView(ctx context.Context, ip, viewName string) error
	UnbindIP(ctx context.Context, ip string) error
	AddDomainRule(ctx context.Context, viewName, domain, action string) error
}

// Recorder accepts audit entries without blocking.
type Recorder interface {
	Record(userID uuid.UUID, action string, details any)
}

// Publisher fans session lifecycle events out to dashboards.
type Publisher interface {
	Publish(evt stream.Event)
}

type Config struct {
	Ledger        SessionLedger
	Roles         RolePolicy
	Firewall      Firewall
	Resolver      Resolver
	Audit         Recorder
	Events        Publisher
	Metrics       *metrics.Registry
	SweepInterval time.Duration
	RebindOnStart bool
}

type Engine struct {
	ledger        SessionLedger
	roles         RolePolicy
	fw            Firewall
	resolver      Resolver
	audit         Recorder
	events        Publisher
	metrics       *metrics.Registry
	sweepInterval time.Duration
	rebindOnStart bool
}

func New(cfg Config) *Engine {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.Audit == nil {
		cfg.Audit = noopRecorder{}
	}
	if cfg.Events == nil {
		cfg.Events = stream.NewHub()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewRegistry()
	}
	return &Engine{
		ledger:        cfg.Ledger,
		roles:         cfg.Roles,
		fw:            cfg.Firewall,
		resolver:      cfg.Resolver,
		audit:         cfg.Audit,
		events:        cfg.Events,
		metrics:       cfg.Metrics,
		sweepInterval: cfg.SweepInterval,
		rebindOnStart: cfg.RebindOnStart,
	}
}

type noopRecorder struct{}

func (noopRecorder) Record(uuid.UUID, string, any) {}

// Login records the session and then applies enforcement. A prior
// active session on the same IP is taken over: the ledger deactivates
// it and its firewall membership is cleared before the new grant, so a
// restricted user can never inherit an admin set entry.
func (e *Engine) Login(ctx context.Context, userID uuid.UUID, username, ip, roleName string) (models.Session, error) {
	ip, err := models.ValidateClientIP(ip)
	if err != nil {
		return models.Session{}, err
	}
	role, err := e.roles.GetByName(ctx, roleName)
	if err != nil {
		return models.Session{}, fmt.Errorf("resolve role %q: %w", roleName, err)
	}

	prior, err := e.ledger.FindActiveByIP(ctx, ip)
	if err != nil {
		return models.Session{}, err
	}

	session, err := e.ledger.CreateSession(ctx, userID, username, ip, role.Name, role.TTL())
	if err != nil {
		return models.Session{}, err
	}

	if prior != nil && prior.Role != role.Name {
		if err := e.revoke(ctx, ip); err != nil {
			e.enforcementFailure("nftables", userID, "revoke prior "+ip, err)
		}
	}
	if err := e.grant(ctx, ip, role.Unrestricted); err != nil {
		e.enforcementFailure("nftables", userID, "grant "+ip, err)
	} else {
		e.metrics.IncGrant()
	}
	if err := e.bind(ctx, ip, role.Name); err != nil {
		e.enforcementFailure("unbound", userID, "bind "+ip, err)
	}

	e.metrics.IncLogin()
	e.audit.Record(userID, audit.ActionLogin, map[string]string{"ip": ip, "role": role.Name})
	e.events.Publish(stream.SessionStarted(&session))
	return session, nil
}

// Logout ends the caller's own session.
func (e *Engine) Logout(ctx context.Context, sessionID uuid.UUID) (*models.Session, error) {
	session, err := e.ledger.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil || !session.Active {
		return nil, ErrNoActiveSession
	}
	if err := e.ledger.Deactivate(ctx, sessionID); err != nil {
		return nil, err
	}
	session.Active = false
	e.revokeEnforcement(ctx, session)

	e.metrics.IncLogout()
	e.audit.Record(session.UserID, audit.ActionLogout, map[string]string{"ip": session.IPAddress})
	e.events.Publish(stream.SessionEnded(session))
	return session, nil
}

// AdminDisconnect force-ends whatever session is active on an IP.
func (e *Engine) AdminDisconnect(ctx context.Context, adminID uuid.UUID, ip string) (*models.Session, error) {
	ip, err := models.ValidateClientIP(ip)
	if err != nil {
		return nil, err
	}
	session, err := e.ledger.FindActiveByIP(ctx, ip)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, ErrNoActiveSession
	}
	return e.disconnect(ctx, adminID, session)
}

// AdminDisconnectSession force-ends a session by its ledger ID.
func (e *Engine) AdminDisconnectSession(ctx context.Context, adminID, sessionID uuid.UUID) (*models.Session, error) {
	session, err := e.ledger.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil || !session.Active {
		return nil, ErrNoActiveSession
	}
	return e.disconnect(ctx, adminID, session)
}

func (e *Engine) disconnect(ctx context.Context, adminID uuid.UUID, session *models.Session) (*models.Session, error) {
	if err := e.ledger.Deactivate(ctx, session.ID); err != nil {
		return nil, err
	}
	session.Active = false
	e.revokeEnforcement(ctx, session)

	e.metrics.IncAdminDisconnect()
	e.audit.Record(adminID, audit.ActionDisconnect, map[string]string{
		"ip":       session.IPAddress,
		"username": session.Username,
	})
	e.events.Publish(stream.SessionDisconnected(session))
	return session, nil
}

// StatusOf reports the active session for an IP, nil when there is
// none.
func (e *Engine) StatusOf(ctx context.Context, ip string) (*models.Session, error) {
	ip, err := models.ValidateClientIP(ip)
	if err != nil {
		return nil, err
	}
	return e.ledger.FindActiveByIP(ctx, ip)
}

// SweepOnce retires every expired session and tears down its
// enforcement. One IP's enforcement failure never stops the rest of
// the batch.
func (e *Engine) SweepOnce(ctx context.Context) (int, error) {
	swept, err := e.ledger.SweepExpired(ctx)
	if err != nil {
		return 0, err
	}
	for i := range swept {
		s := &swept[i]
		e.revokeEnforcement(ctx, s)
		e.audit.Record(uuid.Nil, audit.ActionExpire, map[string]string{
			"ip":   s.IPAddress,
			"role": s.Role,
		})
		e.events.Publish(stream.SessionExpired(s))
	}
	e.metrics.ObserveSweep(len(swept))
	if active, err := e.ledger.ListActive(ctx); err == nil {
		e.metrics.SetGauge("active_sessions", float64(len(active)))
	}
	return len(swept), nil
}

// SweepLoop runs SweepOnce on a fixed interval until the context ends.
func (e *Engine) SweepLoop(ctx context.Context) {
	ticker := time.NewTicker(e.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := e.SweepOnce(ctx); err != nil {
				log.Printf("engine: sweep: %v", err)
			} else if n > 0 {
				log.Printf("engine: swept %d expired sessions", n)
			}
		}
	}
}

// ReconcileStartup replays the persisted DNS policy into the resolver
// and, when configured, re-grants enforcement for sessions that were
// active before a restart.
func (e *Engine) ReconcileStartup(ctx context.Context) error {
	rules, err := e.ledger.BlockedDomainsByRole(ctx)
	if err != nil {
		return fmt.Errorf("load blocked domains: %w", err)
	}
	var ruleFailures int
	for _, rule := range rules {
		if err := e.resolver.AddDomainRule(ctx, rule.Role, rule.Domain, unbound.ActionNXDomain); err != nil {
			ruleFailures++
			log.Printf("engine: replay rule %s/%s: %v", rule.Role, rule.Domain, err)
		}
	}

	var rebound int
	if e.rebindOnStart {
		active, err := e.ledger.ListActive(ctx)
		if err != nil {
			return fmt.Errorf("list active sessions: %w", err)
		}
		for i := range active {
			s := &active[i]
			role, err := e.roles.GetByName(ctx, s.Role)
			if err != nil {
				log.Printf("engine: rebind %s: resolve role %q: %v", s.IPAddress, s.Role, err)
				continue
			}
			if err := e.grant(ctx, s.IPAddress, role.Unrestricted); err != nil {
				e.enforcementFailure("nftables", s.UserID, "rebind grant "+s.IPAddress, err)
				continue
			}
			if err := e.bind(ctx, s.IPAddress, role.Name); err != nil {
				e.enforcementFailure("unbound", s.UserID, "rebind "+s.IPAddress, err)
				continue
			}
			rebound++
		}
	}

	e.audit.Record(uuid.Nil, audit.ActionStartupRecon, map[string]int{
		"domain_rules":  len(rules),
		"rule_failures": ruleFailures,
		"rebound":       rebound,
	})
	log.Printf("engine: startup reconciliation done, %d domain rules (%d failed), %d sessions rebound",
		len(rules), ruleFailures, rebound)
	return nil
}

func (e *Engine) revokeEnforcement(ctx context.Context, s *models.Session) {
	if err := e.revoke(ctx, s.IPAddress); err != nil {
		e.enforcementFailure("nftables", s.UserID, "revoke "+s.IPAddress, err)
	} else {
		e.metrics.IncRevoke()
	}
	if err := e.unbind(ctx, s.IPAddress); err != nil {
		e.enforcementFailure("unbound", s.UserID, "unbind "+s.IPAddress, err)
	}
}

// The timed wrappers feed adapter latency into the metrics registry;
// shelling out to nft or unbound-control is the slow path here.

func (e *Engine) grant(ctx context.Context, ip string, unrestricted bool) error {
	start := time.Now()
	err := e.fw.Grant(ctx, ip, unrestricted)
	e.metrics.ObserveEnforcement("nftables", time.Since(start))
	return err
}

func (e *Engine) revoke(ctx context.Context, ip string) error {
	start := time.Now()
	err := e.fw.Revoke(ctx, ip)
	e.metrics.ObserveEnforcement("nftables", time.Since(start))
	return err
}

func (e *Engine) bind(ctx context.Context, ip, view string) error {
	start := time.Now()
	err := e.resolver.BindIPToView(ctx, ip, view)
	e.metrics.ObserveEnforcement("unbound", time.Since(start))
	return err
}

func (e *Engine) unbind(ctx context.Context, ip string) error {
	start := time.Now()
	err := e.resolver.UnbindIP(ctx, ip)
	e.metrics.ObserveEnforcement("unbound", time.Since(start))
	return err
}

func (e *Engine) enforcementFailure(subsystem string, userID uuid.UUID, op string, err error) {
	log.Printf("engine: %s: %s: %v", subsystem, op, err)
	e.metrics.IncEnforcementFailure(subsystem)
	e.audit.Record(userID, audit.ActionEnforceFailure, map[string]string{
		"subsystem": subsystem,
		"op":        op,
		"error":     err.Error(),
	})
}
