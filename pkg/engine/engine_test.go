package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/andred88/bth-lab/pkg/audit"
	"github.com/andred88/bth-lab/pkg/metrics"
	"github.com/andred88/bth-lab/pkg/models"
	"github.com/andred88/bth-lab/pkg/stream"
)

type fakeLedger struct {
	created    []models.Session
	createTTL  time.Duration
	activeByIP map[string]*models.Session
	byID       map[uuid.UUID]*models.Session
	expired    []models.Session
	sweepErr   error
	deactivate []uuid.UUID
	ruleRows   []models.RoleDomain
	active     []models.Session
}

func (f *fakeLedger) CreateSession(ctx context.Context, userID uuid.UUID, username, ip, role string, ttl time.Duration) (models.Session, error) {
	f.createTTL = ttl
	now := time.Now().UTC()
	s := models.Session{
		ID:         uuid.New(),
		UserID:     userID,
		Username:   username,
		IPAddress:  ip,
		Role:       role,
		LoginTime:  now,
		ExpiryTime: now.Add(ttl),
		Active:     true,
	}
	f.created = append(f.created, s)
	return s, nil
}

func (f *fakeLedger) FindActiveByIP(ctx context.Context, ip string) (*models.Session, error) {
	return f.activeByIP[ip], nil
}

func (f *fakeLedger) Get(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	return f.byID[id], nil
}

func (f *fakeLedger) Deactivate(ctx context.Context, id uuid.UUID) error {
	f.deactivate = append(f.deactivate, id)
	return nil
}

func (f *fakeLedger) SweepExpired(ctx context.Context) ([]models.Session, error) {
	return f.expired, f.sweepErr
}

func (f *fakeLedger) ListActive(ctx context.Context) ([]models.Session, error) {
	return f.active, nil
}

func (f *fakeLedger) BlockedDomainsByRole(ctx context.Context) ([]models.RoleDomain, error) {
	return f.ruleRows, nil
}

type fakeRoles struct {
	roles map[string]*models.Role
}

func (f *fakeRoles) GetByName(ctx context.Context, name string) (*models.Role, error) {
	r, ok := f.roles[name]
	if !ok {
		return nil, errors.New("role not found")
	}
	return r, nil
}

type grantCall struct {
	ip           string
	unrestricted bool
}

type fakeFirewall struct {
	grants    []grantCall
	revokes   []string
	grantErr  map[string]error
	revokeErr map[string]error
}

func (f *fakeFirewall) Grant(ctx context.Context, ip string, unrestricted bool) error {
	f.grants = append(f.grants, grantCall{ip: ip, unrestricted: unrestricted})
	return f.grantErr[ip]
}

func (f *fakeFirewall) Revoke(ctx context.Context, ip string) error {
	f.revokes = append(f.revokes, ip)
	return f.revokeErr[ip]
}

type bindCall struct {
	ip   string
	view string
}

type ruleCall struct {
	view   string
	domain string
	action string
}

type fakeResolver struct {
	binds    []bindCall
	unbinds  []string
	rules    []ruleCall
	bindErr  map[string]error
	ruleErr  map[string]error
	unbindEr map[string]error
}

func (f *fakeResolver) BindIPToView(ctx context.Context, ip, view string) error {
	f.binds = append(f.binds, bindCall{ip: ip, view: view})
	return f.bindErr[ip]
}

func (f *fakeResolver) UnbindIP(ctx context.Context, ip string) error {
	f.unbinds = append(f.unbinds, ip)
	return f.unbindEr[ip]
}

func (f *fakeResolver) AddDomainRule(ctx context.Context, view, domain, action string) error {
	f.rules = append(f.rules, ruleCall{view: view, domain: domain, action: action})
	return f.ruleErr[domain]
}

type recorded struct {
	userID  uuid.UUID
	action  string
	details any
}

type fakeRecorder struct {
	entries []recorded
}

func (f *fakeRecorder) Record(userID uuid.UUID, action string, details any) {
	f.entries = append(f.entries, recorded{userID: userID, action: action, details: details})
}

func (f *fakeRecorder) actions() []string {
	out := make([]string, len(f.entries))
	for i, e := range f.entries {
		out[i] = e.action
	}
	return out
}

func contains(actions []string, want string) bool {
	for _, a := range actions {
		if a == want {
			return true
		}
	}
	return false
}

func aluno() *models.Role {
	return &models.Role{ID: uuid.New(), Name: "aluno", AccessDuration: 3600}
}

func admin() *models.Role {
	return &models.Role{ID: uuid.New(), Name: "admin", AccessDuration: 3600, Unrestricted: true}
}

type harness struct {
	engine   *Engine
	ledger   *fakeLedger
	fw       *fakeFirewall
	resolver *fakeResolver
	recorder *fakeRecorder
	registry *metrics.Registry
	hub      *stream.Hub
}

func newHarness(roleSet ...*models.Role) *harness {
	h := &harness{
		ledger: &fakeLedger{
			activeByIP: map[string]*models.Session{},
			byID:       map[uuid.UUID]*models.Session{},
		},
		fw: &fakeFirewall{
			grantErr:  map[string]error{},
			revokeErr: map[string]error{},
		},
		resolver: &fakeResolver{
			bindErr:  map[string]error{},
			ruleErr:  map[string]error{},
			unbindEr: map[string]error{},
		},
		recorder: &fakeRecorder{},
		registry: metrics.NewRegistry(),
		hub:      stream.NewHub(),
	}
	roles := &fakeRoles{roles: map[string]*models.Role{}}
	for _, r := range roleSet {
		roles.roles[r.Name] = r
	}
	h.engine = New(Config{
		Ledger:        h.ledger,
		Roles:         roles,
		Firewall:      h.fw,
		Resolver:      h.resolver,
		Audit:         h.recorder,
		Events:        h.hub,
		Metrics:       h.registry,
		RebindOnStart: true,
	})
	return h
}

func TestLogin(t *testing.T) {
	h := newHarness(aluno())
	ch := h.hub.Subscribe(4)
	defer h.hub.Unsubscribe(ch)
	userID := uuid.New()

	s, err := h.engine.Login(context.Background(), userID, "bob", "10.0.0.5", "aluno")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if s.Role != "aluno" || s.IPAddress != "10.0.0.5" || !s.Active {
		t.Fatalf("unexpected session %+v", s)
	}
	if h.ledger.createTTL != time.Hour {
		t.Fatalf("ttl %v, want 1h", h.ledger.createTTL)
	}
	if len(h.fw.grants) != 1 || h.fw.grants[0] != (grantCall{ip: "10.0.0.5", unrestricted: false}) {
		t.Fatalf("unexpected grants %+v", h.fw.grants)
	}
	if len(h.fw.revokes) != 0 {
		t.Fatalf("fresh login must not revoke, got %v", h.fw.revokes)
	}
	if len(h.resolver.binds) != 1 || h.resolver.binds[0] != (bindCall{ip: "10.0.0.5", view: "aluno"}) {
		t.Fatalf("unexpected binds %+v", h.resolver.binds)
	}
	select {
	case evt := <-ch:
		if evt.Type != stream.TypeSessionStarted {
			t.Fatalf("unexpected event %q", evt.Type)
		}
	default:
		t.Fatalf("expected session_started event")
	}
	if !contains(h.recorder.actions(), audit.ActionLogin) {
		t.Fatalf("expected login audit entry, got %v", h.recorder.actions())
	}
	if h.registry.Snapshot().Logins != 1 {
		t.Fatalf("login counter not incremented")
	}
}

func TestLoginAdminRole(t *testing.T) {
	h := newHarness(admin())
	if _, err := h.engine.Login(context.Background(), uuid.New(), "root", "10.0.0.2", "admin"); err != nil {
		t.Fatalf("login: %v", err)
	}
	if len(h.fw.grants) != 1 || !h.fw.grants[0].unrestricted {
		t.Fatalf("admin login must grant unrestricted, got %+v", h.fw.grants)
	}
}

func TestLoginRejectsBadIP(t *testing.T) {
	h := newHarness(aluno())
	for _, ip := range []string{"127.0.0.1", "::1", "0.0.0.0", "not-an-ip"} {
		if _, err := h.engine.Login(context.Background(), uuid.New(), "bob", ip, "aluno"); !errors.Is(err, models.ErrInvalidInput) {
			t.Fatalf("ip %q: expected invalid input, got %v", ip, err)
		}
	}
	if len(h.ledger.created) != 0 || len(h.fw.grants) != 0 {
		t.Fatalf("rejected login must have no side effects")
	}
}

func TestLoginUnknownRole(t *testing.T) {
	h := newHarness(aluno())
	if _, err := h.engine.Login(context.Background(), uuid.New(), "bob", "10.0.0.5", "ghost"); err == nil {
		t.Fatalf("expected error for unknown role")
	}
	if len(h.ledger.created) != 0 {
		t.Fatalf("session must not be created for unknown role")
	}
}

func TestLoginAbsorbsEnforcementFailure(t *testing.T) {
	h := newHarness(aluno())
	h.fw.grantErr["10.0.0.5"] = errors.New("nft exploded")
	h.resolver.bindErr["10.0.0.5"] = errors.New("unbound down")

	s, err := h.engine.Login(context.Background(), uuid.New(), "bob", "10.0.0.5", "aluno")
	if err != nil {
		t.Fatalf("enforcement failure must not fail login: %v", err)
	}
	if !s.Active {
		t.Fatalf("session must still be recorded active")
	}
	snap := h.registry.Snapshot()
	if snap.EnforcementFailures["nftables"] != 1 || snap.EnforcementFailures["unbound"] != 1 {
		t.Fatalf("failures not counted: %v", snap.EnforcementFailures)
	}
	if !contains(h.recorder.actions(), audit.ActionEnforceFailure) {
		t.Fatalf("expected enforcement failure audit entry")
	}
}

func TestLoginTakeoverClearsPriorMembership(t *testing.T) {
	h := newHarness(aluno(), admin())
	h.ledger.activeByIP["10.0.0.5"] = &models.Session{
		ID:        uuid.New(),
		IPAddress: "10.0.0.5",
		Role:      "admin",
		Active:    true,
	}
	if _, err := h.engine.Login(context.Background(), uuid.New(), "bob", "10.0.0.5", "aluno"); err != nil {
		t.Fatalf("login: %v", err)
	}
	if len(h.fw.revokes) != 1 || h.fw.revokes[0] != "10.0.0.5" {
		t.Fatalf("takeover must revoke prior membership, got %v", h.fw.revokes)
	}
	if len(h.fw.grants) != 1 || h.fw.grants[0].unrestricted {
		t.Fatalf("new grant must be restricted, got %+v", h.fw.grants)
	}
}

func TestLoginSameRoleTakeoverSkipsRevoke(t *testing.T) {
	h := newHarness(aluno())
	h.ledger.activeByIP["10.0.0.5"] = &models.Session{
		ID:        uuid.New(),
		IPAddress: "10.0.0.5",
		Role:      "aluno",
		Active:    true,
	}
	if _, err := h.engine.Login(context.Background(), uuid.New(), "alice", "10.0.0.5", "aluno"); err != nil {
		t.Fatalf("login: %v", err)
	}
	if len(h.fw.revokes) != 0 {
		t.Fatalf("same-role takeover needs no revoke, got %v", h.fw.revokes)
	}
}

func TestLogout(t *testing.T) {
	h := newHarness(aluno())
	id := uuid.New()
	h.ledger.byID[id] = &models.Session{
		ID:        id,
		UserID:    uuid.New(),
		IPAddress: "10.0.0.5",
		Role:      "aluno",
		Active:    true,
	}
	s, err := h.engine.Logout(context.Background(), id)
	if err != nil {
		t.Fatalf("logout: %v", err)
	}
	if s.Active {
		t.Fatalf("session must come back inactive")
	}
	if len(h.ledger.deactivate) != 1 || h.ledger.deactivate[0] != id {
		t.Fatalf("ledger not deactivated: %v", h.ledger.deactivate)
	}
	if len(h.fw.revokes) != 1 || len(h.resolver.unbinds) != 1 {
		t.Fatalf("expected one revoke and one unbind, got %v / %v", h.fw.revokes, h.resolver.unbinds)
	}
	if h.registry.Snapshot().Revokes != 1 {
		t.Fatalf("revoke counter not incremented")
	}
}

func TestLogoutInactiveSession(t *testing.T) {
	h := newHarness(aluno())
	id := uuid.New()
	h.ledger.byID[id] = &models.Session{ID: id, IPAddress: "10.0.0.5", Active: false}
	if _, err := h.engine.Logout(context.Background(), id); !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("expected ErrNoActiveSession, got %v", err)
	}
	if len(h.fw.revokes) != 0 {
		t.Fatalf("inactive logout must not touch the firewall")
	}
}

func TestAdminDisconnect(t *testing.T) {
	h := newHarness(aluno())
	h.ledger.activeByIP["10.0.0.5"] = &models.Session{
		ID:        uuid.New(),
		UserID:    uuid.New(),
		Username:  "bob",
		IPAddress: "10.0.0.5",
		Role:      "aluno",
		Active:    true,
	}
	adminID := uuid.New()
	s, err := h.engine.AdminDisconnect(context.Background(), adminID, "10.0.0.5")
	if err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if s.Username != "bob" {
		t.Fatalf("unexpected session %+v", s)
	}
	if len(h.fw.revokes) != 1 || len(h.resolver.unbinds) != 1 {
		t.Fatalf("expected teardown, got %v / %v", h.fw.revokes, h.resolver.unbinds)
	}
	// The audit entry belongs to the admin who acted, not the victim.
	if h.recorder.entries[len(h.recorder.entries)-1].userID != adminID {
		t.Fatalf("disconnect audit must carry the admin id")
	}
}

func TestAdminDisconnectNoSession(t *testing.T) {
	h := newHarness(aluno())
	if _, err := h.engine.AdminDisconnect(context.Background(), uuid.New(), "10.0.0.5"); !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("expected ErrNoActiveSession, got %v", err)
	}
}

func TestAdminDisconnectSession(t *testing.T) {
	h := newHarness(aluno())
	id := uuid.New()
	h.ledger.byID[id] = &models.Session{
		ID:        id,
		UserID:    uuid.New(),
		Username:  "bob",
		IPAddress: "10.0.0.5",
		Role:      "aluno",
		Active:    true,
	}
	adminID := uuid.New()
	s, err := h.engine.AdminDisconnectSession(context.Background(), adminID, id)
	if err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if s.IPAddress != "10.0.0.5" || s.Active {
		t.Fatalf("unexpected session %+v", s)
	}
	if len(h.fw.revokes) != 1 || len(h.resolver.unbinds) != 1 {
		t.Fatalf("expected teardown, got %v / %v", h.fw.revokes, h.resolver.unbinds)
	}
	if h.recorder.entries[len(h.recorder.entries)-1].userID != adminID {
		t.Fatalf("disconnect audit must carry the admin id")
	}

	h.ledger.byID[id].Active = false
	if _, err := h.engine.AdminDisconnectSession(context.Background(), adminID, id); !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("expected ErrNoActiveSession for inactive session, got %v", err)
	}
}

func TestSweepOnce(t *testing.T) {
	h := newHarness(aluno())
	h.ledger.expired = []models.Session{
		{ID: uuid.New(), IPAddress: "10.0.0.9", Role: "aluno"},
		{ID: uuid.New(), IPAddress: "10.0.0.10", Role: "aluno"},
	}
	h.fw.revokeErr["10.0.0.9"] = errors.New("nft exploded")

	n, err := h.engine.SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 swept, got %d", n)
	}
	// The failing IP must not stop teardown of the second one.
	if len(h.fw.revokes) != 2 || len(h.resolver.unbinds) != 2 {
		t.Fatalf("expected teardown for both, got %v / %v", h.fw.revokes, h.resolver.unbinds)
	}
	snap := h.registry.Snapshot()
	if snap.Sweeps != 1 || snap.SweptSessions != 2 {
		t.Fatalf("sweep counters %+v", snap)
	}
	if snap.EnforcementFailures["nftables"] != 1 {
		t.Fatalf("revoke failure not counted: %v", snap.EnforcementFailures)
	}
	if snap.Gauges["active_sessions"] != 0 {
		t.Fatalf("gauge not updated: %v", snap.Gauges)
	}
}

func TestSweepOnceEmpty(t *testing.T) {
	h := newHarness(aluno())
	n, err := h.engine.SweepOnce(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("empty sweep: n=%d err=%v", n, err)
	}
	if len(h.fw.revokes) != 0 {
		t.Fatalf("empty sweep must not revoke anything")
	}
}

func TestSweepLoopStopsOnContext(t *testing.T) {
	h := newHarness(aluno())
	h.engine.sweepInterval = 10 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.engine.SweepLoop(ctx)
		close(done)
	}()
	time.Sleep(35 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("sweep loop did not stop")
	}
	if h.registry.Snapshot().Sweeps == 0 {
		t.Fatalf("expected at least one sweep run")
	}
}

func TestReconcileStartup(t *testing.T) {
	h := newHarness(aluno(), admin())
	h.ledger.ruleRows = []models.RoleDomain{
		{Role: "aluno", Domain: "facebook.com"},
		{Role: "aluno", Domain: "tiktok.com"},
	}
	h.ledger.active = []models.Session{
		{ID: uuid.New(), UserID: uuid.New(), IPAddress: "10.0.0.5", Role: "aluno", Active: true},
		{ID: uuid.New(), UserID: uuid.New(), IPAddress: "10.0.0.2", Role: "admin", Active: true},
	}

	if err := h.engine.ReconcileStartup(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(h.resolver.rules) != 2 || h.resolver.rules[0].action != "always_nxdomain" {
		t.Fatalf("unexpected rules %+v", h.resolver.rules)
	}
	if len(h.fw.grants) != 2 {
		t.Fatalf("expected both active sessions re-granted, got %+v", h.fw.grants)
	}
	var adminGrant *grantCall
	for i := range h.fw.grants {
		if h.fw.grants[i].ip == "10.0.0.2" {
			adminGrant = &h.fw.grants[i]
		}
	}
	if adminGrant == nil || !adminGrant.unrestricted {
		t.Fatalf("admin session must be rebound unrestricted, got %+v", h.fw.grants)
	}
	if len(h.resolver.binds) != 2 {
		t.Fatalf("expected both bindings replayed, got %+v", h.resolver.binds)
	}
	if !contains(h.recorder.actions(), audit.ActionStartupRecon) {
		t.Fatalf("expected startup audit entry")
	}
}

func TestReconcileStartupRuleFailureContinues(t *testing.T) {
	h := newHarness(aluno())
	h.ledger.ruleRows = []models.RoleDomain{
		{Role: "aluno", Domain: "facebook.com"},
		{Role: "aluno", Domain: "tiktok.com"},
	}
	h.resolver.ruleErr["facebook.com"] = errors.New("unbound down")
	if err := h.engine.ReconcileStartup(context.Background()); err != nil {
		t.Fatalf("rule failure must not abort reconciliation: %v", err)
	}
	if len(h.resolver.rules) != 2 {
		t.Fatalf("both rules must be attempted, got %+v", h.resolver.rules)
	}
}

func TestStatusOf(t *testing.T) {
	h := newHarness(aluno())
	h.ledger.activeByIP["10.0.0.5"] = &models.Session{IPAddress: "10.0.0.5", Active: true}
	s, err := h.engine.StatusOf(context.Background(), "10.0.0.5")
	if err != nil || s == nil {
		t.Fatalf("status: %v, %v", s, err)
	}
	s, err = h.engine.StatusOf(context.Background(), "10.0.0.6")
	if err != nil || s != nil {
		t.Fatalf("expected no session, got %v, %v", s, err)
	}
	if _, err := h.engine.StatusOf(context.Background(), "127.0.0.1"); !errors.Is(err, models.ErrInvalidInput) {
		t.Fatalf("loopback must be rejected, got %v", err)
	}
}
