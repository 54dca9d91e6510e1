// Package unbound maintains the resolver side of a grant: the IP→view
// mapping file consumed by unbound and the per-view local-zone block
// rules applied through unbound-control.
package unbound

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/andred88/bth-lab/pkg/execx"
	"github.com/andred88/bth-lab/pkg/models"
)

// ActionNXDomain synthesizes a non-existent-domain answer for blocked
// lookups. It is the default rule action.
const ActionNXDomain = "always_nxdomain"

const fileHeader = "# managed by portald\n"

// Adapter owns the access-view mapping file. The read-modify-write of
// that file is the one true race in the system; every bind/unbind is
// serialized through mu so concurrent handlers can never interleave a
// rewrite.
type Adapter struct {
	Runner   execx.Runner
	ConfPath string
	ViewFile string

	mu sync.Mutex
}

func New(runner execx.Runner, confPath, viewFile string) *Adapter {
	if confPath == "" {
		confPath = "/etc/unbound/unbound.conf"
	}
	if viewFile == "" {
		viewFile = "/etc/unbound/conf.d/access-view.conf"
	}
	return &Adapter{Runner: runner, ConfPath: confPath, ViewFile: viewFile}
}

func (a *Adapter) control(ctx context.Context, args ...string) (string, error) {
	full := append([]string{"-c", a.ConfPath}, args...)
	return a.Runner.Run(ctx, "unbound-control", full...)
}

// BindIPToView points ip at viewName, replacing any prior binding for
// the same ip, then asks the resolver to pick up the change.
func (a *Adapter) BindIPToView(ctx context.Context, ip, viewName string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	line := fmt.Sprintf("access-control-view: %s/%d %s", ip, models.HostBits(ip), viewName)
	if err := a.rewriteLocked(ip, line); err != nil {
		return fmt.Errorf("bind %s to view %s: %w", ip, viewName, err)
	}
	a.reloadLocked(ctx)
	return nil
}

// UnbindIP drops any binding for ip. Idempotent if absent.
func (a *Adapter) UnbindIP(ctx context.Context, ip string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.rewriteLocked(ip, ""); err != nil {
		return fmt.Errorf("unbind %s: %w", ip, err)
	}
	a.reloadLocked(ctx)
	return nil
}

// rewriteLocked rewrites the mapping file in full: every line except
// those matching ip's single-host prefix, plus appendLine if set.
// Caller holds mu.
func (a *Adapter) rewriteLocked(ip, appendLine string) error {
	if err := os.MkdirAll(filepath.Dir(a.ViewFile), 0o755); err != nil {
		return err
	}
	current, err := os.ReadFile(a.ViewFile)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	marker := fmt.Sprintf("%s/%d", ip, models.HostBits(ip))
	var b strings.Builder
	b.WriteString(fileHeader)
	for _, line := range strings.Split(string(current), "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		// Compare the prefix field exactly: a substring match would
		// also drop 110.0.0.5/32 when rewriting for 10.0.0.5.
		if fields := strings.Fields(trimmed); len(fields) >= 2 && fields[1] == marker {
			continue
		}
		b.WriteString(trimmed)
		b.WriteString("\n")
	}
	if appendLine != "" {
		b.WriteString(appendLine)
		b.WriteString("\n")
	}
	return os.WriteFile(a.ViewFile, []byte(b.String()), 0o644)
}

// reloadLocked triggers a fast incremental reload. A failure is logged
// and not retried inline: the file already holds the cumulative state,
// so the next successful reload converges.
func (a *Adapter) reloadLocked(ctx context.Context) {
	if _, err := a.control(ctx, "fast_reload", "+d"); err != nil {
		log.Printf("unbound: policy reload failed (will converge on next reload): %v", err)
	}
}

// ReloadPolicy is the explicit reload entry point for callers outside
// a bind/unbind, e.g. after a batch of domain rule changes.
func (a *Adapter) ReloadPolicy(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.control(ctx, "fast_reload", "+d"); err != nil {
		return fmt.Errorf("reload policy: %w", err)
	}
	return nil
}

// AddDomainRule blocks domain for clients in viewName. The domain is
// normalized before it reaches the resolver so one logical domain is
// never registered twice under different textual forms.
func (a *Adapter) AddDomainRule(ctx context.Context, viewName, domain, action string) error {
	clean := models.NormalizeDomain(domain)
	if clean == "" {
		return fmt.Errorf("%w: empty domain after normalization (%q)", models.ErrInvalidInput, domain)
	}
	if action == "" {
		action = ActionNXDomain
	}
	if _, err := a.control(ctx, "view_local_zone", viewName, clean, action); err != nil {
		return fmt.Errorf("add local-zone %s under view %s: %w", clean, viewName, err)
	}
	return nil
}

// RemoveDomainRule drops the block rule. Idempotent if absent:
// unbound-control reports removal of a missing zone as success.
func (a *Adapter) RemoveDomainRule(ctx context.Context, viewName, domain string) error {
	clean := models.NormalizeDomain(domain)
	if clean == "" {
		return fmt.Errorf("%w: empty domain after normalization (%q)", models.ErrInvalidInput, domain)
	}
	if _, err := a.control(ctx, "view_local_zone_remove", viewName, clean); err != nil {
		return fmt.Errorf("remove local-zone %s under view %s: %w", clean, viewName, err)
	}
	return nil
}

// Bindings reads the current mapping file, for diagnostics and tests.
func (a *Adapter) Bindings() (map[string]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	raw, err := os.ReadFile(a.ViewFile)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, err
	}
	out := map[string]string{}
	for _, line := range strings.Split(string(raw), "\n") {
		fields := strings.Fields(line)
		if len(fields) != 3 || fields[0] != "access-control-view:" {
			continue
		}
		out[fields[1]] = fields[2]
	}
	return out, nil
}
