// Package nftables maintains client IP membership in the portal's two
// mutually-exclusive nftables named sets.
package nftables

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/andred88/bth-lab/pkg/execx"
)

const (
	// SetAuthenticated holds IPs with role-restricted access.
	SetAuthenticated = "authenticated_users"
	// SetAdmin holds IPs with unrestricted access.
	SetAdmin = "admin_users"
)

// Adapter translates grant/revoke operations into nft invocations.
// A failed call is returned to the caller for logging but the caller
// is expected to treat enforcement failures as repairable drift, not
// as fatal errors.
type Adapter struct {
	Runner execx.Runner
	Family string
	Table  string
}

func New(runner execx.Runner) *Adapter {
	return &Adapter{Runner: runner, Family: "inet", Table: "filter"}
}

func (a *Adapter) family() string {
	if a.Family == "" {
		return "inet"
	}
	return a.Family
}

func (a *Adapter) table() string {
	if a.Table == "" {
		return "filter"
	}
	return a.Table
}

// SetFor returns the set a session's IP belongs to.
func SetFor(unrestricted bool) string {
	if unrestricted {
		return SetAdmin
	}
	return SetAuthenticated
}

// Grant adds ip to the set matching the session's access level.
// Duplicate adds are tolerated: nft reports "element already exists"
// as an error, which we detect and treat as success.
func (a *Adapter) Grant(ctx context.Context, ip string, unrestricted bool) error {
	set := SetFor(unrestricted)
	_, err := a.Runner.Run(ctx, "nft", "add", "element", a.family(), a.table(), set,
		"{ "+ip+" }")
	if err != nil {
		if execErr, ok := asExecutionError(err); ok && strings.Contains(execErr.Stderr, "already exists") {
			return nil
		}
		return fmt.Errorf("add %s to set %s: %w", ip, set, err)
	}
	return nil
}

// Revoke removes ip from both sets unconditionally: the session's
// exact set at revoke time may be stale after a role change. Each set
// is checked for membership first; removal of an absent member is an
// expected race and only logged.
func (a *Adapter) Revoke(ctx context.Context, ip string) error {
	var firstErr error
	for _, set := range []string{SetAuthenticated, SetAdmin} {
		member, err := a.isMember(ctx, set, ip)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("list set %s: %w", set, err)
			}
			continue
		}
		if !member {
			log.Printf("nftables: ip %s not in set %s, skipping removal", ip, set)
			continue
		}
		if _, err := a.Runner.Run(ctx, "nft", "delete", "element", a.family(), a.table(), set,
			"{ "+ip+" }"); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("delete %s from set %s: %w", ip, set, err)
			}
		}
	}
	return firstErr
}

func (a *Adapter) isMember(ctx context.Context, set, ip string) (bool, error) {
	out, err := a.Runner.Run(ctx, "nft", "list", "set", a.family(), a.table(), set)
	if err != nil {
		return false, err
	}
	return containsElement(out, ip), nil
}

// containsElement scans nft list output for ip as a whole element.
// A plain substring match would confuse 10.0.0.5 with 10.0.0.50.
func containsElement(out, ip string) bool {
	fields := strings.FieldsFunc(out, func(r rune) bool {
		switch r {
		case ' ', '\t', '\n', ',', '{', '}':
			return true
		}
		return false
	})
	for _, f := range fields {
		if f == ip {
			return true
		}
	}
	return false
}

func asExecutionError(err error) (*execx.ExecutionError, bool) {
	var execErr *execx.ExecutionError
	if errors.As(err, &execErr) {
		return execErr, true
	}
	return nil, false
}
