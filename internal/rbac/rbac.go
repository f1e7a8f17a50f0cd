// Package rbac answers capability questions at every privileged
// boundary of the fabric. The guard is the sole authority; callers
// surface denials as permission_denied faults carrying the guard's
// reason verbatim.
package rbac

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// Actions consulted by the core
const (
	ActionSessionCreate = "session.create"
	ActionSessionJoin   = "session.join"
	ActionSessionLeave  = "session.leave"
	ActionConsensusVeto = "consensus.veto"
)

// Decision is the guard's answer for one check
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
}

// Guard checks whether a user may perform an action on a resource
type Guard interface {
	Check(ctx context.Context, userID, resourceID, resourceType, action string) (Decision, error)
}

// AllowAll permits every action. Test and development use only.
type AllowAll struct{}

// Check always allows
func (AllowAll) Check(ctx context.Context, userID, resourceID, resourceType, action string) (Decision, error) {
	return Decision{Allowed: true, Reason: "allow-all guard"}, nil
}

// StaticGuard grants actions from an in-memory table of
// userID -> permitted actions. Unknown users and unlisted actions are
// denied with a reason naming the missing grant.
type StaticGuard struct {
	mu     sync.RWMutex
	grants map[string]map[string]bool
}

// NewStaticGuard builds a guard from userID -> action list
func NewStaticGuard(grants map[string][]string) *StaticGuard {
	g := &StaticGuard{grants: make(map[string]map[string]bool, len(grants))}
	for userID, actions := range grants {
		set := make(map[string]bool, len(actions))
		for _, a := range actions {
			set[a] = true
		}
		g.grants[userID] = set
	}
	return g
}

// Grant adds an action for a user
func (g *StaticGuard) Grant(userID, action string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.grants[userID] == nil {
		g.grants[userID] = make(map[string]bool)
	}
	g.grants[userID][action] = true
}

// Revoke removes an action for a user
func (g *StaticGuard) Revoke(userID, action string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if set, ok := g.grants[userID]; ok {
		delete(set, action)
	}
}

// Check answers from the grant table
func (g *StaticGuard) Check(ctx context.Context, userID, resourceID, resourceType, action string) (Decision, error) {
	select {
	case <-ctx.Done():
		return Decision{}, ctx.Err()
	default:
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	set, ok := g.grants[userID]
	if !ok {
		log.Debug().
			Str("user_id", userID).
			Str("action", action).
			Msg("RBAC denial: unknown user")
		return Decision{Allowed: false, Reason: "user " + userID + " has no grants"}, nil
	}
	if !set[action] {
		log.Debug().
			Str("user_id", userID).
			Str("resource_id", resourceID).
			Str("action", action).
			Msg("RBAC denial: missing grant")
		return Decision{Allowed: false, Reason: "user " + userID + " lacks " + action}, nil
	}
	return Decision{Allowed: true, Reason: "granted"}, nil
}
