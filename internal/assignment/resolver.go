// Package assignment decides which user receives a step that is assigned to a role.
package assignment

import (
	"context"
	"log/slog"
	"math/rand"
	"sort"
	"time"

	"github.com/arelbir/quado-lite-sub003/pkg/quadoflow/core"
	"github.com/arelbir/quado-lite-sub003/pkg/quadoflow/domain"
)

const cursorRetries = 3

// Directory lists role members. UsersByRole must return a stable order (ascending user id).
type Directory interface {
	UsersByRole(ctx context.Context, role string) ([]domain.User, error)
	FindUserByID(ctx context.Context, id int64) (*domain.User, error)
	FirstUserByRole(ctx context.Context, role string) (int64, bool, error)
}

type DelegationStore interface {
	ActiveDelegations(ctx context.Context, role string, at time.Time) ([]domain.Delegation, error)
}

// Load is the open work of one user.
type Load struct {
	Pending int
	Overdue int
}

func (l Load) Total() int { return l.Pending + 2*l.Overdue }

type WorkloadStore interface {
	OpenAssignmentLoad(ctx context.Context, userIDs []int64) (map[int64]Load, error)
}

// CursorStore persists the last user picked by round-robin per role. A version of 0 means no
// cursor exists yet. CompareAndSetCursor returns false when another writer moved the cursor first.
type CursorStore interface {
	GetCursor(ctx context.Context, role string) (userID int64, version int64, err error)
	CompareAndSetCursor(ctx context.Context, role string, version int64, userID int64) (bool, error)
}

// Resolution is the outcome of a resolve call. Assigned is false only when the role has no
// members or every lookup failed.
type Resolution struct {
	UserID   int64
	Assigned bool
	Strategy Strategy
	Degraded bool
	Reason   string
}

type Resolver struct {
	directory   Directory
	delegations DelegationStore
	workload    WorkloadStore
	cursors     CursorStore
	clock       core.Clock
	intn        func(n int) int
}

func NewResolver(directory Directory, delegations DelegationStore, workload WorkloadStore, cursors CursorStore, clock core.Clock) *Resolver {
	return &Resolver{
		directory:   directory,
		delegations: delegations,
		workload:    workload,
		cursors:     cursors,
		clock:       clock,
		intn:        rand.Intn,
	}
}

// candidate is a role member after delegation substitution.
type candidate struct {
	user      domain.User
	available bool
}

// Resolve picks a user for the role. It never returns an error: lookup failures degrade to the
// first user holding the role.
func (r *Resolver) Resolve(ctx context.Context, role string, strategy Strategy) Resolution {
	res, err := r.resolve(ctx, role, strategy)
	if err == nil {
		return res
	}
	slog.WarnContext(ctx, "Assignment resolution failed, falling back to first user with role", "role", role, "strategy", strategy.String(), "error", err)
	id, ok, ferr := r.directory.FirstUserByRole(ctx, role)
	if ferr != nil {
		slog.ErrorContext(ctx, "Fallback lookup failed, step stays unassigned", "role", role, "error", ferr)
		return Resolution{Strategy: strategy, Degraded: true, Reason: ferr.Error()}
	}
	return Resolution{UserID: id, Assigned: ok, Strategy: strategy, Degraded: true, Reason: err.Error()}
}

func (r *Resolver) resolve(ctx context.Context, role string, strategy Strategy) (Resolution, error) {
	candidates, err := r.candidates(ctx, role)
	if err != nil {
		return Resolution{}, err
	}
	if len(candidates) == 0 {
		slog.WarnContext(ctx, "Role has no members, step stays unassigned", "role", role)
		return Resolution{Strategy: strategy, Reason: "role has no members"}, nil
	}

	var available []domain.User
	for _, c := range candidates {
		if c.available {
			available = append(available, c.user)
		}
	}
	if len(available) == 0 {
		slog.WarnContext(ctx, "No available member for role, using first member", "role", role, "user_id", candidates[0].user.ID)
		return Resolution{UserID: candidates[0].user.ID, Assigned: true, Strategy: strategy, Degraded: true, Reason: "no available member"}, nil
	}

	var picked int64
	switch strategy {
	case RoundRobin:
		picked, err = r.roundRobin(ctx, role, available)
	case Random:
		picked = available[r.intn(len(available))].ID
	case Workload:
		picked, err = r.leastLoaded(ctx, available)
	}
	if err != nil {
		return Resolution{}, err
	}
	slog.DebugContext(ctx, "Resolved assignee", "role", role, "strategy", strategy.String(), "user_id", picked)
	return Resolution{UserID: picked, Assigned: true, Strategy: strategy}, nil
}

// candidates enumerates members of the role, replacing every member that has delegated the role
// with the end of its delegation chain. A delegate that is already a candidate is not listed twice.
func (r *Resolver) candidates(ctx context.Context, role string) ([]candidate, error) {
	members, err := r.directory.UsersByRole(ctx, role)
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, nil
	}
	now := r.clock.Now()
	delegations, err := r.delegations.ActiveDelegations(ctx, role, now)
	if err != nil {
		return nil, err
	}
	delegatedTo := make(map[int64]int64, len(delegations))
	for _, d := range delegations {
		if d.Covers(role, now) {
			if _, seen := delegatedTo[d.FromUserID]; !seen {
				delegatedTo[d.FromUserID] = d.ToUserID
			}
		}
	}

	seen := make(map[int64]bool, len(members))
	out := make([]candidate, 0, len(members))
	for _, m := range members {
		user, ok, err := r.finalDelegate(ctx, role, m, delegatedTo)
		if err != nil {
			return nil, err
		}
		if !ok || seen[user.ID] {
			continue
		}
		seen[user.ID] = true
		out = append(out, candidate{user: user, available: user.IsActive})
	}
	return out, nil
}

// finalDelegate follows the delegation chain that starts at member and returns the user at its
// end, who has not delegated the role. A chain that loops or ends at an unknown user yields nobody.
func (r *Resolver) finalDelegate(ctx context.Context, role string, member domain.User, delegatedTo map[int64]int64) (domain.User, bool, error) {
	user := member
	visited := map[int64]bool{member.ID: true}
	for {
		to, ok := delegatedTo[user.ID]
		if !ok || to == user.ID {
			return user, true, nil
		}
		if visited[to] {
			slog.WarnContext(ctx, "Delegation chain loops, member skipped", "role", role, "user_id", member.ID)
			return domain.User{}, false, nil
		}
		visited[to] = true
		delegate, err := r.directory.FindUserByID(ctx, to)
		if err != nil {
			return domain.User{}, false, err
		}
		if delegate == nil {
			return domain.User{}, false, nil
		}
		user = *delegate
	}
}

func (r *Resolver) leastLoaded(ctx context.Context, available []domain.User) (int64, error) {
	ids := make([]int64, len(available))
	for i, u := range available {
		ids[i] = u.ID
	}
	loads, err := r.workload.OpenAssignmentLoad(ctx, ids)
	if err != nil {
		return 0, err
	}
	best := ids[0]
	bestLoad := loads[best].Total()
	for _, id := range ids[1:] {
		if l := loads[id].Total(); l < bestLoad {
			best, bestLoad = id, l
		}
	}
	return best, nil
}

// roundRobin picks the first available user with an id above the cursor, wrapping around.
// The cursor is moved with compare-and-set; after repeated conflicts the pick made on the last
// read is returned without moving the cursor.
func (r *Resolver) roundRobin(ctx context.Context, role string, available []domain.User) (int64, error) {
	ordered := make([]int64, len(available))
	for i, u := range available {
		ordered[i] = u.ID
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })

	var picked int64
	for attempt := 0; attempt < cursorRetries; attempt++ {
		last, version, err := r.cursors.GetCursor(ctx, role)
		if err != nil {
			return 0, err
		}
		picked = nextAfter(ordered, last)
		ok, err := r.cursors.CompareAndSetCursor(ctx, role, version, picked)
		if err != nil {
			return 0, err
		}
		if ok {
			return picked, nil
		}
		slog.DebugContext(ctx, "Round robin cursor moved concurrently, retrying", "role", role, "attempt", attempt+1)
	}
	slog.WarnContext(ctx, "Round robin cursor contention, using last pick", "role", role, "user_id", picked)
	return picked, nil
}

func nextAfter(ordered []int64, last int64) int64 {
	for _, id := range ordered {
		if id > last {
			return id
		}
	}
	return ordered[0]
}
