package uow

import (
	"context"
	"sync"
)

// A Group is a depth-ordered stack of units of work created by nested
// transactional scopes. Scopes join the group as they open, innermost
// last.
type Group struct {
	m     sync.Mutex
	units []*UnitOfWork
}

// NewGroup creates an empty transaction group
func NewGroup() *Group {
	return &Group{}
}

// Join pushes a unit of work onto the group
func (g *Group) Join(unit *UnitOfWork) {
	if unit == nil {
		return
	}
	g.m.Lock()
	g.units = append(g.units, unit)
	g.m.Unlock()
}

// Len is the number of units currently in the group
func (g *Group) Len() int {
	g.m.Lock()
	sz := len(g.units)
	g.m.Unlock()
	return sz
}

// Commit processes the stack depth-first, most recently joined first.
// When a unit fails it is rolled back along with every remaining outer
// unit; units that already committed stay committed. This is a known
// partial-durability trade-off, not atomicity across nested scopes.
func (g *Group) Commit(ctx context.Context) bool {
	g.m.Lock()
	units := g.units
	g.units = nil
	g.m.Unlock()

	for i := len(units) - 1; i >= 0; i-- {
		if units[i].Commit(ctx) {
			continue
		}
		for j := i - 1; j >= 0; j-- {
			units[j].Rollback()
		}
		return false
	}
	return true
}

// Rollback discards every unit in the group without committing any
func (g *Group) Rollback() {
	g.m.Lock()
	units := g.units
	g.units = nil
	g.m.Unlock()

	for i := len(units) - 1; i >= 0; i-- {
		units[i].Rollback()
	}
}

type groupKey uint8

const activeGroupKey groupKey = 0

// WithGroup makes the group the active transaction group on the context.
// The group travels as an explicit context value rather than ambient
// task-local storage, so a caller can always see where it came from.
func WithGroup(ctx context.Context, group *Group) context.Context {
	return context.WithValue(ctx, activeGroupKey, group)
}

// GroupFrom returns the active transaction group on the context
func GroupFrom(ctx context.Context) (*Group, bool) {
	group, ok := ctx.Value(activeGroupKey).(*Group)
	return group, ok
}

// JoinOrBegin joins the active group on the context when there is one,
// or starts a new group containing just this unit. The returned group is
// the one the unit was added to.
func JoinOrBegin(ctx context.Context, unit *UnitOfWork) (context.Context, *Group) {
	if group, ok := GroupFrom(ctx); ok {
		group.Join(unit)
		return ctx, group
	}
	group := NewGroup()
	group.Join(unit)
	return WithGroup(ctx, group), group
}
