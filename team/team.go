package team

import (
	"context"

	"github.com/outofforest/vmspace/types"
)

type contextKey struct{}

// Team is the process owning exactly one address space.
type Team struct {
	ID             types.TeamID
	AddressSpaceID types.AddressSpaceID
}

// WithTeam returns context of the thread belonging to the team.
func WithTeam(ctx context.Context, t *Team) context.Context {
	return context.WithValue(ctx, contextKey{}, t)
}

// FromContext returns the team the calling thread belongs to.
func FromContext(ctx context.Context) (*Team, bool) {
	t, ok := ctx.Value(contextKey{}).(*Team)
	return t, ok && t != nil
}

// CurrentAddressSpaceID returns ID of the address space owned by the team of calling thread.
// It returns false for pure kernel threads.
func CurrentAddressSpaceID(ctx context.Context) (types.AddressSpaceID, bool) {
	t, ok := FromContext(ctx)
	if !ok {
		return 0, false
	}
	return t.AddressSpaceID, true
}
