package ledger

import "context"

// Privileges answers whether a user is billed for jobs.
type Privileges interface {
	IsPrivileged(ctx context.Context, userID string) bool
}

// StaticPrivileges is a fixed set of privileged user ids.
type StaticPrivileges map[string]struct{}

// NewStaticPrivileges builds a StaticPrivileges from a list of user ids.
func NewStaticPrivileges(userIDs []string) StaticPrivileges {
	p := make(StaticPrivileges, len(userIDs))
	for _, id := range userIDs {
		p[id] = struct{}{}
	}
	return p
}

func (p StaticPrivileges) IsPrivileged(_ context.Context, userID string) bool {
	_, ok := p[userID]
	return ok
}
