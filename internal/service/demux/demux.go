// Package demux maps provider channel indices to speaker roles.
package demux

import (
	"speech-relay-service/internal/models"
)

// Resolver turns the channel a provider reported into a role.
type Resolver interface {
	Resolve(channel *int) models.Role
	Roles() []models.Role
}

// Table resolves by channel index. Index i maps to roles[i]; a missing or
// unknown channel resolves to the first entry.
type Table struct {
	roles []models.Role
}

// NewTable builds a table from role names in channel order. An empty list
// yields the primary/secondary default.
func NewTable(roles ...string) *Table {
	t := &Table{}
	for _, r := range roles {
		if r != "" {
			t.roles = append(t.roles, models.Role(r))
		}
	}
	if len(t.roles) == 0 {
		t.roles = []models.Role{models.RolePrimary, models.RoleSecondary}
	}
	return t
}

// Resolve implements Resolver.
func (t *Table) Resolve(channel *int) models.Role {
	if channel == nil || *channel < 0 || *channel >= len(t.roles) {
		return t.roles[0]
	}
	return t.roles[*channel]
}

// Roles returns the roles in channel order.
func (t *Table) Roles() []models.Role {
	return append([]models.Role(nil), t.roles...)
}

// Channels is the number of audio channels the table expects.
func (t *Table) Channels() int {
	return len(t.roles)
}

// Fixed resolves every event to one role (single-channel mode).
type Fixed models.Role

// Resolve implements Resolver.
func (f Fixed) Resolve(*int) models.Role {
	if f == "" {
		return models.RolePrimary
	}
	return models.Role(f)
}

// Roles implements Resolver.
func (f Fixed) Roles() []models.Role {
	return []models.Role{f.Resolve(nil)}
}
