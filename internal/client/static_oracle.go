package client

import (
	"context"

	"github.com/pesio-ai/be-ops-approvals/internal/repository"
)

// StaticOracle is a RoleOracle over a fixed user → roles table, loaded from
// configuration. Used in local environments and tests.
type StaticOracle struct {
	roles map[string][]repository.Role
}

// NewStaticOracle creates a StaticOracle. Role names the service does not
// know are dropped.
func NewStaticOracle(userRoles map[string][]string) *StaticOracle {
	roles := make(map[string][]repository.Role, len(userRoles))
	for user, names := range userRoles {
		roles[user] = toRoles(names)
	}
	return &StaticOracle{roles: roles}
}

// GetRolesForUser implements RoleOracle.
func (o *StaticOracle) GetRolesForUser(_ context.Context, userID string) ([]repository.Role, error) {
	return append([]repository.Role(nil), o.roles[userID]...), nil
}
