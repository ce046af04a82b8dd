package policy

import "github.com/pesio-ai/be-ops-approvals/internal/repository"

// checkerRoles is the minimum bar: a checker must hold at least one of these
// roles to act on the action type at all. Each entry covers every role the
// chain can resolve to plus the escalation tiers.
var checkerRoles = map[string][]repository.Role{
	ActionAccountCreation:     {repository.RoleBackOffice, repository.RoleBranchManager, repository.RoleOperationsHead},
	ActionAccountClosure:      {repository.RoleBackOffice, repository.RoleBranchManager, repository.RoleOperationsHead},
	ActionFundTransfer:        {repository.RoleBackOffice, repository.RoleBranchManager, repository.RoleOperationsHead},
	ActionTransactionReversal: {repository.RoleBackOffice, repository.RoleBranchManager, repository.RoleOperationsHead},
	ActionRiskRatingChange:    {repository.RoleRiskOfficer, repository.RoleComplianceOfficer, repository.RoleBranchManager, repository.RoleOperationsHead},
	ActionAMLEscalation:       {repository.RoleComplianceOfficer, repository.RoleBranchManager, repository.RoleOperationsHead},
	ActionLoanDisbursement:    {repository.RoleCreditOfficer, repository.RoleBranchManager, repository.RoleOperationsHead},
	ActionLimitChange:         {repository.RoleBackOffice, repository.RoleBranchManager, repository.RoleOperationsHead},
}

var fallbackCheckerRoles = []repository.Role{repository.RoleBranchManager, repository.RoleOperationsHead}

// cancellationRoles may cancel any non-terminal workflow, not just their own.
var cancellationRoles = []repository.Role{repository.RoleBranchManager, repository.RoleOperationsHead}

// CheckerRoles returns the roles allowed to act as checker for an action type.
func CheckerRoles(actionType string) []repository.Role {
	if roles, ok := checkerRoles[NormalizeActionType(actionType)]; ok {
		return roles
	}
	return fallbackCheckerRoles
}

// MayCheck reports whether any of held clears the minimum bar for actionType.
func MayCheck(actionType string, held []repository.Role) bool {
	return anyOf(held, CheckerRoles(actionType))
}

// MayCancel reports whether any of held may cancel someone else's workflow.
func MayCancel(held []repository.Role) bool {
	return anyOf(held, cancellationRoles)
}

func anyOf(held, allowed []repository.Role) bool {
	for _, h := range held {
		for _, a := range allowed {
			if h == a {
				return true
			}
		}
	}
	return false
}
