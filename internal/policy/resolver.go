// Package policy decides which roles must sign off a maker action, by when,
// and who takes over when the deadline lapses. Everything here is pure: no
// store, no clock, no I/O.
package policy

import (
	"strings"
	"time"

	"github.com/cockroachdb/apd/v3"

	"github.com/pesio-ai/be-ops-approvals/internal/repository"
)

// Action types with a dedicated approval chain.
const (
	ActionAccountCreation     = "account_creation"
	ActionAccountClosure      = "account_closure"
	ActionFundTransfer        = "fund_transfer"
	ActionTransactionReversal = "transaction_reversal"
	ActionRiskRatingChange    = "risk_rating_change"
	ActionAMLEscalation       = "aml_escalation"
	ActionLoanDisbursement    = "loan_disbursement"
	ActionLimitChange         = "limit_change"
)

// Default amount thresholds.
const (
	DefaultHighValueThreshold     = "100000"
	DefaultVeryHighValueThreshold = "1000000"
)

// Config tunes the amount thresholds. Empty values fall back to the defaults.
type Config struct {
	HighValueThreshold     string
	VeryHighValueThreshold string
}

// Resolution is the outcome of resolving a maker action.
type Resolution struct {
	Roles    []repository.Role
	Deadline time.Time
}

// chain is one row of the routing table.
type chain struct {
	base      []repository.Role
	highValue []repository.Role
	// veryHighValue roles are added on top of highValue ones.
	veryHighValue []repository.Role
}

var chains = map[string]chain{
	ActionAccountCreation: {
		base:      []repository.Role{repository.RoleBackOffice},
		highValue: []repository.Role{repository.RoleBranchManager},
	},
	ActionAccountClosure: {
		base:      []repository.Role{repository.RoleBackOffice},
		highValue: []repository.Role{repository.RoleBranchManager},
	},
	ActionFundTransfer: {
		base:          []repository.Role{repository.RoleBackOffice},
		highValue:     []repository.Role{repository.RoleBranchManager},
		veryHighValue: []repository.Role{repository.RoleOperationsHead},
	},
	ActionTransactionReversal: {
		base: []repository.Role{repository.RoleBackOffice, repository.RoleBranchManager},
	},
	ActionRiskRatingChange: {
		base:      []repository.Role{repository.RoleRiskOfficer},
		highValue: []repository.Role{repository.RoleComplianceOfficer},
	},
	ActionAMLEscalation: {
		base: []repository.Role{repository.RoleComplianceOfficer, repository.RoleBranchManager},
	},
	ActionLoanDisbursement: {
		base:      []repository.Role{repository.RoleCreditOfficer, repository.RoleBranchManager},
		highValue: []repository.Role{repository.RoleOperationsHead},
	},
	ActionLimitChange: {
		base:      []repository.Role{repository.RoleBackOffice},
		highValue: []repository.Role{repository.RoleBranchManager},
	},
}

// Unknown action types get a single manager-tier sign-off rather than none.
var fallbackChain = chain{base: []repository.Role{repository.RoleBranchManager}}

var deadlineWindows = map[repository.Priority]time.Duration{
	repository.PriorityCritical: 4 * time.Hour,
	repository.PriorityHigh:     24 * time.Hour,
	repository.PriorityNormal:   72 * time.Hour,
	repository.PriorityLow:      168 * time.Hour,
}

const defaultDeadlineWindow = 72 * time.Hour

// Resolver maps maker actions to approval chains and deadlines.
type Resolver struct {
	highValue     *apd.Decimal
	veryHighValue *apd.Decimal
}

// NewResolver creates a Resolver. Unparseable thresholds fall back to the
// defaults.
func NewResolver(cfg Config) *Resolver {
	return &Resolver{
		highValue:     parseThreshold(cfg.HighValueThreshold, DefaultHighValueThreshold),
		veryHighValue: parseThreshold(cfg.VeryHighValueThreshold, DefaultVeryHighValueThreshold),
	}
}

// Resolve returns the ordered approver roles and the approval deadline.
// The deadline counts from requested when given, otherwise from now.
func (r *Resolver) Resolve(actionType string, amount *apd.Decimal, priority repository.Priority, requested *time.Time, now time.Time) Resolution {
	c, ok := chains[NormalizeActionType(actionType)]
	if !ok {
		c = fallbackChain
	}

	roles := append([]repository.Role(nil), c.base...)
	if r.IsHighValue(amount) {
		roles = appendDistinct(roles, c.highValue...)
		if exceeds(amount, r.veryHighValue) {
			roles = appendDistinct(roles, c.veryHighValue...)
		}
	}

	start := now
	if requested != nil {
		start = *requested
	}
	return Resolution{Roles: roles, Deadline: start.Add(DeadlineWindow(priority))}
}

// DeadlineWindow is the approval window for a priority.
func DeadlineWindow(priority repository.Priority) time.Duration {
	if d, ok := deadlineWindows[priority]; ok {
		return d
	}
	return defaultDeadlineWindow
}

// IsHighValue reports whether amount is strictly above the high-value threshold.
func (r *Resolver) IsHighValue(amount *apd.Decimal) bool {
	return exceeds(amount, r.highValue)
}

// EscalationTarget names the role that takes over a stalled workflow.
// High-value amounts and loan or reversal actions go to the operations head;
// everything else goes to a branch manager.
func (r *Resolver) EscalationTarget(actionType string, amount *apd.Decimal) repository.Role {
	switch NormalizeActionType(actionType) {
	case ActionLoanDisbursement, ActionTransactionReversal:
		return repository.RoleOperationsHead
	}
	if r.IsHighValue(amount) {
		return repository.RoleOperationsHead
	}
	return repository.RoleBranchManager
}

// NextEscalation returns the escalation target for a workflow whose current
// step is held by current. ok is false when current already sits at or above
// the target tier, in which case nobody is left to escalate to.
func (r *Resolver) NextEscalation(actionType string, amount *apd.Decimal, current repository.Role) (repository.Role, bool) {
	target := r.EscalationTarget(actionType, amount)
	if tier(current) >= tier(target) {
		return "", false
	}
	return target, true
}

// NormalizeActionType lower-cases and trims an action type tag.
func NormalizeActionType(actionType string) string {
	return strings.ToLower(strings.TrimSpace(actionType))
}

func tier(role repository.Role) int {
	switch role {
	case repository.RoleOperationsHead:
		return 2
	case repository.RoleBranchManager:
		return 1
	}
	return 0
}

func exceeds(amount, threshold *apd.Decimal) bool {
	if amount == nil || threshold == nil {
		return false
	}
	return amount.Cmp(threshold) > 0
}

func appendDistinct(roles []repository.Role, more ...repository.Role) []repository.Role {
	for _, m := range more {
		dup := false
		for _, r := range roles {
			if r == m {
				dup = true
				break
			}
		}
		if !dup {
			roles = append(roles, m)
		}
	}
	return roles
}

func parseThreshold(s, fallback string) *apd.Decimal {
	if s != "" {
		if d, _, err := apd.NewFromString(s); err == nil {
			return d
		}
	}
	d, _, _ := apd.NewFromString(fallback)
	return d
}
