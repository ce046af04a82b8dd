package policy

import (
	"fmt"
	"testing"
	"time"

	"github.com/cockroachdb/apd/v3"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"

	"github.com/pesio-ai/be-ops-approvals/internal/repository"
)

var now = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func dec(s string) *apd.Decimal {
	d, _, err := apd.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestResolve_Chains(t *testing.T) {
	r := NewResolver(Config{})

	tests := []struct {
		name       string
		actionType string
		amount     *apd.Decimal
		want       []repository.Role
	}{
		{"account creation below threshold", ActionAccountCreation, dec("5000"), []repository.Role{repository.RoleBackOffice}},
		{"account creation above threshold", ActionAccountCreation, dec("150000"), []repository.Role{repository.RoleBackOffice, repository.RoleBranchManager}},
		{"threshold itself is not high value", ActionAccountCreation, dec("100000"), []repository.Role{repository.RoleBackOffice}},
		{"no amount", ActionLimitChange, nil, []repository.Role{repository.RoleBackOffice}},
		{"reversal small", ActionTransactionReversal, dec("1"), []repository.Role{repository.RoleBackOffice, repository.RoleBranchManager}},
		{"reversal large", ActionTransactionReversal, dec("9000000"), []repository.Role{repository.RoleBackOffice, repository.RoleBranchManager}},
		{"transfer above one million", ActionFundTransfer, dec("1000000.01"), []repository.Role{repository.RoleBackOffice, repository.RoleBranchManager, repository.RoleOperationsHead}},
		{"transfer high value", ActionFundTransfer, dec("500000"), []repository.Role{repository.RoleBackOffice, repository.RoleBranchManager}},
		{"aml", ActionAMLEscalation, nil, []repository.Role{repository.RoleComplianceOfficer, repository.RoleBranchManager}},
		{"loan high value", ActionLoanDisbursement, dec("250000"), []repository.Role{repository.RoleCreditOfficer, repository.RoleBranchManager, repository.RoleOperationsHead}},
		{"risk rating high value", ActionRiskRatingChange, dec("100001"), []repository.Role{repository.RoleRiskOfficer, repository.RoleComplianceOfficer}},
		{"unknown falls back", "card_reissue", dec("10"), []repository.Role{repository.RoleBranchManager}},
		{"type is case insensitive", " Account_Creation ", dec("150000"), []repository.Role{repository.RoleBackOffice, repository.RoleBranchManager}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := r.Resolve(tt.actionType, tt.amount, repository.PriorityNormal, nil, now)
			assert.Equal(t, tt.want, res.Roles)
		})
	}
}

func TestResolve_Deadlines(t *testing.T) {
	r := NewResolver(Config{})
	requested := now.Add(48 * time.Hour)

	tests := []struct {
		priority  repository.Priority
		requested *time.Time
		want      time.Time
	}{
		{repository.PriorityCritical, nil, now.Add(4 * time.Hour)},
		{repository.PriorityHigh, nil, now.Add(24 * time.Hour)},
		{repository.PriorityNormal, nil, now.Add(72 * time.Hour)},
		{repository.PriorityLow, nil, now.Add(7 * 24 * time.Hour)},
		{repository.Priority("urgent"), nil, now.Add(72 * time.Hour)},
		{repository.PriorityHigh, &requested, requested.Add(24 * time.Hour)},
	}

	for _, tt := range tests {
		t.Run(string(tt.priority), func(t *testing.T) {
			res := r.Resolve(ActionAccountCreation, nil, tt.priority, tt.requested, now)
			assert.True(t, tt.want.Equal(res.Deadline), "got %s want %s", res.Deadline, tt.want)
		})
	}
}

func TestResolve_HighValueAccountCreation(t *testing.T) {
	r := NewResolver(Config{})
	res := r.Resolve(ActionAccountCreation, dec("150000"), repository.ParsePriority("Normal"), nil, now)

	assert.Len(t, res.Roles, 2)
	assert.WithinDuration(t, now.Add(3*24*time.Hour), res.Deadline, time.Second)
}

func TestResolve_CustomThreshold(t *testing.T) {
	r := NewResolver(Config{HighValueThreshold: "10000", VeryHighValueThreshold: "not-a-number"})

	assert.True(t, r.IsHighValue(dec("10000.5")))
	assert.Len(t, r.Resolve(ActionFundTransfer, dec("1000001"), repository.PriorityNormal, nil, now).Roles, 3)
}

func TestEscalation(t *testing.T) {
	r := NewResolver(Config{})

	assert.Equal(t, repository.RoleOperationsHead, r.EscalationTarget(ActionLoanDisbursement, nil))
	assert.Equal(t, repository.RoleOperationsHead, r.EscalationTarget(ActionTransactionReversal, dec("10")))
	assert.Equal(t, repository.RoleOperationsHead, r.EscalationTarget(ActionAccountCreation, dec("200000")))
	assert.Equal(t, repository.RoleBranchManager, r.EscalationTarget(ActionAccountCreation, dec("200")))
	assert.Equal(t, repository.RoleBranchManager, r.EscalationTarget("unknown", nil))

	target, ok := r.NextEscalation(ActionAccountCreation, nil, repository.RoleBackOffice)
	assert.True(t, ok)
	assert.Equal(t, repository.RoleBranchManager, target)

	_, ok = r.NextEscalation(ActionAccountCreation, nil, repository.RoleBranchManager)
	assert.False(t, ok)

	target, ok = r.NextEscalation(ActionTransactionReversal, nil, repository.RoleBranchManager)
	assert.True(t, ok)
	assert.Equal(t, repository.RoleOperationsHead, target)

	_, ok = r.NextEscalation(ActionLoanDisbursement, nil, repository.RoleOperationsHead)
	assert.False(t, ok)
}

func TestMakerCheckerTable(t *testing.T) {
	assert.True(t, MayCheck(ActionAccountCreation, []repository.Role{repository.RoleBackOffice}))
	assert.False(t, MayCheck(ActionAccountCreation, []repository.Role{repository.RoleCreditOfficer}))
	assert.True(t, MayCheck("unknown", []repository.Role{repository.RoleOperationsHead}))
	assert.False(t, MayCheck("unknown", nil))
	assert.True(t, MayCancel([]repository.Role{repository.RoleBackOffice, repository.RoleBranchManager}))
	assert.False(t, MayCancel([]repository.Role{repository.RoleBackOffice}))
}

var actionTypes = []string{
	ActionAccountCreation, ActionAccountClosure, ActionFundTransfer, ActionTransactionReversal,
	ActionRiskRatingChange, ActionAMLEscalation, ActionLoanDisbursement, ActionLimitChange, "unmapped",
}

func TestResolveProperties(t *testing.T) {
	r := NewResolver(Config{})
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	genAction := gen.IntRange(0, len(actionTypes)-1).Map(func(i int) string { return actionTypes[i] })
	genAmount := gen.Int64Range(0, 5_000_000)
	genPriority := gen.OneConstOf(repository.PriorityLow, repository.PriorityNormal, repository.PriorityHigh, repository.PriorityCritical)

	properties.Property("chain is non-empty, duplicate-free and deterministic", prop.ForAll(
		func(actionType string, amount int64, priority repository.Priority) bool {
			a := apd.New(amount, 0)
			first := r.Resolve(actionType, a, priority, nil, now)
			second := r.Resolve(actionType, a, priority, nil, now)
			if len(first.Roles) == 0 || fmt.Sprint(first.Roles) != fmt.Sprint(second.Roles) {
				return false
			}
			seen := map[repository.Role]bool{}
			for _, role := range first.Roles {
				if seen[role] {
					return false
				}
				seen[role] = true
			}
			return first.Deadline.Equal(second.Deadline)
		},
		genAction, genAmount, genPriority,
	))

	properties.Property("reversals always need exactly two fixed roles", prop.ForAll(
		func(amount int64) bool {
			res := r.Resolve(ActionTransactionReversal, apd.New(amount, 0), repository.PriorityNormal, nil, now)
			return len(res.Roles) == 2 &&
				res.Roles[0] == repository.RoleBackOffice &&
				res.Roles[1] == repository.RoleBranchManager
		},
		genAmount,
	))

	properties.Property("a larger amount never shortens the chain", prop.ForAll(
		func(actionType string, a, b int64) bool {
			lo, hi := a, b
			if lo > hi {
				lo, hi = hi, lo
			}
			small := r.Resolve(actionType, apd.New(lo, 0), repository.PriorityNormal, nil, now)
			large := r.Resolve(actionType, apd.New(hi, 0), repository.PriorityNormal, nil, now)
			return len(small.Roles) <= len(large.Roles)
		},
		genAction, genAmount, genAmount,
	))

	properties.Property("deadline is start plus the priority window", prop.ForAll(
		func(actionType string, priority repository.Priority, offsetMinutes int) bool {
			start := now.Add(time.Duration(offsetMinutes) * time.Minute)
			res := r.Resolve(actionType, nil, priority, &start, now)
			return res.Deadline.Equal(start.Add(DeadlineWindow(priority)))
		},
		genAction, genPriority, gen.IntRange(-10_000, 10_000),
	))

	properties.Property("every resolved role clears the checker minimum bar", prop.ForAll(
		func(actionType string, amount int64) bool {
			res := r.Resolve(actionType, apd.New(amount, 0), repository.PriorityNormal, nil, now)
			for _, role := range res.Roles {
				if !MayCheck(actionType, []repository.Role{role}) {
					return false
				}
			}
			return MayCheck(actionType, []repository.Role{r.EscalationTarget(actionType, apd.New(amount, 0))})
		},
		genAction, genAmount,
	))

	properties.TestingRun(t)
}
