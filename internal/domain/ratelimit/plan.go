package ratelimit

import (
	"context"

	"github.com/apihub/backend/internal/domain/shared"
)

// PlanLimits resolves a tenant's configured ceiling. Plan management itself
// lives outside this subsystem; the limiter only consumes the resolved rule.
type PlanLimits interface {
	// TenantRule returns the rate limit rule for the tenant's plan.
	TenantRule(ctx context.Context, tenantID string) (Rule, error)
}

// StaticPlanLimits is a PlanLimits backed by an immutable map loaded at
// startup. Tenants without an explicit entry fall back to the default rule.
type StaticPlanLimits struct {
	defaultRule Rule
	perTenant   map[string]Rule
}

// NewStaticPlanLimits builds a static plan resolver. Every rule is validated
// up front; an invalid rule fails construction rather than degrading at
// runtime.
func NewStaticPlanLimits(defaultRule Rule, perTenant map[string]Rule) (*StaticPlanLimits, error) {
	if err := defaultRule.Validate(); err != nil {
		return nil, shared.NewDomainError("INVALID_PLAN_RULE", err.Error())
	}
	rules := make(map[string]Rule, len(perTenant))
	for tenant, rule := range perTenant {
		if err := rule.Validate(); err != nil {
			return nil, shared.NewDomainError("INVALID_PLAN_RULE", err.Error())
		}
		rules[tenant] = rule
	}
	return &StaticPlanLimits{defaultRule: defaultRule, perTenant: rules}, nil
}

// TenantRule returns the tenant's rule, or the default when none is set.
func (p *StaticPlanLimits) TenantRule(_ context.Context, tenantID string) (Rule, error) {
	if rule, ok := p.perTenant[tenantID]; ok {
		return rule, nil
	}
	return p.defaultRule, nil
}

var _ PlanLimits = (*StaticPlanLimits)(nil)
