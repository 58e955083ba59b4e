package rbac

import "fmt"

// Plan is the account's subscription tier. All entitlements and step-up
// enforcement hang off it.
type Plan string

const (
	PlanFree Plan = "free"
	PlanPro  Plan = "pro"
)

// ParsePlan validates a plan tier read from configuration.
func ParsePlan(value string) (Plan, error) {
	switch Plan(value) {
	case PlanFree, PlanPro:
		return Plan(value), nil
	default:
		return "", fmt.Errorf("rbac: invalid plan %q", value)
	}
}

// Entitlement names a derived capability. Entitlements are never
// stored; they are a pure function of roles and plan.
type Entitlement string

const (
	EntitlementAdminTab       Entitlement = "admin_tab"
	EntitlementProfilePlusTab Entitlement = "profile_plus_tab"
	EntitlementSecurityTab    Entitlement = "security_tab"
)

// Entitlements holds the derived capability flags.
type Entitlements struct {
	AdminTab       bool `json:"admin_tab"`
	ProfilePlusTab bool `json:"profile_plus_tab"`
	SecurityTab    bool `json:"security_tab"`
}

// ComputeEntitlements derives capabilities from roles and plan.
// admin_tab requires both the pro plan and the admin role; the other
// tabs require only the pro plan.
func ComputeEntitlements(roles []Role, plan Plan) Entitlements {
	isPro := plan == PlanPro
	isAdmin := false
	for _, role := range roles {
		if role == RoleAdmin {
			isAdmin = true
			break
		}
	}
	return Entitlements{
		AdminTab:       isPro && isAdmin,
		ProfilePlusTab: isPro,
		SecurityTab:    isPro,
	}
}

// Has reports a single named entitlement.
func (e Entitlements) Has(ent Entitlement) bool {
	switch ent {
	case EntitlementAdminTab:
		return e.AdminTab
	case EntitlementProfilePlusTab:
		return e.ProfilePlusTab
	case EntitlementSecurityTab:
		return e.SecurityTab
	default:
		return false
	}
}
