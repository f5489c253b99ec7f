package rbac

import "strings"

// Permissions checked by the API.
const (
	PermBillingView     = "billing.view"
	PermBillingManage   = "billing.manage"
	PermBillingReverse  = "billing.reverse"
	PermLedgerView      = "ledger.view"
	PermLedgerPost      = "ledger.post"
	PermLedgerAccounts  = "ledger.accounts"
	PermYearView        = "year.view"
	PermYearClose       = "year.close"
	PermYearAdjust      = "year.adjust"
	PermReportsView     = "reports.view"
	PermSettingsManage  = "settings.manage"
	PermPaymentsReceive = "payments.receive"
	PermAuditView       = "audit.view"
)

// Roles understood by the upstream gateway.
const (
	RoleAdmin      = "admin"
	RoleAccountant = "accountant"
	RoleAuditor    = "auditor"
	RoleMember     = "member"
)

// Roles maps role names to their granted permissions.
type Roles map[string][]string

// DefaultRoles is the static role table.
func DefaultRoles() Roles {
	return Roles{
		RoleAdmin: {
			PermBillingView, PermBillingManage, PermBillingReverse, PermLedgerView, PermLedgerPost, PermLedgerAccounts,
			PermYearView, PermYearClose, PermYearAdjust, PermReportsView, PermSettingsManage, PermPaymentsReceive,
			PermAuditView,
		},
		RoleAccountant: {
			PermBillingView, PermBillingManage, PermLedgerView, PermLedgerPost, PermLedgerAccounts,
			PermYearView, PermReportsView, PermPaymentsReceive,
		},
		RoleAuditor: {
			PermBillingView, PermLedgerView, PermYearView, PermYearAdjust, PermReportsView, PermAuditView,
		},
		RoleMember: {PermBillingView},
	}
}

// EffectivePermissions returns the permissions granted to role.
func (r Roles) EffectivePermissions(role string) []string {
	return r[strings.ToLower(strings.TrimSpace(role))]
}
