package shared

// RMA permissions.
const (
	PermRMAView    = "rma.view"
	PermRMACreate  = "rma.create"
	PermRMARefund  = "rma.refund"
	PermRMADestroy = "rma.destroy"
	PermRMAPrint   = "rma.print"
)

// Operator roles.
const (
	RoleCashier    = "cashier"
	RoleManager    = "manager"
	RoleCompliance = "compliance"
)

// RMAScopes lists all permissions related to returns.
func RMAScopes() []string {
	return []string{
		PermRMAView,
		PermRMACreate,
		PermRMARefund,
		PermRMADestroy,
		PermRMAPrint,
	}
}

// RolePermissions maps a role to the permissions it grants. Unknown roles grant nothing.
func RolePermissions(role string) []string {
	switch role {
	case RoleManager:
		return RMAScopes()
	case RoleCashier:
		return []string{PermRMAView, PermRMACreate, PermRMARefund, PermRMAPrint}
	case RoleCompliance:
		return []string{PermRMAView, PermRMADestroy, PermRMAPrint}
	default:
		return nil
	}
}
