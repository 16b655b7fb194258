package auth

import "fmt"

// Action names an operation subject to authorization.
type Action string

const (
	ActionCreateWallet  Action = "wallet.create"
	ActionFundWallet    Action = "wallet.fund"
	ActionReadWallet    Action = "wallet.read"
	ActionOpenAccount   Action = "budget.open"
	ActionAllocate      Action = "budget.allocate"
	ActionDeallocate    Action = "budget.deallocate"
	ActionReadBudget    Action = "budget.read"
	ActionPlaceOrder    Action = "order.place"
	ActionCancelOrder   Action = "order.cancel"
	ActionAdvanceStatus Action = "order.advance"
	ActionReadOrder     Action = "order.read"
	ActionReadLedger    Action = "ledger.read"
	ActionReports       Action = "reports.read"
	ActionReconcile     Action = "ledger.reconcile"
	ActionStream        Action = "ledger.stream"
)

// Operation describes what is being attempted and on whose behalf.
// CompanyID and EmployeeID are the owners of the target resource; leave
// empty when not applicable.
type Operation struct {
	Action     Action
	CompanyID  string
	EmployeeID string
}

// Authorize reports whether the actor may perform op. It returns
// ErrUnauthorized for an invalid actor and ErrForbidden otherwise.
func Authorize(a Actor, op Operation) error {
	if err := a.Validate(); err != nil {
		return ErrUnauthorized
	}
	if allowed(a, op) {
		return nil
	}
	return fmt.Errorf("%w: %s may not %s", ErrForbidden, a.Role, op.Action)
}

func allowed(a Actor, op Operation) bool {
	super := a.Role == RoleSuperAdmin
	companyAdmin := a.Role == RoleCompanyAdmin && op.CompanyID != "" && a.CompanyID == op.CompanyID
	self := a.Role == RoleEmployee && op.EmployeeID != "" && a.ID == op.EmployeeID &&
		(op.CompanyID == "" || a.CompanyID == op.CompanyID)

	switch op.Action {
	case ActionCreateWallet, ActionFundWallet, ActionAdvanceStatus, ActionReadLedger,
		ActionReconcile, ActionStream:
		return super
	case ActionReadWallet, ActionOpenAccount, ActionAllocate, ActionDeallocate, ActionReports:
		return super || companyAdmin
	case ActionPlaceOrder:
		return self
	case ActionCancelOrder, ActionReadOrder, ActionReadBudget:
		return super || companyAdmin || self
	}
	return false
}
