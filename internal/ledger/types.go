package ledger

import (
	"fmt"
	"strings"
	"time"

	"mealledger.org/internal/money"
)

// Wallet is the pooled balance of a company. All budget allocations are
// drawn from it.
type Wallet struct {
	ID           string       `json:"id"`
	CompanyID    string       `json:"company_id"`
	Balance      money.Amount `json:"balance"`
	LastEntrySeq uint64       `json:"last_entry_seq"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// Scope addresses the wallet's own entries.
func (w Wallet) Scope() Scope { return Scope{Kind: ScopeWallet, ID: w.ID} }

// BudgetAccount is the spendable balance of one employee.
type BudgetAccount struct {
	ID           string       `json:"id"`
	EmployeeID   string       `json:"employee_id"`
	CompanyID    string       `json:"company_id"`
	Available    money.Amount `json:"available"`
	LastEntrySeq uint64       `json:"last_entry_seq"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// Scope addresses the account's own entries.
func (a BudgetAccount) Scope() Scope { return Scope{Kind: ScopeAccount, ID: a.ID} }

// ScopeKind tells which balance an entry belongs to.
type ScopeKind string

const (
	ScopeWallet  ScopeKind = "wallet"
	ScopeAccount ScopeKind = "account"
)

// Scope identifies the balance (wallet or budget account) an entry moves.
type Scope struct {
	Kind ScopeKind `json:"kind"`
	ID   string    `json:"id"`
}

func (s Scope) IsZero() bool { return s.Kind == "" && s.ID == "" }

func (s Scope) String() string { return string(s.Kind) + ":" + s.ID }

// ParseScope reads the "kind:id" form produced by String.
func ParseScope(raw string) (Scope, error) {
	kind, id, ok := strings.Cut(strings.TrimSpace(raw), ":")
	if !ok || id == "" {
		return Scope{}, fmt.Errorf("%w: scope must look like wallet:<id> or account:<id>", ErrValidation)
	}
	s := Scope{Kind: ScopeKind(kind), ID: id}
	if s.Kind != ScopeWallet && s.Kind != ScopeAccount {
		return Scope{}, fmt.Errorf("%w: unknown scope kind %q", ErrValidation, kind)
	}
	return s, nil
}

// EntryKind classifies a balance-affecting event.
type EntryKind string

const (
	KindDeposit    EntryKind = "DEPOSIT"
	KindAllocation EntryKind = "ALLOCATION"
	KindDeduction  EntryKind = "DEDUCTION"
	KindRefund     EntryKind = "REFUND"
)

// Entry is an immutable ledger record. Amount is signed from the point of
// view of the scope owner: negative leaves, positive arrives.
type Entry struct {
	ID          string       `json:"id"`
	Sequence    uint64       `json:"sequence"`
	WalletID    string       `json:"wallet_id"`
	Scope       Scope        `json:"scope"`
	ActorID     string       `json:"actor_id"`
	Kind        EntryKind    `json:"kind"`
	Amount      money.Amount `json:"amount"`
	Description string       `json:"description,omitempty"`
	OrderID     string       `json:"order_id,omitempty"`
	TransferID  string       `json:"transfer_id,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// ValidateEntry checks an entry before it is appended. Stores call it so
// that every implementation rejects the same input.
func ValidateEntry(e Entry) error {
	switch {
	case e.Amount.IsZero():
		return fmt.Errorf("%w: entry amount must be non-zero", ErrValidation)
	case strings.TrimSpace(e.WalletID) == "":
		return fmt.Errorf("%w: entry wallet reference is required", ErrValidation)
	case e.Scope.ID == "" || (e.Scope.Kind != ScopeWallet && e.Scope.Kind != ScopeAccount):
		return fmt.Errorf("%w: entry scope is required", ErrValidation)
	case strings.TrimSpace(e.ActorID) == "":
		return fmt.Errorf("%w: entry actor is required", ErrValidation)
	}
	switch e.Kind {
	case KindDeposit, KindRefund:
		if e.Amount < 0 {
			return fmt.Errorf("%w: %s entries must be positive", ErrValidation, e.Kind)
		}
	case KindDeduction:
		if e.Amount > 0 {
			return fmt.Errorf("%w: DEDUCTION entries must be negative", ErrValidation)
		}
	case KindAllocation:
	default:
		return fmt.Errorf("%w: unknown entry kind %q", ErrValidation, e.Kind)
	}
	if (e.Kind == KindDeduction || e.Kind == KindRefund) && e.OrderID == "" {
		return fmt.Errorf("%w: %s entries must reference an order", ErrValidation, e.Kind)
	}
	if e.Kind == KindDeposit && e.Scope.Kind != ScopeWallet {
		return fmt.Errorf("%w: deposits are wallet-scoped", ErrValidation)
	}
	return nil
}

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	StatusPlaced    OrderStatus = "PLACED"
	StatusConfirmed OrderStatus = "CONFIRMED"
	StatusDelivered OrderStatus = "DELIVERED"
	StatusCancelled OrderStatus = "CANCELLED"
)

// ParseOrderStatus validates a raw status string.
func ParseOrderStatus(raw string) (OrderStatus, error) {
	st := OrderStatus(strings.ToUpper(strings.TrimSpace(raw)))
	switch st {
	case StatusPlaced, StatusConfirmed, StatusDelivered, StatusCancelled:
		return st, nil
	}
	return "", fmt.Errorf("%w: unknown order status %q", ErrValidation, raw)
}

// CanAdvanceTo reports whether next is the forward step from st.
// Cancellation is not an advance; see CanCancel.
func (st OrderStatus) CanAdvanceTo(next OrderStatus) bool {
	switch st {
	case StatusPlaced:
		return next == StatusConfirmed
	case StatusConfirmed:
		return next == StatusDelivered
	default:
		return false
	}
}

// CanCancel reports whether an order in st may still be cancelled.
func (st OrderStatus) CanCancel() bool {
	return st == StatusPlaced || st == StatusConfirmed
}

// IsOpen reports whether the order still awaits delivery.
func (st OrderStatus) IsOpen() bool { return st.CanCancel() }

// Order is one employee's meal selection for one daily menu. TotalCost is
// computed at placement and never recomputed.
type Order struct {
	ID             string       `json:"id"`
	EmployeeID     string       `json:"employee_id"`
	CompanyID      string       `json:"company_id"`
	DailyMenuID    string       `json:"daily_menu_id"`
	MenuDate       time.Time    `json:"date"`
	FoodItemID     string       `json:"food_item_id"`
	SideDishIDs    []string     `json:"side_dish_ids"`
	Status         OrderStatus  `json:"status"`
	TotalCost      money.Amount `json:"total_cost"`
	IdempotencyKey string       `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// Allocation is the result of moving funds between a wallet and a budget
// account. Both entries carry the same TransferID.
type Allocation struct {
	TransferID string        `json:"transfer_id"`
	Amount     money.Amount  `json:"amount"`
	Wallet     Wallet        `json:"wallet"`
	Account    BudgetAccount `json:"account"`
	Entries    []Entry       `json:"entries"`
}

// EntryFilter narrows ListEntries. Zero values match everything.
type EntryFilter struct {
	Scope    Scope
	WalletID string
	AfterSeq uint64
	Limit    int
}

// OrderFilter narrows ListOrders. From/To compare against the menu date and
// are inclusive.
type OrderFilter struct {
	EmployeeID string
	CompanyID  string
	Statuses   []OrderStatus
	From       time.Time
	To         time.Time
}

// Matches reports whether o passes the filter.
func (f OrderFilter) Matches(o Order) bool {
	if f.EmployeeID != "" && o.EmployeeID != f.EmployeeID {
		return false
	}
	if f.CompanyID != "" && o.CompanyID != f.CompanyID {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, st := range f.Statuses {
			if o.Status == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !f.From.IsZero() && o.MenuDate.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && o.MenuDate.After(f.To) {
		return false
	}
	return true
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 100
	}
	return limit
}
