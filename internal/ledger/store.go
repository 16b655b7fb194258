package ledger

import (
	"context"
	"iter"

	"mealledger.org/internal/money"
)

// Reader is the read side of the ledger. Reports and reconciliation only
// use this interface.
type Reader interface {
	Wallet(ctx context.Context, companyID string) (Wallet, error)
	Wallets(ctx context.Context) ([]Wallet, error)
	Account(ctx context.Context, employeeID string) (BudgetAccount, error)
	// Accounts lists budget accounts of a company; an empty companyID lists all.
	Accounts(ctx context.Context, companyID string) ([]BudgetAccount, error)
	Order(ctx context.Context, id string) (Order, error)
	OrderByIdempotencyKey(ctx context.Context, employeeID, key string) (Order, error)
	ListOrders(ctx context.Context, f OrderFilter) ([]Order, error)

	// EntriesFor yields the entries of one scope ordered by CreatedAt, with
	// Sequence breaking ties. Iteration stops at the first error.
	EntriesFor(ctx context.Context, scope Scope) iter.Seq2[Entry, error]
	// ListEntries pages through entries in Sequence order and returns the
	// last Sequence seen.
	ListEntries(ctx context.Context, f EntryFilter) ([]Entry, uint64, error)
}

// Store is a transactional ledger backend.
type Store interface {
	Reader
	// Begin opens a unit of work. Callers must end it with Commit or
	// Rollback; Rollback after Commit is a no-op.
	Begin(ctx context.Context) (Tx, error)
	// Snapshot returns a Reader over a single committed point in time:
	// balances, orders and entries read through it agree with each other.
	// release must be called once the reader is no longer used.
	Snapshot(ctx context.Context) (r Reader, release func(), err error)
}

// Tx is a scoped all-or-nothing unit of work. Lock* calls serialize
// concurrent writers on the same row until the transaction ends; they must
// be taken in wallet, account, order order.
type Tx interface {
	CreateWallet(ctx context.Context, w *Wallet) error
	CreateAccount(ctx context.Context, a *BudgetAccount) error

	LockWallet(ctx context.Context, companyID string) (Wallet, error)
	LockAccount(ctx context.Context, employeeID string) (BudgetAccount, error)
	LockOrder(ctx context.Context, id string) (Order, error)
	OrderByIdempotencyKey(ctx context.Context, employeeID, key string) (Order, error)

	// SetWalletBalance and SetAccountAvailable record the new balance along
	// with the sequence of the last entry applied to it. The sequence is
	// known only after AppendEntry; stores that assign it at commit resolve
	// the entry pointer then.
	SetWalletBalance(ctx context.Context, walletID string, balance money.Amount, last *Entry) error
	SetAccountAvailable(ctx context.Context, accountID string, available money.Amount, last *Entry) error

	InsertOrder(ctx context.Context, o *Order) error
	SetOrderStatus(ctx context.Context, id string, status OrderStatus) error

	// AppendEntry validates and stores e, filling ID, Sequence and
	// CreatedAt. Entries are write-once. The scope owner must exist and be
	// locked (or created) by this transaction, and e.WalletID must be the
	// wallet that owner belongs to; otherwise ErrValidation.
	AppendEntry(ctx context.Context, e *Entry) error

	Commit() error
	Rollback() error
}

// SumEntries folds a lazy entry sequence into a balance, counting only
// entries with Sequence <= upTo. Pass math.MaxUint64 to count everything.
func SumEntries(seq iter.Seq2[Entry, error], upTo uint64) (money.Amount, int, error) {
	var (
		total money.Amount
		n     int
	)
	for e, err := range seq {
		if err != nil {
			return 0, n, err
		}
		if e.Sequence > upTo {
			continue
		}
		if total, err = total.Add(e.Amount); err != nil {
			return 0, n, err
		}
		n++
	}
	return total, n, nil
}
