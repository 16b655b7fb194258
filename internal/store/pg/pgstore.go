package pg

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"mealledger.org/internal/ids"
	"mealledger.org/internal/ledger"
	"mealledger.org/internal/money"
)

// Migrations holds the schema applied by cmd/migrate.
//
//go:embed migrations/*.sql
var Migrations embed.FS

const (
	pgErrUniqueViolation      = "23505"
	pgErrCheckViolation       = "23514"
	pgErrSerializationFailure = "40001"
	pgErrDeadlockDetected     = "40P01"
)

type Store struct {
	reader
	db *sql.DB
}

var _ ledger.Store = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return New(db), nil
}

// New wraps an existing handle, e.g. a sqlmock connection.
func New(db *sql.DB) *Store { return &Store{reader: reader{q: db}, db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// Ping is used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// --- Reader ---

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// reader implements ledger.Reader over the pool or over a read-only
// snapshot transaction.
type reader struct {
	q queryer
}

const walletCols = `id, company_id, balance, last_entry_seq, created_at, updated_at`

func scanWallet(row interface{ Scan(...any) error }) (ledger.Wallet, error) {
	var (
		w   ledger.Wallet
		bal int64
	)
	if err := row.Scan(&w.ID, &w.CompanyID, &bal, &w.LastEntrySeq, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return ledger.Wallet{}, err
	}
	w.Balance = money.Cents(bal)
	return w, nil
}

func (r reader) Wallet(ctx context.Context, companyID string) (ledger.Wallet, error) {
	w, err := scanWallet(r.q.QueryRowContext(ctx, `select `+walletCols+` from wallets where company_id=$1`, companyID))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Wallet{}, fmt.Errorf("wallet for company %s: %w", companyID, ledger.ErrNotFound)
	}
	return w, err
}

func (r reader) Wallets(ctx context.Context) ([]ledger.Wallet, error) {
	rows, err := r.q.QueryContext(ctx, `select `+walletCols+` from wallets order by company_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []ledger.Wallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

const accountCols = `id, employee_id, company_id, available, last_entry_seq, created_at, updated_at`

func scanAccount(row interface{ Scan(...any) error }) (ledger.BudgetAccount, error) {
	var (
		a     ledger.BudgetAccount
		avail int64
	)
	if err := row.Scan(&a.ID, &a.EmployeeID, &a.CompanyID, &avail, &a.LastEntrySeq, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return ledger.BudgetAccount{}, err
	}
	a.Available = money.Cents(avail)
	return a, nil
}

func (r reader) Account(ctx context.Context, employeeID string) (ledger.BudgetAccount, error) {
	a, err := scanAccount(r.q.QueryRowContext(ctx, `select `+accountCols+` from budget_accounts where employee_id=$1`, employeeID))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.BudgetAccount{}, fmt.Errorf("budget account for employee %s: %w", employeeID, ledger.ErrNotFound)
	}
	return a, err
}

func (r reader) Accounts(ctx context.Context, companyID string) ([]ledger.BudgetAccount, error) {
	rows, err := r.q.QueryContext(ctx, `
		select `+accountCols+`
		from budget_accounts
		where ($1 = '' or company_id = $1)
		order by employee_id
	`, companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []ledger.BudgetAccount
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

const orderCols = `id, employee_id, company_id, daily_menu_id, menu_date, food_item_id, side_dish_ids,
	status, total_cost, coalesce(idempotency_key, ''), created_at, updated_at`

func scanOrder(row interface{ Scan(...any) error }) (ledger.Order, error) {
	var (
		o      ledger.Order
		sides  []byte
		status string
		cost   int64
	)
	if err := row.Scan(&o.ID, &o.EmployeeID, &o.CompanyID, &o.DailyMenuID, &o.MenuDate, &o.FoodItemID, &sides,
		&status, &cost, &o.IdempotencyKey, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return ledger.Order{}, err
	}
	o.Status = ledger.OrderStatus(status)
	o.TotalCost = money.Cents(cost)
	o.SideDishIDs = []string{}
	if len(sides) > 0 {
		if err := json.Unmarshal(sides, &o.SideDishIDs); err != nil {
			return ledger.Order{}, fmt.Errorf("decode side dishes: %w", err)
		}
	}
	return o, nil
}

func (r reader) Order(ctx context.Context, id string) (ledger.Order, error) {
	return orderByID(ctx, r.q, id, false)
}

func (r reader) OrderByIdempotencyKey(ctx context.Context, employeeID, key string) (ledger.Order, error) {
	return orderByKey(ctx, r.q, employeeID, key)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func orderByID(ctx context.Context, q querier, id string, forUpdate bool) (ledger.Order, error) {
	query := `select ` + orderCols + ` from orders where id=$1`
	if forUpdate {
		query += ` for update`
	}
	o, err := scanOrder(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Order{}, fmt.Errorf("order %s: %w", id, ledger.ErrNotFound)
	}
	return o, classify(err)
}

func orderByKey(ctx context.Context, q querier, employeeID, key string) (ledger.Order, error) {
	o, err := scanOrder(q.QueryRowContext(ctx,
		`select `+orderCols+` from orders where employee_id=$1 and idempotency_key=$2`, employeeID, key))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Order{}, ledger.ErrNotFound
	}
	return o, classify(err)
}

func (r reader) ListOrders(ctx context.Context, f ledger.OrderFilter) ([]ledger.Order, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.EmployeeID != "" {
		add("employee_id = $%d", f.EmployeeID)
	}
	if f.CompanyID != "" {
		add("company_id = $%d", f.CompanyID)
	}
	if len(f.Statuses) > 0 {
		raw, _ := json.Marshal(f.Statuses)
		add("status in (select jsonb_array_elements_text($%d::jsonb))", string(raw))
	}
	if !f.From.IsZero() {
		add("menu_date >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("menu_date <= $%d", f.To)
	}
	query := `select ` + orderCols + ` from orders`
	if len(where) > 0 {
		query += ` where ` + strings.Join(where, " and ")
	}
	query += ` order by id`

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []ledger.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

const entryCols = `id, sequence, wallet_id, scope_kind, scope_id, actor_id, kind, amount, description,
	coalesce(order_id, ''), coalesce(transfer_id, ''), created_at`

func scanEntry(row interface{ Scan(...any) error }) (ledger.Entry, error) {
	var (
		e         ledger.Entry
		scopeKind string
		kind      string
		amount    int64
	)
	if err := row.Scan(&e.ID, &e.Sequence, &e.WalletID, &scopeKind, &e.Scope.ID, &e.ActorID, &kind, &amount,
		&e.Description, &e.OrderID, &e.TransferID, &e.CreatedAt); err != nil {
		return ledger.Entry{}, err
	}
	e.Scope.Kind = ledger.ScopeKind(scopeKind)
	e.Kind = ledger.EntryKind(kind)
	e.Amount = money.Cents(amount)
	return e, nil
}

// EntriesFor streams entries of one scope straight from the cursor; rows are
// not buffered.
func (r reader) EntriesFor(ctx context.Context, scope ledger.Scope) iter.Seq2[ledger.Entry, error] {
	return func(yield func(ledger.Entry, error) bool) {
		rows, err := r.q.QueryContext(ctx, `
			select `+entryCols+`
			from ledger_entries
			where scope_kind=$1 and scope_id=$2
			order by created_at asc, sequence asc
		`, string(scope.Kind), scope.ID)
		if err != nil {
			yield(ledger.Entry{}, err)
			return
		}
		defer rows.Close()
		for rows.Next() {
			e, err := scanEntry(rows)
			if err != nil {
				yield(ledger.Entry{}, err)
				return
			}
			if !yield(e, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(ledger.Entry{}, err)
		}
	}
}

func (r reader) ListEntries(ctx context.Context, f ledger.EntryFilter) ([]ledger.Entry, uint64, error) {
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := r.q.QueryContext(ctx, `
		select `+entryCols+`
		from ledger_entries
		where sequence > $1
		  and ($2 = '' or (scope_kind = $2 and scope_id = $3))
		  and ($4 = '' or wallet_id = $4)
		order by sequence asc
		limit $5
	`, f.AfterSeq, string(f.Scope.Kind), f.Scope.ID, f.WalletID, limit)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var res []ledger.Entry
	var last uint64
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, 0, err
		}
		res = append(res, e)
		last = e.Sequence
	}
	return res, last, rows.Err()
}

// Begin starts a serializable transaction. Row locks are taken with
// select ... for update by the Lock* methods.
func (s *Store) Begin(ctx context.Context) (ledger.Tx, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, classify(err)
	}
	return &pgTx{tx: tx}, nil
}

// Snapshot opens a read-only repeatable-read transaction so that every read
// through the returned Reader sees the same committed state.
func (s *Store) Snapshot(ctx context.Context) (ledger.Reader, func(), error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return nil, nil, classify(err)
	}
	return reader{q: tx}, func() { _ = tx.Rollback() }, nil
}

// --- Tx ---

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) CreateWallet(ctx context.Context, w *ledger.Wallet) error {
	if w.ID == "" {
		w.ID = ids.NewPrefixed(ids.Wallet)
	}
	err := t.tx.QueryRowContext(ctx, `
		insert into wallets(id, company_id, balance)
		values ($1, $2, 0)
		returning created_at, updated_at
	`, w.ID, w.CompanyID).Scan(&w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create wallet for company %s: %w", w.CompanyID, classify(err))
	}
	return nil
}

func (t *pgTx) CreateAccount(ctx context.Context, a *ledger.BudgetAccount) error {
	if a.ID == "" {
		a.ID = ids.NewPrefixed(ids.Account)
	}
	err := t.tx.QueryRowContext(ctx, `
		insert into budget_accounts(id, employee_id, company_id, available)
		values ($1, $2, $3, 0)
		returning created_at, updated_at
	`, a.ID, a.EmployeeID, a.CompanyID).Scan(&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create budget account for employee %s: %w", a.EmployeeID, classify(err))
	}
	return nil
}

func (t *pgTx) LockWallet(ctx context.Context, companyID string) (ledger.Wallet, error) {
	w, err := scanWallet(t.tx.QueryRowContext(ctx,
		`select `+walletCols+` from wallets where company_id=$1 for update`, companyID))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Wallet{}, fmt.Errorf("wallet for company %s: %w", companyID, ledger.ErrNotFound)
	}
	return w, classify(err)
}

func (t *pgTx) LockAccount(ctx context.Context, employeeID string) (ledger.BudgetAccount, error) {
	a, err := scanAccount(t.tx.QueryRowContext(ctx,
		`select `+accountCols+` from budget_accounts where employee_id=$1 for update`, employeeID))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.BudgetAccount{}, fmt.Errorf("budget account for employee %s: %w", employeeID, ledger.ErrNotFound)
	}
	return a, classify(err)
}

func (t *pgTx) LockOrder(ctx context.Context, id string) (ledger.Order, error) {
	return orderByID(ctx, t.tx, id, true)
}

func (t *pgTx) OrderByIdempotencyKey(ctx context.Context, employeeID, key string) (ledger.Order, error) {
	return orderByKey(ctx, t.tx, employeeID, key)
}

func (t *pgTx) SetWalletBalance(ctx context.Context, walletID string, balance money.Amount, last *ledger.Entry) error {
	var seq uint64
	if last != nil {
		seq = last.Sequence
	}
	res, err := t.tx.ExecContext(ctx, `
		update wallets
		set balance = $2, last_entry_seq = greatest(last_entry_seq, $3), updated_at = now()
		where id = $1
	`, walletID, int64(balance), seq)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrCheckViolation {
			return fmt.Errorf("%w: wallet balance would become negative", ledger.ErrInsufficientFunds)
		}
		return classify(err)
	}
	return expectOne(res, "wallet "+walletID)
}

func (t *pgTx) SetAccountAvailable(ctx context.Context, accountID string, available money.Amount, last *ledger.Entry) error {
	var seq uint64
	if last != nil {
		seq = last.Sequence
	}
	res, err := t.tx.ExecContext(ctx, `
		update budget_accounts
		set available = $2, last_entry_seq = greatest(last_entry_seq, $3), updated_at = now()
		where id = $1
	`, accountID, int64(available), seq)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrCheckViolation {
			return fmt.Errorf("%w: available budget would become negative", ledger.ErrInsufficientBudget)
		}
		return classify(err)
	}
	return expectOne(res, "budget account "+accountID)
}

func (t *pgTx) InsertOrder(ctx context.Context, o *ledger.Order) error {
	if o.ID == "" {
		o.ID = ids.NewPrefixed(ids.Order)
	}
	sides := o.SideDishIDs
	if sides == nil {
		sides = []string{}
	}
	raw, err := json.Marshal(sides)
	if err != nil {
		return fmt.Errorf("encode side dishes: %w", err)
	}
	err = t.tx.QueryRowContext(ctx, `
		insert into orders(id, employee_id, company_id, daily_menu_id, menu_date, food_item_id, side_dish_ids,
			status, total_cost, idempotency_key)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, nullif($10, ''))
		returning created_at, updated_at
	`, o.ID, o.EmployeeID, o.CompanyID, o.DailyMenuID, o.MenuDate, o.FoodItemID, raw,
		string(o.Status), int64(o.TotalCost), o.IdempotencyKey).Scan(&o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert order: %w", classify(err))
	}
	return nil
}

func (t *pgTx) SetOrderStatus(ctx context.Context, id string, status ledger.OrderStatus) error {
	res, err := t.tx.ExecContext(ctx, `update orders set status = $2, updated_at = now() where id = $1`, id, string(status))
	if err != nil {
		return classify(err)
	}
	return expectOne(res, "order "+id)
}

func (t *pgTx) AppendEntry(ctx context.Context, e *ledger.Entry) error {
	if err := ledger.ValidateEntry(*e); err != nil {
		return err
	}
	e.ID = ids.NewPrefixed(ids.Entry)
	// The row is only inserted when the scope owner exists and belongs to
	// the referenced wallet.
	err := t.tx.QueryRowContext(ctx, `
		insert into ledger_entries(id, wallet_id, scope_kind, scope_id, actor_id, kind, amount, description, order_id, transfer_id)
		select $1::text, $2::text, $3::text, $4::text, $5::text, $6::text, $7::bigint, $8::text,
		       nullif($9::text, ''), nullif($10::text, '')
		where exists (
			select 1 from wallets w
			where w.id = $2
			  and (($3 = 'wallet' and w.id = $4)
			    or ($3 = 'account' and exists (
			        select 1 from budget_accounts a where a.id = $4 and a.company_id = w.company_id)))
		)
		returning sequence, created_at
	`, e.ID, e.WalletID, string(e.Scope.Kind), e.Scope.ID, e.ActorID, string(e.Kind), int64(e.Amount), e.Description,
		e.OrderID, e.TransferID).Scan(&e.Sequence, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s does not exist in wallet %s", ledger.ErrValidation, e.Scope, e.WalletID)
	}
	if err != nil {
		return fmt.Errorf("append entry: %w", classify(err))
	}
	return nil
}

func (t *pgTx) Commit() error { return classify(t.tx.Commit()) }

func (t *pgTx) Rollback() error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}

// --- helpers ---

// classify maps driver errors onto ledger sentinels. Unknown errors pass
// through unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}
	pgErr, ok := maybePgError(err)
	if !ok {
		return err
	}
	switch pgErr.Code {
	case pgErrSerializationFailure, pgErrDeadlockDetected:
		return fmt.Errorf("%w: %s", ledger.ErrConflict, pgErr.Message)
	case pgErrUniqueViolation:
		return fmt.Errorf("%w: %s", ledger.ErrAlreadyExists, pgErr.ConstraintName)
	case pgErrCheckViolation:
		return fmt.Errorf("%w: %s", ledger.ErrValidation, pgErr.ConstraintName)
	}
	return err
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func expectOne(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ledger.ErrNotFound)
	}
	return nil
}
