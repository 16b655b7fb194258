package ledger

import (
	"context"
	"fmt"
	"iter"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"mealledger.org/internal/ids"
	"mealledger.org/internal/money"
)

// Memory implements Store with in-process concurrency safety. Writers lock
// individual rows for the lifetime of a Tx; staged writes become visible to
// readers in one step at Commit.
type Memory struct {
	mu sync.RWMutex

	wallets           map[string]*Wallet // by id
	walletByCompany   map[string]string
	accounts          map[string]*BudgetAccount // by id
	accountByEmployee map[string]string
	orders            map[string]*Order
	orderByIdem       map[string]string // employeeID + "/" + key -> order id

	entries []Entry
	byScope map[Scope][]int // positions in entries
	seq     uint64

	locks *lockTable
	now   func() time.Time
}

var _ Store = (*Memory)(nil)

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithMemoryClock overrides the timestamp source used at commit.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMemory creates an empty ledger.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		wallets:           make(map[string]*Wallet),
		walletByCompany:   make(map[string]string),
		accounts:          make(map[string]*BudgetAccount),
		accountByEmployee: make(map[string]string),
		orders:            make(map[string]*Order),
		orderByIdem:       make(map[string]string),
		byScope:           make(map[Scope][]int),
		locks:             newLockTable(),
		now:               func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func idemKey(employeeID, key string) string { return employeeID + "/" + key }

// --- Reader ---

func (m *Memory) Wallet(ctx context.Context, companyID string) (Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.wallets[m.walletByCompany[companyID]]
	if !ok {
		return Wallet{}, fmt.Errorf("wallet for company %s: %w", companyID, ErrNotFound)
	}
	return *w, nil
}

func (m *Memory) Wallets(ctx context.Context) ([]Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]Wallet, 0, len(m.wallets))
	for _, w := range m.wallets {
		res = append(res, *w)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CompanyID < res[j].CompanyID })
	return res, nil
}

func (m *Memory) Account(ctx context.Context, employeeID string) (BudgetAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accounts[m.accountByEmployee[employeeID]]
	if !ok {
		return BudgetAccount{}, fmt.Errorf("budget account for employee %s: %w", employeeID, ErrNotFound)
	}
	return *a, nil
}

func (m *Memory) Accounts(ctx context.Context, companyID string) ([]BudgetAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var res []BudgetAccount
	for _, a := range m.accounts {
		if companyID != "" && a.CompanyID != companyID {
			continue
		}
		res = append(res, *a)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].EmployeeID < res[j].EmployeeID })
	return res, nil
}

func (m *Memory) Order(ctx context.Context, id string) (Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return Order{}, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	return copyOrder(*o), nil
}

func (m *Memory) OrderByIdempotencyKey(ctx context.Context, employeeID, key string) (Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[m.orderByIdem[idemKey(employeeID, key)]]
	if !ok {
		return Order{}, ErrNotFound
	}
	return copyOrder(*o), nil
}

func (m *Memory) ListOrders(ctx context.Context, f OrderFilter) ([]Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var res []Order
	for _, o := range m.orders {
		if f.Matches(*o) {
			res = append(res, copyOrder(*o))
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

func (m *Memory) EntriesFor(ctx context.Context, scope Scope) iter.Seq2[Entry, error] {
	// Committed entries are never modified, so a snapshot of the slice
	// headers can be walked without holding the lock.
	m.mu.RLock()
	all := m.entries
	positions := m.byScope[scope]
	m.mu.RUnlock()

	return func(yield func(Entry, error) bool) {
		for _, pos := range positions {
			if err := ctx.Err(); err != nil {
				yield(Entry{}, err)
				return
			}
			if !yield(all[pos], nil) {
				return
			}
		}
	}
}

func (m *Memory) ListEntries(ctx context.Context, f EntryFilter) ([]Entry, uint64, error) {
	limit := normalizeLimit(f.Limit)
	m.mu.RLock()
	defer m.mu.RUnlock()

	var (
		res  []Entry
		last uint64
	)
	source := m.entries
	if !f.Scope.IsZero() {
		source = make([]Entry, 0, len(m.byScope[f.Scope]))
		for _, pos := range m.byScope[f.Scope] {
			source = append(source, m.entries[pos])
		}
	}
	for _, e := range source {
		if e.Sequence <= f.AfterSeq {
			continue
		}
		if f.WalletID != "" && e.WalletID != f.WalletID {
			continue
		}
		res = append(res, e)
		last = e.Sequence
		if len(res) >= limit {
			break
		}
	}
	return res, last, nil
}

// Snapshot copies the committed state under the store lock. Entries are
// append-only, so the copy shares their backing arrays up to the current
// length.
func (m *Memory) Snapshot(ctx context.Context) (Reader, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := NewMemory(WithMemoryClock(m.now))
	for id, w := range m.wallets {
		cp := *w
		snap.wallets[id] = &cp
	}
	for id, a := range m.accounts {
		cp := *a
		snap.accounts[id] = &cp
	}
	for id, o := range m.orders {
		cp := copyOrder(*o)
		snap.orders[id] = &cp
	}
	maps.Copy(snap.walletByCompany, m.walletByCompany)
	maps.Copy(snap.accountByEmployee, m.accountByEmployee)
	maps.Copy(snap.orderByIdem, m.orderByIdem)
	snap.entries = slices.Clip(m.entries)
	for scope, pos := range m.byScope {
		snap.byScope[scope] = slices.Clip(pos)
	}
	snap.seq = m.seq
	return snap, func() {}, nil
}

// Begin opens a transaction. Locks are taken lazily by the Lock* and
// Create* calls.
func (m *Memory) Begin(ctx context.Context) (Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &memTx{
		m:        m,
		ctx:      ctx,
		wallets:  make(map[string]stagedBalance[Wallet]),
		accounts: make(map[string]stagedBalance[BudgetAccount]),
		orders:   make(map[string]*Order),
	}, nil
}

// --- Tx ---

type stagedBalance[T any] struct {
	value T
	last  *Entry
	isNew bool
}

type memTx struct {
	m    *Memory
	ctx  context.Context
	held []string
	done bool

	wallets  map[string]stagedBalance[Wallet]        // by wallet id
	accounts map[string]stagedBalance[BudgetAccount] // by account id
	orders   map[string]*Order
	newOrder []string
	entries  []*Entry
}

func (tx *memTx) lock(ctx context.Context, key string) error {
	if tx.done {
		return errTxDone
	}
	if slices.Contains(tx.held, key) {
		return nil
	}
	if err := tx.m.locks.acquire(ctx, key); err != nil {
		return err
	}
	tx.held = append(tx.held, key)
	return nil
}

func walletLockKey(companyID string) string   { return "wallet/" + companyID }
func accountLockKey(employeeID string) string { return "account/" + employeeID }
func orderLockKey(orderID string) string      { return "order/" + orderID }

func (tx *memTx) CreateWallet(ctx context.Context, w *Wallet) error {
	if err := tx.lock(ctx, walletLockKey(w.CompanyID)); err != nil {
		return err
	}
	if _, err := tx.m.Wallet(ctx, w.CompanyID); err == nil {
		return fmt.Errorf("wallet for company %s: %w", w.CompanyID, ErrAlreadyExists)
	}
	if w.ID == "" {
		w.ID = ids.NewPrefixed(ids.Wallet)
	}
	now := tx.m.now()
	w.CreatedAt, w.UpdatedAt = now, now
	tx.wallets[w.ID] = stagedBalance[Wallet]{value: *w, isNew: true}
	return nil
}

func (tx *memTx) CreateAccount(ctx context.Context, a *BudgetAccount) error {
	if err := tx.lock(ctx, accountLockKey(a.EmployeeID)); err != nil {
		return err
	}
	if _, err := tx.m.Account(ctx, a.EmployeeID); err == nil {
		return fmt.Errorf("budget account for employee %s: %w", a.EmployeeID, ErrAlreadyExists)
	}
	if a.ID == "" {
		a.ID = ids.NewPrefixed(ids.Account)
	}
	now := tx.m.now()
	a.CreatedAt, a.UpdatedAt = now, now
	tx.accounts[a.ID] = stagedBalance[BudgetAccount]{value: *a, isNew: true}
	return nil
}

func (tx *memTx) LockWallet(ctx context.Context, companyID string) (Wallet, error) {
	if err := tx.lock(ctx, walletLockKey(companyID)); err != nil {
		return Wallet{}, err
	}
	for _, st := range tx.wallets {
		if st.value.CompanyID == companyID {
			return st.value, nil
		}
	}
	return tx.m.Wallet(ctx, companyID)
}

func (tx *memTx) LockAccount(ctx context.Context, employeeID string) (BudgetAccount, error) {
	if err := tx.lock(ctx, accountLockKey(employeeID)); err != nil {
		return BudgetAccount{}, err
	}
	for _, st := range tx.accounts {
		if st.value.EmployeeID == employeeID {
			return st.value, nil
		}
	}
	return tx.m.Account(ctx, employeeID)
}

func (tx *memTx) LockOrder(ctx context.Context, id string) (Order, error) {
	if err := tx.lock(ctx, orderLockKey(id)); err != nil {
		return Order{}, err
	}
	if o, ok := tx.orders[id]; ok {
		return copyOrder(*o), nil
	}
	return tx.m.Order(ctx, id)
}

func (tx *memTx) OrderByIdempotencyKey(ctx context.Context, employeeID, key string) (Order, error) {
	for _, o := range tx.orders {
		if o.EmployeeID == employeeID && o.IdempotencyKey == key {
			return copyOrder(*o), nil
		}
	}
	return tx.m.OrderByIdempotencyKey(ctx, employeeID, key)
}

func (tx *memTx) SetWalletBalance(ctx context.Context, walletID string, balance money.Amount, last *Entry) error {
	if tx.done {
		return errTxDone
	}
	st, ok := tx.wallets[walletID]
	if !ok {
		tx.m.mu.RLock()
		w, found := tx.m.wallets[walletID]
		tx.m.mu.RUnlock()
		if !found {
			return fmt.Errorf("wallet %s: %w", walletID, ErrNotFound)
		}
		if !slices.Contains(tx.held, walletLockKey(w.CompanyID)) {
			return fmt.Errorf("wallet %s is not locked by this transaction", walletID)
		}
		st = stagedBalance[Wallet]{value: *w}
	}
	if balance < 0 {
		return fmt.Errorf("%w: wallet balance would become negative", ErrInsufficientFunds)
	}
	st.value.Balance = balance
	st.last = last
	tx.wallets[walletID] = st
	return nil
}

func (tx *memTx) SetAccountAvailable(ctx context.Context, accountID string, available money.Amount, last *Entry) error {
	if tx.done {
		return errTxDone
	}
	st, ok := tx.accounts[accountID]
	if !ok {
		tx.m.mu.RLock()
		a, found := tx.m.accounts[accountID]
		tx.m.mu.RUnlock()
		if !found {
			return fmt.Errorf("budget account %s: %w", accountID, ErrNotFound)
		}
		if !slices.Contains(tx.held, accountLockKey(a.EmployeeID)) {
			return fmt.Errorf("budget account %s is not locked by this transaction", accountID)
		}
		st = stagedBalance[BudgetAccount]{value: *a}
	}
	if available < 0 {
		return fmt.Errorf("%w: available budget would become negative", ErrInsufficientBudget)
	}
	st.value.Available = available
	st.last = last
	tx.accounts[accountID] = st
	return nil
}

func (tx *memTx) InsertOrder(ctx context.Context, o *Order) error {
	if tx.done {
		return errTxDone
	}
	if o.ID == "" {
		o.ID = ids.NewPrefixed(ids.Order)
	}
	if o.IdempotencyKey != "" {
		if _, err := tx.OrderByIdempotencyKey(ctx, o.EmployeeID, o.IdempotencyKey); err == nil {
			return fmt.Errorf("order idempotency key %q: %w", o.IdempotencyKey, ErrAlreadyExists)
		}
	}
	if err := tx.lock(ctx, orderLockKey(o.ID)); err != nil {
		return err
	}
	now := tx.m.now()
	o.CreatedAt, o.UpdatedAt = now, now
	cp := copyOrder(*o)
	tx.orders[o.ID] = &cp
	tx.newOrder = append(tx.newOrder, o.ID)
	return nil
}

func (tx *memTx) SetOrderStatus(ctx context.Context, id string, status OrderStatus) error {
	if tx.done {
		return errTxDone
	}
	if !slices.Contains(tx.held, orderLockKey(id)) {
		return fmt.Errorf("order %s is not locked by this transaction", id)
	}
	o, ok := tx.orders[id]
	if !ok {
		cur, err := tx.m.Order(ctx, id)
		if err != nil {
			return err
		}
		o = &cur
		tx.orders[id] = o
	}
	o.Status = status
	o.UpdatedAt = tx.m.now()
	return nil
}

func (tx *memTx) AppendEntry(ctx context.Context, e *Entry) error {
	if tx.done {
		return errTxDone
	}
	if err := ValidateEntry(*e); err != nil {
		return err
	}
	if err := tx.checkOwner(*e); err != nil {
		return err
	}
	e.ID = ids.NewPrefixed(ids.Entry)
	tx.entries = append(tx.entries, e)
	return nil
}

// checkOwner resolves the balance an entry belongs to, staged or committed,
// and requires this transaction to hold its row lock.
func (tx *memTx) checkOwner(e Entry) error {
	tx.m.mu.RLock()
	defer tx.m.mu.RUnlock()

	var lockKey, walletID string
	switch e.Scope.Kind {
	case ScopeWallet:
		w, ok := tx.walletByID(e.Scope.ID)
		if !ok {
			return fmt.Errorf("%w: wallet %s does not exist", ErrValidation, e.Scope.ID)
		}
		lockKey, walletID = walletLockKey(w.CompanyID), w.ID
	case ScopeAccount:
		a, ok := tx.accountByID(e.Scope.ID)
		if !ok {
			return fmt.Errorf("%w: budget account %s does not exist", ErrValidation, e.Scope.ID)
		}
		lockKey, walletID = accountLockKey(a.EmployeeID), tx.walletIDOf(a.CompanyID)
	}
	if !slices.Contains(tx.held, lockKey) {
		return fmt.Errorf("%w: %s is not locked by this transaction", ErrValidation, e.Scope)
	}
	if e.WalletID != walletID {
		return fmt.Errorf("%w: entry for %s references wallet %q, owner belongs to %q", ErrValidation, e.Scope, e.WalletID, walletID)
	}
	return nil
}

// walletByID, accountByID and walletIDOf expect tx.m.mu to be held.
func (tx *memTx) walletByID(id string) (Wallet, bool) {
	if st, ok := tx.wallets[id]; ok {
		return st.value, true
	}
	if w, ok := tx.m.wallets[id]; ok {
		return *w, true
	}
	return Wallet{}, false
}

func (tx *memTx) accountByID(id string) (BudgetAccount, bool) {
	if st, ok := tx.accounts[id]; ok {
		return st.value, true
	}
	if a, ok := tx.m.accounts[id]; ok {
		return *a, true
	}
	return BudgetAccount{}, false
}

func (tx *memTx) walletIDOf(companyID string) string {
	for id, st := range tx.wallets {
		if st.value.CompanyID == companyID {
			return id
		}
	}
	return tx.m.walletByCompany[companyID]
}

// Commit publishes every staged write under the store lock, assigning
// entry sequences and timestamps in append order.
func (tx *memTx) Commit() error {
	if tx.done {
		return errTxDone
	}
	defer tx.release()
	if err := tx.ctx.Err(); err != nil {
		return err
	}

	m := tx.m
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for _, e := range tx.entries {
		m.seq++
		e.Sequence = m.seq
		e.CreatedAt = now
		m.entries = append(m.entries, *e)
		m.byScope[e.Scope] = append(m.byScope[e.Scope], len(m.entries)-1)
	}
	for id, st := range tx.wallets {
		w := st.value
		if st.last != nil {
			w.LastEntrySeq = st.last.Sequence
			w.UpdatedAt = now
		}
		m.wallets[id] = &w
		if st.isNew {
			m.walletByCompany[w.CompanyID] = id
		}
	}
	for id, st := range tx.accounts {
		a := st.value
		if st.last != nil {
			a.LastEntrySeq = st.last.Sequence
			a.UpdatedAt = now
		}
		m.accounts[id] = &a
		if st.isNew {
			m.accountByEmployee[a.EmployeeID] = id
		}
	}
	for id, o := range tx.orders {
		cp := copyOrder(*o)
		m.orders[id] = &cp
	}
	for _, id := range tx.newOrder {
		o := m.orders[id]
		if o.IdempotencyKey != "" {
			m.orderByIdem[idemKey(o.EmployeeID, o.IdempotencyKey)] = id
		}
	}
	return nil
}

func (tx *memTx) Rollback() error {
	if tx.done {
		return nil
	}
	tx.release()
	return nil
}

func (tx *memTx) release() {
	tx.done = true
	for i := len(tx.held) - 1; i >= 0; i-- {
		tx.m.locks.release(tx.held[i])
	}
	tx.held = nil
}

// --- helpers ---

var errTxDone = fmt.Errorf("transaction already finished")

func copyOrder(o Order) Order {
	o.SideDishIDs = slices.Clone(o.SideDishIDs)
	return o
}

// lockTable hands out one binary semaphore per key. Acquire honors context
// cancellation, which sync.Mutex cannot.
type lockTable struct {
	mu    sync.Mutex
	slots map[string]*lockSlot
}

type lockSlot struct {
	ch   chan struct{}
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{slots: make(map[string]*lockSlot)}
}

func (t *lockTable) acquire(ctx context.Context, key string) error {
	t.mu.Lock()
	slot, ok := t.slots[key]
	if !ok {
		slot = &lockSlot{ch: make(chan struct{}, 1)}
		t.slots[key] = slot
	}
	slot.refs++
	t.mu.Unlock()

	select {
	case slot.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		t.unref(key, slot)
		return ctx.Err()
	}
}

func (t *lockTable) release(key string) {
	t.mu.Lock()
	slot, ok := t.slots[key]
	t.mu.Unlock()
	if !ok {
		return
	}
	<-slot.ch
	t.unref(key, slot)
}

func (t *lockTable) unref(key string, slot *lockSlot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	slot.refs--
	if slot.refs == 0 {
		delete(t.slots, key)
	}
}
