package ledger

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"mealledger.org/internal/ids"
	"mealledger.org/internal/menu"
	"mealledger.org/internal/money"
)

// DefaultLeadDays is how many days ahead of the menu date an order must be
// placed unless configured otherwise.
const DefaultLeadDays = 2

const defaultConflictRetries = 3

// Service runs every balance-changing operation. Each call is one
// transaction against the Store; nothing is written when a precondition
// fails.
type Service struct {
	store    Store
	catalog  menu.Catalog
	leadDays int
	retries  int
	now      func() time.Time
	log      *zap.Logger
	sink     EventSink
	obs      Observer
}

// Option configures a Service.
type Option func(*Service)

// WithLeadDays sets the reservation lead time in days.
func WithLeadDays(days int) Option {
	return func(s *Service) {
		if days >= 0 {
			s.leadDays = days
		}
	}
}

// WithClock replaces time.Now, mostly for lead-time tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

func WithEventSink(sink EventSink) Option {
	return func(s *Service) {
		if sink != nil {
			s.sink = sink
		}
	}
}

func WithObserver(o Observer) Option {
	return func(s *Service) {
		if o != nil {
			s.obs = o
		}
	}
}

// WithConflictRetries bounds how often a transaction that lost a
// serialization race is retried.
func WithConflictRetries(n int) Option {
	return func(s *Service) {
		if n >= 0 {
			s.retries = n
		}
	}
}

func NewService(store Store, catalog menu.Catalog, opts ...Option) *Service {
	s := &Service{
		store:    store,
		catalog:  catalog,
		leadDays: DefaultLeadDays,
		retries:  defaultConflictRetries,
		now:      func() time.Time { return time.Now().UTC() },
		log:      zap.NewNop(),
		sink:     nopSink{},
		obs:      nopObserver{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Reader exposes the read side for reports and the HTTP layer.
func (s *Service) Reader() Reader { return s.store }

// Catalog returns the menu catalog orders are validated against.
func (s *Service) Catalog() menu.Catalog { return s.catalog }

// LeadDays returns the configured reservation lead time.
func (s *Service) LeadDays() int { return s.leadDays }

// inTx runs fn in a fresh transaction, retrying when the store reports a
// serialization conflict. fn must not keep state between attempts.
func (s *Service) inTx(ctx context.Context, fn func(Tx) error) error {
	var err error
	for attempt := 0; attempt <= s.retries; attempt++ {
		err = s.txOnce(ctx, fn)
		if !errors.Is(err, ErrConflict) {
			return err
		}
		s.log.Debug("retrying transaction after conflict", zap.Int("attempt", attempt+1))
	}
	return err
}

func (s *Service) txOnce(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Service) observe(op string, start time.Time, err *error) {
	s.obs.ObserveOperation(op, time.Since(start), *err)
}

func (s *Service) publish(ctx context.Context, typ EventType, companyID, actorID string, order *Order, entries ...*Entry) {
	ev := Event{
		ID:         ids.NewPrefixed(ids.Event),
		Type:       typ,
		CompanyID:  companyID,
		ActorID:    actorID,
		Order:      order,
		OccurredAt: s.now(),
	}
	for _, e := range entries {
		ev.Entries = append(ev.Entries, *e)
	}
	s.sink.Publish(ctx, ev)
}

func requireID(field, v string) error {
	if strings.TrimSpace(v) == "" {
		return fmt.Errorf("%w: %s is required", ErrValidation, field)
	}
	return nil
}

// CreateWallet opens the pooled wallet of a company with a zero balance.
func (s *Service) CreateWallet(ctx context.Context, companyID string) (w Wallet, err error) {
	defer s.observe("create_wallet", time.Now(), &err)
	if err = requireID("company_id", companyID); err != nil {
		return Wallet{}, err
	}
	err = s.inTx(ctx, func(tx Tx) error {
		w = Wallet{CompanyID: companyID}
		return tx.CreateWallet(ctx, &w)
	})
	if err != nil {
		return Wallet{}, err
	}
	return w, nil
}

// OpenAccount creates the budget account of an employee. The company must
// already have a wallet.
func (s *Service) OpenAccount(ctx context.Context, companyID, employeeID string) (a BudgetAccount, err error) {
	defer s.observe("open_account", time.Now(), &err)
	if err = requireID("company_id", companyID); err != nil {
		return BudgetAccount{}, err
	}
	if err = requireID("employee_id", employeeID); err != nil {
		return BudgetAccount{}, err
	}
	if _, err = s.store.Wallet(ctx, companyID); err != nil {
		return BudgetAccount{}, err
	}
	err = s.inTx(ctx, func(tx Tx) error {
		a = BudgetAccount{CompanyID: companyID, EmployeeID: employeeID}
		return tx.CreateAccount(ctx, &a)
	})
	if err != nil {
		return BudgetAccount{}, err
	}
	return a, nil
}

// Fund adds external money to a company wallet and records a DEPOSIT.
func (s *Service) Fund(ctx context.Context, companyID string, amount money.Amount, actorID string) (w Wallet, err error) {
	defer s.observe("fund", time.Now(), &err)
	if !amount.IsPositive() {
		return Wallet{}, fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	if err = requireID("actor", actorID); err != nil {
		return Wallet{}, err
	}

	var entry *Entry
	err = s.inTx(ctx, func(tx Tx) error {
		cur, err := tx.LockWallet(ctx, companyID)
		if err != nil {
			return err
		}
		balance, err := cur.Balance.Add(amount)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrValidation, err)
		}
		entry = &Entry{
			WalletID:    cur.ID,
			Scope:       cur.Scope(),
			ActorID:     actorID,
			Kind:        KindDeposit,
			Amount:      amount,
			Description: "wallet funded",
		}
		if err := tx.AppendEntry(ctx, entry); err != nil {
			return err
		}
		if err := tx.SetWalletBalance(ctx, cur.ID, balance, entry); err != nil {
			return err
		}
		cur.Balance = balance
		w = cur
		return nil
	})
	if err != nil {
		return Wallet{}, err
	}
	w.LastEntrySeq, w.UpdatedAt = entry.Sequence, entry.CreatedAt

	s.log.Debug("wallet funded", zap.String("company_id", companyID), zap.Stringer("amount", amount))
	s.publish(ctx, EventWalletFunded, companyID, actorID, nil, entry)
	return w, nil
}

// debitWallet returns the wallet balance after taking amount out of it.
// Only the allocation engine debits wallets.
func debitWallet(w Wallet, amount money.Amount) (money.Amount, error) {
	if !amount.IsPositive() {
		return 0, fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	if amount > w.Balance {
		return 0, fmt.Errorf("%w: wallet %s holds %s, %s requested", ErrInsufficientFunds, w.ID, w.Balance, amount)
	}
	return w.Balance - amount, nil
}

// AllocationRequest moves Amount between a company wallet and the budget
// account of one of its employees.
type AllocationRequest struct {
	CompanyID   string       `json:"company_id"`
	EmployeeID  string       `json:"employee_id"`
	Amount      money.Amount `json:"amount"`
	ActorID     string       `json:"-"`
	Description string       `json:"description,omitempty"`
}

func (r AllocationRequest) validate() error {
	if err := requireID("company_id", r.CompanyID); err != nil {
		return err
	}
	if err := requireID("employee_id", r.EmployeeID); err != nil {
		return err
	}
	if err := requireID("actor", r.ActorID); err != nil {
		return err
	}
	if !r.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	return nil
}

// Allocate debits the company wallet and credits the employee budget in one
// transaction, recording two ALLOCATION entries that share a transfer id.
func (s *Service) Allocate(ctx context.Context, req AllocationRequest) (res Allocation, err error) {
	defer s.observe("allocate", time.Now(), &err)
	return s.transfer(ctx, req, false)
}

// Deallocate moves unspent budget back to the company wallet. It is an
// administrative correction and never runs implicitly.
func (s *Service) Deallocate(ctx context.Context, req AllocationRequest) (res Allocation, err error) {
	defer s.observe("deallocate", time.Now(), &err)
	return s.transfer(ctx, req, true)
}

func (s *Service) transfer(ctx context.Context, req AllocationRequest, reverse bool) (Allocation, error) {
	if err := req.validate(); err != nil {
		return Allocation{}, err
	}
	var (
		res         Allocation
		walletEntry *Entry
		acctEntry   *Entry
	)
	err := s.inTx(ctx, func(tx Tx) error {
		w, err := tx.LockWallet(ctx, req.CompanyID)
		if err != nil {
			return err
		}
		a, err := tx.LockAccount(ctx, req.EmployeeID)
		if err != nil {
			return err
		}
		if a.CompanyID != w.CompanyID {
			return fmt.Errorf("%w: employee %s does not belong to company %s", ErrValidation, req.EmployeeID, req.CompanyID)
		}

		var walletDelta, acctDelta money.Amount
		if reverse {
			if req.Amount > a.Available {
				return fmt.Errorf("%w: account %s holds %s, %s requested", ErrInsufficientBudget, a.ID, a.Available, req.Amount)
			}
			walletDelta, acctDelta = req.Amount, req.Amount.Neg()
			if w.Balance, err = w.Balance.Add(walletDelta); err != nil {
				return fmt.Errorf("%w: %v", ErrValidation, err)
			}
			a.Available -= req.Amount
		} else {
			if w.Balance, err = debitWallet(w, req.Amount); err != nil {
				return err
			}
			walletDelta, acctDelta = req.Amount.Neg(), req.Amount
			if a.Available, err = a.Available.Add(acctDelta); err != nil {
				return fmt.Errorf("%w: %v", ErrValidation, err)
			}
		}

		desc := req.Description
		if desc == "" {
			desc = "budget allocation"
			if reverse {
				desc = "budget deallocation"
			}
		}
		transferID := ids.NewPrefixed(ids.Transfer)
		walletEntry = &Entry{
			WalletID: w.ID, Scope: w.Scope(), ActorID: req.ActorID, Kind: KindAllocation,
			Amount: walletDelta, Description: desc, TransferID: transferID,
		}
		acctEntry = &Entry{
			WalletID: w.ID, Scope: a.Scope(), ActorID: req.ActorID, Kind: KindAllocation,
			Amount: acctDelta, Description: desc, TransferID: transferID,
		}
		// The side losing money is written first.
		first, second := walletEntry, acctEntry
		if reverse {
			first, second = acctEntry, walletEntry
		}
		if err := tx.AppendEntry(ctx, first); err != nil {
			return err
		}
		if err := tx.AppendEntry(ctx, second); err != nil {
			return err
		}
		if err := tx.SetWalletBalance(ctx, w.ID, w.Balance, walletEntry); err != nil {
			return err
		}
		if err := tx.SetAccountAvailable(ctx, a.ID, a.Available, acctEntry); err != nil {
			return err
		}
		res = Allocation{TransferID: transferID, Amount: req.Amount, Wallet: w, Account: a}
		return nil
	})
	if err != nil {
		return Allocation{}, err
	}

	res.Wallet.LastEntrySeq, res.Wallet.UpdatedAt = walletEntry.Sequence, walletEntry.CreatedAt
	res.Account.LastEntrySeq, res.Account.UpdatedAt = acctEntry.Sequence, acctEntry.CreatedAt
	typ := EventBudgetAllocated
	if reverse {
		typ = EventBudgetDeallocated
		res.Entries = []Entry{*acctEntry, *walletEntry}
	} else {
		res.Entries = []Entry{*walletEntry, *acctEntry}
	}
	s.log.Debug(string(typ),
		zap.String("company_id", req.CompanyID),
		zap.String("employee_id", req.EmployeeID),
		zap.Stringer("amount", req.Amount),
		zap.String("transfer_id", res.TransferID))
	s.publish(ctx, typ, req.CompanyID, req.ActorID, nil, walletEntry, acctEntry)
	return res, nil
}

// OrderRequest is an employee's selection for one daily menu.
type OrderRequest struct {
	EmployeeID     string   `json:"employee_id"`
	DailyMenuID    string   `json:"daily_menu_id"`
	FoodItemID     string   `json:"food_item_id"`
	SideDishIDs    []string `json:"side_dish_ids"`
	IdempotencyKey string   `json:"-"`
}

// PlaceOrder validates the selection, freezes its cost and settles it
// against the employee budget. A request carrying an idempotency key that
// was already used by the same employee returns the existing order.
func (s *Service) PlaceOrder(ctx context.Context, req OrderRequest) (o Order, err error) {
	defer s.observe("place_order", time.Now(), &err)

	if req.IdempotencyKey != "" {
		if prev, err := s.store.OrderByIdempotencyKey(ctx, req.EmployeeID, req.IdempotencyKey); err == nil {
			return replayOrder(prev, req)
		} else if !errors.Is(err, ErrNotFound) {
			return Order{}, err
		}
	}
	if err = requireID("employee_id", req.EmployeeID); err != nil {
		return Order{}, err
	}
	if err = requireID("daily_menu_id", req.DailyMenuID); err != nil {
		return Order{}, err
	}
	if err = requireID("food_item_id", req.FoodItemID); err != nil {
		return Order{}, err
	}

	acct, err := s.store.Account(ctx, req.EmployeeID)
	if err != nil {
		return Order{}, err
	}
	wallet, err := s.store.Wallet(ctx, acct.CompanyID)
	if err != nil {
		return Order{}, err
	}
	dm, err := s.catalog.DailyMenu(ctx, req.DailyMenuID)
	if errors.Is(err, menu.ErrNotFound) {
		return Order{}, fmt.Errorf("daily menu %s: %w", req.DailyMenuID, ErrNotFound)
	}
	if err != nil {
		return Order{}, err
	}

	if err = s.checkLeadTime(dm.Date); err != nil {
		return Order{}, err
	}
	cost, err := priceSelection(dm, acct.CompanyID, req.FoodItemID, req.SideDishIDs)
	if err != nil {
		return Order{}, err
	}

	var (
		entry  *Entry
		replay bool
	)
	err = s.inTx(ctx, func(tx Tx) error {
		replay = false
		a, err := tx.LockAccount(ctx, req.EmployeeID)
		if err != nil {
			return err
		}
		if req.IdempotencyKey != "" {
			prev, err := tx.OrderByIdempotencyKey(ctx, req.EmployeeID, req.IdempotencyKey)
			if err == nil {
				o, replay = prev, true
				return nil
			}
			if !errors.Is(err, ErrNotFound) {
				return err
			}
		}
		if cost > a.Available {
			return fmt.Errorf("%w: order costs %s, %s available", ErrInsufficientBudget, cost, a.Available)
		}

		o = Order{
			EmployeeID:     req.EmployeeID,
			CompanyID:      a.CompanyID,
			DailyMenuID:    dm.ID,
			MenuDate:       menu.Day(dm.Date),
			FoodItemID:     req.FoodItemID,
			SideDishIDs:    slices.Clone(req.SideDishIDs),
			Status:         StatusPlaced,
			TotalCost:      cost,
			IdempotencyKey: req.IdempotencyKey,
		}
		if o.SideDishIDs == nil {
			o.SideDishIDs = []string{}
		}
		if err := tx.InsertOrder(ctx, &o); err != nil {
			return err
		}
		entry = &Entry{
			WalletID:    wallet.ID,
			Scope:       a.Scope(),
			ActorID:     req.EmployeeID,
			Kind:        KindDeduction,
			Amount:      cost.Neg(),
			Description: "order " + o.ID,
			OrderID:     o.ID,
		}
		if err := tx.AppendEntry(ctx, entry); err != nil {
			return err
		}
		return tx.SetAccountAvailable(ctx, a.ID, a.Available-cost, entry)
	})
	if errors.Is(err, ErrAlreadyExists) && req.IdempotencyKey != "" {
		// Lost the race against a concurrent request with the same key.
		prev, err := s.store.OrderByIdempotencyKey(ctx, req.EmployeeID, req.IdempotencyKey)
		if err != nil {
			return Order{}, err
		}
		return replayOrder(prev, req)
	}
	if err != nil {
		return Order{}, err
	}
	if replay {
		return replayOrder(o, req)
	}

	s.log.Debug("order placed",
		zap.String("order_id", o.ID),
		zap.String("employee_id", o.EmployeeID),
		zap.Stringer("total_cost", o.TotalCost))
	placed := o
	s.publish(ctx, EventOrderPlaced, o.CompanyID, req.EmployeeID, &placed, entry)
	return o, nil
}

// replayOrder returns prev for a repeated request. A key reused with a
// different selection is refused.
func replayOrder(prev Order, req OrderRequest) (Order, error) {
	sides := slices.Clone(req.SideDishIDs)
	slices.Sort(sides)
	prevSides := slices.Clone(prev.SideDishIDs)
	slices.Sort(prevSides)
	if prev.DailyMenuID != req.DailyMenuID || prev.FoodItemID != req.FoodItemID || !slices.Equal(sides, prevSides) {
		return Order{}, fmt.Errorf("%w: idempotency key %q was used for a different order (%s)",
			ErrAlreadyExists, req.IdempotencyKey, prev.ID)
	}
	return prev, nil
}

func (s *Service) checkLeadTime(menuDate time.Time) error {
	earliest := menu.Day(s.now()).AddDate(0, 0, s.leadDays)
	if menu.Day(menuDate).Before(earliest) {
		return fmt.Errorf("%w: menu date %s is before %s", ErrLeadTimeViolation,
			menuDate.Format(time.DateOnly), earliest.Format(time.DateOnly))
	}
	return nil
}

// priceSelection checks that the food and every side dish are offered by
// the menu and sums their current prices. All chosen sides contribute.
func priceSelection(dm menu.DailyMenu, companyID, foodID string, sideIDs []string) (money.Amount, error) {
	if dm.CompanyID != "" && dm.CompanyID != companyID {
		return 0, fmt.Errorf("%w: menu %s is not offered to this company", ErrInvalidSelection, dm.ID)
	}
	food, ok := dm.Food(foodID)
	if !ok || !food.Available {
		return 0, fmt.Errorf("%w: food %s is not on menu %s", ErrInvalidSelection, foodID, dm.ID)
	}
	prices := []money.Amount{food.Price}
	seen := make(map[string]struct{}, len(sideIDs))
	for _, id := range sideIDs {
		if _, dup := seen[id]; dup {
			return 0, fmt.Errorf("%w: side dish %s selected twice", ErrInvalidSelection, id)
		}
		seen[id] = struct{}{}
		side, ok := dm.Side(id)
		if !ok || !side.Available {
			return 0, fmt.Errorf("%w: side dish %s is not on menu %s", ErrInvalidSelection, id, dm.ID)
		}
		prices = append(prices, side.Price)
	}
	cost, err := money.Sum(prices...)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidSelection, err)
	}
	if !cost.IsPositive() {
		return 0, fmt.Errorf("%w: selection has no cost", ErrInvalidSelection)
	}
	return cost, nil
}

// CancelOrder refunds a PLACED or CONFIRMED order. Cancelling a DELIVERED
// or CANCELLED order fails and changes nothing.
func (s *Service) CancelOrder(ctx context.Context, orderID, actorID string) (o Order, err error) {
	defer s.observe("cancel_order", time.Now(), &err)
	if err = requireID("actor", actorID); err != nil {
		return Order{}, err
	}
	snapshot, err := s.store.Order(ctx, orderID)
	if err != nil {
		return Order{}, err
	}
	wallet, err := s.store.Wallet(ctx, snapshot.CompanyID)
	if err != nil {
		return Order{}, err
	}

	var entry *Entry
	err = s.inTx(ctx, func(tx Tx) error {
		a, err := tx.LockAccount(ctx, snapshot.EmployeeID)
		if err != nil {
			return err
		}
		cur, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if !cur.Status.CanCancel() {
			return fmt.Errorf("%w: order %s is %s", ErrInvalidStateTransition, cur.ID, cur.Status)
		}
		available, err := a.Available.Add(cur.TotalCost)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrValidation, err)
		}
		entry = &Entry{
			WalletID:    wallet.ID,
			Scope:       a.Scope(),
			ActorID:     actorID,
			Kind:        KindRefund,
			Amount:      cur.TotalCost,
			Description: "refund for order " + cur.ID,
			OrderID:     cur.ID,
		}
		if err := tx.SetOrderStatus(ctx, cur.ID, StatusCancelled); err != nil {
			return err
		}
		if err := tx.AppendEntry(ctx, entry); err != nil {
			return err
		}
		return tx.SetAccountAvailable(ctx, a.ID, available, entry)
	})
	if err != nil {
		return Order{}, err
	}
	if o, err = s.store.Order(ctx, orderID); err != nil {
		return Order{}, err
	}

	s.log.Debug("order cancelled", zap.String("order_id", o.ID), zap.String("actor_id", actorID))
	cancelled := o
	s.publish(ctx, EventOrderCancelled, o.CompanyID, actorID, &cancelled, entry)
	return o, nil
}

// AdvanceStatus moves an order one step along PLACED, CONFIRMED,
// DELIVERED. Balances are not touched.
func (s *Service) AdvanceStatus(ctx context.Context, orderID string, next OrderStatus, actorID string) (o Order, err error) {
	defer s.observe("advance_status", time.Now(), &err)
	if err = requireID("actor", actorID); err != nil {
		return Order{}, err
	}
	err = s.inTx(ctx, func(tx Tx) error {
		cur, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if !cur.Status.CanAdvanceTo(next) {
			return fmt.Errorf("%w: %s to %s", ErrInvalidStateTransition, cur.Status, next)
		}
		return tx.SetOrderStatus(ctx, cur.ID, next)
	})
	if err != nil {
		return Order{}, err
	}
	if o, err = s.store.Order(ctx, orderID); err != nil {
		return Order{}, err
	}
	advanced := o
	s.publish(ctx, EventOrderStatus, o.CompanyID, actorID, &advanced)
	return o, nil
}

// GetOrder returns one order.
func (s *Service) GetOrder(ctx context.Context, id string) (Order, error) {
	return s.store.Order(ctx, id)
}
