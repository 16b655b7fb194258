// Package report builds read-only views over the ledger for admins.
// Order figures come from the frozen TotalCost, never from current menu
// prices, so a report always agrees with what was deducted.
package report

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"mealledger.org/internal/ledger"
	"mealledger.org/internal/menu"
	"mealledger.org/internal/money"
)

const (
	topItems          = 5
	defaultRangeDays  = 30
	defaultStatements = 100
)

var pending = []ledger.OrderStatus{ledger.StatusPlaced, ledger.StatusConfirmed}

// Reporter answers report queries.
type Reporter struct {
	r       ledger.Reader
	catalog menu.Catalog
	now     func() time.Time
}

type Option func(*Reporter)

// WithClock overrides the clock used to decide what "today" is.
func WithClock(now func() time.Time) Option {
	return func(r *Reporter) { r.now = now }
}

func New(r ledger.Reader, catalog menu.Catalog, opts ...Option) *Reporter {
	rep := &Reporter{r: r, catalog: catalog, now: time.Now}
	for _, opt := range opts {
		opt(rep)
	}
	return rep
}

// ItemCount is how many times a food or side dish was ordered.
type ItemCount struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// Statement is a wallet with its entries, newest first.
type Statement struct {
	Wallet  ledger.Wallet  `json:"wallet"`
	Entries []ledger.Entry `json:"entries"`
}

// WalletStatement returns up to limit of the most recent wallet entries.
func (rep *Reporter) WalletStatement(ctx context.Context, companyID string, limit int) (Statement, error) {
	if limit <= 0 {
		limit = defaultStatements
	}
	w, err := rep.r.Wallet(ctx, companyID)
	if err != nil {
		return Statement{}, err
	}
	var entries []ledger.Entry
	for e, err := range rep.r.EntriesFor(ctx, w.Scope()) {
		if err != nil {
			return Statement{}, err
		}
		entries = append(entries, e)
	}
	slices.Reverse(entries)
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return Statement{Wallet: w, Entries: entries}, nil
}

// Dashboard holds the headline figures for one company, or all when
// CompanyID is empty.
type Dashboard struct {
	Date          time.Time    `json:"date"`
	CompanyID     string       `json:"company_id,omitempty"`
	OrdersToday   int          `json:"orders_today"`
	PendingOrders int          `json:"pending_orders_total"`
	SalesToday    money.Amount `json:"total_sales_today"`
	TopFoods      []ItemCount  `json:"top_foods"`
}

func (rep *Reporter) Dashboard(ctx context.Context, companyID string) (Dashboard, error) {
	today := menu.Day(rep.now())
	orders, err := rep.r.ListOrders(ctx, ledger.OrderFilter{CompanyID: companyID})
	if err != nil {
		return Dashboard{}, err
	}
	d := Dashboard{Date: today, CompanyID: companyID}
	live := make([]ledger.Order, 0, len(orders))
	for _, o := range orders {
		if menu.Day(o.MenuDate).Equal(today) {
			d.OrdersToday++
			if o.Status != ledger.StatusCancelled {
				if d.SalesToday, err = d.SalesToday.Add(o.TotalCost); err != nil {
					return Dashboard{}, err
				}
			}
		}
		if slices.Contains(pending, o.Status) {
			d.PendingOrders++
		}
		if o.Status != ledger.StatusCancelled {
			live = append(live, o)
		}
	}
	if d.TopFoods, err = rep.topFoods(ctx, live, topItems); err != nil {
		return Dashboard{}, err
	}
	return d, nil
}

// DailySummary counts what the kitchen has to prepare on one date.
type DailySummary struct {
	Date  time.Time   `json:"date"`
	Foods []ItemCount `json:"food_summary"`
	Sides []ItemCount `json:"side_dish_summary"`
}

// DailySummary covers PLACED and CONFIRMED orders whose menu is on date.
func (rep *Reporter) DailySummary(ctx context.Context, date time.Time, companyID string) (DailySummary, error) {
	day := menu.Day(date)
	orders, err := rep.r.ListOrders(ctx, ledger.OrderFilter{
		CompanyID: companyID,
		Statuses:  pending,
		From:      day,
		To:        day,
	})
	if err != nil {
		return DailySummary{}, err
	}
	foods, err := rep.topFoods(ctx, orders, math.MaxInt)
	if err != nil {
		return DailySummary{}, err
	}
	sides := map[string]int{}
	for _, o := range orders {
		for _, id := range o.SideDishIDs {
			sides[id]++
		}
	}
	sideCounts, err := rep.named(ctx, sides, rep.sideName)
	if err != nil {
		return DailySummary{}, err
	}
	return DailySummary{Date: day, Foods: foods, Sides: sideCounts}, nil
}

// SpendQuery selects the range of a SpendReport. Zero dates default to the
// last 30 days.
type SpendQuery struct {
	CompanyID string
	From      time.Time
	To        time.Time
}

// DaySales is the revenue of non-cancelled orders served on one date.
type DaySales struct {
	Date    time.Time    `json:"date"`
	Orders  int          `json:"orders"`
	Revenue money.Amount `json:"revenue"`
}

// EmployeeSpend breaks down one budget account over the range. Allocated is
// net of deallocations; Available is the current balance.
type EmployeeSpend struct {
	EmployeeID string       `json:"employee_id"`
	Allocated  money.Amount `json:"allocated"`
	Spent      money.Amount `json:"spent"`
	Refunded   money.Amount `json:"refunded"`
	Available  money.Amount `json:"available"`
}

// CompanyStats counts the budget accounts of one company and its orders
// served in the range. Revenue excludes cancelled orders.
type CompanyStats struct {
	CompanyID string       `json:"company_id"`
	Employees int          `json:"employees"`
	Orders    int          `json:"orders"`
	Revenue   money.Amount `json:"revenue"`
}

type Spend struct {
	From          time.Time       `json:"from"`
	To            time.Time       `json:"to"`
	CompanyID     string          `json:"company_id,omitempty"`
	Orders        int             `json:"orders"`
	PendingOrders int             `json:"pending_orders_total"`
	TopItems      []ItemCount     `json:"top_items"`
	SalesByDate   []DaySales      `json:"sales_by_date"`
	Employees     []EmployeeSpend `json:"employees"`
	Companies     []CompanyStats  `json:"company_stats"`
}

// SpendReport aggregates orders by menu date and budget movements by entry
// time over [From, To].
func (rep *Reporter) SpendReport(ctx context.Context, q SpendQuery) (Spend, error) {
	to := menu.Day(q.To)
	if q.To.IsZero() {
		to = menu.Day(rep.now())
	}
	from := menu.Day(q.From)
	if q.From.IsZero() {
		from = to.AddDate(0, 0, -defaultRangeDays)
	}
	if to.Before(from) {
		return Spend{}, fmt.Errorf("%w: report range ends before it starts", ledger.ErrValidation)
	}

	orders, err := rep.r.ListOrders(ctx, ledger.OrderFilter{CompanyID: q.CompanyID, From: from, To: to})
	if err != nil {
		return Spend{}, err
	}
	out := Spend{From: from, To: to, CompanyID: q.CompanyID, Orders: len(orders)}

	byDate := map[time.Time]*DaySales{}
	live := make([]ledger.Order, 0, len(orders))
	for _, o := range orders {
		if slices.Contains(pending, o.Status) {
			out.PendingOrders++
		}
		if o.Status == ledger.StatusCancelled {
			continue
		}
		live = append(live, o)
		day := menu.Day(o.MenuDate)
		ds, ok := byDate[day]
		if !ok {
			ds = &DaySales{Date: day}
			byDate[day] = ds
		}
		ds.Orders++
		if ds.Revenue, err = ds.Revenue.Add(o.TotalCost); err != nil {
			return Spend{}, err
		}
	}
	for _, ds := range byDate {
		out.SalesByDate = append(out.SalesByDate, *ds)
	}
	slices.SortFunc(out.SalesByDate, func(a, b DaySales) int { return a.Date.Compare(b.Date) })

	if out.TopItems, err = rep.topFoods(ctx, live, topItems); err != nil {
		return Spend{}, err
	}
	accounts, err := rep.r.Accounts(ctx, q.CompanyID)
	if err != nil {
		return Spend{}, err
	}
	if out.Employees, err = rep.employeeSpend(ctx, accounts, from, to.AddDate(0, 0, 1)); err != nil {
		return Spend{}, err
	}
	if out.Companies, err = companyStats(accounts, orders); err != nil {
		return Spend{}, err
	}
	return out, nil
}

func companyStats(accounts []ledger.BudgetAccount, orders []ledger.Order) ([]CompanyStats, error) {
	byCompany := map[string]*CompanyStats{}
	get := func(id string) *CompanyStats {
		cs, ok := byCompany[id]
		if !ok {
			cs = &CompanyStats{CompanyID: id}
			byCompany[id] = cs
		}
		return cs
	}
	for _, acc := range accounts {
		get(acc.CompanyID).Employees++
	}
	for _, o := range orders {
		cs := get(o.CompanyID)
		cs.Orders++
		if o.Status == ledger.StatusCancelled {
			continue
		}
		sum, err := cs.Revenue.Add(o.TotalCost)
		if err != nil {
			return nil, err
		}
		cs.Revenue = sum
	}
	out := make([]CompanyStats, 0, len(byCompany))
	for _, cs := range byCompany {
		out = append(out, *cs)
	}
	slices.SortFunc(out, func(a, b CompanyStats) int { return strings.Compare(a.CompanyID, b.CompanyID) })
	return out, nil
}

func (rep *Reporter) employeeSpend(ctx context.Context, accounts []ledger.BudgetAccount, from, until time.Time) ([]EmployeeSpend, error) {
	out := make([]EmployeeSpend, 0, len(accounts))
	for _, acc := range accounts {
		es := EmployeeSpend{EmployeeID: acc.EmployeeID, Available: acc.Available}
		for e, err := range rep.r.EntriesFor(ctx, acc.Scope()) {
			if err != nil {
				return nil, err
			}
			if e.CreatedAt.Before(from) || !e.CreatedAt.Before(until) {
				continue
			}
			var target *money.Amount
			amount := e.Amount
			switch e.Kind {
			case ledger.KindAllocation:
				target = &es.Allocated
			case ledger.KindDeduction:
				target, amount = &es.Spent, e.Amount.Neg()
			case ledger.KindRefund:
				target = &es.Refunded
			default:
				continue
			}
			sum, addErr := target.Add(amount)
			if addErr != nil {
				return nil, addErr
			}
			*target = sum
		}
		out = append(out, es)
	}
	slices.SortFunc(out, func(a, b EmployeeSpend) int { return strings.Compare(a.EmployeeID, b.EmployeeID) })
	return out, nil
}

func (rep *Reporter) topFoods(ctx context.Context, orders []ledger.Order, n int) ([]ItemCount, error) {
	counts := map[string]int{}
	for _, o := range orders {
		counts[o.FoodItemID]++
	}
	items, err := rep.named(ctx, counts, rep.foodName)
	if err != nil {
		return nil, err
	}
	if len(items) > n {
		items = items[:n]
	}
	return items, nil
}

// named resolves ids to names and sorts by count, then name.
func (rep *Reporter) named(ctx context.Context, counts map[string]int, name func(context.Context, string) (string, error)) ([]ItemCount, error) {
	out := make([]ItemCount, 0, len(counts))
	for id, n := range counts {
		label, err := name(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, ItemCount{ID: id, Name: label, Count: n})
	}
	slices.SortFunc(out, func(a, b ItemCount) int {
		if a.Count != b.Count {
			return b.Count - a.Count
		}
		if c := strings.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

// Items removed from the catalog after being ordered still show up under
// their id.
func (rep *Reporter) foodName(ctx context.Context, id string) (string, error) {
	f, err := rep.catalog.FoodItem(ctx, id)
	if errors.Is(err, menu.ErrNotFound) {
		return id, nil
	}
	return f.Name, err
}

func (rep *Reporter) sideName(ctx context.Context, id string) (string, error) {
	s, err := rep.catalog.SideDish(ctx, id)
	if errors.Is(err, menu.ErrNotFound) {
		return id, nil
	}
	return s.Name, err
}
