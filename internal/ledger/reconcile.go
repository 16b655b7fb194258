package ledger

import (
	"context"
	"fmt"
	"maps"
	"math"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"mealledger.org/internal/money"
)

// Mismatch is one divergence found by Reconcile.
type Mismatch struct {
	Scope    Scope        `json:"scope,omitempty"`
	OrderID  string       `json:"order_id,omitempty"`
	Stored   money.Amount `json:"stored"`
	Computed money.Amount `json:"computed"`
	Detail   string       `json:"detail"`
}

// ReconciliationReport summarizes one reconciliation run.
type ReconciliationReport struct {
	CheckedAt  time.Time  `json:"checked_at"`
	Wallets    int        `json:"wallets"`
	Accounts   int        `json:"accounts"`
	Orders     int        `json:"orders"`
	Entries    int        `json:"entries"`
	Mismatches []Mismatch `json:"mismatches"`
}

func (r ReconciliationReport) OK() bool { return len(r.Mismatches) == 0 }

// reconcilePage is how many entries Reconcile reads per ListEntries call.
const reconcilePage = 1000

// Reconcile recomputes every wallet and budget account from all of its
// entries and checks that each order carries exactly the entries its status
// implies. Entries whose scope has no owner, or whose wallet reference does
// not match the owner, are reported too. Everything is read from one store
// snapshot and nothing is written. Divergences are returned in the report
// together with an error wrapping ErrReconciliationMismatch.
func (s *Service) Reconcile(ctx context.Context) (rep ReconciliationReport, err error) {
	defer s.observe("reconcile", time.Now(), &err)
	rep = ReconciliationReport{CheckedAt: s.now(), Mismatches: []Mismatch{}}

	snap, release, err := s.store.Snapshot(ctx)
	if err != nil {
		return rep, err
	}
	defer release()

	wallets, err := snap.Wallets(ctx)
	if err != nil {
		return rep, err
	}
	accounts, err := snap.Accounts(ctx, "")
	if err != nil {
		return rep, err
	}
	orders, err := snap.ListOrders(ctx, OrderFilter{})
	if err != nil {
		return rep, err
	}

	// owners maps every balance scope to the wallet its entries must name.
	owners := make(map[Scope]string, len(wallets)+len(accounts))
	walletOf := make(map[string]string, len(wallets))
	for _, w := range wallets {
		owners[w.Scope()] = w.ID
		walletOf[w.CompanyID] = w.ID
	}
	for _, a := range accounts {
		owners[a.Scope()] = walletOf[a.CompanyID]
	}

	var (
		sums    = make(map[Scope]money.Amount, len(owners))
		orphans = make(map[Scope]money.Amount)
		byOrder = make(map[string][]Entry)
		after   uint64
	)
	for {
		page, last, err := snap.ListEntries(ctx, EntryFilter{AfterSeq: after, Limit: reconcilePage})
		if err != nil {
			return rep, err
		}
		for _, e := range page {
			rep.Entries++
			walletID, known := owners[e.Scope]
			if !known {
				if orphans[e.Scope], err = orphans[e.Scope].Add(e.Amount); err != nil {
					return rep, err
				}
				continue
			}
			if e.WalletID != walletID {
				rep.Mismatches = append(rep.Mismatches, Mismatch{
					Scope: e.Scope, Computed: e.Amount,
					Detail: fmt.Sprintf("entry %s references wallet %s, owner belongs to %s", e.ID, e.WalletID, walletID),
				})
			}
			if sums[e.Scope], err = sums[e.Scope].Add(e.Amount); err != nil {
				return rep, err
			}
			if e.OrderID != "" {
				byOrder[e.OrderID] = append(byOrder[e.OrderID], e)
			}
		}
		if len(page) < reconcilePage {
			break
		}
		after = last
	}

	for _, w := range wallets {
		rep.Wallets++
		if sum := sums[w.Scope()]; sum != w.Balance {
			rep.Mismatches = append(rep.Mismatches, Mismatch{
				Scope: w.Scope(), Stored: w.Balance, Computed: sum,
				Detail: "wallet balance differs from its entries",
			})
		}
	}
	for _, a := range accounts {
		rep.Accounts++
		if sum := sums[a.Scope()]; sum != a.Available {
			rep.Mismatches = append(rep.Mismatches, Mismatch{
				Scope: a.Scope(), Stored: a.Available, Computed: sum,
				Detail: "budget available differs from its entries",
			})
		}
	}
	for _, scope := range slices.SortedFunc(maps.Keys(orphans), compareScopes) {
		rep.Mismatches = append(rep.Mismatches, Mismatch{
			Scope: scope, Computed: orphans[scope],
			Detail: "entries belong to a balance that does not exist",
		})
	}

	for _, o := range orders {
		rep.Orders++
		if m, ok := checkOrder(o, byOrder[o.ID]); !ok {
			rep.Mismatches = append(rep.Mismatches, m)
		}
		delete(byOrder, o.ID)
	}
	for _, id := range slices.Sorted(maps.Keys(byOrder)) {
		var sum money.Amount
		for _, e := range byOrder[id] {
			sum += e.Amount
		}
		rep.Mismatches = append(rep.Mismatches, Mismatch{
			OrderID: id, Computed: sum,
			Detail: fmt.Sprintf("%d entries reference an order that does not exist", len(byOrder[id])),
		})
	}

	s.obs.ObserveReconciliation(len(rep.Mismatches))
	if !rep.OK() {
		for _, m := range rep.Mismatches {
			s.log.Error("reconciliation mismatch",
				zap.String("scope", m.Scope.String()),
				zap.String("order_id", m.OrderID),
				zap.Stringer("stored", m.Stored),
				zap.Stringer("computed", m.Computed),
				zap.String("detail", m.Detail))
		}
		return rep, fmt.Errorf("%w: %d divergences", ErrReconciliationMismatch, len(rep.Mismatches))
	}
	s.log.Info("reconciliation clean",
		zap.Int("wallets", rep.Wallets),
		zap.Int("accounts", rep.Accounts),
		zap.Int("orders", rep.Orders),
		zap.Int("entries", rep.Entries))
	return rep, nil
}

func compareScopes(a, b Scope) int {
	if c := strings.Compare(string(a.Kind), string(b.Kind)); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}

// checkOrder expects one DEDUCTION of -TotalCost and, only for cancelled
// orders, one REFUND of +TotalCost.
func checkOrder(o Order, entries []Entry) (Mismatch, bool) {
	var deducted, refunded money.Amount
	var nDeduct, nRefund int
	for _, e := range entries {
		switch e.Kind {
		case KindDeduction:
			deducted += e.Amount
			nDeduct++
		case KindRefund:
			refunded += e.Amount
			nRefund++
		}
	}
	mm := Mismatch{OrderID: o.ID, Stored: o.TotalCost}
	switch {
	case nDeduct != 1 || deducted != o.TotalCost.Neg():
		mm.Computed = deducted.Neg()
		mm.Detail = fmt.Sprintf("expected one deduction of %s, found %d totalling %s", o.TotalCost.Neg(), nDeduct, deducted)
		return mm, false
	case o.Status == StatusCancelled && (nRefund != 1 || refunded != o.TotalCost):
		mm.Computed = refunded
		mm.Detail = fmt.Sprintf("cancelled order expects one refund of %s, found %d totalling %s", o.TotalCost, nRefund, refunded)
		return mm, false
	case o.Status != StatusCancelled && nRefund != 0:
		mm.Computed = refunded
		mm.Detail = fmt.Sprintf("%s order has %d refunds", o.Status, nRefund)
		return mm, false
	}
	return Mismatch{}, true
}

// Balance recomputes one scope from all of its entries.
func Balance(ctx context.Context, r Reader, scope Scope) (money.Amount, error) {
	sum, _, err := SumEntries(r.EntriesFor(ctx, scope), math.MaxUint64)
	return sum, err
}
