package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mealledger.org/internal/money"
)

func seedWallet(t *testing.T, m *Memory, companyID string) Wallet {
	t.Helper()
	ctx := context.Background()
	tx, err := m.Begin(ctx)
	require.NoError(t, err)
	w := Wallet{CompanyID: companyID}
	require.NoError(t, tx.CreateWallet(ctx, &w))
	require.NoError(t, tx.Commit())
	return w
}

func TestMemoryAppendValidates(t *testing.T) {
	m := NewMemory()
	w := seedWallet(t, m, "c1")
	ctx := context.Background()

	tx, err := m.Begin(ctx)
	require.NoError(t, err)
	defer func() { _ = tx.Rollback() }()

	bad := []Entry{
		{WalletID: w.ID, Scope: w.Scope(), ActorID: "a", Kind: KindDeposit, Amount: 0},
		{WalletID: w.ID, Scope: w.Scope(), ActorID: "", Kind: KindDeposit, Amount: 100},
		{WalletID: "", Scope: w.Scope(), ActorID: "a", Kind: KindDeposit, Amount: 100},
		{WalletID: w.ID, Scope: w.Scope(), ActorID: "a", Kind: KindDeposit, Amount: -100},
		{WalletID: w.ID, Scope: Scope{Kind: ScopeAccount, ID: "acc"}, ActorID: "a", Kind: KindDeduction, Amount: -100},
		{WalletID: w.ID, Scope: Scope{Kind: ScopeAccount, ID: "acc"}, ActorID: "a", Kind: KindDeposit, Amount: 100},
		{WalletID: w.ID, Scope: w.Scope(), ActorID: "a", Kind: "BONUS", Amount: 100},
	}
	for _, e := range bad {
		e := e
		require.ErrorIs(t, tx.AppendEntry(ctx, &e), ErrValidation)
	}
}

func TestMemoryStagedWritesInvisibleUntilCommit(t *testing.T) {
	m := NewMemory()
	w := seedWallet(t, m, "c1")
	ctx := context.Background()

	tx, err := m.Begin(ctx)
	require.NoError(t, err)
	cur, err := tx.LockWallet(ctx, "c1")
	require.NoError(t, err)
	e := &Entry{WalletID: w.ID, Scope: w.Scope(), ActorID: "a", Kind: KindDeposit, Amount: 500}
	require.NoError(t, tx.AppendEntry(ctx, e))
	require.NoError(t, tx.SetWalletBalance(ctx, cur.ID, 500, e))

	got, err := m.Wallet(ctx, "c1")
	require.NoError(t, err)
	require.Zero(t, got.Balance)
	entries, _, err := m.ListEntries(ctx, EntryFilter{})
	require.NoError(t, err)
	require.Empty(t, entries)

	require.NoError(t, tx.Commit())
	require.NoError(t, tx.Rollback())

	got, err = m.Wallet(ctx, "c1")
	require.NoError(t, err)
	require.EqualValues(t, 500, got.Balance)
	require.Equal(t, e.Sequence, got.LastEntrySeq)
	require.NotZero(t, e.Sequence)
	require.False(t, e.CreatedAt.IsZero())
}

func TestMemoryRollbackDiscards(t *testing.T) {
	m := NewMemory()
	w := seedWallet(t, m, "c1")
	ctx := context.Background()

	tx, err := m.Begin(ctx)
	require.NoError(t, err)
	_, err = tx.LockWallet(ctx, "c1")
	require.NoError(t, err)
	e := &Entry{WalletID: w.ID, Scope: w.Scope(), ActorID: "a", Kind: KindDeposit, Amount: 500}
	require.NoError(t, tx.AppendEntry(ctx, e))
	require.NoError(t, tx.SetWalletBalance(ctx, w.ID, 500, e))
	require.NoError(t, tx.Rollback())

	got, err := m.Wallet(ctx, "c1")
	require.NoError(t, err)
	require.Zero(t, got.Balance)
	sum, n, err := SumEntries(m.EntriesFor(ctx, w.Scope()), ^uint64(0))
	require.NoError(t, err)
	require.Zero(t, n)
	require.Zero(t, sum)

	// The lock was released.
	tx2, err := m.Begin(ctx)
	require.NoError(t, err)
	_, err = tx2.LockWallet(ctx, "c1")
	require.NoError(t, err)
	require.NoError(t, tx2.Rollback())
}

func TestMemoryLockHonorsContext(t *testing.T) {
	m := NewMemory()
	seedWallet(t, m, "c1")

	holder, err := m.Begin(context.Background())
	require.NoError(t, err)
	_, err = holder.LockWallet(context.Background(), "c1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	waiter, err := m.Begin(ctx)
	require.NoError(t, err)
	_, err = waiter.LockWallet(ctx, "c1")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.NoError(t, waiter.Rollback())
	require.NoError(t, holder.Rollback())
}

func TestMemoryDuplicateWallet(t *testing.T) {
	m := NewMemory()
	seedWallet(t, m, "c1")
	ctx := context.Background()
	tx, err := m.Begin(ctx)
	require.NoError(t, err)
	defer func() { _ = tx.Rollback() }()
	require.ErrorIs(t, tx.CreateWallet(ctx, &Wallet{CompanyID: "c1"}), ErrAlreadyExists)
}

func TestMemoryListEntriesPaging(t *testing.T) {
	m := NewMemory()
	w := seedWallet(t, m, "c1")
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		tx, err := m.Begin(ctx)
		require.NoError(t, err)
		cur, err := tx.LockWallet(ctx, "c1")
		require.NoError(t, err)
		e := &Entry{WalletID: w.ID, Scope: w.Scope(), ActorID: "a", Kind: KindDeposit, Amount: 100}
		require.NoError(t, tx.AppendEntry(ctx, e))
		require.NoError(t, tx.SetWalletBalance(ctx, cur.ID, cur.Balance+100, e))
		require.NoError(t, tx.Commit())
	}

	page, last, err := m.ListEntries(ctx, EntryFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.EqualValues(t, 2, last)

	page, last, err = m.ListEntries(ctx, EntryFilter{Scope: w.Scope(), AfterSeq: last, Limit: 10})
	require.NoError(t, err)
	require.Len(t, page, 3)
	require.EqualValues(t, 5, last)

	got, err := m.Wallet(ctx, "c1")
	require.NoError(t, err)
	require.EqualValues(t, 500, got.Balance)
}

func TestSumEntriesWatermark(t *testing.T) {
	seq := func(yield func(Entry, error) bool) {
		for i, amt := range []int64{100, 250, -50} {
			if !yield(Entry{Sequence: uint64(i + 1), Amount: money.Cents(amt)}, nil) {
				return
			}
		}
	}
	sum, n, err := SumEntries(seq, 2)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.EqualValues(t, 350, sum)
}

func TestMemorySnapshotIsStable(t *testing.T) {
	m := NewMemory()
	w := seedWallet(t, m, "c1")
	ctx := context.Background()

	deposit := func() {
		tx, err := m.Begin(ctx)
		require.NoError(t, err)
		cur, err := tx.LockWallet(ctx, "c1")
		require.NoError(t, err)
		e := &Entry{WalletID: w.ID, Scope: w.Scope(), ActorID: "a", Kind: KindDeposit, Amount: 100}
		require.NoError(t, tx.AppendEntry(ctx, e))
		require.NoError(t, tx.SetWalletBalance(ctx, cur.ID, cur.Balance+100, e))
		require.NoError(t, tx.Commit())
	}
	deposit()

	snap, release, err := m.Snapshot(ctx)
	require.NoError(t, err)
	defer release()

	deposit()

	got, err := snap.Wallet(ctx, "c1")
	require.NoError(t, err)
	require.EqualValues(t, 100, got.Balance)
	sum, n, err := SumEntries(snap.EntriesFor(ctx, w.Scope()), ^uint64(0))
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.EqualValues(t, 100, sum)

	live, err := m.Wallet(ctx, "c1")
	require.NoError(t, err)
	require.EqualValues(t, 200, live.Balance)
}
