package menu

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mealledger.org/internal/money"
)

func TestStaticResolvesCurrentPrices(t *testing.T) {
	c := NewStatic()
	date := time.Date(2026, 3, 10, 15, 30, 0, 0, time.UTC)
	c.PutMenu(DailyMenu{
		ID:        "dm-1",
		CompanyID: "co-1",
		Date:      date,
		Foods:     []FoodItem{{ID: "f-1", Name: "Grilled Chicken", Price: money.MustParse("12.50"), Available: true}},
		Sides:     []SideDish{{ID: "s-1", Name: "Garden Salad", Price: money.MustParse("3.50"), Available: true}},
	})

	m, err := c.DailyMenu(context.Background(), "dm-1")
	require.NoError(t, err)
	require.Equal(t, Day(date), m.Date)
	f, ok := m.Food("f-1")
	require.True(t, ok)
	require.Equal(t, money.Cents(1250), f.Price)

	c.PutFood(FoodItem{ID: "f-1", Name: "Grilled Chicken", Price: money.MustParse("13.00"), Available: true})
	m, err = c.DailyMenu(context.Background(), "dm-1")
	require.NoError(t, err)
	f, _ = m.Food("f-1")
	require.Equal(t, money.Cents(1300), f.Price)

	_, ok = m.Side("missing")
	require.False(t, ok)

	_, err = c.DailyMenu(context.Background(), "nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStaticDailyMenusRange(t *testing.T) {
	c := NewStatic()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		c.PutMenu(DailyMenu{ID: id, CompanyID: "co-1", Date: base.AddDate(0, 0, i)})
	}
	c.PutMenu(DailyMenu{ID: "other", CompanyID: "co-2", Date: base})

	res, err := c.DailyMenus(context.Background(), "co-1", base, base.AddDate(0, 0, 1))
	require.NoError(t, err)
	require.Len(t, res, 2)
	require.Equal(t, "a", res[0].ID)
	require.Equal(t, "b", res[1].ID)
}

func TestLoadStatic(t *testing.T) {
	doc := `{
		"foods": [
			{"id": "f-1", "name": "Grilled Chicken", "price": "12.50", "is_available": true},
			{"id": "f-2", "name": "Baked Fish", "price": 10, "is_available": false}
		],
		"sides": [{"id": "s-1", "name": "Garden Salad", "price": "3.50", "is_available": true}],
		"menus": [{"id": "dm-1", "company_id": "co-1", "date": "2026-03-10", "foods": ["f-1", "f-2"], "sides": ["s-1"]}]
	}`
	c, err := LoadStatic(strings.NewReader(doc))
	require.NoError(t, err)

	m, err := c.DailyMenu(context.Background(), "dm-1")
	require.NoError(t, err)
	require.Equal(t, time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC), m.Date)
	require.Equal(t, "co-1", m.CompanyID)
	f, ok := m.Food("f-1")
	require.True(t, ok)
	require.Equal(t, money.MustParse("12.50"), f.Price)
	fish, ok := m.Food("f-2")
	require.True(t, ok)
	require.False(t, fish.Available)
	require.Equal(t, money.MustParse("10.00"), fish.Price)
	side, ok := m.Side("s-1")
	require.True(t, ok)
	require.Equal(t, "Garden Salad", side.Name)
}

func TestLoadStaticRejectsBadDocuments(t *testing.T) {
	cases := map[string]string{
		"unknown field":   `{"drinks": []}`,
		"unknown food":    `{"menus": [{"id": "dm-1", "company_id": "co-1", "date": "2026-03-10", "foods": ["f-9"]}]}`,
		"bad date":        `{"menus": [{"id": "dm-1", "company_id": "co-1", "date": "10/03/2026"}]}`,
		"missing company": `{"menus": [{"id": "dm-1", "date": "2026-03-10"}]}`,
		"bad price":       `{"foods": [{"id": "f-1", "price": "abc"}]}`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadStatic(strings.NewReader(doc))
			require.Error(t, err)
		})
	}
}
