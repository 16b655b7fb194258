// Package menu describes what can be ordered on which day. The ledger only
// reads from it; schedule and menu management live elsewhere.
package menu

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"mealledger.org/internal/money"
)

var ErrNotFound = errors.New("menu: not found")

// FoodItem is a main course with its current price.
type FoodItem struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	Price     money.Amount `json:"price"`
	Available bool         `json:"is_available"`
}

// SideDish is an optional extra with its current price.
type SideDish struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	Price     money.Amount `json:"price"`
	Available bool         `json:"is_available"`
}

// DailyMenu is one orderable slot of a company schedule.
type DailyMenu struct {
	ID         string     `json:"id"`
	ScheduleID string     `json:"schedule_id,omitempty"`
	CompanyID  string     `json:"company_id"`
	Date       time.Time  `json:"date"`
	Foods      []FoodItem `json:"available_foods"`
	Sides      []SideDish `json:"available_sides"`
}

// Food returns the food with the given id if the menu offers it.
func (m DailyMenu) Food(id string) (FoodItem, bool) {
	for _, f := range m.Foods {
		if f.ID == id {
			return f, true
		}
	}
	return FoodItem{}, false
}

// Side returns the side dish with the given id if the menu offers it.
func (m DailyMenu) Side(id string) (SideDish, bool) {
	for _, s := range m.Sides {
		if s.ID == id {
			return s, true
		}
	}
	return SideDish{}, false
}

// Day truncates t to a UTC calendar day.
func Day(t time.Time) time.Time {
	y, mo, d := t.UTC().Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, time.UTC)
}

// Catalog resolves daily menus.
type Catalog interface {
	DailyMenu(ctx context.Context, id string) (DailyMenu, error)
	DailyMenus(ctx context.Context, companyID string, from, to time.Time) ([]DailyMenu, error)
	FoodItem(ctx context.Context, id string) (FoodItem, error)
	SideDish(ctx context.Context, id string) (SideDish, error)
}

// Static is an in-memory Catalog. Prices can be changed after orders are
// placed, which is how tests check that order costs stay frozen.
type Static struct {
	mu    sync.RWMutex
	menus map[string]DailyMenu
	foods map[string]FoodItem
	sides map[string]SideDish
}

var _ Catalog = (*Static)(nil)

func NewStatic() *Static {
	return &Static{
		menus: make(map[string]DailyMenu),
		foods: make(map[string]FoodItem),
		sides: make(map[string]SideDish),
	}
}

// PutFood registers or replaces a food item. Menus referencing it see the
// new values on their next lookup.
func (s *Static) PutFood(f FoodItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.foods[f.ID] = f
}

// PutSide registers or replaces a side dish.
func (s *Static) PutSide(d SideDish) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sides[d.ID] = d
}

// PutMenu stores a daily menu. Only the IDs of Foods and Sides are kept;
// details are resolved from the registered items at lookup time.
func (s *Static) PutMenu(m DailyMenu) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range m.Foods {
		if _, ok := s.foods[f.ID]; !ok {
			s.foods[f.ID] = f
		}
	}
	for _, d := range m.Sides {
		if _, ok := s.sides[d.ID]; !ok {
			s.sides[d.ID] = d
		}
	}
	m.Date = Day(m.Date)
	s.menus[m.ID] = m
}

func (s *Static) DailyMenu(_ context.Context, id string) (DailyMenu, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.menus[id]
	if !ok {
		return DailyMenu{}, ErrNotFound
	}
	return s.resolve(m), nil
}

func (s *Static) DailyMenus(_ context.Context, companyID string, from, to time.Time) ([]DailyMenu, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	from, to = Day(from), Day(to)
	var res []DailyMenu
	for _, m := range s.menus {
		if companyID != "" && m.CompanyID != companyID {
			continue
		}
		if m.Date.Before(from) || m.Date.After(to) {
			continue
		}
		res = append(res, s.resolve(m))
	}
	sort.Slice(res, func(i, j int) bool {
		if !res[i].Date.Equal(res[j].Date) {
			return res[i].Date.Before(res[j].Date)
		}
		return res[i].ID < res[j].ID
	})
	return res, nil
}

func (s *Static) FoodItem(_ context.Context, id string) (FoodItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.foods[id]
	if !ok {
		return FoodItem{}, ErrNotFound
	}
	return f, nil
}

func (s *Static) SideDish(_ context.Context, id string) (SideDish, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.sides[id]
	if !ok {
		return SideDish{}, ErrNotFound
	}
	return d, nil
}

func (s *Static) resolve(m DailyMenu) DailyMenu {
	out := m
	out.Foods = make([]FoodItem, 0, len(m.Foods))
	for _, f := range m.Foods {
		out.Foods = append(out.Foods, s.foods[f.ID])
	}
	out.Sides = make([]SideDish, 0, len(m.Sides))
	for _, d := range m.Sides {
		out.Sides = append(out.Sides, s.sides[d.ID])
	}
	return out
}
