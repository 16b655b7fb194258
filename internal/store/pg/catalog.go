package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"mealledger.org/internal/menu"
	"mealledger.org/internal/money"
)

// Catalog reads daily menus from the tables managed by the scheduling
// service. Prices are always the current ones; orders freeze their own.
type Catalog struct {
	db *sql.DB
}

var _ menu.Catalog = (*Catalog)(nil)

func NewCatalog(db *sql.DB) *Catalog { return &Catalog{db: db} }

// Catalog returns a menu catalog sharing the store's connection pool.
func (s *Store) Catalog() *Catalog { return NewCatalog(s.db) }

func (c *Catalog) DailyMenu(ctx context.Context, id string) (menu.DailyMenu, error) {
	var m menu.DailyMenu
	err := c.db.QueryRowContext(ctx, `
		select id, schedule_id, company_id, menu_date from daily_menus where id=$1
	`, id).Scan(&m.ID, &m.ScheduleID, &m.CompanyID, &m.Date)
	if errors.Is(err, sql.ErrNoRows) {
		return menu.DailyMenu{}, menu.ErrNotFound
	}
	if err != nil {
		return menu.DailyMenu{}, err
	}
	if err := c.loadItems(ctx, &m); err != nil {
		return menu.DailyMenu{}, err
	}
	return m, nil
}

func (c *Catalog) DailyMenus(ctx context.Context, companyID string, from, to time.Time) ([]menu.DailyMenu, error) {
	rows, err := c.db.QueryContext(ctx, `
		select id, schedule_id, company_id, menu_date
		from daily_menus
		where ($1 = '' or company_id = $1) and menu_date between $2 and $3
		order by menu_date, id
	`, companyID, menu.Day(from), menu.Day(to))
	if err != nil {
		return nil, err
	}
	var res []menu.DailyMenu
	for rows.Next() {
		var m menu.DailyMenu
		if err := rows.Scan(&m.ID, &m.ScheduleID, &m.CompanyID, &m.Date); err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, m)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for i := range res {
		if err := c.loadItems(ctx, &res[i]); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func (c *Catalog) loadItems(ctx context.Context, m *menu.DailyMenu) error {
	rows, err := c.db.QueryContext(ctx, `
		select f.id, f.name, f.price, f.is_available
		from daily_menu_foods mf join food_items f on f.id = mf.food_item_id
		where mf.daily_menu_id = $1
		order by f.name
	`, m.ID)
	if err != nil {
		return err
	}
	m.Foods = []menu.FoodItem{}
	for rows.Next() {
		var (
			f     menu.FoodItem
			price int64
		)
		if err := rows.Scan(&f.ID, &f.Name, &price, &f.Available); err != nil {
			rows.Close()
			return err
		}
		f.Price = money.Cents(price)
		m.Foods = append(m.Foods, f)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	rows, err = c.db.QueryContext(ctx, `
		select d.id, d.name, d.price, d.is_available
		from daily_menu_sides ms join side_dishes d on d.id = ms.side_dish_id
		where ms.daily_menu_id = $1
		order by d.name
	`, m.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	m.Sides = []menu.SideDish{}
	for rows.Next() {
		var (
			d     menu.SideDish
			price int64
		)
		if err := rows.Scan(&d.ID, &d.Name, &price, &d.Available); err != nil {
			return err
		}
		d.Price = money.Cents(price)
		m.Sides = append(m.Sides, d)
	}
	return rows.Err()
}

func (c *Catalog) FoodItem(ctx context.Context, id string) (menu.FoodItem, error) {
	var (
		f     menu.FoodItem
		price int64
	)
	err := c.db.QueryRowContext(ctx, `select id, name, price, is_available from food_items where id=$1`, id).
		Scan(&f.ID, &f.Name, &price, &f.Available)
	if errors.Is(err, sql.ErrNoRows) {
		return menu.FoodItem{}, menu.ErrNotFound
	}
	f.Price = money.Cents(price)
	return f, err
}

func (c *Catalog) SideDish(ctx context.Context, id string) (menu.SideDish, error) {
	var (
		d     menu.SideDish
		price int64
	)
	err := c.db.QueryRowContext(ctx, `select id, name, price, is_available from side_dishes where id=$1`, id).
		Scan(&d.ID, &d.Name, &price, &d.Available)
	if errors.Is(err, sql.ErrNoRows) {
		return menu.SideDish{}, menu.ErrNotFound
	}
	d.Price = money.Cents(price)
	return d, err
}
