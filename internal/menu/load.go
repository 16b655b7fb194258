package menu

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

// catalogFile is the JSON layout accepted by LoadStatic. Menus reference
// foods and sides by id; dates are YYYY-MM-DD.
type catalogFile struct {
	Foods []FoodItem `json:"foods"`
	Sides []SideDish `json:"sides"`
	Menus []struct {
		ID         string   `json:"id"`
		ScheduleID string   `json:"schedule_id"`
		CompanyID  string   `json:"company_id"`
		Date       string   `json:"date"`
		Foods      []string `json:"foods"`
		Sides      []string `json:"sides"`
	} `json:"menus"`
}

// LoadStatic builds a Static catalog from a JSON document. It is used to
// give the in-memory API something to order from.
func LoadStatic(r io.Reader) (*Static, error) {
	var f catalogFile
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decode menu catalog: %w", err)
	}

	s := NewStatic()
	for _, food := range f.Foods {
		if food.ID == "" {
			return nil, errors.New("menu catalog: food without id")
		}
		s.PutFood(food)
	}
	for _, side := range f.Sides {
		if side.ID == "" {
			return nil, errors.New("menu catalog: side dish without id")
		}
		s.PutSide(side)
	}
	for _, m := range f.Menus {
		if m.ID == "" || m.CompanyID == "" {
			return nil, fmt.Errorf("menu catalog: menu %q needs an id and a company", m.ID)
		}
		date, err := time.Parse(time.DateOnly, m.Date)
		if err != nil {
			return nil, fmt.Errorf("menu catalog: menu %s: %w", m.ID, err)
		}
		dm := DailyMenu{ID: m.ID, ScheduleID: m.ScheduleID, CompanyID: m.CompanyID, Date: date}
		for _, id := range m.Foods {
			if _, ok := s.foods[id]; !ok {
				return nil, fmt.Errorf("menu catalog: menu %s references unknown food %s", m.ID, id)
			}
			dm.Foods = append(dm.Foods, FoodItem{ID: id})
		}
		for _, id := range m.Sides {
			if _, ok := s.sides[id]; !ok {
				return nil, fmt.Errorf("menu catalog: menu %s references unknown side dish %s", m.ID, id)
			}
			dm.Sides = append(dm.Sides, SideDish{ID: id})
		}
		s.PutMenu(dm)
	}
	return s, nil
}
