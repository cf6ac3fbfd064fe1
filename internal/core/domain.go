package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	Income  Direction = "INCOME"
	Expense Direction = "EXPENSE"
)

// Preference keys understood by the app. Unknown keys are persisted as-is.
const (
	PrefTheme = "theme"

	ThemeLight = "light"
	ThemeDark  = "dark"
)

type (
	// Direction decides the sign of an item in the aggregate totals.
	Direction string

	// Identity is the opaque signed-in user record. It is produced and
	// verified outside the core.
	Identity struct {
		ID          string `json:"id"`
		DisplayName string `json:"displayName"`
		Email       string `json:"email"`
		AvatarURL   string `json:"avatarUrl"`
	}

	// Preferences holds small user settings persisted next to the items.
	Preferences map[string]string

	RecurringItem struct {
		ID        string    `json:"id"`
		Title     string    `json:"title"`
		Amount    Money     `json:"amount"`
		Direction Direction `json:"direction"`
		DueDay    int       `json:"dueDay"`
		Category  string    `json:"category"`
	}

	// ItemFields are the replaceable fields of a RecurringItem, as produced
	// by the editing form.
	ItemFields struct {
		Title     string
		Amount    Money
		Direction Direction
		DueDay    int
		Category  string
	}

	// Document is the single persisted aggregate. It is treated as an
	// immutable value: every mutation builds a new Document.
	Document struct {
		Items          []RecurringItem `json:"items"`
		CompletedIDs   []string        `json:"completedIds"`
		LastResetCycle string          `json:"lastResetCycle"`
		Preferences    Preferences     `json:"preferences"`
		Identity       *Identity       `json:"identity"`
	}
)

var (
	ErrEmptyTitle       = errors.New("empty title")
	ErrTitleTooLong     = errors.New("title too long (max 200 characters)")
	ErrNegativeAmount   = errors.New("negative amount")
	ErrInvalidDueDay    = errors.New("invalid due day")
	ErrInvalidDirection = errors.New("invalid direction")
)

// DefaultCategory is used when the form leaves the category blank.
const DefaultCategory = "General"

func (d Direction) Valid() bool {
	return d == Income || d == Expense
}

// UnmarshalJSON accepts the legacy RECEIVE/PAY spellings.
func (d *Direction) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "INCOME", "RECEIVE":
		*d = Income
	case "EXPENSE", "PAY":
		*d = Expense
	default:
		return fmt.Errorf("%w: %q", ErrInvalidDirection, s)
	}
	return nil
}

// DefaultPreferences returns the preferences of a first launch.
func DefaultPreferences() Preferences {
	return Preferences{PrefTheme: ThemeLight}
}

// Theme returns the display theme, falling back to light.
func (p Preferences) Theme() string {
	if t, ok := p[PrefTheme]; ok && t != "" {
		return t
	}
	return ThemeLight
}

func (p Preferences) clone() Preferences {
	out := make(Preferences, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// DefaultDocument is the Document of a first launch. Its empty
// LastResetCycle makes the reset policy fire on first access.
func DefaultDocument() Document {
	return Document{
		Items:        []RecurringItem{},
		CompletedIDs: []string{},
		Preferences:  DefaultPreferences(),
	}
}

// Clone returns a deep copy so callers can derive a new value without
// touching the receiver.
func (d Document) Clone() Document {
	out := Document{
		Items:          make([]RecurringItem, len(d.Items)),
		CompletedIDs:   make([]string, len(d.CompletedIDs)),
		LastResetCycle: d.LastResetCycle,
		Preferences:    d.Preferences.clone(),
	}
	copy(out.Items, d.Items)
	copy(out.CompletedIDs, d.CompletedIDs)
	if d.Identity != nil {
		id := *d.Identity
		out.Identity = &id
	}
	return out
}

// Item returns the item with the given id.
func (d Document) Item(id string) (RecurringItem, bool) {
	for _, it := range d.Items {
		if it.ID == id {
			return it, true
		}
	}
	return RecurringItem{}, false
}

// IsCompleted reports whether id is settled for the current cycle.
func (d Document) IsCompleted(id string) bool {
	for _, c := range d.CompletedIDs {
		if c == id {
			return true
		}
	}
	return false
}

// Fields returns the replaceable part of the item.
func (it RecurringItem) Fields() ItemFields {
	return ItemFields{
		Title:     it.Title,
		Amount:    it.Amount,
		Direction: it.Direction,
		DueDay:    it.DueDay,
		Category:  it.Category,
	}
}

func (f ItemFields) toItem(id string) RecurringItem {
	category := strings.TrimSpace(f.Category)
	if category == "" {
		category = DefaultCategory
	}
	return RecurringItem{
		ID:        id,
		Title:     strings.TrimSpace(f.Title),
		Amount:    f.Amount,
		Direction: f.Direction,
		DueDay:    f.DueDay,
		Category:  category,
	}
}

func (f ItemFields) Validate() error {
	title := strings.TrimSpace(f.Title)
	if title == "" {
		return ErrEmptyTitle
	}
	if len(title) > 200 {
		return ErrTitleTooLong
	}
	if f.Amount.Cents < 0 {
		return ErrNegativeAmount
	}
	if !f.Direction.Valid() {
		return ErrInvalidDirection
	}
	// 31 is accepted for every month; short months simply never reach it.
	if f.DueDay < 1 || f.DueDay > 31 {
		return ErrInvalidDueDay
	}
	return nil
}
