package core

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedDocument is returned when persisted bytes cannot be read as a
// Document. Callers treat it like a missing document.
var ErrMalformedDocument = errors.New("malformed document")

// wireDocument accepts both the current field names and the ones written by
// older clients (payments, lastResetMonth, theme, user).
type wireDocument struct {
	Items          []wireItem    `json:"items"`
	Payments       []wireItem    `json:"payments"`
	CompletedIDs   []string      `json:"completedIds"`
	LastResetCycle *string       `json:"lastResetCycle"`
	LastResetMonth *string       `json:"lastResetMonth"`
	Preferences    Preferences   `json:"preferences"`
	Theme          string        `json:"theme"`
	Identity       *wireIdentity `json:"identity"`
	User           *wireIdentity `json:"user"`
}

type wireItem struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Amount    Money      `json:"amount"`
	Direction *Direction `json:"direction"`
	Type      *Direction `json:"type"`
	DueDay    *int       `json:"dueDay"`
	DueDate   *int       `json:"dueDate"`
	Category  string     `json:"category"`
}

type wireIdentity struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Name        string `json:"name"`
	Email       string `json:"email"`
	AvatarURL   string `json:"avatarUrl"`
	Picture     string `json:"picture"`
}

// EncodeDocument serializes doc in the current schema.
func EncodeDocument(doc Document) ([]byte, error) {
	data, err := json.Marshal(normalize(doc))
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	return data, nil
}

// DecodeDocument parses persisted bytes. Missing fields take their default
// value; anything that is not a JSON object of the expected shape yields
// ErrMalformedDocument.
func DecodeDocument(data []byte) (Document, error) {
	var w wireDocument
	if err := json.Unmarshal(data, &w); err != nil {
		return Document{}, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
	}

	doc := DefaultDocument()

	items := w.Items
	if items == nil {
		items = w.Payments
	}
	seen := make(map[string]struct{}, len(items))
	for _, wi := range items {
		if wi.ID == "" {
			continue
		}
		if _, dup := seen[wi.ID]; dup {
			continue
		}
		seen[wi.ID] = struct{}{}
		doc.Items = append(doc.Items, wi.toItem())
	}

	done := make(map[string]struct{}, len(w.CompletedIDs))
	for _, id := range w.CompletedIDs {
		if _, dup := done[id]; dup || id == "" {
			continue
		}
		done[id] = struct{}{}
		doc.CompletedIDs = append(doc.CompletedIDs, id)
	}

	switch {
	case w.LastResetCycle != nil:
		doc.LastResetCycle = *w.LastResetCycle
	case w.LastResetMonth != nil:
		doc.LastResetCycle = *w.LastResetMonth
	}

	if w.Theme != "" {
		doc.Preferences[PrefTheme] = w.Theme
	}
	for k, v := range w.Preferences {
		doc.Preferences[k] = v
	}

	ident := w.Identity
	if ident == nil {
		ident = w.User
	}
	if ident != nil && ident.ID != "" {
		doc.Identity = ident.toIdentity()
	}

	return doc, nil
}

func (wi wireItem) toItem() RecurringItem {
	it := RecurringItem{
		ID:       wi.ID,
		Title:    wi.Title,
		Amount:   wi.Amount,
		Category: wi.Category,
	}
	switch {
	case wi.Direction != nil:
		it.Direction = *wi.Direction
	case wi.Type != nil:
		it.Direction = *wi.Type
	default:
		it.Direction = Expense
	}
	switch {
	case wi.DueDay != nil:
		it.DueDay = *wi.DueDay
	case wi.DueDate != nil:
		it.DueDay = *wi.DueDate
	default:
		it.DueDay = 1
	}
	return it
}

func (wi wireIdentity) toIdentity() *Identity {
	id := &Identity{
		ID:          wi.ID,
		DisplayName: wi.DisplayName,
		Email:       wi.Email,
		AvatarURL:   wi.AvatarURL,
	}
	if id.DisplayName == "" {
		id.DisplayName = wi.Name
	}
	if id.AvatarURL == "" {
		id.AvatarURL = wi.Picture
	}
	return id
}

// normalize replaces nil collections so the JSON shape is stable.
func normalize(doc Document) Document {
	if doc.Items == nil {
		doc.Items = []RecurringItem{}
	}
	if doc.CompletedIDs == nil {
		doc.CompletedIDs = []string{}
	}
	if doc.Preferences == nil {
		doc.Preferences = DefaultPreferences()
	}
	return doc
}
