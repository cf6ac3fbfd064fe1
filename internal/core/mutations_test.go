package core

import (
	"reflect"
	"testing"
)

func fixedIDs(ids ...string) IDGenerator {
	i := 0
	return IDFunc(func() string {
		id := ids[i%len(ids)]
		i++
		return id
	})
}

func sampleDoc() Document {
	doc := DefaultDocument()
	doc.LastResetCycle = "2024-02"
	doc.Items = []RecurringItem{
		{ID: "rent", Title: "Rent", Amount: Money{Cents: 150000}, Direction: Expense, DueDay: 5, Category: "Housing"},
		{ID: "salary", Title: "Salary", Amount: Money{Cents: 500000}, Direction: Income, DueDay: 27, Category: "Work"},
	}
	doc.CompletedIDs = []string{"salary"}
	return doc
}

func TestAddItem_ToEmptyDocument(t *testing.T) {
	doc := DefaultDocument()
	next, id := AddItem(doc, ItemFields{
		Title:     "Rent",
		Amount:    Money{Cents: 150000},
		Direction: Expense,
		DueDay:    5,
		Category:  "Housing",
	}, nil)

	if id == "" {
		t.Fatal("expected a generated id")
	}
	if len(next.Items) != 1 || next.Items[0].ID != id {
		t.Fatalf("unexpected items: %+v", next.Items)
	}
	if next.Items[0].Title != "Rent" || next.Items[0].Amount.Cents != 150000 || next.Items[0].DueDay != 5 {
		t.Fatalf("fields not copied: %+v", next.Items[0])
	}
	if len(next.CompletedIDs) != 0 {
		t.Fatalf("completedIds changed: %v", next.CompletedIDs)
	}
	if len(doc.Items) != 0 {
		t.Fatal("input document was modified")
	}
}

func TestAddItem_UniqueIDsAndDefaultCategory(t *testing.T) {
	doc := DefaultDocument()
	doc, a := AddItem(doc, ItemFields{Title: "A", Direction: Expense, DueDay: 1}, nil)
	doc, b := AddItem(doc, ItemFields{Title: "B", Direction: Expense, DueDay: 1}, nil)
	if a == b {
		t.Fatalf("ids collide: %s", a)
	}
	if doc.Items[0].Category != DefaultCategory {
		t.Fatalf("category = %q, want %q", doc.Items[0].Category, DefaultCategory)
	}
}

func TestToggleCompletion_Involution(t *testing.T) {
	doc := sampleDoc()
	for _, id := range []string{"rent", "salary"} {
		t.Run(id, func(t *testing.T) {
			once := ToggleCompletion(doc, id)
			if once.IsCompleted(id) == doc.IsCompleted(id) {
				t.Fatalf("first toggle did not flip %s", id)
			}
			twice := ToggleCompletion(once, id)
			if twice.IsCompleted(id) != doc.IsCompleted(id) {
				t.Fatalf("second toggle did not restore %s", id)
			}
			if len(twice.CompletedIDs) != len(doc.CompletedIDs) {
				t.Fatalf("completedIds = %v, want %v", twice.CompletedIDs, doc.CompletedIDs)
			}
		})
	}
}

func TestToggleCompletion_StaleID(t *testing.T) {
	doc := sampleDoc()
	got := ToggleCompletion(doc, "missing")
	if !reflect.DeepEqual(got, doc) {
		t.Fatalf("stale toggle changed document: %+v", got)
	}
}

func TestUpdateItem(t *testing.T) {
	doc := sampleDoc()
	next := UpdateItem(doc, "rent", ItemFields{Title: "Rent (new flat)", Amount: Money{Cents: 170000}, Direction: Expense, DueDay: 1, Category: "Housing"})
	it, ok := next.Item("rent")
	if !ok {
		t.Fatal("item disappeared")
	}
	if it.Title != "Rent (new flat)" || it.Amount.Cents != 170000 || it.DueDay != 1 {
		t.Fatalf("item not updated: %+v", it)
	}
	if old, _ := doc.Item("rent"); old.Amount.Cents != 150000 {
		t.Fatal("input document was modified")
	}

	same := UpdateItem(doc, "missing", ItemFields{Title: "x", Direction: Income, DueDay: 2})
	if !reflect.DeepEqual(same, doc) {
		t.Fatal("update of unknown id must be a no-op")
	}
}

func TestRemoveItem_PurgesCompletion(t *testing.T) {
	doc := sampleDoc()
	next := RemoveItem(doc, "salary")
	if _, ok := next.Item("salary"); ok {
		t.Fatal("item still present")
	}
	if next.IsCompleted("salary") {
		t.Fatal("completion marker survived removal")
	}
	if len(next.Items) != 1 {
		t.Fatalf("unexpected items: %+v", next.Items)
	}
	if !doc.IsCompleted("salary") {
		t.Fatal("input document was modified")
	}
}

func TestRemoveItem_DanglingCompletion(t *testing.T) {
	doc := sampleDoc()
	doc.CompletedIDs = append(doc.CompletedIDs, "ghost")
	next := RemoveItem(doc, "ghost")
	if next.IsCompleted("ghost") {
		t.Fatal("dangling id not purged")
	}
	if len(next.Items) != 2 {
		t.Fatal("items must be untouched")
	}
}

func TestSetPreferenceAndIdentity(t *testing.T) {
	doc := sampleDoc()
	dark := SetPreference(doc, PrefTheme, ThemeDark)
	if dark.Preferences.Theme() != ThemeDark {
		t.Fatalf("theme = %q", dark.Preferences.Theme())
	}
	if doc.Preferences.Theme() != ThemeLight {
		t.Fatal("input preferences were modified")
	}

	id := &Identity{ID: "u1", DisplayName: "Ada", Email: "ada@example.com"}
	signed := SetIdentity(doc, id)
	id.DisplayName = "changed"
	if signed.Identity == nil || signed.Identity.DisplayName != "Ada" {
		t.Fatalf("identity not copied: %+v", signed.Identity)
	}
	if out := SetIdentity(signed, nil); out.Identity != nil {
		t.Fatal("identity not cleared")
	}
}

func TestResetAll(t *testing.T) {
	doc := SetIdentity(SetPreference(sampleDoc(), PrefTheme, ThemeDark), &Identity{ID: "u"})
	got := ResetAll(doc)
	if len(got.Items) != 0 || len(got.CompletedIDs) != 0 || got.Identity != nil {
		t.Fatalf("data not cleared: %+v", got)
	}
	if got.LastResetCycle != doc.LastResetCycle || got.Preferences.Theme() != ThemeDark {
		t.Fatalf("cycle or preferences lost: %+v", got)
	}
}

func TestMutationsWithFixedIDs(t *testing.T) {
	doc, id := AddItem(DefaultDocument(), ItemFields{Title: "Gym", Amount: Money{Cents: 4000}, Direction: Expense, DueDay: 3}, fixedIDs("gym-1"))
	if id != "gym-1" {
		t.Fatalf("id = %q", id)
	}
	doc = ToggleCompletion(doc, id)
	doc = RemoveItem(doc, id)
	if len(doc.Items) != 0 || len(doc.CompletedIDs) != 0 {
		t.Fatalf("unexpected document: %+v", doc)
	}
}
