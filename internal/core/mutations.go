package core

import "github.com/google/uuid"

// IDGenerator assigns ids to new items.
type IDGenerator interface {
	NewID() string
}

// UUIDGenerator issues random (v4) UUIDs.
type UUIDGenerator struct{}

func (UUIDGenerator) NewID() string {
	return uuid.NewString()
}

// IDFunc adapts a function to IDGenerator.
type IDFunc func() string

func (f IDFunc) NewID() string { return f() }

// The functions below are the document-level operations collaborators use.
// Each one returns a new Document and leaves its argument untouched. Ids that
// reference no item are tolerated and never corrupt the result.

// ToggleCompletion flips the settled marker of id. A stale id is a no-op.
func ToggleCompletion(doc Document, id string) Document {
	if _, ok := doc.Item(id); !ok {
		return doc
	}
	next := doc.Clone()
	if doc.IsCompleted(id) {
		next.CompletedIDs = without(doc.CompletedIDs, id)
	} else {
		next.CompletedIDs = append(next.CompletedIDs, id)
	}
	return next
}

// AddItem appends a new item with a fresh id and returns the id with the new
// document.
func AddItem(doc Document, fields ItemFields, ids IDGenerator) (Document, string) {
	if ids == nil {
		ids = UUIDGenerator{}
	}
	id := ids.NewID()
	next := doc.Clone()
	next.Items = append(next.Items, fields.toItem(id))
	return next, id
}

// UpdateItem replaces every field of the matching item but its id. An
// unknown id is a no-op.
func UpdateItem(doc Document, id string, fields ItemFields) Document {
	idx := -1
	for i, it := range doc.Items {
		if it.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return doc
	}
	next := doc.Clone()
	next.Items[idx] = fields.toItem(id)
	return next
}

// RemoveItem deletes the item and purges its settled marker so completion
// never references a missing item.
func RemoveItem(doc Document, id string) Document {
	_, exists := doc.Item(id)
	if !exists && !doc.IsCompleted(id) {
		return doc
	}
	next := doc.Clone()
	items := make([]RecurringItem, 0, len(doc.Items))
	for _, it := range doc.Items {
		if it.ID != id {
			items = append(items, it)
		}
	}
	next.Items = items
	next.CompletedIDs = without(doc.CompletedIDs, id)
	return next
}

func SetPreference(doc Document, key, value string) Document {
	next := doc.Clone()
	next.Preferences[key] = value
	return next
}

// SetIdentity installs the signed-in user, or clears it when identity is nil.
func SetIdentity(doc Document, identity *Identity) Document {
	next := doc.Clone()
	if identity == nil {
		next.Identity = nil
		return next
	}
	id := *identity
	next.Identity = &id
	return next
}

// ResetAll wipes local data: items, settled markers and the identity. The
// cycle marker and preferences survive so no spurious reset follows.
func ResetAll(doc Document) Document {
	next := doc.Clone()
	next.Items = []RecurringItem{}
	next.CompletedIDs = []string{}
	next.Identity = nil
	return next
}

func without(ids []string, id string) []string {
	out := make([]string, 0, len(ids))
	for _, c := range ids {
		if c != id {
			out = append(out, c)
		}
	}
	return out
}
