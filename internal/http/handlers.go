package http

import (
	"context"
	"errors"
	"net/http"

	"payflow/internal/core"
	"payflow/internal/identity"
	"payflow/internal/log"
	"payflow/internal/statestore"
)

type stateResponse struct {
	State    string        `json:"state"`
	Document core.Document `json:"document"`
	Summary  core.Summary  `json:"summary"`
}

type itemView struct {
	core.RecurringItem
	Completed bool `json:"completed"`
}

type itemsResponse struct {
	Items []itemView `json:"items"`
}

// current returns the document or writes 503 while the first load is still
// in flight.
func (s *Server) current(w http.ResponseWriter) (core.Document, bool) {
	doc, ok := s.deps.Store.Current()
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "state not loaded yet")
		return core.Document{}, false
	}
	return doc, true
}

// apply runs mutation through the store. The request context is detached
// from cancellation so a client hanging up never aborts a save halfway.
func (s *Server) apply(w http.ResponseWriter, r *http.Request, op string, mutation statestore.Mutation) (core.Document, statestore.Receipt, bool) {
	ctx := context.WithoutCancel(r.Context())
	doc, receipt, err := s.deps.Store.Apply(ctx, mutation)
	if errors.Is(err, statestore.ErrNotReady) {
		writeError(w, http.StatusServiceUnavailable, "state not loaded yet")
		return core.Document{}, statestore.Receipt{}, false
	}
	if err != nil {
		log.FromContext(r.Context()).ErrorContext(ctx, "Mutation failed",
			log.FieldOperation, op,
			log.FieldError, err)
		writeError(w, http.StatusInternalServerError, "failed to apply change")
		return core.Document{}, statestore.Receipt{}, false
	}
	if !receipt.Persisted {
		log.FromContext(r.Context()).WarnContext(ctx, "Change applied but not persisted", log.FieldOperation, op)
	}
	return doc, receipt, true
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	doc, ok := s.current(w)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, stateResponse{
		State:    s.deps.Store.State().String(),
		Document: doc,
		Summary:  core.Summarize(doc),
	})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	doc, ok := s.current(w)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, core.Summarize(doc))
}

// handleListItems lists every item, or the items of one direction ordered
// by due day.
func (s *Server) handleListItems(w http.ResponseWriter, r *http.Request) {
	dir, filtered, err := parseDirection(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	doc, ok := s.current(w)
	if !ok {
		return
	}

	items := doc.Items
	if filtered {
		items = core.ItemsByDirection(doc, dir)
	}
	resp := itemsResponse{Items: make([]itemView, 0, len(items))}
	for _, it := range items {
		resp.Items = append(resp.Items, itemView{RecurringItem: it, Completed: doc.IsCompleted(it.ID)})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAddItem(w http.ResponseWriter, r *http.Request) {
	var req itemRequest
	if !bindJSON(w, r, &req) {
		return
	}
	fields := req.fields()
	if err := fields.Validate(); err != nil {
		ValidationErrorResponse(domainFieldErrors(err)).Write(w)
		return
	}

	var id string
	doc, receipt, ok := s.apply(w, r, "add_item", func(cur core.Document) core.Document {
		next, newID := core.AddItem(cur, fields, s.deps.IDs)
		id = newID
		return next
	})
	if !ok {
		return
	}
	log.FromContext(r.Context()).InfoContext(r.Context(), "Item added",
		log.FieldItemID, id,
		log.FieldItemCount, len(doc.Items))

	resp := newMutationResponse(doc, receipt)
	resp.ItemID = id
	NewResponse().
		Status(http.StatusCreated).
		Header("Location", "/api/items/"+id).
		Body(resp).
		Write(w)
}

func (s *Server) handleUpdateItem(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req itemRequest
	if !bindJSON(w, r, &req) {
		return
	}
	fields := req.fields()
	if err := fields.Validate(); err != nil {
		ValidationErrorResponse(domainFieldErrors(err)).Write(w)
		return
	}
	if !s.requireItem(w, id) {
		return
	}

	doc, receipt, ok := s.apply(w, r, "update_item", func(cur core.Document) core.Document {
		return core.UpdateItem(cur, id, fields)
	})
	if !ok {
		return
	}
	resp := newMutationResponse(doc, receipt)
	resp.ItemID = id
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRemoveItem(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.requireItem(w, id) {
		return
	}
	doc, receipt, ok := s.apply(w, r, "remove_item", func(cur core.Document) core.Document {
		return core.RemoveItem(cur, id)
	})
	if !ok {
		return
	}
	log.FromContext(r.Context()).InfoContext(r.Context(), "Item removed", log.FieldItemID, id)
	writeJSON(w, http.StatusOK, newMutationResponse(doc, receipt))
}

func (s *Server) handleToggleItem(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.requireItem(w, id) {
		return
	}
	doc, receipt, ok := s.apply(w, r, "toggle_item", func(cur core.Document) core.Document {
		return core.ToggleCompletion(cur, id)
	})
	if !ok {
		return
	}
	resp := newMutationResponse(doc, receipt)
	resp.ItemID = id
	writeJSON(w, http.StatusOK, resp)
}

// requireItem writes 404 when id is not in the current document. A peer may
// still remove the item before the mutation runs, in which case the
// mutation is a no-op.
func (s *Server) requireItem(w http.ResponseWriter, id string) bool {
	doc, ok := s.current(w)
	if !ok {
		return false
	}
	if _, exists := doc.Item(id); !exists {
		writeError(w, http.StatusNotFound, "item not found")
		return false
	}
	return true
}

func (s *Server) handleSetPreference(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if err := validate.Var(key, "prefkey"); err != nil {
		ValidationErrorResponse(map[string]string{"key": "key must be lowercase letters, digits, '-' or '_'"}).Write(w)
		return
	}
	var req preferenceRequest
	if !bindJSON(w, r, &req) {
		return
	}
	value := sanitizeInput(req.Value)
	if key == core.PrefTheme {
		if err := validate.Var(value, "oneof="+core.ThemeLight+" "+core.ThemeDark); err != nil {
			ValidationErrorResponse(map[string]string{"value": "theme must be light or dark"}).Write(w)
			return
		}
	}

	doc, receipt, ok := s.apply(w, r, "set_preference", func(cur core.Document) core.Document {
		return core.SetPreference(cur, key, value)
	})
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, newMutationResponse(doc, receipt))
}

func (s *Server) handleSignIn(w http.ResponseWriter, r *http.Request) {
	if s.deps.Identity == nil {
		writeError(w, http.StatusServiceUnavailable, "sign-in not available")
		return
	}
	var req identityRequest
	if !bindJSON(w, r, &req) {
		return
	}

	var (
		who *core.Identity
		err error
	)
	if req.Demo {
		who, err = s.deps.Identity.Demo()
	} else {
		who, err = s.deps.Identity.Verify(r.Context(), req.Credential)
	}
	switch {
	case errors.Is(err, identity.ErrNotConfigured), errors.Is(err, identity.ErrDemoDisabled):
		writeError(w, http.StatusForbidden, err.Error())
		return
	case errors.Is(err, identity.ErrInvalidCredential):
		writeError(w, http.StatusUnauthorized, "invalid credential")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "sign-in failed")
		return
	}

	doc, receipt, ok := s.apply(w, r, "sign_in", func(cur core.Document) core.Document {
		return core.SetIdentity(cur, who)
	})
	if !ok {
		return
	}
	log.FromContext(r.Context()).InfoContext(r.Context(), "Signed in", "user_id", who.ID, "demo", req.Demo)
	writeJSON(w, http.StatusOK, newMutationResponse(doc, receipt))
}

func (s *Server) handleSignOut(w http.ResponseWriter, r *http.Request) {
	doc, receipt, ok := s.apply(w, r, "sign_out", func(cur core.Document) core.Document {
		return core.SetIdentity(cur, nil)
	})
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, newMutationResponse(doc, receipt))
}

func (s *Server) handleResetAll(w http.ResponseWriter, r *http.Request) {
	doc, receipt, ok := s.apply(w, r, "reset_all", core.ResetAll)
	if !ok {
		return
	}
	log.FromContext(r.Context()).WarnContext(r.Context(), "All local data reset")
	writeJSON(w, http.StatusOK, newMutationResponse(doc, receipt))
}

type foregroundResponse struct {
	Reset bool   `json:"reset"`
	Cycle string `json:"cycle"`
}

// handleForeground re-reads persisted state and runs the monthly reset
// check, as a client does when it returns to the foreground.
func (s *Server) handleForeground(w http.ResponseWriter, r *http.Request) {
	reset := s.deps.Store.OnForeground(context.WithoutCancel(r.Context()))
	resp := foregroundResponse{Reset: reset}
	if doc, ok := s.deps.Store.Current(); ok {
		resp.Cycle = doc.LastResetCycle
	}
	writeJSON(w, http.StatusOK, resp)
}

type adviceResponse struct {
	Tips []string `json:"tips"`
}

func (s *Server) handleAdvice(w http.ResponseWriter, r *http.Request) {
	doc, ok := s.current(w)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, adviceResponse{Tips: s.deps.Advice.Tips(r.Context(), doc)})
}

type historyResponse struct {
	Cycles []core.CycleRecord `json:"cycles"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	resp := historyResponse{Cycles: []core.CycleRecord{}}
	if s.deps.History == nil {
		writeJSON(w, http.StatusOK, resp)
		return
	}
	limit := parseLimit(r.URL.Query(), defaultHistoryLimit, maxHistoryLimit)
	cycles, err := s.deps.History.List(r.Context(), limit)
	if err != nil {
		log.FromContext(r.Context()).ErrorContext(r.Context(), "History list failed", log.FieldError, err)
		writeError(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	if cycles != nil {
		resp.Cycles = cycles
	}
	writeJSON(w, http.StatusOK, resp)
}
