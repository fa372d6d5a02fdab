/**
 * @description
 * This file contains the HTTP handler functions for the donor-service.
 * Handlers parse the request (form-encoded or JSON), verify the per-action
 * anti-forgery nonce, call the service layer, and answer either with a JSON
 * result envelope (asynchronous callers) or a 303 redirect carrying a
 * donor-message code (browser-style callers).
 */

package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/donorops/donor-service/internal/app"
	"github.com/donorops/donor-service/internal/domain"
)

// Message codes preserved verbatim for interoperability with the legacy
// admin UI.
const (
	msgDonorDeleted        = "customer-deleted"
	msgEmailAdded          = "email-added"
	msgEmailRemoved        = "email-removed"
	msgEmailRemoveFailed   = "email-remove-failed"
	msgPrimaryEmailUpdated = "primary-email-updated"
	msgPrimaryEmailFailed  = "primary-email-failed"
)

const donorAdminPath = "/admin/donors"

// Handler holds the application service and nonce manager the handlers use.
type Handler struct {
	service *app.Service
	nonces  *NonceManager
}

// NewHandler creates a new Handler.
func NewHandler(service *app.Service, nonces *NonceManager) *Handler {
	return &Handler{service: service, nonces: nonces}
}

// apiResponse is the machine-readable result envelope.
type apiResponse struct {
	Success  bool                `json:"success"`
	Partial  bool                `json:"partial,omitempty"`
	Message  string              `json:"message,omitempty"`
	Redirect string              `json:"redirect,omitempty"`
	Data     any                 `json:"data,omitempty"`
	Errors   []domain.FieldError `json:"errors,omitempty"`
}

// handleIssueNonce mints an anti-forgery token for one of the known
// mutating actions.
func (h *Handler) handleIssueNonce(w http.ResponseWriter, r *http.Request) {
	action := r.URL.Query().Get("action")
	switch action {
	case NonceEditDonor, NonceDeleteDonor, NonceAddNote,
		NonceAddEmail, NonceRemoveEmail, NonceSetPrimaryEmail:
	default:
		respondWithJSON(w, http.StatusBadRequest, apiResponse{Success: false, Message: "unknown action"})
		return
	}
	token, err := h.nonces.Issue(action, ActorFromContext(r.Context()))
	if err != nil {
		respondWithJSON(w, http.StatusInternalServerError, apiResponse{Success: false, Message: "could not issue token"})
		return
	}
	respondWithJSON(w, http.StatusOK, apiResponse{Success: true, Data: map[string]string{"nonce": token}})
}

// handleGetDonor returns the donor aggregate.
func (h *Handler) handleGetDonor(w http.ResponseWriter, r *http.Request) {
	donorID, err := donorIDParam(r)
	if err != nil {
		respondWithJSON(w, http.StatusBadRequest, apiResponse{Success: false, Message: "invalid donor id"})
		return
	}
	donor, err := h.service.GetDonor(r.Context(), donorID)
	if err != nil {
		h.respondError(w, r, donorID, err, "")
		return
	}
	respondWithJSON(w, http.StatusOK, apiResponse{Success: true, Data: donor})
}

type editDonorRequest struct {
	Name    *string `json:"name"`
	UserID  *int64  `json:"user_id"`
	Line1   *string `json:"line1"`
	Line2   *string `json:"line2"`
	City    *string `json:"city"`
	State   *string `json:"state"`
	Zip     *string `json:"zip"`
	Country *string `json:"country"`
}

// handleEditDonor processes a donor profile edit with its address patch.
func (h *Handler) handleEditDonor(w http.ResponseWriter, r *http.Request) {
	donorID, err := donorIDParam(r)
	if err != nil {
		respondWithJSON(w, http.StatusBadRequest, apiResponse{Success: false, Message: "invalid donor id"})
		return
	}
	if !h.verifyNonce(w, r, NonceEditDonor) {
		return
	}

	var req editDonorRequest
	if isJSONRequest(r) {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondWithJSON(w, http.StatusBadRequest, apiResponse{Success: false, Message: "invalid request body"})
			return
		}
	} else {
		req = editDonorRequestFromForm(r)
	}

	// Name and user id default to "empty" and "unlinked" when absent.
	input := app.EditDonorInput{
		Address: app.AddressPatch{
			Line1:   req.Line1,
			Line2:   req.Line2,
			City:    req.City,
			State:   req.State,
			Zip:     req.Zip,
			Country: req.Country,
		},
	}
	if req.Name != nil {
		input.Name = *req.Name
	}
	if req.UserID != nil {
		input.UserID = *req.UserID
	}

	result, err := h.service.EditDonor(r.Context(), donorID, input)
	if err != nil {
		h.respondError(w, r, donorID, err, "")
		return
	}

	resp := apiResponse{
		Success:  true,
		Partial:  result.Partial(),
		Redirect: donorOverviewURL(donorID, ""),
		Data:     result,
	}
	if result.Partial() {
		resp.Message = "donor updated, but a dependent update failed"
	}
	if wantsJSON(r) {
		respondWithJSON(w, http.StatusOK, resp)
		return
	}
	http.Redirect(w, r, resp.Redirect, http.StatusSeeOther)
}

func editDonorRequestFromForm(r *http.Request) editDonorRequest {
	_ = r.ParseForm()
	var req editDonorRequest
	req.Name = formField(r, "name")
	if raw := formField(r, "user_id"); raw != nil {
		id, _ := strconv.ParseInt(strings.TrimSpace(*raw), 10, 64)
		req.UserID = &id
	}
	req.Line1 = formField(r, "line1")
	req.Line2 = formField(r, "line2")
	req.City = formField(r, "city")
	req.State = formField(r, "state")
	req.Zip = formField(r, "zip")
	req.Country = formField(r, "country")
	return req
}

// formField distinguishes "supplied as empty" from "not supplied", which the
// address merge depends on.
func formField(r *http.Request, key string) *string {
	if !r.PostForm.Has(key) {
		return nil
	}
	v := r.PostForm.Get(key)
	return &v
}

// handleAddNote appends a note to the donor's log.
func (h *Handler) handleAddNote(w http.ResponseWriter, r *http.Request) {
	donorID, err := donorIDParam(r)
	if err != nil {
		respondWithJSON(w, http.StatusBadRequest, apiResponse{Success: false, Message: "invalid donor id"})
		return
	}
	if !h.verifyNonce(w, r, NonceAddNote) {
		return
	}

	text := h.singleField(r, "note")
	note, err := h.service.AddNote(r.Context(), donorID, text)
	if err != nil {
		h.respondError(w, r, donorID, err, "")
		return
	}
	if wantsJSON(r) {
		respondWithJSON(w, http.StatusCreated, apiResponse{Success: true, Data: note})
		return
	}
	http.Redirect(w, r, donorOverviewURL(donorID, ""), http.StatusSeeOther)
}

// handleListNotes returns the donor's note log.
func (h *Handler) handleListNotes(w http.ResponseWriter, r *http.Request) {
	donorID, err := donorIDParam(r)
	if err != nil {
		respondWithJSON(w, http.StatusBadRequest, apiResponse{Success: false, Message: "invalid donor id"})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	notes, err := h.service.ListNotes(r.Context(), donorID, limit)
	if err != nil {
		h.respondError(w, r, donorID, err, "")
		return
	}
	respondWithJSON(w, http.StatusOK, apiResponse{Success: true, Data: notes})
}

// handleDeleteDonor deletes a donor after explicit confirmation, either
// purging or detaching its payments.
func (h *Handler) handleDeleteDonor(w http.ResponseWriter, r *http.Request) {
	donorID, err := donorIDParam(r)
	if err != nil {
		respondWithJSON(w, http.StatusBadRequest, apiResponse{Success: false, Message: "invalid donor id"})
		return
	}
	if !h.verifyNonce(w, r, NonceDeleteDonor) {
		return
	}

	confirmed := h.boolField(r, "confirm_delete")
	purge := h.boolField(r, "purge_records")

	if err := h.service.DeleteDonor(r.Context(), donorID, confirmed, purge); err != nil {
		h.respondError(w, r, donorID, err, "")
		return
	}
	redirect := donorListURL(msgDonorDeleted)
	if wantsJSON(r) {
		respondWithJSON(w, http.StatusOK, apiResponse{Success: true, Message: msgDonorDeleted, Redirect: redirect})
		return
	}
	http.Redirect(w, r, redirect, http.StatusSeeOther)
}

// handleDisconnectUser clears the donor's linked user account.
func (h *Handler) handleDisconnectUser(w http.ResponseWriter, r *http.Request) {
	donorID, err := donorIDParam(r)
	if err != nil {
		respondWithJSON(w, http.StatusBadRequest, apiResponse{Success: false, Message: "invalid donor id"})
		return
	}
	if !h.verifyNonce(w, r, NonceEditDonor) {
		return
	}

	if err := h.service.DisconnectUser(r.Context(), donorID); err != nil {
		h.respondError(w, r, donorID, err, "")
		return
	}
	if wantsJSON(r) {
		respondWithJSON(w, http.StatusOK, apiResponse{Success: true, Redirect: donorOverviewURL(donorID, "")})
		return
	}
	http.Redirect(w, r, donorOverviewURL(donorID, ""), http.StatusSeeOther)
}

// handleAddEmail adds an address to the donor's email set.
func (h *Handler) handleAddEmail(w http.ResponseWriter, r *http.Request) {
	donorID, err := donorIDParam(r)
	if err != nil {
		respondWithJSON(w, http.StatusBadRequest, apiResponse{Success: false, Message: "invalid donor id"})
		return
	}
	if !h.verifyNonce(w, r, NonceAddEmail) {
		return
	}

	email := h.singleField(r, "email")
	primary := h.boolField(r, "primary")
	actor := ActorFromContext(r.Context())

	if err := h.service.AddEmail(r.Context(), donorID, email, primary, actor); err != nil {
		h.respondError(w, r, donorID, err, "")
		return
	}
	redirect := donorOverviewURL(donorID, msgEmailAdded)
	if wantsJSON(r) {
		respondWithJSON(w, http.StatusOK, apiResponse{
			Success:  true,
			Message:  "email successfully added to donor",
			Redirect: redirect,
		})
		return
	}
	http.Redirect(w, r, redirect, http.StatusSeeOther)
}

// handleRemoveEmail removes an address from the donor's email set.
func (h *Handler) handleRemoveEmail(w http.ResponseWriter, r *http.Request) {
	donorID, err := donorIDParam(r)
	if err != nil {
		respondWithJSON(w, http.StatusBadRequest, apiResponse{Success: false, Message: "invalid donor id"})
		return
	}
	if !h.verifyNonce(w, r, NonceRemoveEmail) {
		return
	}

	email := h.singleField(r, "email")
	actor := ActorFromContext(r.Context())

	if err := h.service.RemoveEmail(r.Context(), donorID, email, actor); err != nil {
		h.respondError(w, r, donorID, err, msgEmailRemoveFailed)
		return
	}
	redirect := donorOverviewURL(donorID, msgEmailRemoved)
	if wantsJSON(r) {
		respondWithJSON(w, http.StatusOK, apiResponse{Success: true, Message: msgEmailRemoved, Redirect: redirect})
		return
	}
	http.Redirect(w, r, redirect, http.StatusSeeOther)
}

// handleSetPrimaryEmail promotes an existing address to primary.
func (h *Handler) handleSetPrimaryEmail(w http.ResponseWriter, r *http.Request) {
	donorID, err := donorIDParam(r)
	if err != nil {
		respondWithJSON(w, http.StatusBadRequest, apiResponse{Success: false, Message: "invalid donor id"})
		return
	}
	if !h.verifyNonce(w, r, NonceSetPrimaryEmail) {
		return
	}

	email := h.singleField(r, "email")
	actor := ActorFromContext(r.Context())

	if err := h.service.SetPrimaryEmail(r.Context(), donorID, email, actor); err != nil {
		h.respondError(w, r, donorID, err, msgPrimaryEmailFailed)
		return
	}
	redirect := donorOverviewURL(donorID, msgPrimaryEmailUpdated)
	if wantsJSON(r) {
		respondWithJSON(w, http.StatusOK, apiResponse{Success: true, Message: msgPrimaryEmailUpdated, Redirect: redirect})
		return
	}
	http.Redirect(w, r, redirect, http.StatusSeeOther)
}

// verifyNonce checks the request's anti-forgery token against the purpose of
// the route. It fails closed: on mismatch the request is aborted before any
// state changes.
func (h *Handler) verifyNonce(w http.ResponseWriter, r *http.Request, purpose string) bool {
	token := r.Header.Get("X-Donor-Nonce")
	if token == "" {
		token = h.singleField(r, "_nonce")
	}
	if err := h.nonces.Verify(token, purpose); err != nil {
		respondWithJSON(w, http.StatusForbidden, apiResponse{Success: false, Message: "nonce verification failed"})
		return false
	}
	return true
}

// respondError maps service errors onto the response envelope or an
// error-state redirect. failCode overrides the donor-message code for
// operations with a dedicated failure code.
func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, donorID int64, err error, failCode string) {
	var verr *domain.ValidationError

	status := http.StatusInternalServerError
	message := "an error has occurred, please try again"
	var fieldErrs []domain.FieldError

	switch {
	case errors.As(err, &verr):
		status = http.StatusBadRequest
		message = verr.Error()
		fieldErrs = verr.Errors
	case errors.Is(err, domain.ErrDonorNotFound):
		status = http.StatusNotFound
		message = "invalid donor id"
	case errors.Is(err, domain.ErrInvalidEmail):
		status = http.StatusBadRequest
		message = "invalid email"
	case errors.Is(err, domain.ErrEmailExists):
		status = http.StatusConflict
		message = "email already associated with this donor"
	case errors.Is(err, domain.ErrEmailTaken):
		status = http.StatusConflict
		message = "email address is already associated with another donor"
	case errors.Is(err, domain.ErrEmailNotFound):
		status = http.StatusNotFound
		message = "email address not found on this donor"
	case errors.Is(err, app.ErrWriteFailed):
		message = "error updating donor"
	case errors.Is(err, app.ErrDeleteFailed):
		message = "error deleting donor"
	case errors.Is(err, app.ErrDisconnectFailed):
		message = "failed to disconnect user from donor"
	}

	if wantsJSON(r) {
		respondWithJSON(w, status, apiResponse{Success: false, Message: message, Errors: fieldErrs})
		return
	}
	if failCode != "" {
		http.Redirect(w, r, donorOverviewURL(donorID, failCode), http.StatusSeeOther)
		return
	}
	http.Error(w, message, status)
}

// singleField reads a field from the form body or, for JSON callers, from a
// flat JSON object. The body is buffered and restored, so handlers that
// decode structured bodies themselves still can afterwards.
func (h *Handler) singleField(r *http.Request, key string) string {
	if isJSONRequest(r) {
		if r.Form == nil {
			raw, err := io.ReadAll(r.Body)
			if err != nil {
				return ""
			}
			r.Body = io.NopCloser(bytes.NewReader(raw))
			// Cache for subsequent lookups within the same request.
			r.Form = url.Values{}
			var body map[string]any
			if json.Unmarshal(raw, &body) == nil {
				for k, v := range body {
					switch t := v.(type) {
					case string:
						r.Form.Set(k, t)
					case bool:
						r.Form.Set(k, strconv.FormatBool(t))
					case float64:
						r.Form.Set(k, strconv.FormatFloat(t, 'f', -1, 64))
					}
				}
			}
		}
		return r.Form.Get(key)
	}
	_ = r.ParseForm()
	return r.Form.Get(key)
}

// boolField follows the legacy convention: the string "true" (or a checked
// checkbox value) means true, anything else false.
func (h *Handler) boolField(r *http.Request, key string) bool {
	v := strings.ToLower(strings.TrimSpace(h.singleField(r, key)))
	return v == "true" || v == "1" || v == "on"
}

func donorIDParam(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "donorID")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid donor id %q", raw)
	}
	return id, nil
}

func donorOverviewURL(donorID int64, message string) string {
	u := fmt.Sprintf("%s?view=overview&id=%d", donorAdminPath, donorID)
	if message != "" {
		u += "&donor-message=" + url.QueryEscape(message)
	}
	return u
}

func donorListURL(message string) string {
	if message == "" {
		return donorAdminPath
	}
	return donorAdminPath + "?donor-message=" + url.QueryEscape(message)
}

// wantsJSON reports whether the caller expects a machine-readable envelope
// instead of a browser redirect.
func wantsJSON(r *http.Request) bool {
	if strings.EqualFold(r.Header.Get("X-Requested-With"), "XMLHttpRequest") {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "application/json")
}

func isJSONRequest(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Content-Type"), "application/json")
}

// respondWithJSON is a helper function to write JSON responses.
func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
