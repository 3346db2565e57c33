package httpapi

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"codecanvas.io/internal/apierr"
	"codecanvas.io/internal/audit"
	"codecanvas.io/internal/auth"
	"codecanvas.io/internal/entitlement"
	"codecanvas.io/internal/maintenance"
)

type consumeRequest struct {
	Amount int64 `json:"amount" validate:"required,gt=0"`
}

type revokeSeatRequest struct {
	Reason string `json:"reason" validate:"required,max=256"`
}

type seatList struct {
	Seats []entitlement.Seat `json:"seats"`
}

func (a *API) handleUserCredits(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.IdentityFromContext(r.Context())
	out, err := a.entitlements.GetUserCredits(r.Context(), identity)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) handleOrgCredits(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.IdentityFromContext(r.Context())
	out, err := a.entitlements.GetOrgCredits(r.Context(), chi.URLParam(r, "orgID"), identity)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) handleConsumeCredits(w http.ResponseWriter, r *http.Request) {
	var req consumeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, r, err)
		return
	}
	orgID := chi.URLParam(r, "orgID")
	identity, _ := auth.IdentityFromContext(r.Context())
	out, err := a.entitlements.ConsumeOrgCredits(r.Context(), orgID, identity, req.Amount)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventCreditsConsumed, map[string]any{
		"org_id":    orgID,
		"amount":    req.Amount,
		"remaining": out.RemainingCredits,
	})
	writeJSON(w, http.StatusOK, out)
}

func (a *API) handleListSeats(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.IdentityFromContext(r.Context())
	seats, err := a.entitlements.ListSeats(r.Context(), chi.URLParam(r, "orgID"), actor)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if seats == nil {
		seats = []entitlement.Seat{}
	}
	writeJSON(w, http.StatusOK, seatList{Seats: seats})
}

func (a *API) handleRevokeSeat(w http.ResponseWriter, r *http.Request) {
	var req revokeSeatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, r, err)
		return
	}
	orgID := chi.URLParam(r, "orgID")
	target, err := url.PathUnescape(chi.URLParam(r, "identity"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, apierr.CodeInvalidRequest, "malformed identity")
		return
	}
	actor, _ := auth.IdentityFromContext(r.Context())
	seat, err := a.entitlements.RevokeSeat(r.Context(), orgID, actor, target, req.Reason)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventSeatRevoked, map[string]any{
		"org_id": orgID,
		"seat":   seat.ID,
		"target": target,
		"reason": seat.RevocationReason,
	})
	writeJSON(w, http.StatusOK, seat)
}

// handleSweep runs the same maintenance pass as the scheduler: seat sweep
// plus exchange purge, refused while another pass is running.
func (a *API) handleSweep(w http.ResponseWriter, r *http.Request) {
	if a.maintenance == nil {
		writeError(w, r, http.StatusServiceUnavailable, apierr.CodeUnavailable, "maintenance is not configured")
		return
	}
	rep, err := a.maintenance.RunOnce(r.Context(), "http")
	if errors.Is(err, maintenance.ErrBusy) {
		writeError(w, r, http.StatusConflict, apierr.CodeConflict, "maintenance run already in progress")
		return
	}
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}
