package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/goodstack/givepool/pool/pkg/amount"
	"github.com/goodstack/givepool/pool/pkg/engine"
	"github.com/goodstack/givepool/pool/pkg/router"
	"github.com/goodstack/givepool/pool/pkg/vault"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), errorResponse{Error: err.Error()})
}

// statusFor maps domain errors onto HTTP statuses. Precondition and
// invariant violations are client errors; anything unexpected is a 500.
func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrUnknownCommunity),
		errors.Is(err, engine.ErrNoPosition),
		errors.Is(err, engine.ErrUnknownRequest),
		errors.Is(err, router.ErrUnknownRequest),
		errors.Is(err, vault.ErrUnknownRequest):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrUnauthorized),
		errors.Is(err, engine.ErrNotRequestOwner):
		return http.StatusForbidden
	case errors.Is(err, engine.ErrAlreadyClaimed),
		errors.Is(err, engine.ErrCommunityExists),
		errors.Is(err, engine.ErrNotFinalized),
		errors.Is(err, router.ErrAlreadyClaimed),
		errors.Is(err, router.ErrAlreadyMigrating),
		errors.Is(err, router.ErrNotMigrating),
		errors.Is(err, router.ErrMigrationNotFinalized),
		errors.Is(err, router.ErrNotFinalized),
		errors.Is(err, vault.ErrAlreadyClaimed),
		errors.Is(err, vault.ErrNotFinalized):
		return http.StatusConflict
	case errors.Is(err, engine.ErrZeroAmount),
		errors.Is(err, engine.ErrInvalidDonationRate),
		errors.Is(err, engine.ErrInvalidRecipient),
		errors.Is(err, engine.ErrInsufficientPrincipal),
		errors.Is(err, engine.ErrNoDonationsAccrued),
		errors.Is(err, router.ErrNoBackend),
		errors.Is(err, vault.ErrInsufficientFunds),
		errors.Is(err, vault.ErrInsufficientValue),
		errors.Is(err, amount.ErrOverflow):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
