package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/zkvault/vault-engine/internal/codec"
	"github.com/zkvault/vault-engine/internal/engine"
	"github.com/zkvault/vault-engine/internal/epoch"
	"github.com/zkvault/vault-engine/internal/epochlog"
	"github.com/zkvault/vault-engine/internal/instrument"
	"github.com/zkvault/vault-engine/internal/ledger"
)

// errorResponse is the JSON body of every failed request. Code is the
// component error code when there is one, 0 otherwise.
type errorResponse struct {
	Error string      `json:"error"`
	Code  ledger.Code `json:"code"`
}

// statusFor maps an engine error to an HTTP status.
func statusFor(err error) int {
	if code, ok := ledger.CodeOf(err); ok {
		switch code.Kind() {
		case ledger.KindAuthorization:
			return http.StatusForbidden
		case ledger.KindLiveness:
			return http.StatusLocked
		default:
			return http.StatusBadRequest
		}
	}

	switch {
	case errors.Is(err, epoch.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, epoch.ErrEpochNotFound),
		errors.Is(err, epochlog.ErrTradeNotFound):
		return http.StatusNotFound
	case errors.Is(err, epoch.ErrEpochClosed),
		errors.Is(err, epoch.ErrEpochNotClosed),
		errors.Is(err, epoch.ErrNotCurrent),
		errors.Is(err, epoch.ErrProofInFlight),
		errors.Is(err, engine.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, epoch.ErrOracleUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, epoch.ErrBindingMismatch),
		errors.Is(err, engine.ErrUnknownDestination),
		errors.Is(err, ledger.ErrInvalidAddress),
		errors.Is(err, ledger.ErrInvalidSide),
		errors.Is(err, instrument.ErrInvalidInstrument),
		errors.Is(err, codec.ErrShortBuffer),
		errors.Is(err, codec.ErrTrailingBytes),
		errors.Is(err, codec.ErrUnknownOpcode),
		errors.Is(err, epochlog.ErrUnknownOp):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	code, _ := ledger.CodeOf(err)
	writeErrorBody(w, statusFor(err), errorResponse{Error: err.Error(), Code: code})
}

func writeErrorMsg(w http.ResponseWriter, message string, status int) {
	writeErrorBody(w, status, errorResponse{Error: message})
}

func writeErrorBody(w http.ResponseWriter, status int, body errorResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
