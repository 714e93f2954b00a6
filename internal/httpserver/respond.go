package httpserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/dispider/control-plane/internal/apperr"
)

// Envelope is the uniform response shape every handler returns (§7):
// code is the HTTP status, msg is a human-readable detail, data is null on
// error.
type Envelope struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data any    `json:"data"`
}

// Respond writes a successful JSON envelope with the given status and data.
func Respond(w http.ResponseWriter, status int, data any) {
	writeEnvelope(w, status, "ok", data)
}

// RespondError writes an error envelope with a null data field.
func RespondError(w http.ResponseWriter, status int, msg string) {
	writeEnvelope(w, status, msg, nil)
}

// RespondErr inspects err for an *apperr.Error and writes the envelope with
// the matching HTTP status; unrecognized errors are treated as Internal.
func RespondErr(w http.ResponseWriter, err error) {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		writeEnvelope(w, ae.HTTPStatus(), ae.Msg, nil)
		return
	}
	writeEnvelope(w, http.StatusInternalServerError, "internal error", nil)
}

func writeEnvelope(w http.ResponseWriter, status int, msg string, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(Envelope{Code: status, Msg: msg, Data: data}); err != nil {
		slog.Error("encoding response", "error", err)
	}
}
