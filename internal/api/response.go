package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/kittynXR/maowbot-sub000/internal/errs"
)

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorResponse is the standard error envelope.
type errorResponse struct {
	Error string `json:"error"`
	Class string `json:"class,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeClassified maps an error class to an HTTP status.
func writeClassified(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	class := errs.ClassOf(err)
	switch {
	case errors.Is(err, errs.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, errs.ErrConfig), errors.Is(err, errs.ErrUnknownHandler):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, errs.ErrStorage):
		status = http.StatusServiceUnavailable
	}
	resp := errorResponse{Error: err.Error()}
	if class != nil {
		resp.Class = class.Error()
	}
	writeJSON(w, status, resp)
}
