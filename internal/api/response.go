package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/tinywideclouds/go-server-broker/pkg/broker"
)

type errorBody struct {
	Error string `json:"error"`
}

// writeJSON marshals payload and writes it with the given status. A nil
// payload writes the status line only.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	if payload == nil {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError maps err onto the broker error taxonomy and writes the
// {"error": code} body. Anything outside the taxonomy surfaces as
// internal_error.
func writeError(w http.ResponseWriter, err error) {
	apiErr := broker.ErrInternal
	var brokerErr *broker.Error
	if errors.As(err, &brokerErr) {
		apiErr = brokerErr
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.StatusCode())
	_ = json.NewEncoder(w).Encode(errorBody{Error: apiErr.Code()})
}
