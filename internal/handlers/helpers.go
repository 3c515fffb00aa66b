package handlers

import (
	"encoding/json"
	"log"
	"net/http"
)

// apiError is the uniform error body every endpoint returns; clients key on
// the detail string, never on prose embedded in a 500 page.
type apiError struct {
	Detail string `json:"detail"`
}

// respond writes v as the JSON response body. Once WriteHeader runs the
// status line is on the wire, so an encode failure can only be logged.
func respond(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[api] response encode: %v", err)
	}
}

func respondError(w http.ResponseWriter, status int, detail string) {
	respond(w, status, apiError{Detail: detail})
}
