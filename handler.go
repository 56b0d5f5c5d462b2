package main

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/linegate/linegate/executor"
)

type sendResponse struct {
	Out string `json:"out"`
}

type errorResponse struct {
	Detail string `json:"detail"`
}

// makeSendHandler builds the handler for GET /send?q=<text>: one query line
// in, one reply line out.
func makeSendHandler(gateway *executor.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		query := r.URL.Query().Get("q")
		if query == "" {
			writeError(w, "q is a required query parameter", http.StatusBadRequest)
			return
		}

		out, err := gateway.Handle(r.Context(), query)
		if err != nil {
			log.Printf("Exchange failed: %s", err)
			writeError(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(sendResponse{Out: out}); err != nil {
			log.Printf("Error writing response: %s", err)
		}
	}
}

func writeError(w http.ResponseWriter, detail string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(errorResponse{Detail: detail}); err != nil {
		log.Printf("Error writing response: %s", err)
	}
}
