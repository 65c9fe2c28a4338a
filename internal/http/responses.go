package http

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/nextlevelbuilder/wabridge/pkg/protocol"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("write response failed", "error", err)
	}
}

// writeError emits the shared error shape so HTTP clients and socket
// clients parse failures the same way.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]*protocol.ErrorShape{
		"error": {Code: code, Message: message},
	})
}
