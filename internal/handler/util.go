// Package handler provides the HTTP handlers behind the chat widget and its admin pages.
package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
)

var errBadInstance = errors.New("modId must be a positive integer")

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

// instanceParam reads the activity instance id from the modId query parameter.
func instanceParam(r *http.Request) (int64, error) {
	return parseInstanceID(r.URL.Query().Get("modId"))
}

func parseInstanceID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, errBadInstance
	}
	return id, nil
}

// nullable maps "" to a JSON null.
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
