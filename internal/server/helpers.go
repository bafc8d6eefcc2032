package server

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"
)

// ErrorResponse is the standard error format for REST API responses.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// LimitError is the structured body for rate-limit and quota
// rejections.
type LimitError struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	RateLimit    int    `json:"rate_limit,omitempty"`
	DailyQuota   int    `json:"daily_quota,omitempty"`
	CurrentCount int    `json:"current_count"`
	ResetTime    int    `json:"reset_time,omitempty"` // seconds
	ResetDate    string `json:"reset_date,omitempty"` // next calendar day
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// WriteError writes a JSON error response.
func WriteError(w http.ResponseWriter, statusCode int, message string) {
	WriteJSON(w, statusCode, ErrorResponse{Error: message})
}

// WriteLimitError writes a 429 with the structured limit body.
func WriteLimitError(w http.ResponseWriter, limit LimitError) {
	WriteJSON(w, http.StatusTooManyRequests, map[string]LimitError{"error": limit})
}

// DecodeJSON reads and decodes JSON from the request body into v.
// Returns false and writes a 400 error if decoding fails.
func DecodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if r.Body == nil {
		WriteError(w, http.StatusBadRequest, "Request body is required")
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1MB limit
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
		return false
	}
	return true
}

// requestUser resolves the caller identity from the X-User-ID header or
// the user_id query parameter. Empty means anonymous.
func requestUser(r *http.Request) string {
	if user := strings.TrimSpace(r.Header.Get("X-User-ID")); user != "" {
		return user
	}
	return strings.TrimSpace(r.URL.Query().Get("user_id"))
}

// clientIP is the fallback rate-limit identity for anonymous callers.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
