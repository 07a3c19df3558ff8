package httputil

import (
	"encoding/json"
	"log"
	"net"
	"net/http"
	"strings"
)

// errBody is the error envelope every endpoint answers with.
type errBody struct {
	Error string `json:"error"`
}

// JSON writes data with the given status. Encode failures after the header
// has gone out can only be logged.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("[httputil] JSON encode error: %v", err)
	}
}

// OK writes data with status 200.
func OK(w http.ResponseWriter, data any) { JSON(w, http.StatusOK, data) }

// Created writes data with status 201.
func Created(w http.ResponseWriter, data any) { JSON(w, http.StatusCreated, data) }

// NoContent writes an empty 204.
func NoContent(w http.ResponseWriter) { w.WriteHeader(http.StatusNoContent) }

// Error writes message in the error envelope with the given status.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, errBody{Error: message})
}

// BadRequest writes a 400 with message.
func BadRequest(w http.ResponseWriter, message string) {
	Error(w, http.StatusBadRequest, message)
}

// NotFound writes a 404 with message.
func NotFound(w http.ResponseWriter, message string) {
	Error(w, http.StatusNotFound, message)
}

// InternalError logs err and writes a generic 500. The concrete error text
// stays server-side.
func InternalError(w http.ResponseWriter, err error) {
	log.Printf("[httputil] internal error: %v", err)
	Error(w, http.StatusInternalServerError, "internal server error")
}

// Decode parses the request body as JSON into dst. On a parse error it
// writes the 400 itself and returns false so handlers can bail with a
// plain return.
func Decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		BadRequest(w, "invalid JSON: "+err.Error())
		return false
	}
	return true
}

// BearerToken extracts the token from an Authorization: Bearer header.
// Returns "" when the header is absent or not a bearer scheme.
func BearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) <= len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(auth[len(prefix):])
}

// ClientIP returns the caller address. The RealIP middleware has already
// folded X-Forwarded-For into RemoteAddr when a proxy fronted the request.
func ClientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
