// Package httputil holds the JSON response and request helpers shared by
// every handler package: status-coded writers, the domain error mapping,
// bearer token and client IP extraction, and the session user context.
package httputil
