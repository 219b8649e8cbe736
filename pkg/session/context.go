package session

import (
	"context"
	"net/http"
)

// ctxKey namespaces values this package stores on a connection's context,
// avoiding collisions with values set by other packages.
type ctxKey int

const authorKey ctxKey = iota

// ContextProvider derives the per-connection ctx spec.md §4.6 describes
// ("a context provider that derives a ctx object from connection
// headers") from the HTTP request headers present at websocket upgrade
// time. The returned context is attached once, when the connection is
// registered, and is passed to every guard Check call made on that
// connection's behalf.
type ContextProvider func(parent context.Context, header http.Header) context.Context

// DefaultContextProvider extracts the author identity the same way the
// teacher's HTTP handlers do (oauth2-proxy headers), so route guards can
// make decisions based on who is connected without this package knowing
// anything about the authentication front door.
func DefaultContextProvider(parent context.Context, header http.Header) context.Context {
	return context.WithValue(parent, authorKey, extractAuthor(header))
}

// extractAuthor mirrors the teacher's pkg/api/auth.go priority order:
// X-Forwarded-User > X-Forwarded-Email > "api-client".
func extractAuthor(header http.Header) string {
	if user := header.Get("X-Forwarded-User"); user != "" {
		return user
	}
	if email := header.Get("X-Forwarded-Email"); email != "" {
		return email
	}
	return "api-client"
}

// Author returns the identity DefaultContextProvider attached to ctx, or
// "" if ctx was built some other way.
func Author(ctx context.Context) string {
	author, _ := ctx.Value(authorKey).(string)
	return author
}
