package middleware

import (
	"context"
	"net"
	"net/http"
)

const ClientIDKey ctxKey = "client_id"

// ClientID identifies the caller from the X-Client-ID header, falling back
// to the remote IP. Sessions record the creating client as their owner and
// rate limits are kept per client.
func ClientID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Client-ID")
		if !validID(id) {
			id = remoteIP(r.RemoteAddr)
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ClientIDKey, id)))
	})
}

// GetClientID extracts the client ID from context.
func GetClientID(ctx context.Context) string {
	if v, ok := ctx.Value(ClientIDKey).(string); ok {
		return v
	}
	return ""
}

func remoteIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
