package middleware

import (
	"context"
	"net/http"
	"strings"
	"unicode"
)

// UserHeader carries the caller identity set by the upstream gateway.
const UserHeader = "X-User-ID"

// AnonymousUser is used when the header is absent.
const AnonymousUser = "anonymous"

const maxUserIDLength = 128

type userKey struct{}

// Identity stores the trusted caller id in the request context. Values that
// are too long or contain control characters are rejected with 400.
func Identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(UserHeader))
		if id == "" {
			id = AnonymousUser
		}
		if !validUserID(id) {
			http.Error(w, `{"error":"invalid user id","code":"VAL007"}`, http.StatusBadRequest)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), id)))
	})
}

func validUserID(id string) bool {
	if len(id) > maxUserIDLength {
		return false
	}
	return strings.IndexFunc(id, unicode.IsControl) < 0
}

// WithUserID returns ctx carrying id.
func WithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, userKey{}, id)
}

// UserID returns the caller id stored by Identity, or "".
func UserID(ctx context.Context) string {
	id, _ := ctx.Value(userKey{}).(string)
	return id
}
