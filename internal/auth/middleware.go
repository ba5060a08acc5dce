package auth

import (
	"context"
	"net/http"

	"github.com/gorilla/sessions"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("logger", "auth")

// SessionName is the cookie session holding the signed-in user.
const SessionName = "garment_session"

// SessionUserKey is the session value holding the user's catalog ID.
const SessionUserKey = "user_id"

type contextKey struct{}

// WithUserID returns a copy of ctx carrying the authenticated user ID.
func WithUserID(ctx context.Context, id uint) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// UserID returns the authenticated user ID stored by WithUserID.
func UserID(ctx context.Context) (uint, bool) {
	id, ok := ctx.Value(contextKey{}).(uint)
	return id, ok && id != 0
}

// UserMiddleware rejects requests without a signed-in session and puts the
// session's user ID on the request context.
func UserMiddleware(store sessions.Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			session, err := store.Get(r, SessionName)
			if err != nil {
				// A cookie signed with a rotated secret decodes as an error
				// and a fresh session.
				log.WithError(err).Debug("session decode failed")
			}

			id, ok := sessionUserID(session)
			if !ok {
				http.Error(w, "Not Authorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), id)))
		})
	}
}

func sessionUserID(session *sessions.Session) (uint, bool) {
	if session == nil {
		return 0, false
	}
	switch v := session.Values[SessionUserKey].(type) {
	case uint:
		return v, v != 0
	case int:
		return uint(v), v > 0
	case int64:
		return uint(v), v > 0
	}
	return 0, false
}
