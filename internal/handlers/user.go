package handlers

import (
	"errors"
	"net/http"

	"github.com/gorilla/sessions"
	"github.com/markbates/goth/gothic"
	"gorm.io/gorm"

	"github.com/petermazzocco/garment-catalog/internal/auth"
	"github.com/petermazzocco/garment-catalog/models"
)

// UserLoginHandler completes the OAuth flow, creates the user on first
// login and stores the user ID in the session.
func UserLoginHandler(w http.ResponseWriter, r *http.Request, db *gorm.DB, store sessions.Store) {
	user, err := gothic.CompleteUserAuth(w, r)
	if err != nil {
		log.WithError(err).Warn("oauth callback failed")
		http.Error(w, "Authentication failed", http.StatusUnauthorized)
		return
	}

	var dbUser models.User
	if err := db.WithContext(r.Context()).Where("email = ?", user.Email).First(&dbUser).Error; err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			log.WithError(err).Error("user lookup failed")
			http.Error(w, "Database error", http.StatusInternalServerError)
			return
		}
		dbUser = models.User{
			Name:  user.Name,
			Email: user.Email,
		}
		if err := db.WithContext(r.Context()).Create(&dbUser).Error; err != nil {
			log.WithError(err).Error("failed to create user")
			http.Error(w, "Failed to create user", http.StatusInternalServerError)
			return
		}
		log.WithField("user_id", dbUser.ID).Info("user created")
	}

	session, ok := userSession(w, r, store)
	if !ok {
		return
	}
	session.Values[auth.SessionUserKey] = dbUser.ID
	if err := session.Save(r, w); err != nil {
		log.WithError(err).Error("failed to save session")
		http.Error(w, "Failed to save session", http.StatusInternalServerError)
		return
	}

	http.Redirect(w, r, "/api/garments", http.StatusTemporaryRedirect)
}

// LogoutHandler clears both the provider session and the user session.
func LogoutHandler(w http.ResponseWriter, r *http.Request, store sessions.Store) {
	if err := gothic.Logout(w, r); err != nil {
		log.WithError(err).Debug("provider logout")
	}

	session, ok := userSession(w, r, store)
	if !ok {
		return
	}
	delete(session.Values, auth.SessionUserKey)
	session.Options.MaxAge = -1
	if err := session.Save(r, w); err != nil {
		log.WithError(err).Error("failed to clear session")
		http.Error(w, "Failed to clear session", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// userSession loads the user session. A cookie that no longer decodes, for
// example after a secret rotation, yields the fresh session the store hands
// back and is overwritten on save.
func userSession(w http.ResponseWriter, r *http.Request, store sessions.Store) (*sessions.Session, bool) {
	session, err := store.Get(r, auth.SessionName)
	if err != nil {
		log.WithError(err).Debug("discarding unreadable session cookie")
	}
	if session == nil {
		log.WithError(err).Error("session store returned no session")
		http.Error(w, "Session unavailable", http.StatusInternalServerError)
		return nil, false
	}
	return session, true
}

// GetUserHandler returns the signed-in user with their garments, newest
// first.
func GetUserHandler(w http.ResponseWriter, r *http.Request, db *gorm.DB) {
	id, ok := auth.UserID(r.Context())
	if !ok {
		http.Error(w, "User ID not found in context", http.StatusUnauthorized)
		return
	}

	var user models.User
	result := db.WithContext(r.Context()).
		Preload("Garments", func(tx *gorm.DB) *gorm.DB {
			return tx.Order("created_at DESC").Order("id DESC")
		}).
		First(&user, id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			http.Error(w, "User not found", http.StatusNotFound)
			return
		}
		log.WithError(result.Error).Error("user lookup failed")
		http.Error(w, "Database error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, user)
}
