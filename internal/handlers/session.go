package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/xelth-com/foodlens/internal/auth"
	apperrors "github.com/xelth-com/foodlens/internal/errors"
	"github.com/xelth-com/foodlens/internal/middleware"
	"github.com/xelth-com/foodlens/internal/models"
)

// TokenRequest asks for a session token for a demo user
type TokenRequest struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	TTL      string `json:"ttl,omitempty"`
}

// issueToken creates a token and makes it the current session
func (r *Router) issueToken(w http.ResponseWriter, req *http.Request) {
	var body TokenRequest
	if err := decodeBody(req, &body); err != nil {
		r.respondAppError(w, err)
		return
	}
	ttl := auth.DefaultTokenTTL
	if body.TTL != "" {
		d, err := time.ParseDuration(body.TTL)
		if err != nil || d <= 0 {
			respondError(w, http.StatusBadRequest, "invalid ttl")
			return
		}
		ttl = d
	}

	token, err := r.deps.Session.IssueToken(strings.TrimSpace(body.UserID), body.Username, ttl)
	if err != nil {
		r.respondAppError(w, err)
		return
	}
	claims, err := r.deps.Session.SignIn(token)
	if err != nil {
		r.respondAppError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"token":     token,
		"userId":    claims.UserID,
		"expiresAt": claims.ExpiresAt.Time,
	})
}

// signIn makes an existing token the current session
func (r *Router) signIn(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Token string `json:"token"`
	}
	if err := decodeBody(req, &body); err != nil {
		r.respondAppError(w, err)
		return
	}
	claims, err := r.deps.Session.SignIn(body.Token)
	if err != nil {
		r.respondAppError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"userId": claims.UserID})
}

func (r *Router) signOut(w http.ResponseWriter, req *http.Request) {
	r.deps.Session.SignOut()
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) getSession(w http.ResponseWriter, req *http.Request) {
	userID, ok := r.deps.Session.CurrentUserID()
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"signedIn": ok,
		"userId":   userID,
	})
}

// saveCredentials stores the external API login, encrypted
func (r *Router) saveCredentials(w http.ResponseWriter, req *http.Request) {
	var body models.APICredentials
	if err := decodeBody(req, &body); err != nil {
		r.respondAppError(w, err)
		return
	}
	if err := r.deps.Credentials.Save(req.Context(), body); err != nil {
		r.respondAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) clearCredentials(w http.ResponseWriter, req *http.Request) {
	if err := r.deps.Credentials.Clear(req.Context()); err != nil {
		r.respondAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) profileStore() (ProfileStore, error) {
	if r.deps.Profiles == nil {
		return nil, apperrors.New(apperrors.KindDatabase, "remote database is not configured")
	}
	return r.deps.Profiles, nil
}

// getProfile returns the profile of the token's user
func (r *Router) getProfile(w http.ResponseWriter, req *http.Request) {
	store, err := r.profileStore()
	if err != nil {
		r.respondAppError(w, err)
		return
	}
	profile, err := store.GetProfile(req.Context(), middleware.UserID(req.Context()))
	if err != nil {
		r.respondAppError(w, err)
		return
	}
	if profile == nil {
		respondError(w, http.StatusNotFound, "Profile not found")
		return
	}
	respondJSON(w, http.StatusOK, profile)
}

// updateProfile creates or replaces the profile of the token's user
func (r *Router) updateProfile(w http.ResponseWriter, req *http.Request) {
	store, err := r.profileStore()
	if err != nil {
		r.respondAppError(w, err)
		return
	}
	var profile models.UserProfile
	if err := decodeBody(req, &profile); err != nil {
		r.respondAppError(w, err)
		return
	}
	// the token decides whose profile this is
	profile.ID = middleware.UserID(req.Context())
	if strings.TrimSpace(profile.Username) == "" {
		respondError(w, http.StatusBadRequest, "username is required")
		return
	}
	if err := store.UpdateProfile(req.Context(), &profile); err != nil {
		r.respondAppError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, profile)
}
