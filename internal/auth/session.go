// Package auth resolves the authenticated user and keeps the external API
// credentials encrypted at rest.
package auth

import (
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/xelth-com/foodlens/internal/errors"
)

// DefaultTokenTTL is the lifetime of issued access tokens
const DefaultTokenTTL = time.Hour

// Claims are the JWT claims of a session token
type Claims struct {
	UserID   string `json:"id"`
	Username string `json:"username,omitempty"`
	jwt.RegisteredClaims
}

// Session holds the signed-in user of this client. The user is resolved from the
// current token on every call, so an expired token yields no user.
type Session struct {
	secret []byte
	now    func() time.Time

	mu    sync.RWMutex
	token string
}

// NewSession creates a signed-out session validating tokens with secret
func NewSession(secret string) *Session {
	return &Session{secret: []byte(secret), now: time.Now}
}

// SetClock replaces the time source (tests)
func (s *Session) SetClock(now func() time.Time) {
	s.now = now
}

// IssueToken signs an access token for userID
func (s *Session) IssueToken(userID, username string, ttl time.Duration) (string, error) {
	if userID == "" {
		return "", apperrors.New(apperrors.KindValidation, "user id is required")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	now := s.now()
	claims := Claims{
		UserID:   userID,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", apperrors.Wrap(apperrors.KindInternal, "sign token", err)
	}
	return signed, nil
}

// ValidateToken parses and validates a token
func (s *Session) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindAuthentication, "invalid or expired token", err)
	}
	if !token.Valid || claims.UserID == "" {
		return nil, apperrors.New(apperrors.KindAuthentication, "invalid token")
	}
	return claims, nil
}

// SignIn validates tokenString and makes it the current session
func (s *Session) SignIn(tokenString string) (*Claims, error) {
	claims, err := s.ValidateToken(tokenString)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.token = tokenString
	s.mu.Unlock()
	return claims, nil
}

// SignOut clears the current session
func (s *Session) SignOut() {
	s.mu.Lock()
	s.token = ""
	s.mu.Unlock()
}

// CurrentUserID returns the signed-in user, if the current token is still valid
func (s *Session) CurrentUserID() (string, bool) {
	s.mu.RLock()
	token := s.token
	s.mu.RUnlock()
	if token == "" {
		return "", false
	}
	claims, err := s.ValidateToken(token)
	if err != nil {
		return "", false
	}
	return claims.UserID, true
}

// ResolveUserID returns explicit when set, otherwise the signed-in user
func (s *Session) ResolveUserID(explicit string) (string, bool) {
	if explicit != "" {
		return explicit, true
	}
	return s.CurrentUserID()
}
