package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/digkill/fixtral/internal/models"
)

// DeviceHeader carries the browser-generated id used to partition local
// history for callers who are not signed in.
const DeviceHeader = "X-Device-ID"

var errInvalidToken = errors.New("invalid bearer token")

type identityKey struct{}

// IdentityFrom returns the caller identity attached by the auth middleware.
func IdentityFrom(ctx context.Context) models.Identity {
	id, _ := ctx.Value(identityKey{}).(models.Identity)
	return id
}

func withIdentity(ctx context.Context, id models.Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// identityMiddleware resolves the caller. A missing bearer token leaves the
// caller anonymous; a token that does not verify is rejected.
func (s *Server) identityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := models.Identity{DeviceID: strings.TrimSpace(r.Header.Get(DeviceHeader))}

		if raw, ok := bearerToken(r); ok {
			userID, email, err := s.parseToken(raw)
			if err != nil {
				s.log.Debug("rejected bearer token", "err", err)
				s.writeError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}
			id.UserID = userID
			id.Email = email
		}

		next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), id)))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// parseToken verifies an HS256 session token and returns its subject and email.
func (s *Server) parseToken(raw string) (string, string, error) {
	if s.jwtSecret == "" {
		return "", "", errInvalidToken
	}
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte(s.jwtSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", "", err
	}
	if !token.Valid {
		return "", "", errInvalidToken
	}

	sub, err := claims.GetSubject()
	if err != nil || strings.TrimSpace(sub) == "" {
		return "", "", errInvalidToken
	}
	email, _ := claims["email"].(string)
	return sub, email, nil
}
