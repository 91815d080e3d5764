package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const tokenAudience = "inkrelay"

const (
	scopeRoomsJoin     = "rooms:join"
	scopeRoomsRead     = "rooms:read"
	scopeRoomsAdmin    = "rooms:admin"
	scopeBlobsRead     = "blobs:read"
	scopeBlobsWrite    = "blobs:write"
	scopeRegistryRead  = "registry:read"
	scopeRegistryWrite = "registry:write"
	scopeAdminRead     = "admin:read"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

type tokenClaims struct {
	UserID string
	Scopes map[string]struct{}
	Exp    int64
}

// scopeList accepts scopes as a JSON array or a space separated string.
type scopeList []string

func (s *scopeList) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*s = list
		return nil
	}
	var joined string
	if err := json.Unmarshal(data, &joined); err != nil {
		return err
	}
	*s = strings.Fields(joined)
	return nil
}

type inkrelayClaims struct {
	UserID string    `json:"user_id"`
	Scopes scopeList `json:"scopes"`
	jwt.RegisteredClaims
}

func authorizeBearer(authHeader, jwtSecret, requiredScope string, now time.Time) (tokenClaims, *authError) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return tokenClaims{}, &authError{
			status:  http.StatusUnauthorized,
			code:    "unauthorized",
			message: "missing or invalid bearer token",
		}
	}
	raw := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	return authorizeToken(raw, jwtSecret, requiredScope, now)
}

func authorizeToken(raw, jwtSecret, requiredScope string, now time.Time) (tokenClaims, *authError) {
	claims, authErr := parseToken(raw, jwtSecret, now)
	if authErr != nil {
		return tokenClaims{}, authErr
	}
	if requiredScope != "" {
		if _, ok := claims.Scopes[requiredScope]; !ok {
			return tokenClaims{}, &authError{
				status:  http.StatusForbidden,
				code:    "forbidden",
				message: "missing required scope: " + requiredScope,
			}
		}
	}
	return claims, nil
}

func parseToken(raw, jwtSecret string, now time.Time) (tokenClaims, *authError) {
	if raw == "" {
		return tokenClaims{}, &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "missing or invalid bearer token"}
	}
	var claims inkrelayClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return []byte(jwtSecret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(tokenAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		return tokenClaims{}, &authError{status: http.StatusUnauthorized, code: "unauthorized", message: tokenErrorMessage(err)}
	}
	if strings.TrimSpace(claims.UserID) == "" {
		return tokenClaims{}, &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "missing user_id claim"}
	}
	scopes := map[string]struct{}{}
	for _, scope := range claims.Scopes {
		if scope != "" {
			scopes[scope] = struct{}{}
		}
	}
	if len(scopes) == 0 {
		return tokenClaims{}, &authError{status: http.StatusForbidden, code: "forbidden", message: "no scopes granted"}
	}
	return tokenClaims{
		UserID: claims.UserID,
		Scopes: scopes,
		Exp:    claims.ExpiresAt.Unix(),
	}, nil
}

func tokenErrorMessage(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "invalid jwt format"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "jwt signature mismatch"
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return "unsupported jwt algorithm"
	case errors.Is(err, jwt.ErrTokenExpired):
		return "token expired"
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return "missing exp claim"
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return "invalid aud claim"
	default:
		return "invalid token"
	}
}
