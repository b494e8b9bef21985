/*
auth.go - Bearer token authentication and role checks

PURPOSE:
  Every /api route except health runs behind Authenticator. The token is an
  HS256 JWT issued by the platform's identity service; this service only
  verifies it. The school claim becomes the tenant for every ledger call,
  so a caller can never name another school in a request.

CLAIMS:
  sub        user id, recorded as actor (recordedBy, clearedBy, audit)
  school_id  tenant
  role       admin | accountant | teacher | parent | student

ROLE CHECKS:
  RequireRole(RoleAdmin, RoleAccountant) guards ledger mutations and
  cohort views. Single-student reads are open to any authenticated role.
*/
package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/warp/fee-ledger/ledger"
)

type Role string

const (
	RoleAdmin      Role = "admin"
	RoleAccountant Role = "accountant"
	RoleTeacher    Role = "teacher"
	RoleParent     Role = "parent"
	RoleStudent    Role = "student"
)

// Claims is the token payload.
type Claims struct {
	SchoolID string `json:"school_id"`
	Role     Role   `json:"role"`
	jwt.RegisteredClaims
}

// Principal is the authenticated caller.
type Principal struct {
	UserID   string
	SchoolID ledger.SchoolID
	Role     Role
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the caller stored by Authenticator.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

var errMissingToken = errors.New("missing bearer token")

// Authenticator verifies the bearer token and stores the Principal.
func Authenticator(secret string) func(http.Handler) http.Handler {
	key := []byte(strings.TrimSpace(secret))
	if len(key) == 0 {
		panic("api: Authenticator needs a secret")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := parseToken(r, key)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "Unauthorized", err)
				return
			}
			next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), p)))
		})
	}
}

func parseToken(r *http.Request, key []byte) (Principal, error) {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(authz) < 7 || !strings.EqualFold(authz[:7], "bearer ") {
		return Principal{}, errMissingToken
	}
	raw := strings.TrimSpace(authz[7:])

	var claims Claims
	tok, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return key, nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !tok.Valid {
		return Principal{}, errors.New("invalid token")
	}

	school := strings.TrimSpace(claims.SchoolID)
	user := strings.TrimSpace(claims.Subject)
	if school == "" || user == "" {
		return Principal{}, errors.New("token lacks school_id or sub")
	}
	return Principal{UserID: user, SchoolID: ledger.SchoolID(school), Role: claims.Role}, nil
}

// RequireRole rejects callers whose role is not listed.
func RequireRole(roles ...Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := PrincipalFrom(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "Unauthorized", nil)
				return
			}
			for _, role := range roles {
				if p.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeError(w, http.StatusForbidden, "Forbidden", nil)
		})
	}
}

// IssueToken signs a token for p. The identity service owns issuing in
// production; this is used by tests and local tooling.
func IssueToken(secret string, p Principal, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		SchoolID: string(p.SchoolID),
		Role:     p.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
