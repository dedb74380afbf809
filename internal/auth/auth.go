// Package auth inspects bearer credentials used for the broker and REST API.
package auth

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Errors
var (
	ErrEmptyToken     = errors.New("empty token")
	ErrMalformedToken = errors.New("malformed token")
	ErrExpired        = errors.New("token expired")
	ErrBadSignature   = errors.New("token signature invalid")
)

// Claims are the access token claims the chat core relies on.
type Claims struct {
	Nickname string `json:"nickname,omitempty"`
	jwt.RegisteredClaims
}

// Credential is a parsed bearer token.
type Credential struct {
	Token     string
	UserID    int64     // From the sub claim; 0 when absent or non-numeric
	Nickname  string
	ExpiresAt time.Time // Zero when the token has no exp claim
}

// Expired reports whether the credential is past its exp claim at now.
func (c *Credential) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// Parser decodes credentials. With an empty Secret, signatures are not
// checked; the broker and API server remain the authority.
type Parser struct {
	Secret []byte
	Now    func() time.Time
}

// Parse decodes token and rejects it if expired.
func (p Parser) Parse(token string) (*Credential, error) {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		return nil, ErrEmptyToken
	}

	now := time.Now
	if p.Now != nil {
		now = p.Now
	}

	claims := &Claims{}
	if len(p.Secret) == 0 {
		if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
		}
	} else {
		parser := jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithoutClaimsValidation(),
		)
		_, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
			return p.Secret, nil
		})
		if err != nil {
			if errors.Is(err, jwt.ErrTokenSignatureInvalid) {
				return nil, ErrBadSignature
			}
			return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
		}
	}

	cred := &Credential{Token: token, Nickname: claims.Nickname}
	if id, err := strconv.ParseInt(claims.Subject, 10, 64); err == nil && id > 0 {
		cred.UserID = id
	}
	if claims.ExpiresAt != nil {
		cred.ExpiresAt = claims.ExpiresAt.Time
	}

	if cred.Expired(now()) {
		return nil, fmt.Errorf("%w at %s", ErrExpired, cred.ExpiresAt.Format(time.RFC3339))
	}
	return cred, nil
}

// Parse decodes token without signature verification.
func Parse(token string) (*Credential, error) {
	return Parser{}.Parse(token)
}

// UserID returns the sub claim of token, or fallback when it cannot be read.
func UserID(token string, fallback int64) int64 {
	cred, err := Parse(token)
	if err != nil || cred.UserID == 0 {
		return fallback
	}
	return cred.UserID
}

// IssueToken signs an HS256 token for userID. Used by demo mode and probes.
func IssueToken(userID int64, nickname string, ttl time.Duration, secret []byte) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("signing secret is required")
	}

	now := time.Now()
	claims := Claims{
		Nickname: nickname,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  strconv.FormatInt(userID, 10),
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
