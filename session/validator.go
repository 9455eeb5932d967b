// Package session validates the HS256 tokens that authenticate dashboard users.
// Agent credentials are handled separately by services/credentials.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	RoleAdmin  = "admin"
	RoleViewer = "viewer"

	defaultLeeway = 30 * time.Second
)

var (
	// ErrInvalidToken is returned when the token is invalid
	ErrInvalidToken = errors.New("invalid token")

	// ErrTokenExpired is returned when the token has expired
	ErrTokenExpired = errors.New("token expired")

	// ErrMissingClaim is returned when a required claim is missing
	ErrMissingClaim = errors.New("missing required claim")

	// ErrNoSecret is returned when the validator has no signing key
	ErrNoSecret = errors.New("session secret not configured")
)

// Claims is the JWT body of a dashboard session
type Claims struct {
	jwt.RegisteredClaims
	TeamID string `json:"team_id"`
	Email  string `json:"email,omitempty"`
	Role   string `json:"role,omitempty"`
}

// Session is a validated dashboard session
type Session struct {
	Subject   string
	UserID    *uuid.UUID
	Email     string
	TeamID    uuid.UUID
	Role      string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// HasRole checks if the session carries role
func (s *Session) HasRole(role string) bool {
	return s.Role == role
}

// Config holds validator settings
type Config struct {
	Secret string
	Issuer string
	TTL    time.Duration
}

// Validator signs and validates session tokens with a shared secret
type Validator struct {
	secret []byte
	issuer string
	ttl    time.Duration
	parser *jwt.Parser
	now    func() time.Time
}

// NewValidator creates a session validator
func NewValidator(cfg Config) *Validator {
	if cfg.TTL <= 0 {
		cfg.TTL = 12 * time.Hour
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(defaultLeeway),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}

	return &Validator{
		secret: []byte(cfg.Secret),
		issuer: cfg.Issuer,
		ttl:    cfg.TTL,
		parser: jwt.NewParser(opts...),
		now:    time.Now,
	}
}

// ValidateToken validates a session token and returns the parsed session
func (v *Validator) ValidateToken(ctx context.Context, tokenString string) (*Session, error) {
	if len(v.secret) == 0 {
		return nil, ErrNoSecret
	}

	claims := &Claims{}
	token, err := v.parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	return parseClaims(claims)
}

// Issue mints a session token for a dashboard user of teamID
func (v *Validator) Issue(teamID uuid.UUID, subject, email, role string) (string, error) {
	if len(v.secret) == 0 {
		return "", ErrNoSecret
	}

	now := v.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(v.ttl)),
		},
		TeamID: teamID.String(),
		Email:  email,
		Role:   role,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign session token: %w", err)
	}
	return signed, nil
}

func parseClaims(claims *Claims) (*Session, error) {
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	if claims.TeamID == "" {
		return nil, fmt.Errorf("%w: team_id", ErrMissingClaim)
	}
	teamID, err := uuid.Parse(claims.TeamID)
	if err != nil {
		return nil, fmt.Errorf("%w: team_id is not a UUID", ErrInvalidToken)
	}

	role := strings.ToLower(strings.TrimSpace(claims.Role))
	if role == "" {
		role = RoleViewer
	}

	s := &Session{
		Subject: claims.Subject,
		Email:   claims.Email,
		TeamID:  teamID,
		Role:    role,
	}
	// sub is a user id for first-party sessions; other issuers may use opaque subjects
	if userID, err := uuid.Parse(claims.Subject); err == nil {
		s.UserID = &userID
	}
	if claims.IssuedAt != nil {
		s.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		s.ExpiresAt = claims.ExpiresAt.Time
	}
	return s, nil
}
