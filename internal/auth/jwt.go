package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrWrongSession = errors.New("token not valid for this session")
)

// Relay token roles.
const (
	RoleProducer = "producer" // capture agent pushing audio
	RoleListener = "listener" // remote listener pulling audio
	RoleOperator = "operator" // sink operator endpoints
)

// Claims holds relay token claims. SessionID scopes producer and listener
// tokens to one session; empty means any session.
type Claims struct {
	SessionID string `json:"session_id,omitempty"`
	Role      string `json:"role"`
	jwt.RegisteredClaims
}

// AllowsSession reports whether the token may be used for sessionID.
func (c *Claims) AllowsSession(sessionID string) bool {
	return c.Role == RoleOperator || c.SessionID == "" || c.SessionID == sessionID
}

// JWTService handles token generation and validation.
type JWTService struct {
	secret      []byte
	expireHours int
}

// NewJWTService creates a JWT service.
func NewJWTService(secret string, expireHours int) *JWTService {
	return &JWTService{
		secret:      []byte(secret),
		expireHours: expireHours,
	}
}

// Generate creates a new relay token for subject.
func (s *JWTService) Generate(subject, sessionID, role string) (string, error) {
	claims := Claims{
		SessionID: sessionID,
		Role:      role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Duration(s.expireHours) * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ID:        uuid.New().String(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Validate parses and validates a JWT, returning claims or error.
func (s *JWTService) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// ValidateFor validates a token and checks it carries one of roles and is
// scoped to sessionID.
func (s *JWTService) ValidateFor(tokenString, sessionID string, roles ...string) (*Claims, error) {
	claims, err := s.Validate(tokenString)
	if err != nil {
		return nil, err
	}
	okRole := false
	for _, r := range roles {
		if claims.Role == r {
			okRole = true
			break
		}
	}
	if !okRole {
		return nil, ErrInvalidToken
	}
	if !claims.AllowsSession(sessionID) {
		return nil, ErrWrongSession
	}
	return claims, nil
}
