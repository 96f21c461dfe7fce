// Package auth mints and verifies the short-lived bearer tokens the
// coordinator presents to storage nodes.
//
// Every node has its own HMAC secret. A token is minted per node per call,
// carries the node ID as its audience and is never reused for another node.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// DefaultTTL is used when an Issuer is built with a zero TTL.
const DefaultTTL = 30 * time.Second

var (
	// ErrUnknownNode is returned when minting for a node without a secret.
	ErrUnknownNode = errors.New("no secret configured for node")
	// ErrInvalidToken is returned for missing, malformed, expired or
	// mis-addressed tokens.
	ErrInvalidToken = errors.New("invalid token")
)

// Issuer mints node-scoped tokens for the coordinator.
type Issuer struct {
	secrets map[string][]byte
	now     func() time.Time
	name    string
	ttl     time.Duration
}

// NewIssuer builds an issuer from a node ID to secret map.
func NewIssuer(name string, ttl time.Duration, secrets map[string]string) *Issuer {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	keys := make(map[string][]byte, len(secrets))
	for id, s := range secrets {
		keys[id] = []byte(s)
	}
	return &Issuer{name: name, ttl: ttl, secrets: keys, now: time.Now}
}

// Mint returns a fresh signed token addressed to nodeID.
func (i *Issuer) Mint(nodeID string) (string, error) {
	key, ok := i.secrets[nodeID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownNode, nodeID)
	}
	now := i.now()
	claims := jwt.RegisteredClaims{
		Issuer:    i.name,
		Audience:  jwt.ClaimStrings{nodeID},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		ID:        uuid.NewString(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		return "", fmt.Errorf("sign token for %s: %w", nodeID, err)
	}
	return signed, nil
}

// Verifier checks tokens on the node side.
type Verifier struct {
	nodeID string
	issuer string
	secret []byte
}

// NewVerifier accepts tokens signed with secret, issued by issuer and
// addressed to nodeID. An empty issuer accepts any issuer.
func NewVerifier(nodeID, issuer, secret string) *Verifier {
	return &Verifier{nodeID: nodeID, issuer: issuer, secret: []byte(secret)}
}

// Verify parses and validates a raw token string.
func (v *Verifier) Verify(raw string) error {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(v.nodeID),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	token, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	}, opts...)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return ErrInvalidToken
	}
	return nil
}

// FromRequest extracts the bearer token from the Authorization header.
func FromRequest(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", fmt.Errorf("%w: authorization header not provided", ErrInvalidToken)
	}
	parts := strings.Split(header, " ")
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" || parts[1] == "" {
		return "", fmt.Errorf("%w: invalid authorization header format", ErrInvalidToken)
	}
	return parts[1], nil
}

// SetBearer attaches token to an outgoing request.
func SetBearer(r *http.Request, token string) {
	r.Header.Set("Authorization", "Bearer "+token)
}
