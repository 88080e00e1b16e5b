package agentgw

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenTTL bounds the upstream token lifetime. Tokens are minted per
// invocation; there is no refresh path.
const TokenTTL = 4 * time.Minute

// KeyOverlap is how long a rotated-out signing key keeps verifying.
const KeyOverlap = 48 * time.Hour

var (
	// ErrUnknownKeyID means the token's kid matches neither the current
	// nor the still-overlapping previous key.
	ErrUnknownKeyID = errors.New("agentgw: unknown signing key id")
	// ErrOverlapExpired means the previous key's 48h window has passed.
	ErrOverlapExpired = errors.New("agentgw: previous key overlap expired")
)

// Claims is the upstream token payload.
type Claims struct {
	TenantID           string         `json:"tenant"`
	PoolID             string         `json:"pool_id"`
	ModelAlias         string         `json:"model_alias"`
	AccountingMode     AccountingMode `json:"accounting_mode"`
	PoolMappingVersion int            `json:"pool_mapping_version"`
	jwt.RegisteredClaims
}

// signingKey is one ES256 key with its id.
type signingKey struct {
	kid     string
	private *ecdsa.PrivateKey
	public  *ecdsa.PublicKey
	// rotatedAt is set when the key stops signing; it verifies for
	// KeyOverlap beyond that point.
	rotatedAt time.Time
}

// TokenBroker mints and verifies the ES256 upstream tokens. The current
// key signs; the current and the previous key both verify while the
// overlap window is open.
type TokenBroker struct {
	mu      sync.RWMutex
	current *signingKey
	prev    *signingKey
	issuer  string
	now     func() time.Time
}

// NewTokenBroker creates a broker signing with the given key. prevKID
// and prevPublic may be empty when no rotation is in progress.
func NewTokenBroker(kid string, private *ecdsa.PrivateKey, prevKID string, prevPublic *ecdsa.PublicKey, rotatedAt time.Time) *TokenBroker {
	b := &TokenBroker{
		current: &signingKey{kid: kid, private: private, public: &private.PublicKey},
		issuer:  "guildcore-agentgw",
		now:     time.Now,
	}
	if prevKID != "" && prevPublic != nil {
		b.prev = &signingKey{kid: prevKID, public: prevPublic, rotatedAt: rotatedAt}
	}
	return b
}

// ParsePrivateKey decodes a PEM-encoded EC private key (SEC1 or PKCS8).
func ParsePrivateKey(pemData []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, errors.New("agentgw: signing key is not PEM")
	}
	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse signing key: %w", err)
	}
	key, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return nil, errors.New("agentgw: signing key is not an EC key")
	}
	return key, nil
}

// ParsePublicKey decodes a PEM-encoded EC public key.
func ParsePublicKey(pemData []byte) (*ecdsa.PublicKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, errors.New("agentgw: public key is not PEM")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	key, ok := parsed.(*ecdsa.PublicKey)
	if !ok {
		return nil, errors.New("agentgw: public key is not an EC key")
	}
	return key, nil
}

// Mint signs a fresh token for one invocation.
func (b *TokenBroker) Mint(subject string, c Claims) (string, error) {
	b.mu.RLock()
	key := b.current
	b.mu.RUnlock()

	now := b.now()
	c.RegisteredClaims = jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    b.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(TokenTTL)),
		ID:        uuid.NewString(),
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodES256, c)
	tok.Header["kid"] = key.kid
	return tok.SignedString(key.private)
}

// Verify parses and validates a token, accepting the current key and,
// inside the overlap window, the previous one.
func (b *TokenBroker) Verify(raw string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		kid, _ := t.Header["kid"].(string)
		return b.publicKeyFor(kid)
	}, jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}), jwt.WithIssuer(b.issuer))
	if err != nil {
		return nil, err
	}
	return claims, nil
}

func (b *TokenBroker) publicKeyFor(kid string) (*ecdsa.PublicKey, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if kid == b.current.kid {
		return b.current.public, nil
	}
	if b.prev != nil && kid == b.prev.kid {
		if b.now().After(b.prev.rotatedAt.Add(KeyOverlap)) {
			return nil, ErrOverlapExpired
		}
		return b.prev.public, nil
	}
	return nil, ErrUnknownKeyID
}

// Rotate installs a new signing key. The outgoing key keeps verifying
// for KeyOverlap from now.
func (b *TokenBroker) Rotate(kid string, private *ecdsa.PrivateKey) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.current
	out.rotatedAt = b.now()
	out.private = nil
	b.prev = out
	b.current = &signingKey{kid: kid, private: private, public: &private.PublicKey}
}

// CurrentKID returns the id of the key currently signing.
func (b *TokenBroker) CurrentKID() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.current.kid
}
