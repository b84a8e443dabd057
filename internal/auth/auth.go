// Package auth issues and validates clinician bearer tokens.
//
// Tokens are Ed25519-signed JWTs exchanged for a pre-provisioned API key
// (Argon2id-hashed, see hash.go). The token's user_id claim flows into
// every audit entry the query pipeline writes.
package auth

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Role is the coarse permission level carried in a token.
type Role string

const (
	// RoleClinician can query records and read the audit trail.
	RoleClinician Role = "clinician"
	// RoleAdmin can additionally manage the index and export audit logs.
	RoleAdmin Role = "admin"
)

// roleRank orders roles for RoleAtLeast.
var roleRank = map[Role]int{
	RoleClinician: 1,
	RoleAdmin:     2,
}

// RoleAtLeast reports whether role meets or exceeds min.
func RoleAtLeast(role, min Role) bool {
	return roleRank[role] >= roleRank[min]
}

// Credential is one provisioned API-key holder.
type Credential struct {
	UserID  string
	Role    Role
	KeyHash string // Argon2id encoded hash, see HashAPIKey
}

// Keyring holds the provisioned credentials, keyed by user id.
type Keyring struct {
	byUser map[string]Credential
}

// NewKeyring builds a keyring from credentials. Later duplicates win.
func NewKeyring(creds []Credential) *Keyring {
	byUser := make(map[string]Credential, len(creds))
	for _, c := range creds {
		byUser[c.UserID] = c
	}
	return &Keyring{byUser: byUser}
}

// Verify checks an api key for a user id. On a missing user it burns one
// dummy hash so response timing does not reveal whether the user exists.
func (k *Keyring) Verify(userID, apiKey string) (Credential, bool) {
	cred, ok := k.byUser[userID]
	if !ok {
		DummyVerify()
		return Credential{}, false
	}
	match, err := VerifyAPIKey(apiKey, cred.KeyHash)
	if err != nil || !match {
		return Credential{}, false
	}
	return cred, true
}

// Len reports how many credentials are provisioned.
func (k *Keyring) Len() int { return len(k.byUser) }

// Claims extends jwt.RegisteredClaims with the fields the audit log needs.
type Claims struct {
	jwt.RegisteredClaims
	UserID string `json:"user_id"`
	Role   Role   `json:"role"`
}

// JWTManager handles JWT creation and validation using Ed25519.
type JWTManager struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	expiration time.Duration
}

// NewJWTManager creates a JWTManager from PEM key files.
// If paths are empty, generates an ephemeral key pair (for development).
func NewJWTManager(privateKeyPath, publicKeyPath string, expiration time.Duration) (*JWTManager, error) {
	if privateKeyPath == "" || publicKeyPath == "" {
		slog.Warn("auth: no JWT key files configured, generating ephemeral key pair (not for production)")
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("auth: generate key pair: %w", err)
		}
		return &JWTManager{privateKey: priv, publicKey: pub, expiration: expiration}, nil
	}

	privPEM, err := os.ReadFile(privateKeyPath) //nolint:gosec // paths come from validated config, not user input
	if err != nil {
		return nil, fmt.Errorf("auth: read private key: %w", err)
	}
	block, _ := pem.Decode(privPEM)
	if block == nil {
		return nil, fmt.Errorf("auth: decode private key PEM")
	}
	privKey, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("auth: parse private key: %w", err)
	}
	edPriv, ok := privKey.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("auth: private key is not Ed25519")
	}

	pubPEM, err := os.ReadFile(publicKeyPath) //nolint:gosec // paths come from validated config, not user input
	if err != nil {
		return nil, fmt.Errorf("auth: read public key: %w", err)
	}
	pubBlock, _ := pem.Decode(pubPEM)
	if pubBlock == nil {
		return nil, fmt.Errorf("auth: decode public key PEM")
	}
	pubKey, err := x509.ParsePKIXPublicKey(pubBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("auth: parse public key: %w", err)
	}
	edPub, ok := pubKey.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("auth: public key is not Ed25519")
	}

	// Verify the public key matches the private key to catch misconfiguration
	// (e.g., deploying a private key from one environment with a public key from another).
	derivedPub := edPriv.Public().(ed25519.PublicKey)
	if !bytes.Equal(derivedPub, edPub) {
		return nil, fmt.Errorf("auth: public key does not match private key")
	}

	return &JWTManager{privateKey: edPriv, publicKey: edPub, expiration: expiration}, nil
}

// IssueToken creates a signed JWT for the given credential.
func (m *JWTManager) IssueToken(cred Credential) (string, time.Time, error) {
	now := time.Now().UTC()
	exp := now.Add(m.expiration)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   cred.UserID,
			Issuer:    "karte",
			Audience:  jwt.ClaimStrings{"karte"},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.New().String(),
		},
		UserID: cred.UserID,
		Role:   cred.Role,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(m.privateKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, exp, nil
}

// ValidateToken parses and validates a JWT, returning the claims.
func (m *JWTManager) ValidateToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&Claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", token.Header["alg"])
			}
			return m.publicKey, nil
		},
		jwt.WithAudience("karte"),
	)
	if err != nil {
		return nil, fmt.Errorf("auth: validate token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("auth: invalid token claims")
	}

	if claims.Issuer != "karte" {
		return nil, fmt.Errorf("auth: invalid issuer: %s", claims.Issuer)
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("auth: missing user_id claim")
	}
	if _, ok := roleRank[claims.Role]; !ok {
		return nil, fmt.Errorf("auth: unknown role: %s", claims.Role)
	}

	return claims, nil
}
