package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManager(t *testing.T) *JWTManager {
	t.Helper()
	m, err := NewJWTManager("", "", time.Hour)
	require.NoError(t, err)
	return m
}

func TestIssueAndValidateToken(t *testing.T) {
	m := newManager(t)

	token, exp, err := m.IssueToken(Credential{UserID: "dr_tanaka", Role: RoleClinician})
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.True(t, exp.After(time.Now()))

	claims, err := m.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "dr_tanaka", claims.UserID)
	assert.Equal(t, RoleClinician, claims.Role)
	assert.Equal(t, "karte", claims.Issuer)
	assert.Equal(t, "dr_tanaka", claims.Subject)
}

func TestValidateTokenRejectsGarbage(t *testing.T) {
	m := newManager(t)
	_, err := m.ValidateToken("not.a.jwt")
	assert.Error(t, err)
}

func TestValidateTokenRejectsForeignKey(t *testing.T) {
	m1 := newManager(t)
	m2 := newManager(t)

	token, _, err := m1.IssueToken(Credential{UserID: "dr_tanaka", Role: RoleAdmin})
	require.NoError(t, err)

	_, err = m2.ValidateToken(token)
	assert.Error(t, err, "token signed with a different key must not validate")
}

func TestValidateTokenRejectsExpired(t *testing.T) {
	m, err := NewJWTManager("", "", -time.Minute)
	require.NoError(t, err)

	token, _, err := m.IssueToken(Credential{UserID: "dr_tanaka", Role: RoleClinician})
	require.NoError(t, err)

	_, err = m.ValidateToken(token)
	assert.Error(t, err)
}

func TestRoleAtLeast(t *testing.T) {
	assert.True(t, RoleAtLeast(RoleAdmin, RoleClinician))
	assert.True(t, RoleAtLeast(RoleClinician, RoleClinician))
	assert.False(t, RoleAtLeast(RoleClinician, RoleAdmin))
	assert.False(t, RoleAtLeast(Role("intern"), RoleClinician))
}

func TestKeyringVerify(t *testing.T) {
	hash, err := HashAPIKey("s3cret-key")
	require.NoError(t, err)

	kr := NewKeyring([]Credential{{UserID: "dr_tanaka", Role: RoleClinician, KeyHash: hash}})
	require.Equal(t, 1, kr.Len())

	cred, ok := kr.Verify("dr_tanaka", "s3cret-key")
	require.True(t, ok)
	assert.Equal(t, RoleClinician, cred.Role)

	_, ok = kr.Verify("dr_tanaka", "wrong-key")
	assert.False(t, ok)

	_, ok = kr.Verify("nobody", "s3cret-key")
	assert.False(t, ok)
}

func TestHashAPIKeyRoundTrip(t *testing.T) {
	hash, err := HashAPIKey("key-one")
	require.NoError(t, err)

	ok, err := VerifyAPIKey("key-one", hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifyAPIKey("key-two", hash)
	require.NoError(t, err)
	assert.False(t, ok)

	// Salted: hashing the same key twice yields different encodings.
	hash2, err := HashAPIKey("key-one")
	require.NoError(t, err)
	assert.NotEqual(t, hash, hash2)
}
