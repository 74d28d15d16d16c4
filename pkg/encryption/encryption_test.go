package encryption

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func TestVaultRoundTrip(t *testing.T) {
	v, err := New(testKey, nil)
	require.NoError(t, err)
	assert.False(t, v.Ephemeral())

	inputs := []string{"", "shpat_123", "ünïcödé ✓", strings.Repeat("x", 4096)}
	for _, in := range inputs {
		env, err := v.Encrypt(in)
		require.NoError(t, err)
		assert.Len(t, strings.Split(env, ":"), 3)

		out, err := v.Decrypt(env)
		require.NoError(t, err)
		assert.Equal(t, in, out)
	}
}

func TestVaultFreshNonce(t *testing.T) {
	v, err := New(testKey, nil)
	require.NoError(t, err)

	a, err := v.Encrypt("same")
	require.NoError(t, err)
	b, err := v.Encrypt("same")
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestVaultTamperedTag(t *testing.T) {
	v, err := New(testKey, nil)
	require.NoError(t, err)

	env, err := v.Encrypt("secret-token")
	require.NoError(t, err)

	parts := strings.Split(env, ":")
	tag, err := hex.DecodeString(parts[1])
	require.NoError(t, err)
	tag[0] ^= 0xff
	parts[1] = hex.EncodeToString(tag)

	_, err = v.Decrypt(strings.Join(parts, ":"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCrypto)
}

func TestVaultMalformed(t *testing.T) {
	v, err := New(testKey, nil)
	require.NoError(t, err)

	for _, env := range []string{"", "abc", "a:b", "a:b:c:d", "zz:zz:zz"} {
		_, err := v.Decrypt(env)
		assert.ErrorIs(t, err, ErrCrypto, env)
	}
}

func TestVaultWrongKey(t *testing.T) {
	v1, err := New(testKey, nil)
	require.NoError(t, err)
	v2, err := New(strings.Repeat("ab", 32), nil)
	require.NoError(t, err)

	env, err := v1.Encrypt("token")
	require.NoError(t, err)

	_, err = v2.Decrypt(env)
	assert.ErrorIs(t, err, ErrCrypto)
}

func TestVaultKeyValidation(t *testing.T) {
	_, err := New("not-hex", nil)
	assert.Error(t, err)

	_, err = New("abcd", nil)
	assert.Error(t, err)
}

func TestVaultSessionKey(t *testing.T) {
	v, err := New("", nil)
	require.NoError(t, err)
	assert.True(t, v.Ephemeral())

	env, err := v.Encrypt("token")
	require.NoError(t, err)

	out, err := v.Decrypt(env)
	require.NoError(t, err)
	assert.Equal(t, "token", out)
}

func TestGenerateState(t *testing.T) {
	a, err := GenerateState()
	require.NoError(t, err)
	b, err := GenerateState()
	require.NoError(t, err)

	assert.Len(t, a, 64)
	assert.NotEqual(t, a, b)
}

func TestPKCE(t *testing.T) {
	verifier, err := GenerateCodeVerifier()
	require.NoError(t, err)
	assert.Len(t, verifier, 43)

	challenge := CodeChallenge(verifier)
	assert.NotContains(t, challenge, "=")
	assert.Equal(t, oauth2.S256ChallengeFromVerifier(verifier), challenge)

	// RFC 7636 appendix B
	assert.Equal(t, "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM",
		CodeChallenge("dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"))
}

func TestVerifySignature(t *testing.T) {
	payload := []byte(`{"id":1}`)
	mac := hmac.New(sha256.New, []byte("shh"))
	mac.Write(payload)
	sum := mac.Sum(nil)

	assert.True(t, VerifySignature(payload, base64.StdEncoding.EncodeToString(sum), "shh"))
	assert.True(t, VerifySignature(payload, hex.EncodeToString(sum), "shh"))
	assert.False(t, VerifySignature(payload, base64.StdEncoding.EncodeToString(sum), "other"))
	assert.False(t, VerifySignature([]byte(`{"id":2}`), hex.EncodeToString(sum), "shh"))
	assert.False(t, VerifySignature(payload, "", "shh"))
}
