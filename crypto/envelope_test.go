package crypto_test

import (
	"crypto/rand"
	"encoding/base64"
	"testing"

	assert "github.com/stretchr/testify/assert"

	"github.com/nexusmcp/gateway/crypto"
)

func randomKey(t *testing.T) *crypto.EncryptionKey {
	t.Helper()
	raw := make([]byte, crypto.KeySize)
	_, err := rand.Read(raw)
	assert.NoError(t, err)
	key, err := crypto.NewEncryptionKey(raw)
	assert.NoError(t, err)
	return key
}

func Test_envelope_roundtrip(t *testing.T) {
	key := randomKey(t)
	token, err := key.EncryptString("hello, world")
	assert.NoError(t, err)
	assert.NotEmpty(t, token)

	got, err := key.DecryptString(token)
	assert.NoError(t, err)
	assert.Equal(t, "hello, world", got)
}

func Test_envelope_empty_plaintext_roundtrips(t *testing.T) {
	key := randomKey(t)
	token, err := key.Encrypt([]byte(""))
	assert.NoError(t, err)

	got, err := key.Decrypt(token)
	assert.NoError(t, err)
	assert.Empty(t, got)
}

func Test_envelope_wrong_key_fails(t *testing.T) {
	key1 := randomKey(t)
	key2 := randomKey(t)

	token, err := key1.EncryptString("secret")
	assert.NoError(t, err)

	_, err = key2.Decrypt(token)
	assert.Error(t, err)
	assert.IsType(t, &crypto.DecryptError{}, err)
}

func Test_envelope_unique_nonce_per_call(t *testing.T) {
	key := randomKey(t)
	token1, err := key.EncryptString("data")
	assert.NoError(t, err)
	token2, err := key.EncryptString("data")
	assert.NoError(t, err)
	assert.NotEqual(t, token1, token2)
}

func Test_envelope_truncated_token_fails(t *testing.T) {
	key := randomKey(t)
	_, err := key.Decrypt("c2hvcnQ=") // base64("short")
	assert.Error(t, err)
	assert.IsType(t, &crypto.DecryptError{}, err)
}

func Test_envelope_unknown_version_rejected(t *testing.T) {
	key := randomKey(t)
	token, err := key.EncryptString("data")
	assert.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(token)
	assert.NoError(t, err)
	raw[0] = 0xFF
	tampered := base64.StdEncoding.EncodeToString(raw)

	_, err = key.Decrypt(tampered)
	assert.Error(t, err)
}

func Test_envelope_malformed_base64_fails(t *testing.T) {
	key := randomKey(t)
	_, err := key.Decrypt("not-valid-base64!!!")
	assert.Error(t, err)
}

func Test_parse_encryption_key_wrong_length(t *testing.T) {
	_, err := crypto.ParseEncryptionKey("dG9vc2hvcnQ=") // base64("tooshort")
	assert.Error(t, err)
}
