package storage

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestGenerateKeyFormat(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(key, apiKeyPrefix))
	assert.Len(t, key, len(apiKeyPrefix)+apiKeyRandomLen*2)

	other, err := GenerateKey()
	require.NoError(t, err)
	assert.NotEqual(t, key, other)
}

func TestMaskKey(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	masked := MaskKey(key)
	assert.True(t, strings.HasPrefix(masked, apiKeyPrefix+"***"))
	assert.True(t, strings.HasSuffix(masked, key[len(key)-4:]))
	assert.NotContains(t, masked, key[len(apiKeyPrefix):len(key)-4])

	assert.Equal(t, apiKeyPrefix+"***", MaskKey("short"))
}

func TestLookupHintStable(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	assert.Equal(t, lookupHint(key), lookupHint(key))
	assert.Len(t, lookupHint(key), lookupHintLen)

	other, err := GenerateKey()
	require.NoError(t, err)
	assert.NotEqual(t, lookupHint(key), lookupHint(other))
}

func TestKeyHashRoundTrip(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	hash, err := bcrypt.GenerateFromPassword([]byte(key), apiKeyBcryptCost)
	require.NoError(t, err)

	require.NoError(t, bcrypt.CompareHashAndPassword(hash, []byte(key)))
	require.Error(t, bcrypt.CompareHashAndPassword(hash, []byte(key+"x")))
}
