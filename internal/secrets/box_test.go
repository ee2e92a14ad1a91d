// internal/secrets/box_test.go
package secrets

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	custom_errors "repo-pulse/internal/errors"
)

var testKey = base64.StdEncoding.EncodeToString([]byte(strings.Repeat("k", 32)))

func TestNewBox(t *testing.T) {
	testCases := []struct {
		name    string
		key     string
		wantErr bool
	}{
		{name: "valid key", key: testKey},
		{name: "empty key", key: "", wantErr: true},
		{name: "not base64", key: "%%%", wantErr: true},
		{name: "wrong length", key: base64.StdEncoding.EncodeToString([]byte("short")), wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewBox(tc.key)
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestBox_RoundTrip(t *testing.T) {
	box, err := NewBox(testKey)
	require.NoError(t, err)

	sealed, err := box.Encrypt("gho_token")
	require.NoError(t, err)
	assert.NotContains(t, sealed, "gho_token")

	again, err := box.Encrypt("gho_token")
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again, "each seal uses a fresh nonce")

	plain, err := box.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, "gho_token", plain)
}

func TestBox_DecryptFailures(t *testing.T) {
	box, err := NewBox(testKey)
	require.NoError(t, err)

	otherKey := base64.StdEncoding.EncodeToString([]byte(strings.Repeat("z", 32)))
	other, err := NewBox(otherKey)
	require.NoError(t, err)
	foreign, err := other.Encrypt("gho_token")
	require.NoError(t, err)

	for name, token := range map[string]string{
		"not base64": "%%%",
		"too short":  base64.StdEncoding.EncodeToString([]byte("abc")),
		"wrong key":  foreign,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := box.Decrypt(token)
			var secretErr *custom_errors.SecretError
			assert.ErrorAs(t, err, &secretErr)
		})
	}
}
