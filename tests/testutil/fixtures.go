package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/systmms/signkey/pkg/signingkey"
)

// Credential returns a valid credential expiring at expiresAt.
func Credential(keyID string, expiresAt time.Time) signingkey.Credential {
	return signingkey.Credential{
		KeyID:     keyID,
		Endpoint:  "cell.example.com",
		Key:       "c2lnbmluZy1rZXktbWF0ZXJpYWw=",
		ExpiresAt: expiresAt.UTC(),
	}
}

// EncodedCredential returns the stored form of Credential(keyID, expiresAt).
func EncodedCredential(t *testing.T, keyID string, expiresAt time.Time) string {
	t.Helper()
	value, err := signingkey.Encode(Credential(keyID, expiresAt))
	require.NoError(t, err)
	return value
}
