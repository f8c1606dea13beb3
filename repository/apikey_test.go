package repository

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apishield/admission-control/models"
)

func TestKeyUsable(t *testing.T) {
	now := time.Now()
	future := now.Add(time.Hour)
	past := now.Add(-time.Hour)

	tests := []struct {
		name string
		key  models.APIKey
		want error
	}{
		{"active key", models.APIKey{IsActive: true}, nil},
		{"active with future expiry", models.APIKey{IsActive: true, ExpiresAt: &future}, nil},
		{"revoked", models.APIKey{IsActive: false, IsRevoked: true}, models.ErrKeyRevoked},
		{"inactive", models.APIKey{IsActive: false}, models.ErrInvalidKey},
		{"expired", models.APIKey{IsActive: true, ExpiresAt: &past}, models.ErrKeyExpired},
		{"expired at the boundary", models.APIKey{IsActive: true, ExpiresAt: &now}, models.ErrKeyExpired},
		{"revoked and expired reports revoked", models.APIKey{IsRevoked: true, ExpiresAt: &past}, models.ErrKeyRevoked},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, keyUsable(&tt.key, now))
		})
	}
}

func TestReplacementForCarriesConfiguration(t *testing.T) {
	expiry := time.Now().Add(48 * time.Hour)
	old := &models.APIKey{
		KeyID:       uuid.New(),
		OwnerUserID: uuid.New(),
		Name:        "ci-deploy",
		SecretHash:  hashSecret("ak_old"),
		Tier:        models.TierPremium,
		RateLimit:   750,
		WindowMs:    60000,
		Burst:       50,
		Scopes:      []string{"read", "write"},
		IsActive:    true,
		ExpiresAt:   &expiry,
	}

	secret := generateSecret()
	replacement := replacementFor(old, secret)

	assert.NotEqual(t, old.KeyID, replacement.KeyID)
	assert.Equal(t, hashSecret(secret), replacement.SecretHash)
	assert.NotEqual(t, old.SecretHash, replacement.SecretHash)

	assert.Equal(t, old.OwnerUserID, replacement.OwnerUserID)
	assert.Equal(t, old.Name, replacement.Name)
	assert.Equal(t, old.Tier, replacement.Tier)
	assert.Equal(t, old.RateLimit, replacement.RateLimit)
	assert.Equal(t, old.WindowMs, replacement.WindowMs)
	assert.Equal(t, old.Burst, replacement.Burst)
	assert.Equal(t, old.Scopes, replacement.Scopes)
	assert.Equal(t, old.ExpiresAt, replacement.ExpiresAt)
	assert.True(t, replacement.IsActive)
	assert.False(t, replacement.IsRevoked)
}

// fakeRow feeds scanKey a stored row without a database.
type fakeRow struct {
	key models.APIKey
}

func (f fakeRow) Scan(dest ...interface{}) error {
	*dest[0].(*uuid.UUID) = f.key.KeyID
	*dest[1].(*uuid.UUID) = f.key.OwnerUserID
	*dest[2].(*string) = f.key.Name
	*dest[3].(*string) = f.key.SecretHash
	*dest[4].(*models.Tier) = f.key.Tier
	*dest[5].(*int) = f.key.RateLimit
	*dest[6].(*int64) = f.key.WindowMs
	*dest[7].(*int) = f.key.Burst
	*dest[8].(*pq.StringArray) = pq.StringArray(f.key.Scopes)
	*dest[9].(*bool) = f.key.IsActive
	*dest[10].(*bool) = f.key.IsRevoked
	*dest[11].(**time.Time) = f.key.ExpiresAt
	*dest[12].(*time.Time) = f.key.CreatedAt
	*dest[13].(**time.Time) = f.key.LastUsedAt
	return nil
}

func TestScanKeyRevokedRowIsDenied(t *testing.T) {
	repo := &APIKeyRepository{}
	stored := models.APIKey{
		KeyID:       uuid.New(),
		OwnerUserID: uuid.New(),
		Name:        "leaked-key",
		SecretHash:  hashSecret("ak_leaked"),
		Tier:        models.TierBasic,
		Scopes:      []string{"read"},
		IsActive:    false,
		IsRevoked:   true,
		CreatedAt:   time.Now().Add(-time.Hour),
	}

	key, err := repo.scanKey(fakeRow{key: stored})
	require.NoError(t, err)
	assert.Equal(t, stored.KeyID, key.KeyID)
	assert.Equal(t, []string{"read"}, key.Scopes)

	// Revocation is terminal: the validated row is still refused.
	assert.Equal(t, models.ErrKeyRevoked, keyUsable(key, time.Now()))
}

func TestGenerateSecret(t *testing.T) {
	a := generateSecret()
	b := generateSecret()

	assert.True(t, strings.HasPrefix(a, "ak_"))
	assert.Len(t, a, 3+64)
	assert.NotEqual(t, a, b)
}

func TestHashSecretIsDeterministicOneWay(t *testing.T) {
	h := hashSecret("ak_example")
	assert.Equal(t, h, hashSecret("ak_example"))
	assert.NotEqual(t, h, hashSecret("ak_other"))
	assert.Len(t, h, 64)
	assert.NotContains(t, h, "ak_example")
}
