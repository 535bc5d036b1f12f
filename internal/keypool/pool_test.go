package keypool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestPool(t *testing.T, secrets []string, dailyLimit int) *Pool {
	t.Helper()
	p, err := New(secrets, dailyLimit, 24*time.Hour, zap.NewNop())
	require.NoError(t, err)
	return p
}

func TestNewRequiresKeys(t *testing.T) {
	_, err := New(nil, 500, 24*time.Hour, zap.NewNop())
	assert.Error(t, err)
}

func TestAcquireRoundRobin(t *testing.T) {
	p := newTestPool(t, []string{"key-aaaa-1111", "key-bbbb-2222", "key-cccc-3333"}, 500)

	k1, err := p.Acquire()
	require.NoError(t, err)
	k2, err := p.Acquire()
	require.NoError(t, err)
	k3, err := p.Acquire()
	require.NoError(t, err)
	k4, err := p.Acquire()
	require.NoError(t, err)

	assert.Equal(t, 0, k1.ID)
	assert.Equal(t, 1, k2.ID)
	assert.Equal(t, 2, k3.ID)
	assert.Equal(t, 0, k4.ID)
}

func TestAcquireSkipsExhaustedKeys(t *testing.T) {
	p := newTestPool(t, []string{"key-aaaa-1111", "key-bbbb-2222"}, 2)

	// Use up the first key entirely
	k, err := p.Acquire()
	require.NoError(t, err)
	p.RecordUsage(k)
	p.RecordUsage(k)

	// All further acquisitions must route around it
	for i := 0; i < 4; i++ {
		got, err := p.Acquire()
		require.NoError(t, err)
		assert.NotEqual(t, k.ID, got.ID)
	}
}

func TestAcquireExhausted(t *testing.T) {
	p := newTestPool(t, []string{"key-aaaa-1111"}, 1)

	k, err := p.Acquire()
	require.NoError(t, err)
	p.RecordUsage(k)

	_, err = p.Acquire()
	assert.ErrorIs(t, err, ErrKeysExhausted)
}

func TestRecordFailureBlocksKey(t *testing.T) {
	p := newTestPool(t, []string{"key-aaaa-1111", "key-bbbb-2222"}, 500)

	k, err := p.Acquire()
	require.NoError(t, err)
	p.RecordFailure(k, "quota rejected")

	for i := 0; i < 3; i++ {
		got, err := p.Acquire()
		require.NoError(t, err)
		assert.NotEqual(t, k.ID, got.ID)
	}

	status := p.StatusSnapshot()
	assert.True(t, status.Keys[k.ID].Blocked)
	assert.Equal(t, 1, status.AvailableKeys)
}

func TestBlockExpires(t *testing.T) {
	p := newTestPool(t, []string{"key-aaaa-1111"}, 500)

	now := time.Now()
	p.now = func() time.Time { return now }

	k, err := p.Acquire()
	require.NoError(t, err)
	p.RecordFailure(k, "auth rejected")

	_, err = p.Acquire()
	assert.ErrorIs(t, err, ErrKeysExhausted)

	now = now.Add(25 * time.Hour)
	got, err := p.Acquire()
	require.NoError(t, err)
	assert.Equal(t, k.ID, got.ID)
}

func TestQuotaResetClearsUsageNotBlocks(t *testing.T) {
	p := newTestPool(t, []string{"key-aaaa-1111", "key-bbbb-2222"}, 2)

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }
	p.quotaResetAt = nextUTCMidnight(now)

	kA, err := p.Acquire()
	require.NoError(t, err)
	p.RecordUsage(kA)
	p.RecordUsage(kA)

	kB, err := p.Acquire()
	require.NoError(t, err)
	// Block the second key far beyond the next reset
	p.RecordFailure(kB, "quota rejected")

	// Cross the daily boundary
	now = now.Add(13 * time.Hour)

	status := p.StatusSnapshot()
	assert.Equal(t, 0, status.Keys[kA.ID].Used)
	assert.True(t, status.Keys[kB.ID].Blocked, "reset must not clear the block")
}

func TestUsageNeverExceedsLimit(t *testing.T) {
	p := newTestPool(t, []string{"key-aaaa-1111"}, 3)

	k, err := p.Acquire()
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		p.RecordUsage(k)
	}

	status := p.StatusSnapshot()
	assert.Equal(t, 3, status.Keys[0].Used)
	assert.Equal(t, 0, status.Keys[0].Remaining)
}

func TestStatusSnapshotMasksSecrets(t *testing.T) {
	p := newTestPool(t, []string{"key-secret-value-1234"}, 500)

	status := p.StatusSnapshot()
	require.Len(t, status.Keys, 1)
	assert.NotContains(t, status.Keys[0].Preview, "secret")
	assert.Equal(t, "key-****1234", status.Keys[0].Preview)
}

func TestTimeUntilReset(t *testing.T) {
	p := newTestPool(t, []string{"key-aaaa-1111"}, 500)

	now := time.Date(2025, 3, 1, 23, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }
	p.quotaResetAt = nextUTCMidnight(now)

	assert.Equal(t, time.Hour, p.TimeUntilReset())
}
