package approval

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func newTestManager(t *testing.T, now time.Time) (*Manager, *time.Time) {
	t.Helper()
	current := now
	store := NewMemoryReplayStore().WithClock(func() time.Time { return current })
	m, err := NewManager(testSecret, store, false, WithClock(func() time.Time { return current }))
	require.NoError(t, err)
	return m, &current
}

func TestNewManager_SecretValidation(t *testing.T) {
	_, err := NewManager("", nil, false)
	assert.ErrorIs(t, err, ErrEmptySecret)

	_, err = NewManager("short", nil, false)
	assert.ErrorIs(t, err, ErrWeakSecret)

	// Dev mode tolerates weak secrets.
	_, err = NewManager("short", nil, true)
	assert.NoError(t, err)
}

func TestSign_Format(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	m, _ := newTestManager(t, now)

	token, err := m.Sign("thread:user:hash")
	require.NoError(t, err)

	parts := strings.Split(token, ".")
	require.Len(t, parts, 4)
	assert.Equal(t, "v1", parts[0])
	assert.Equal(t, "1700000000", parts[1])
	assert.Len(t, parts[2], 16)
	assert.Len(t, parts[3], 64)
}

func TestVerifyAndConsume_SingleUse(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	m, _ := newTestManager(t, now)
	ctx := context.Background()

	token, err := m.Sign("t1:u1:h1")
	require.NoError(t, err)

	assert.True(t, m.VerifyAndConsume(ctx, token, "t1:u1:h1", DefaultMaxAge), "first consumption")
	assert.False(t, m.VerifyAndConsume(ctx, token, "t1:u1:h1", DefaultMaxAge), "replay must fail")
}

func TestVerifyAndConsume_PayloadBinding(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	m, _ := newTestManager(t, now)
	ctx := context.Background()

	token, err := m.Sign("t1:u1:h1")
	require.NoError(t, err)

	// Wrong thread, user, or hash must all fail, and the failures must not
	// consume the token.
	assert.False(t, m.VerifyAndConsume(ctx, token, "t2:u1:h1", DefaultMaxAge))
	assert.False(t, m.VerifyAndConsume(ctx, token, "t1:u2:h1", DefaultMaxAge))
	assert.False(t, m.VerifyAndConsume(ctx, token, "t1:u1:h2", DefaultMaxAge))
	assert.True(t, m.VerifyAndConsume(ctx, token, "t1:u1:h1", DefaultMaxAge))
}

func TestVerifyAndConsume_AgeBoundary(t *testing.T) {
	issued := time.Unix(1_700_000_000, 0)
	m, current := newTestManager(t, issued)
	ctx := context.Background()

	token, err := m.Sign("t:u:h")
	require.NoError(t, err)

	// Exactly 300 seconds old: still valid.
	*current = issued.Add(300 * time.Second)
	assert.True(t, m.Verify(token, "t:u:h", DefaultMaxAge))

	// 301 seconds: expired.
	*current = issued.Add(301 * time.Second)
	assert.False(t, m.VerifyAndConsume(ctx, token, "t:u:h", DefaultMaxAge))
}

func TestVerifyAndConsume_FutureTimestamp(t *testing.T) {
	issued := time.Unix(1_700_000_000, 0)
	m, current := newTestManager(t, issued)

	token, err := m.Sign("t:u:h")
	require.NoError(t, err)

	// Clock regressions must not make the token look fresh forever.
	*current = issued.Add(-2 * time.Second)
	assert.False(t, m.Verify(token, "t:u:h", DefaultMaxAge))
}

func TestVerifyAndConsume_Malformed(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	m, _ := newTestManager(t, now)
	ctx := context.Background()

	token, err := m.Sign("t:u:h")
	require.NoError(t, err)
	parts := strings.Split(token, ".")

	cases := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"too few segments", "v1.123.deadbeef"},
		{"wrong version", "v2." + parts[1] + "." + parts[2] + "." + parts[3]},
		{"short nonce", "v1." + parts[1] + ".abcd." + parts[3]},
		{"non-numeric timestamp", "v1.notatime." + parts[2] + "." + parts[3]},
		{"tampered signature", parts[0] + "." + parts[1] + "." + parts[2] + "." + strings.Repeat("0", 64)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.False(t, m.VerifyAndConsume(ctx, tc.token, "t:u:h", DefaultMaxAge))
		})
	}
}

func TestMemoryReplayStore_Sweep(t *testing.T) {
	current := time.Unix(1_700_000_000, 0)
	store := NewMemoryReplayStore().WithClock(func() time.Time { return current })
	ctx := context.Background()

	first, err := store.ConsumeOnce(ctx, "k1", time.Minute)
	require.NoError(t, err)
	assert.True(t, first)
	assert.Equal(t, 1, store.Len())

	current = current.Add(2 * time.Minute)
	_, err = store.ConsumeOnce(ctx, "k2", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, store.Len(), "expired entry swept")
}

func TestBindingPayload(t *testing.T) {
	assert.Equal(t, "th:us:ha", BindingPayload("th", "us", "ha"))
}

// Sign then VerifyAndConsume succeeds exactly once for the matching payload
// and never for a mutated one.
func TestSignVerify_Property(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("round trip, one-shot, binding", prop.ForAll(
		func(thread, user, hash string) bool {
			current := time.Unix(1_700_000_000, 0)
			store := NewMemoryReplayStore().WithClock(func() time.Time { return current })
			m, err := NewManager(testSecret, store, false, WithClock(func() time.Time { return current }))
			if err != nil {
				return false
			}
			ctx := context.Background()
			payload := BindingPayload(thread, user, hash)

			token, err := m.Sign(payload)
			if err != nil {
				return false
			}
			if m.VerifyAndConsume(ctx, token, payload+"x", DefaultMaxAge) {
				return false
			}
			if !m.VerifyAndConsume(ctx, token, payload, DefaultMaxAge) {
				return false
			}
			return !m.VerifyAndConsume(ctx, token, payload, DefaultMaxAge)
		},
		gen.Identifier(), gen.Identifier(), gen.Identifier(),
	))

	properties.TestingRun(t)
}

func TestSign_DeterministicWithFixedRand(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	entropy := bytes.NewReader(bytes.Repeat([]byte{0xAB}, 8))
	m, err := NewManager(testSecret, nil, false, WithClock(fixedClock(now)), WithRand(entropy))
	require.NoError(t, err)

	token, err := m.Sign("p")
	require.NoError(t, err)
	assert.Contains(t, token, ".abababababababab.")
}
