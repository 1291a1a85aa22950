package limits

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestPerIPBurstExhaustion(t *testing.T) {
	l := NewConnRateLimiter(ConnRateConfig{IPBurst: 3, IPRate: 0.001, GlobalBurst: 100, GlobalRate: 100}, zerolog.Nop())
	defer l.Stop()

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("10.0.0.1"), "attempt %d", i)
	}
	assert.False(t, l.Allow("10.0.0.1"))

	// Another IP has its own bucket.
	assert.True(t, l.Allow("10.0.0.2"))
	assert.Equal(t, 2, l.TrackedIPs())
}

func TestGlobalBurstExhaustion(t *testing.T) {
	l := NewConnRateLimiter(ConnRateConfig{IPBurst: 100, IPRate: 100, GlobalBurst: 2, GlobalRate: 0.001}, zerolog.Nop())
	defer l.Stop()

	assert.True(t, l.Allow("10.0.0.1"))
	assert.True(t, l.Allow("10.0.0.2"))
	assert.False(t, l.Allow("10.0.0.3"))
}

func TestGuardConnectionCap(t *testing.T) {
	g := NewResourceGuard(GuardConfig{MaxConnections: 2}, zerolog.Nop())

	ok, _ := g.Admit()
	assert.True(t, ok)
	ok, _ = g.Admit()
	assert.True(t, ok)
	ok, reason := g.Admit()
	assert.False(t, ok)
	assert.Contains(t, reason, "max connections")

	g.Release()
	ok, _ = g.Admit()
	assert.True(t, ok)
	assert.Equal(t, int64(2), g.Connections())
}
