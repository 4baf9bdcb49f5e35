package http

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiterTable_PerKeyBuckets(t *testing.T) {
	table := newLimiterTable(1, 2)
	now := time.Unix(1_700_000_000, 0)

	require.True(t, table.allow("a", now), "burst of 2 must be allowed")
	require.True(t, table.allow("a", now), "burst of 2 must be allowed")
	assert.False(t, table.allow("a", now), "third request in the same instant must be refused")
	assert.True(t, table.allow("b", now), "another key has its own bucket")
	assert.True(t, table.allow("a", now.Add(time.Second)), "bucket must refill at 1 rps")
}

func TestLimiterTable_SweepsIdleBuckets(t *testing.T) {
	table := newLimiterTable(10, 10)
	start := time.Unix(1_700_000_000, 0)
	for i := 0; i < limiterSweepAt; i++ {
		table.allow(string(rune('a'+i%26))+time.Duration(i).String(), start)
	}
	table.allow("fresh", start.Add(limiterIdleTTL+time.Second))
	assert.Len(t, table.buckets, 1)
}

func TestCallerKey(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "10.1.2.3:5555"
	assert.Equal(t, "ip:10.1.2.3", callerKey(r))

	r.Header.Set("X-Forwarded-For", " 192.0.2.7 , 10.0.0.1")
	assert.Equal(t, "ip:192.0.2.7", callerKey(r))

	r.Header.Set("X-Service-Name", "billing")
	assert.Equal(t, "svc:billing", callerKey(r))
}
