package gateway

import (
	"fmt"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRateLimiterPerKey(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	rl := NewRateLimiter(60, 2)
	rl.now = func() time.Time { return now }

	if !rl.Allow("a") || !rl.Allow("a") {
		t.Fatal("burst of 2 should pass")
	}
	if rl.Allow("a") {
		t.Error("third immediate request should be limited")
	}
	if !rl.Allow("b") {
		t.Error("other keys are independent")
	}

	now = now.Add(time.Second)
	if !rl.Allow("a") {
		t.Error("one token should refill after a second at 60 rpm")
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	for _, rpm := range []int{0, -1} {
		rl := NewRateLimiter(rpm, 1)
		for i := 0; i < 10; i++ {
			if !rl.Allow("x") {
				t.Fatalf("rpm=%d limited request %d", rpm, i)
			}
		}
	}
	var nilLimiter *RateLimiter
	if !nilLimiter.Allow("x") {
		t.Error("nil limiter must allow")
	}
}

func TestRateLimiterBoundedKeys(t *testing.T) {
	rl := NewRateLimiter(60, 1)
	for i := 0; i < maxTrackedKeys+100; i++ {
		rl.Allow(fmt.Sprintf("10.0.%d.%d", i/256, i%256))
	}
	if n := len(rl.entries); n > maxTrackedKeys {
		t.Errorf("tracked %d keys, cap is %d", n, maxTrackedKeys)
	}
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "192.0.2.7:51234"
	if got := ClientIP(r); got != "192.0.2.7" {
		t.Errorf("ClientIP = %q", got)
	}
}
