package backoff

import (
	"math/rand"
	"testing"
	"time"
)

func TestDelayGrowsExponentiallyAndCaps(t *testing.T) {
	p := Policy{BaseDelay: time.Second, MaxDelay: 300 * time.Second, Jitter: 0}

	want := []time.Duration{
		1 * time.Second,   // attempt 1
		2 * time.Second,   // attempt 2
		4 * time.Second,   // attempt 3
		8 * time.Second,   // attempt 4
		16 * time.Second,  // attempt 5
		32 * time.Second,  // attempt 6
		64 * time.Second,  // attempt 7
		128 * time.Second, // attempt 8
		256 * time.Second, // attempt 9
		300 * time.Second, // attempt 10 封顶
		300 * time.Second, // attempt 11
	}
	for i, w := range want {
		got := p.Delay(i + 1)
		if got != w {
			t.Fatalf("attempt %d: delay = %v, want %v", i+1, got, w)
		}
	}
}

func TestDelayJitterStaysInBounds(t *testing.T) {
	p := Policy{BaseDelay: time.Second, MaxDelay: 300 * time.Second, Jitter: 0.2}
	r := rand.New(rand.NewSource(42))

	for attempt := 1; attempt <= 10; attempt++ {
		raw := Policy{BaseDelay: p.BaseDelay, MaxDelay: p.MaxDelay}.Delay(attempt)
		lo := time.Duration(float64(raw) * 0.8)
		hi := time.Duration(float64(raw) * 1.2)
		for i := 0; i < 200; i++ {
			d := p.DelayWithRand(attempt, r)
			if d < lo || d > hi {
				t.Fatalf("attempt %d: delay %v outside [%v, %v]", attempt, d, lo, hi)
			}
		}
	}
}

func TestDelayDefaultsAndOverflow(t *testing.T) {
	var p Policy // 全零值走默认
	if got := p.DelayWithRand(1, rand.New(rand.NewSource(1))); got == 0 {
		t.Fatalf("zero-value policy should use defaults, got 0")
	}

	// 巨大 attempt 不得溢出为负
	big := Policy{BaseDelay: time.Second, MaxDelay: 300 * time.Second, Jitter: 0}
	if got := big.Delay(1000); got != 300*time.Second {
		t.Fatalf("attempt 1000: delay = %v, want cap 300s", got)
	}

	// attempt < 1 按 1 处理
	if got := big.Delay(0); got != time.Second {
		t.Fatalf("attempt 0: delay = %v, want base 1s", got)
	}
}
