package workflow

import (
	"errors"
	"math/rand"
	"testing"
	"time"
)

func TestRetryPolicy_Validate(t *testing.T) {
	tests := []struct {
		name    string
		policy  RetryPolicy
		wantErr bool
	}{
		{
			name:   "valid policy",
			policy: RetryPolicy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: time.Minute},
		},
		{
			name:    "zero max attempts",
			policy:  RetryPolicy{MaxAttempts: 0, BaseDelay: time.Second, MaxDelay: time.Minute},
			wantErr: true,
		},
		{
			name:    "negative max attempts",
			policy:  RetryPolicy{MaxAttempts: -1},
			wantErr: true,
		},
		{
			name:    "max delay below base delay",
			policy:  RetryPolicy{MaxAttempts: 3, BaseDelay: time.Minute, MaxDelay: time.Second},
			wantErr: true,
		},
		{
			name:   "zero delays are allowed (computeBackoff supplies its own defaults)",
			policy: RetryPolicy{MaxAttempts: 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			if tt.wantErr && !errors.Is(err, ErrInvalidRetryPolicy) {
				t.Fatalf("Validate() = %v, want ErrInvalidRetryPolicy", err)
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("Validate() = %v, want nil", err)
			}
		})
	}
}

func TestComputeBackoff_RespectsMaxDelay(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	rp := RetryPolicy{MaxAttempts: 20, BaseDelay: time.Second, MaxDelay: 5 * time.Second}

	for attempt := 0; attempt < 10; attempt++ {
		delay := computeBackoff(attempt, rp, rng)
		// The jitter term is in [0, BaseDelay), so the ceiling is
		// MaxDelay + BaseDelay.
		if delay < 0 || delay > rp.MaxDelay+rp.BaseDelay {
			t.Fatalf("computeBackoff(%d) = %v, want in [0, %v]", attempt, delay, rp.MaxDelay+rp.BaseDelay)
		}
	}
}

func TestComputeBackoff_GrowsWithAttempt(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	rp := RetryPolicy{MaxAttempts: 20, BaseDelay: time.Second, MaxDelay: time.Hour}

	first := computeBackoff(0, rp, rng)
	later := computeBackoff(5, rp, rng)
	if later <= first {
		t.Fatalf("computeBackoff(5) = %v, want greater than computeBackoff(0) = %v", later, first)
	}
}

func TestComputeBackoff_ZeroBaseDelayFallsBackToOneSecond(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	rp := RetryPolicy{MaxAttempts: 1}

	delay := computeBackoff(0, rp, rng)
	if delay < time.Second || delay > 2*time.Second {
		t.Fatalf("computeBackoff with zero BaseDelay = %v, want in [1s, 2s)", delay)
	}
}
