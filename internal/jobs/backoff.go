package jobs

import (
	"math"
	"math/rand"
	"time"
)

// BackoffPolicy defines the parameters for exponential backoff between job attempts.
type BackoffPolicy struct {
	// InitialMs is the delay after the first failed attempt.
	InitialMs float64
	MaxMs     float64
	Factor    float64
	// Jitter is the randomization factor (0.0 to 1.0) applied on top of the base delay.
	Jitter float64
}

func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{
		InitialMs: 2000,
		MaxMs:     300000,
		Factor:    2,
		Jitter:    0.1,
	}
}

// ComputeBackoff returns min(max, initial*factor^(attempt-1) * (1 + jitter*rand)).
// Attempt numbers start at 1.
func ComputeBackoff(policy BackoffPolicy, attempt int) time.Duration {
	return ComputeBackoffWithRand(policy, attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

func ComputeBackoffWithRand(policy BackoffPolicy, attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := policy.InitialMs * math.Pow(policy.Factor, exp)
	jitterAmount := base * policy.Jitter * randomValue
	total := math.Min(policy.MaxMs, base+jitterAmount)
	return time.Duration(math.Round(total)) * time.Millisecond
}
