package queue

import "time"

const (
	BackoffExponential = "exponential"
	BackoffFixed       = "fixed"
)

// maxBackoffShift caps the exponent so the delay cannot overflow.
const maxBackoffShift = 20

// Backoff decides how long a failed job waits before its next attempt.
type Backoff struct {
	Type  string
	Delay time.Duration
}

func ExponentialBackoff(base time.Duration) Backoff {
	return Backoff{Type: BackoffExponential, Delay: base}
}

func FixedBackoff(delay time.Duration) Backoff {
	return Backoff{Type: BackoffFixed, Delay: delay}
}

// Next returns the wait after the given failed attempt, counting from 1. Exponential backoff
// doubles the base delay for every attempt after the first.
func (b Backoff) Next(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if b.Type != BackoffExponential {
		return b.Delay
	}
	shift := attempt - 1
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}
	return b.Delay * time.Duration(1<<shift)
}

func backoffOf(typ string, delayMs int64) Backoff {
	return Backoff{Type: typ, Delay: time.Duration(delayMs) * time.Millisecond}
}
