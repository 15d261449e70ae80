package dispatch

import (
	"errors"
	"math"
	"math/rand"
	"time"
)

// Policy controls redelivery of failed tasks. The delay before attempt n+1 is
// min(Initial * Factor^(n-1), Max), plus up to Jitter of that base.
type Policy struct {
	Initial    time.Duration `yaml:"initial"`
	Max        time.Duration `yaml:"max"`
	Factor     float64       `yaml:"factor"`
	Jitter     float64       `yaml:"jitter"`
	MaxDeliver int           `yaml:"max_deliver"`
}

// DefaultPolicy retries after 1m, 2m, 4m, 8m and gives up on the fifth
// delivery.
func DefaultPolicy() Policy {
	return Policy{
		Initial:    time.Minute,
		Max:        time.Hour,
		Factor:     2,
		Jitter:     0,
		MaxDeliver: 5,
	}
}

func (p Policy) Validate() error {
	if p.Initial < 0 {
		return errors.New("backoff initial must be >= 0")
	}
	if p.Max < p.Initial {
		return errors.New("backoff max must be >= initial")
	}
	if p.Factor < 1 {
		return errors.New("backoff factor must be >= 1")
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		return errors.New("backoff jitter must be within [0,1]")
	}
	if p.MaxDeliver < 1 {
		return errors.New("max deliver must be >= 1")
	}
	return nil
}

// Delay returns the wait after the given failed attempt.
func (p Policy) Delay(attempt int) time.Duration {
	return p.delayWithRand(attempt, rand.Float64()) // #nosec G404 -- jitter does not need crypto randomness
}

func (p Policy) delayWithRand(attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.Initial) * math.Pow(p.Factor, exp)
	total := math.Min(float64(p.Max), base+base*p.Jitter*randomValue)
	return time.Duration(math.Round(total))
}

type verdict int

const (
	verdictAck verdict = iota
	verdictRetry
	verdictAbandon
)

func (v verdict) String() string {
	switch v {
	case verdictAck:
		return "ack"
	case verdictRetry:
		return "retry"
	case verdictAbandon:
		return "abandon"
	default:
		return "unknown"
	}
}

// judge decides what happens to a delivery after its handler returned err.
func (p Policy) judge(err error, attempt int) (verdict, time.Duration) {
	switch {
	case err == nil:
		return verdictAck, 0
	case IsPermanent(err), attempt >= p.MaxDeliver:
		return verdictAbandon, 0
	default:
		return verdictRetry, p.Delay(attempt)
	}
}
