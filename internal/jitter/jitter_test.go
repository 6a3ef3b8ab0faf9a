package jitter

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestUniform_WithinBounds(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	min, max := 30*time.Second, 90*time.Second
	for i := 0; i < 100; i++ {
		d := Uniform(min, max, rng)
		assert.GreaterOrEqual(t, d, min)
		assert.Less(t, d, max)
	}
}

func TestUniform_DegenerateRange(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	assert.Equal(t, 10*time.Second, Uniform(10*time.Second, 10*time.Second, rng))
	assert.Equal(t, 10*time.Second, Uniform(10*time.Second, 5*time.Second, rng))
}

func TestUniform_NilRand(t *testing.T) {
	d := Uniform(time.Second, 2*time.Second, nil)
	assert.GreaterOrEqual(t, d, time.Second)
	assert.Less(t, d, 2*time.Second)
}

func TestBackoff_GrowsAndCaps(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	base := time.Second
	maxDelay := 10 * time.Second

	prevFloor := time.Duration(0)
	for attempt := 0; attempt < 3; attempt++ {
		d := Backoff(attempt, base, maxDelay, rng)
		floor := base * (1 << attempt)
		assert.GreaterOrEqual(t, d, floor)
		assert.Less(t, d, floor+base)
		assert.Greater(t, floor, prevFloor)
		prevFloor = floor
	}

	// A large attempt count must still cap at maxDelay + jitter(0, base).
	d := Backoff(10, base, maxDelay, rng)
	assert.GreaterOrEqual(t, d, maxDelay)
	assert.Less(t, d, maxDelay+base)
}
