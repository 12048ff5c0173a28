package utils

import (
	"math/rand"
	"time"
)

func Sleep(ms int) {
	time.Sleep(time.Duration(ms) * time.Millisecond)
}

// RandRange returns a random int in [min, max], used to jitter input timing so
// key presses do not land on a perfectly regular clock.
func RandRange(min, max int) int {
	if max <= min {
		return min
	}

	return min + rand.Intn(max-min+1)
}
