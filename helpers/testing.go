package helpers

import (
	"math/rand"
	"time"
)

// RandUnix is for tests, seeded by current time.
func RandUnix() *rand.Rand {
	return rand.New(rand.NewSource(time.Now().UnixNano()))
}
