package mining

import (
	"crypto/rand"
	"encoding/binary"
	"math"
)

// Roller is the randomness source for outcomes.
type Roller interface {
	// Float64 returns a uniform value in [0, 1).
	Float64() float64
	// Int63n returns a uniform value in [0, n).
	Int63n(n int64) int64
}

// CryptoRoller draws from crypto/rand so outcomes cannot be predicted
// from earlier ones.
type CryptoRoller struct{}

func (CryptoRoller) Float64() float64 {
	return float64(randUint64()>>11) / (1 << 53)
}

func (CryptoRoller) Int63n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	// Rejection sampling keeps the draw unbiased.
	limit := math.MaxUint64 - math.MaxUint64%uint64(n)
	for {
		v := randUint64()
		if v < limit {
			return int64(v % uint64(n))
		}
	}
}

func randUint64() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand only fails if the OS entropy source is broken.
		panic("mining: crypto/rand unavailable: " + err.Error())
	}
	return binary.LittleEndian.Uint64(b[:])
}

// Chance is the success probability of one attempt.
func Chance(baseRate, rarity, tierMult, capAt float64) float64 {
	return math.Min(baseRate*rarity*tierMult, capAt)
}

// Quantity scales a uniform draw in [lo, hi] by the tier multiplier,
// floors it, and bounds it to [1, available].
func Quantity(r Roller, lo, hi int64, tierMult float64, available int64) int64 {
	q := lo
	if hi > lo {
		q += r.Int63n(hi - lo + 1)
	}
	scaled := int64(math.Floor(float64(q) * tierMult))
	if scaled < 1 {
		scaled = 1
	}
	if available > 0 && scaled > available {
		scaled = available
	}
	return scaled
}
