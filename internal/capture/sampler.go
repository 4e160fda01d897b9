package capture

import (
	"encoding/binary"
	"math"

	"github.com/spaolacci/murmur3"
)

// Sampler decides whether a high-frequency signal is forwarded.
type Sampler interface {
	Keep(sig Signal) bool
}

// HashSampler forwards a signal when the murmur3 hash of its own platform
// timestamp lands in the lowest Percent of 100 buckets. The same recording
// therefore always samples the same way.
type HashSampler struct {
	Percent uint32
}

func (h HashSampler) Keep(sig Signal) bool {
	if h.Percent >= 100 {
		return true
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], math.Float64bits(sig.TimeStamp))
	return murmur3.Sum32(buf[:])%100 < h.Percent
}
