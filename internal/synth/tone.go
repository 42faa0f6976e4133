package synth

import (
	"encoding/binary"
	"math"

	"github.com/mvallone/dubsync/internal/audio"
)

// writeToneWAV produces a gated tone of the given duration. It stands in for
// real speech in tests and dry runs: loud enough to pass the volume floor and
// gated so the dynamics score resembles speech.
func writeToneWAV(path string, seconds float64, rate int) error {
	if seconds < 0 {
		seconds = 0
	}
	n := int(seconds*float64(rate) + 0.5)
	pcm := make([]byte, n*2)
	gatePeriod := rate / 20
	if gatePeriod < 1 {
		gatePeriod = 1
	}
	for i := 0; i < n; i++ {
		if (i/gatePeriod)%2 == 0 {
			v := math.Sin(2 * math.Pi * 220 * float64(i) / float64(rate))
			binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(v*0.5*32767)))
		}
	}
	return audio.WriteWAVPCM16LEFile(path, pcm, rate)
}
