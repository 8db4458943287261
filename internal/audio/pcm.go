package audio

import (
	"encoding/binary"
	"math"
)

// energyScale maps a speech-level RMS to 1.0.
const energyScale = 8000

func Int16ToBytes(samples []int16) []byte {
	b := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(b[2*i:], uint16(s))
	}
	return b
}

// BytesToInt16 decodes little-endian samples. A trailing odd byte is dropped.
func BytesToInt16(data []byte) []int16 {
	n := len(data) / 2
	out := make([]int16, n)
	for i := range n {
		out[i] = int16(binary.LittleEndian.Uint16(data[2*i:]))
	}
	return out
}

// Energy is the chunk's RMS divided by 8000, capped at 1.
func Energy(pcm []byte) float64 {
	samples := BytesToInt16(pcm)
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return math.Min(math.Sqrt(sum/float64(len(samples)))/energyScale, 1)
}
