package tools

import "time"

func FrameSamples(duration time.Duration, rate, channels int) int {
	return int(duration.Seconds() * float64(channels) * float64(rate))
}

// frameMillis converts a sample count at rate to whole milliseconds.
func frameMillis(samples uint64, rate int) int64 {
	if rate <= 0 {
		return 0
	}
	return int64(samples) * 1000 / int64(rate)
}

// opusBytesPerSecond covers Opus voice at up to 64 kbit/s plus WebM block
// overhead.
const opusBytesPerSecond = 8 << 10

// chunkCapacity estimates the bytes one WebM/Opus chunk of duration holds.
func chunkCapacity(duration time.Duration) int {
	if duration <= 0 {
		return 0
	}
	return int(duration.Seconds() * opusBytesPerSecond)
}
