package sample

import (
	"log"
	"time"
)

// Converter is a stage between a sample producer and its consumer.
type Converter func(in <-chan Sample) <-chan Sample

// NewAveragingConverter creates a converter that keeps the last windowSize
// samples and emits their average once per interval. It decouples the output
// rate from the conversion rate of the chip. The output channel is closed
// after the input closes and any buffered samples are flushed.
func NewAveragingConverter(windowSize int, interval time.Duration, bufSize int) Converter {
	if windowSize <= 0 {
		windowSize = 1
	}
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	if bufSize <= 0 {
		bufSize = 100
	}

	return func(in <-chan Sample) <-chan Sample {
		out := make(chan Sample, bufSize)

		go func() {
			defer close(out)

			buffer := make([]Sample, 0, windowSize)
			fresh := false
			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			for {
				select {
				case s, ok := <-in:
					if !ok {
						if fresh {
							select {
							case out <- averageSamples(buffer):
							default:
							}
						}
						return
					}

					if len(buffer) == windowSize {
						buffer = append(buffer[:0], buffer[1:]...)
					}
					buffer = append(buffer, s)
					fresh = true

				case <-ticker.C:
					// Nothing new since the last tick, keep quiet.
					if !fresh {
						continue
					}
					fresh = false
					select {
					case out <- averageSamples(buffer):
					default:
						log.Printf("Averaging converter output channel full")
					}
				}
			}
		}()

		return out
	}
}

// averageSamples averages the values of samples. Timestamp, raw frame and
// temperature are taken from the most recent one.
func averageSamples(samples []Sample) Sample {
	if len(samples) == 0 {
		return Sample{}
	}

	var sum float64
	for _, s := range samples {
		sum += s.Value
	}

	avg := samples[len(samples)-1]
	avg.Value = sum / float64(len(samples))
	return avg
}
