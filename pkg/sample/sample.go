package sample

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"time"
)

// HexLen is the length of a hex encoded float64.
const HexLen = 16

// Sample is one accepted weight estimate.
type Sample struct {
	Timestamp time.Time
	Value     float64 // calibrated, filtered weight
	Raw       int32   // raw frame that produced it

	Temperature      int  // millidegrees Celsius used for compensation
	TemperatureValid bool // false when no temperature was available
}

// EncodeFloat returns the 16 hex characters of the little-endian IEEE-754
// bytes of v.
func EncodeFloat(v float64) string {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], math.Float64bits(v))
	return hex.EncodeToString(b[:])
}

// DecodeFloat is the inverse of EncodeFloat. Upper and lower case are
// accepted.
func DecodeFloat(s string) (float64, error) {
	if len(s) != HexLen {
		return 0, fmt.Errorf("invalid hex float %q: expected %d characters, got %d", s, HexLen, len(s))
	}
	var b [8]byte
	if _, err := hex.Decode(b[:], []byte(s)); err != nil {
		return 0, fmt.Errorf("invalid hex float %q: %w", s, err)
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(b[:])), nil
}

// DecodeAlignment splits a packed calibration string into k and b: the
// first 16 hex characters encode k, the next 16 encode b.
func DecodeAlignment(s string) (k, b float64, err error) {
	if len(s) != 2*HexLen {
		return 0, 0, fmt.Errorf("invalid alignment: expected %d characters, got %d", 2*HexLen, len(s))
	}
	if k, err = DecodeFloat(s[:HexLen]); err != nil {
		return 0, 0, fmt.Errorf("invalid alignment k: %w", err)
	}
	if b, err = DecodeFloat(s[HexLen:]); err != nil {
		return 0, 0, fmt.Errorf("invalid alignment b: %w", err)
	}
	return k, b, nil
}
