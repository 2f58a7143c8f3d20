// Package temperature polls a 1-wire style temperature source and publishes
// the latest reading for load cell drift compensation.
package temperature

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"periph.io/x/conn/v3/physic"
)

const (
	// ReadyToken must appear on the first line of the source.
	ReadyToken = "YES"

	valuePrefix = "t="
)

var (
	ErrNotReady = errors.New("temperature: sensor is not ready")
	ErrNoValue  = errors.New("temperature: value not found")
)

// Snapshot is the published temperature state.
type Snapshot struct {
	Milli  int       // last good value, millidegrees Celsius
	Valid  bool      // at least one value has been read
	Failed bool      // the latest poll cycle failed
	At     time.Time // time of the latest poll cycle
}

// Temperature returns Milli as a physic.Temperature.
func (s Snapshot) Temperature() physic.Temperature {
	return physic.ZeroCelsius + physic.Temperature(s.Milli)*physic.MilliKelvin
}

// Cell is a temperature snapshot shared between the poller and its readers.
// Locks are held only for the copy in or out.
type Cell struct {
	mu   sync.RWMutex
	snap Snapshot
}

// Store publishes a good value and clears the failure flag.
func (c *Cell) Store(milli int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snap = Snapshot{Milli: milli, Valid: true, At: time.Now()}
}

// Fail marks the current cycle as failed, keeping the last good value.
func (c *Cell) Fail() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snap.Failed = true
	c.snap.At = time.Now()
}

// Load returns a copy of the snapshot.
func (c *Cell) Load() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap
}

// Parse reads a two line source: the first line must contain ReadyToken and
// the second carries "t=<millidegrees>".
func Parse(r io.Reader) (int, error) {
	sc := bufio.NewScanner(r)
	if !sc.Scan() || !strings.Contains(sc.Text(), ReadyToken) {
		return 0, ErrNotReady
	}
	if !sc.Scan() {
		return 0, ErrNoValue
	}

	line := sc.Text()
	i := strings.Index(line, valuePrefix)
	if i < 0 {
		return 0, ErrNoValue
	}
	s := strings.TrimSpace(line[i+len(valuePrefix):])
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("temperature: parse %q: %w", s, err)
	}
	return n, nil
}
