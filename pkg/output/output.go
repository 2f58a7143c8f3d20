// Package output writes accepted weight samples to a terminal, a pipe or a
// serial port.
package output

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"

	"go.bug.st/serial"

	"github.com/itohio/gohx711/pkg/config"
	"github.com/itohio/gohx711/pkg/sample"
)

// Formats.
const (
	FormatHuman = "human"
	FormatHex   = "hex"
)

// Sink consumes samples.
type Sink interface {
	Write(s sample.Sample) error
	Close() error
}

// Writer formats samples onto an io.Writer.
type Writer struct {
	w      io.Writer
	human  bool
	closer io.Closer
}

// NewHex writes one line per sample: the 16 hex characters of the
// little-endian IEEE-754 bytes of the value.
func NewHex(w io.Writer) *Writer {
	return &Writer{w: w}
}

// NewHuman overwrites a single terminal line per sample with the hex encoded
// value, the compensation temperature in millidegrees and the decimal value.
func NewHuman(w io.Writer) *Writer {
	return &Writer{w: w, human: true}
}

// Write formats s.
func (w *Writer) Write(s sample.Sample) error {
	var err error
	if w.human {
		temp := "-"
		if s.TemperatureValid {
			temp = strconv.Itoa(s.Temperature)
		}
		_, err = fmt.Fprintf(w.w, "\r%s %s %s\x1b[K", sample.EncodeFloat(s.Value), temp, strconv.FormatFloat(s.Value, 'f', -1, 64))
	} else {
		_, err = fmt.Fprintln(w.w, sample.EncodeFloat(s.Value))
	}
	return err
}

// Close closes the underlying port, if the Writer owns one. A human line is
// terminated so the shell prompt starts on a fresh line.
func (w *Writer) Close() error {
	if w.human {
		fmt.Fprintln(w.w)
	}
	if w.closer != nil {
		return w.closer.Close()
	}
	return nil
}

// openPort is replaced in tests.
var openPort = func(name string, baudRate int) (io.WriteCloser, error) {
	return serial.Open(name, &serial.Mode{BaudRate: baudRate})
}

// OpenSerial opens a serial port and writes samples to it in the given format.
func OpenSerial(port string, baudRate int, format string) (*Writer, error) {
	conn, err := openPort(port, baudRate)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", port, err)
	}
	w := &Writer{w: conn, human: format == FormatHuman, closer: conn}
	return w, nil
}

// Ports returns the names of the serial ports present on the system.
func Ports() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}
	return ports, nil
}

// New builds the sink described by cfg. Samples go to the serial port when one
// is configured, to stdout otherwise.
func New(cfg *config.OutputConfig, stdout io.Writer) (Sink, error) {
	if stdout == nil {
		stdout = os.Stdout
	}
	switch cfg.Format {
	case FormatHuman, FormatHex:
	default:
		return nil, fmt.Errorf("unknown output format %q", cfg.Format)
	}

	if cfg.SerialPort != "" {
		return OpenSerial(cfg.SerialPort, cfg.BaudRate, cfg.Format)
	}
	if cfg.Format == FormatHuman {
		return NewHuman(stdout), nil
	}
	return NewHex(stdout), nil
}

// Drain copies samples into sink until the channel closes or ctx is done.
// The sink is not closed.
func Drain(ctx context.Context, samples <-chan sample.Sample, sink Sink) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case s, ok := <-samples:
			if !ok {
				return nil
			}
			if err := sink.Write(s); err != nil {
				return fmt.Errorf("output: %w", err)
			}
		}
	}
}
