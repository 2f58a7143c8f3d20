package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration.
type Config struct {
	GPIO        GPIOConfig        `yaml:"gpio"`
	Calibration CalibrationConfig `yaml:"calibration"`
	Filter      FilterConfig      `yaml:"filter"`
	Kalman      KalmanConfig      `yaml:"kalman"`
	Temperature TemperatureConfig `yaml:"temperature"`
	Output      OutputConfig      `yaml:"output"`
	Mock        MockConfig        `yaml:"mock"`
	Debug       bool              `yaml:"debug"`
}

// GPIOConfig selects the GPIO backend and the lines the HX711 is wired to.
type GPIOConfig struct {
	Backend  string `yaml:"backend"` // gpiocdev, periph or mock
	Chip     string `yaml:"chip"`    // gpiocdev chip name, e.g. gpiochip0
	DataPin  int    `yaml:"data_pin"`
	ClockPin int    `yaml:"clock_pin"`
	Gain     uint8  `yaml:"gain"` // 1: A/128, 2: B/32, 3: A/64
}

// CalibrationConfig maps raw counts to weight: value = raw*k*correction_factor + b + offset.
type CalibrationConfig struct {
	K                float64 `yaml:"k"`
	B                float64 `yaml:"b"`
	Offset           float64 `yaml:"offset"`
	CorrectionFactor float64 `yaml:"correction_factor"`
}

// FilterConfig contains the averaging and tolerance filter parameters.
type FilterConfig struct {
	MovingAverage   int     `yaml:"moving_average"`
	SettlingWindow  int     `yaml:"settling_window"`
	TAFilter        bool    `yaml:"ta_filter"`
	DeviationFactor float64 `yaml:"deviation_factor"`
	DeviationValue  float64 `yaml:"deviation_value"`
	Retries         int     `yaml:"retries"`
}

// KalmanConfig contains the scalar Kalman filter parameters.
type KalmanConfig struct {
	Enable bool    `yaml:"enable"`
	Q      float64 `yaml:"q"`
	R      float64 `yaml:"r"`
	F      float64 `yaml:"f"`
	H      float64 `yaml:"h"`
}

// TemperatureConfig contains the drift compensation parameters.
type TemperatureConfig struct {
	Enable   bool          `yaml:"enable"`
	Source   string        `yaml:"source"`   // 1-wire slave file
	Factor   float64       `yaml:"factor"`   // counts per millidegree
	Base     int           `yaml:"base"`     // millidegrees Celsius
	Interval time.Duration `yaml:"interval"` // poll interval
}

// OutputConfig selects where accepted samples go.
type OutputConfig struct {
	Format     string        `yaml:"format"` // human or hex
	SerialPort string        `yaml:"serial_port"`
	BaudRate   int           `yaml:"baud_rate"`
	Average    int           `yaml:"average"`  // samples averaged per output line (0 = disabled)
	Interval   time.Duration `yaml:"interval"` // output period when averaging
}

// MockConfig contains simulated load cell parameters.
type MockConfig struct {
	Base        int32         `yaml:"base"`         // raw counts
	Noise       int32         `yaml:"noise"`        // peak noise in raw counts
	SampleRate  time.Duration `yaml:"sample_rate"`  // time between frames
	GlitchEvery int           `yaml:"glitch_every"` // every n-th frame is invalid (0 = never)
}

// Default returns a default configuration with sensible values.
func Default() *Config {
	return &Config{
		GPIO: GPIOConfig{
			Backend:  "gpiocdev",
			Chip:     "gpiochip0",
			DataPin:  5,
			ClockPin: 6,
			Gain:     1,
		},
		Calibration: CalibrationConfig{
			K:                1,
			CorrectionFactor: 1,
		},
		Filter: FilterConfig{
			MovingAverage:   10,
			SettlingWindow:  1,
			DeviationFactor: 0.1,
			DeviationValue:  0,
			Retries:         3,
		},
		Kalman: KalmanConfig{
			Q: 0.01,
			R: 1,
			F: 1,
			H: 1,
		},
		Temperature: TemperatureConfig{
			Source:   "/sys/bus/w1/devices/28-000000000000/w1_slave",
			Base:     20000,
			Interval: 2 * time.Second,
		},
		Output: OutputConfig{
			Format:   "hex",
			BaudRate: 115200,
			Interval: 100 * time.Millisecond,
		},
		Mock: MockConfig{
			Base:        100000,
			Noise:       50,
			SampleRate:  100 * time.Millisecond, // 10 SPS, RATE pin low
			GlitchEvery: 0,
		},
	}
}

// Load loads configuration from a YAML file. If the file doesn't exist or
// fields are missing, it uses default values.
func Load(filename string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			// File doesn't exist, return defaults
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Ensure minimum required fields are set (use defaults if missing)
	cfg.ensureDefaults()

	return cfg, nil
}

// Save saves the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ensureDefaults ensures that fields where zero is meaningless have default
// values if missing.
func (c *Config) ensureDefaults() {
	def := Default()

	if c.GPIO.Backend == "" {
		c.GPIO.Backend = def.GPIO.Backend
	}
	if c.GPIO.Chip == "" {
		c.GPIO.Chip = def.GPIO.Chip
	}
	if c.GPIO.Gain == 0 {
		c.GPIO.Gain = def.GPIO.Gain
	}

	if c.Calibration.CorrectionFactor == 0 {
		c.Calibration.CorrectionFactor = def.Calibration.CorrectionFactor
	}

	if c.Kalman.F == 0 {
		c.Kalman.F = def.Kalman.F
	}
	if c.Kalman.H == 0 {
		c.Kalman.H = def.Kalman.H
	}

	if c.Temperature.Interval == 0 {
		c.Temperature.Interval = def.Temperature.Interval
	}

	if c.Output.Format == "" {
		c.Output.Format = def.Output.Format
	}
	if c.Output.BaudRate == 0 {
		c.Output.BaudRate = def.Output.BaudRate
	}
	if c.Output.Interval == 0 {
		c.Output.Interval = def.Output.Interval
	}

	if c.Mock.SampleRate == 0 {
		c.Mock.SampleRate = def.Mock.SampleRate
	}
}

// Validate reports every setting that would make the device misbehave.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	switch c.GPIO.Backend {
	case "gpiocdev", "periph", "mock":
	default:
		errs = append(errs, fmt.Errorf("gpio.backend %q is not one of gpiocdev, periph, mock", c.GPIO.Backend))
	}
	check(c.GPIO.DataPin >= 0, "gpio.data_pin must be >= 0")
	check(c.GPIO.ClockPin >= 0, "gpio.clock_pin must be >= 0")
	check(c.GPIO.DataPin != c.GPIO.ClockPin, "gpio.data_pin and gpio.clock_pin must differ")
	check(c.GPIO.Gain >= 1 && c.GPIO.Gain <= 3, "gpio.gain must be 1, 2 or 3")

	check(c.Filter.MovingAverage >= 1, "filter.moving_average must be >= 1")
	check(c.Filter.SettlingWindow >= 1, "filter.settling_window must be >= 1")
	check(c.Filter.DeviationFactor >= 0, "filter.deviation_factor must be >= 0")
	check(c.Filter.DeviationValue >= 0, "filter.deviation_value must be >= 0")
	check(c.Filter.Retries >= 0, "filter.retries must be >= 0")

	if c.Kalman.Enable {
		check(c.Kalman.R > 0, "kalman.r must be > 0")
		check(c.Kalman.Q >= 0, "kalman.q must be >= 0")
	}

	if c.Temperature.Enable {
		check(c.Temperature.Source != "", "temperature.source is required when temperature.enable is set")
		check(c.Temperature.Interval > 0, "temperature.interval must be > 0")
	}

	switch c.Output.Format {
	case "human", "hex":
	default:
		errs = append(errs, fmt.Errorf("output.format %q is not one of human, hex", c.Output.Format))
	}
	if c.Output.SerialPort != "" {
		check(c.Output.BaudRate > 0, "output.baud_rate must be > 0")
	}
	check(c.Output.Average >= 0, "output.average must be >= 0")

	if c.GPIO.Backend == "mock" {
		check(c.Mock.SampleRate > 0, "mock.sample_rate must be > 0")
		check(c.Mock.Noise >= 0, "mock.noise must be >= 0")
	}

	return errors.Join(errs...)
}
