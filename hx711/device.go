package main

import (
	"context"
	"log"
	"time"

	"github.com/itohio/gohx711/pkg/config"
	"github.com/itohio/gohx711/pkg/filter"
	"github.com/itohio/gohx711/pkg/gpio"
	"github.com/itohio/gohx711/pkg/hx711"
)

// warmup is the pause between the gain latching read and continuous sampling.
var warmup = time.Second

// The simulated chip powers down after mockHold, well above the scheduling
// delays of a loaded host.
const mockHold = 5 * time.Millisecond

// deviceOptions converts the configuration into device options.
func deviceOptions(cfg *config.Config) *hx711.Options {
	opts := &hx711.Options{
		DataPin:  cfg.GPIO.DataPin,
		ClockPin: cfg.GPIO.ClockPin,
		Gain:     cfg.GPIO.Gain,
		Calibration: hx711.Calibration{
			K:                cfg.Calibration.K,
			B:                cfg.Calibration.B,
			Offset:           cfg.Calibration.Offset,
			CorrectionFactor: cfg.Calibration.CorrectionFactor,
		},
		Filter: filter.Options{
			MovingAverage:   cfg.Filter.MovingAverage,
			Settling:        cfg.Filter.SettlingWindow,
			TAFilter:        cfg.Filter.TAFilter,
			DeviationFactor: cfg.Filter.DeviationFactor,
			DeviationValue:  cfg.Filter.DeviationValue,
			Retries:         cfg.Filter.Retries,
			Kalman:          cfg.Kalman.Enable,
			KalmanQ:         cfg.Kalman.Q,
			KalmanR:         cfg.Kalman.R,
			KalmanF:         cfg.Kalman.F,
			KalmanH:         cfg.Kalman.H,
		},
		Debug: cfg.Debug,
	}
	if cfg.GPIO.Backend == gpio.BackendMock {
		opts.PowerHold = 2 * mockHold
	}
	if cfg.Temperature.Enable {
		opts.Compensation = hx711.Compensation{
			Source:   cfg.Temperature.Source,
			Interval: cfg.Temperature.Interval,
			Factor:   cfg.Temperature.Factor,
			Base:     cfg.Temperature.Base,
		}
	}
	return opts
}

// run latches the gain with a single read, power cycles the chip and samples
// until ctx is done.
func run(ctx context.Context, dev *hx711.Device, gain uint8) error {
	if err := dev.SetGain(gain); err != nil {
		return err
	}
	if err := dev.Read(); err != nil {
		return err
	}

	select {
	case <-dev.Calibrated():
	case <-ctx.Done():
		return nil
	}

	select {
	case <-time.After(warmup):
	case <-ctx.Done():
		return nil
	}

	dev.Reset()
	if err := dev.Start(); err != nil {
		return err
	}
	log.Printf("Sampling")

	<-ctx.Done()
	return nil
}
