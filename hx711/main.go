package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/itohio/gohx711/pkg/config"
	"github.com/itohio/gohx711/pkg/gpio"
	"github.com/itohio/gohx711/pkg/hx711"
	"github.com/itohio/gohx711/pkg/output"
	"github.com/itohio/gohx711/pkg/sample"
)

func main() {
	var (
		configFlag    = flag.String("config", "config.yaml", "Configuration file path")
		mockFlag      = flag.Bool("mock", false, "Use a simulated HX711 instead of GPIO lines")
		debugFlag     = flag.Bool("debug", false, "Log filtered samples and sensor faults")
		humanFlag     = flag.Bool("human", false, "Overwrite a single terminal line instead of printing hex lines")
		alignmentFlag = flag.String("alignment", "", "Packed calibration: 16 hex characters of k followed by 16 of b")
		offsetFlag    = flag.Float64("offset", 0, "Offset added to the calibrated value (overrides config)")
		portsFlag     = flag.Bool("ports", false, "List serial ports and exit")
		writeFlag     = flag.Bool("write-config", false, "Write the effective configuration to -config and exit")
	)
	flag.Parse()

	if *portsFlag {
		ports, err := output.Ports()
		if err != nil {
			log.Fatalf("Failed to list serial ports: %v", err)
		}
		for _, p := range ports {
			fmt.Println(p)
		}
		return
	}

	// Load configuration
	cfg, err := config.Load(*configFlag)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if *mockFlag {
		cfg.GPIO.Backend = gpio.BackendMock
	}
	if *debugFlag {
		cfg.Debug = true
	}
	if *humanFlag {
		cfg.Output.Format = output.FormatHuman
	}
	if *alignmentFlag != "" {
		k, b, err := sample.DecodeAlignment(*alignmentFlag)
		if err != nil {
			log.Fatalf("Invalid -alignment: %v", err)
		}
		cfg.Calibration.K, cfg.Calibration.B = k, b
	}
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "offset" {
			cfg.Calibration.Offset = *offsetFlag
		}
	})

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	if *writeFlag {
		if err := cfg.Save(*configFlag); err != nil {
			log.Fatalf("Failed to save configuration: %v", err)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg); err != nil {
		log.Fatalf("%v", err)
	}
}

// serve wires the chip, the device and the sink together and samples until
// ctx is done.
func serve(ctx context.Context, cfg *config.Config) error {
	if cfg.GPIO.Backend != gpio.BackendMock {
		// A page fault with the clock high can power the chip down.
		if err := gpio.LockMemory(); err != nil {
			log.Printf("Failed to lock memory: %v", err)
		}
	}

	chip, err := openChip(ctx, cfg)
	if err != nil {
		return err
	}
	defer chip.Close()

	dev, err := hx711.New(chip, deviceOptions(cfg))
	if err != nil {
		return fmt.Errorf("failed to set up HX711: %w", err)
	}
	defer dev.Close()

	sink, err := output.New(&cfg.Output, os.Stdout)
	if err != nil {
		return fmt.Errorf("failed to open output: %w", err)
	}
	defer sink.Close()

	stream := dev.Samples()
	if cfg.Output.Average > 0 {
		stream = sample.NewAveragingConverter(cfg.Output.Average, cfg.Output.Interval, hx711.DefaultBuffer)(stream)
	}

	drained := make(chan error, 1)
	go func() {
		// Runs until the device closes the sample channel.
		drained <- output.Drain(context.Background(), stream, sink)
	}()

	log.Printf("HX711 on data pin %d, clock pin %d (%s)", cfg.GPIO.DataPin, cfg.GPIO.ClockPin, cfg.GPIO.Backend)
	runErr := run(ctx, dev, cfg.GPIO.Gain)
	log.Printf("Shutting down")

	dev.Close()
	if err := <-drained; err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// openChip opens the configured GPIO backend. The mock backend gets a
// simulated load cell that produces frames until ctx is done.
func openChip(ctx context.Context, cfg *config.Config) (gpio.Chip, error) {
	if cfg.GPIO.Backend == gpio.BackendMock {
		sim := gpio.NewSim()
		sim.SetPowerDownHold(mockHold)
		go sim.Run(ctx, gpio.LoadCell(cfg.Mock.Base, cfg.Mock.Noise, cfg.Mock.GlitchEvery), cfg.Mock.SampleRate)
		log.Printf("Using simulated HX711")
		return sim, nil
	}

	chip, err := gpio.Open(cfg.GPIO.Backend, cfg.GPIO.Chip)
	if err != nil {
		return nil, fmt.Errorf("failed to open GPIO: %w", err)
	}
	return chip, nil
}
