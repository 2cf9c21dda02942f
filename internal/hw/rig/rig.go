// Package rig owns the hardware collaborators of a capture run: the GPIO
// driver, the trigger line and the frame source. It is opened once,
// passed explicitly to the pipeline and closed on every exit path.
package rig

import (
	"context"
	"fmt"

	"go.uber.org/multierr"

	"github.com/cjeanneret/sortcam/internal/config"
	"github.com/cjeanneret/sortcam/internal/debug"
	"github.com/cjeanneret/sortcam/internal/hw/gpio"
	"github.com/cjeanneret/sortcam/internal/hw/sensor"
	"github.com/cjeanneret/sortcam/internal/hw/trigger"
	"github.com/cjeanneret/sortcam/internal/logic/capture"
)

// Sensor is a frame source that must be closed.
type Sensor interface {
	capture.FrameSource
	Close() error
}

// Rig is an opened set of collaborators.
type Rig struct {
	GPIO   gpio.Driver
	Line   *trigger.GPIOTrigger
	Sensor Sensor
}

// openers builds each collaborator; tests replace them.
type openers struct {
	driver func(mock bool) (gpio.Driver, error)
	sensor func(ctx context.Context, cfg *config.Config, line trigger.Line) (Sensor, error)
}

var defaultOpeners = openers{
	driver: gpio.NewDriver,
	sensor: openSensor,
}

func openSensor(ctx context.Context, cfg *config.Config, line trigger.Line) (Sensor, error) {
	if cfg.Defaults.MockGPIO {
		return sensor.NewSimSource(cfg.Sensor.Width, cfg.Sensor.Height), nil
	}
	return sensor.OpenV4L2(ctx, sensor.V4L2Options{
		Device:   cfg.Sensor.Device,
		Width:    cfg.Sensor.Width,
		Height:   cfg.Sensor.Height,
		Pattern:  cfg.CFAPattern(),
		Exposure: cfg.Exposure(),
		FourCC:   cfg.Sensor.PixelFormat,
	}, line)
}

// Open initializes the collaborators in order. If one fails, those
// already opened are closed again before returning.
func Open(ctx context.Context, cfg *config.Config) (*Rig, error) {
	return defaultOpeners.open(ctx, cfg)
}

func (o openers) open(ctx context.Context, cfg *config.Config) (*Rig, error) {
	debug.Section("Hardware initialization")
	debug.Value("Mock", cfg.Defaults.MockGPIO)
	debug.Value("Exposure", cfg.Exposure())
	debug.Value("Perspective", cfg.Capture.Perspective)

	r := &Rig{}
	drv, err := o.driver(cfg.Defaults.MockGPIO)
	if err != nil {
		return nil, fmt.Errorf("rig: gpio: %w", err)
	}
	r.GPIO = drv

	line, err := trigger.NewGPIOTrigger(drv, cfg.Capture.TriggerPin, cfg.PulseWidth(), cfg.ActiveLow())
	if err != nil {
		return nil, multierr.Combine(fmt.Errorf("rig: %w", err), r.Close())
	}
	r.Line = line
	debug.Value("Trigger pin", line.Pin())

	src, err := o.sensor(ctx, cfg, line)
	if err != nil {
		return nil, multierr.Combine(fmt.Errorf("rig: sensor: %w", err), r.Close())
	}
	r.Sensor = src
	return r, nil
}

// Close releases the collaborators in reverse order of opening. It is
// safe to call on a partially opened rig and more than once.
func (r *Rig) Close() error {
	var err error
	if r.Sensor != nil {
		err = multierr.Append(err, r.Sensor.Close())
		r.Sensor = nil
	}
	if r.Line != nil {
		err = multierr.Append(err, r.Line.Release())
		r.Line = nil
	}
	if r.GPIO != nil {
		err = multierr.Append(err, r.GPIO.Close())
		r.GPIO = nil
	}
	if err != nil {
		debug.Warn("rig: teardown: %v", err)
	}
	return err
}
