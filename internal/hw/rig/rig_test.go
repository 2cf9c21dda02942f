package rig

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/multierr"

	"github.com/cjeanneret/sortcam/internal/config"
	"github.com/cjeanneret/sortcam/internal/hw/gpio"
	"github.com/cjeanneret/sortcam/internal/hw/sensor"
	"github.com/cjeanneret/sortcam/internal/hw/trigger"
)

// closeLog records teardown order across fakes.
type closeLog struct{ order []string }

type fakeDriver struct {
	gpio.MockDriver
	log      *closeLog
	closeErr error
	writeErr error
}

func (d *fakeDriver) WritePin(pin int, level gpio.Level) error {
	if d.writeErr != nil {
		return d.writeErr
	}
	return d.MockDriver.WritePin(pin, level)
}

func (d *fakeDriver) Close() error {
	d.log.order = append(d.log.order, "gpio")
	return d.closeErr
}

type fakeSensor struct {
	*sensor.SimSource
	log      *closeLog
	closeErr error
}

func (s *fakeSensor) Close() error {
	s.log.order = append(s.log.order, "sensor")
	return s.closeErr
}

func testOpeners(log *closeLog, drv *fakeDriver, sensorErr error, sensorCloseErr error) openers {
	return openers{
		driver: func(bool) (gpio.Driver, error) { return drv, nil },
		sensor: func(_ context.Context, cfg *config.Config, _ trigger.Line) (Sensor, error) {
			if sensorErr != nil {
				return nil, sensorErr
			}
			return &fakeSensor{SimSource: sensor.NewSimSource(cfg.Sensor.Width, cfg.Sensor.Height), log: log, closeErr: sensorCloseErr}, nil
		},
	}
}

func TestOpen_Mock(t *testing.T) {
	cfg := config.Default()
	cfg.Defaults.MockGPIO = true

	r, err := Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, ok := r.Sensor.(*sensor.SimSource); !ok {
		t.Errorf("sensor = %T, want *sensor.SimSource", r.Sensor)
	}
	if r.Line.Pin() != cfg.Capture.TriggerPin {
		t.Errorf("trigger pin = %d, want %d", r.Line.Pin(), cfg.Capture.TriggerPin)
	}
	if err := r.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestOpen_SensorFailureRollsBack(t *testing.T) {
	log := &closeLog{}
	drv := &fakeDriver{log: log}
	boom := errors.New("no device")

	_, err := testOpeners(log, drv, boom, nil).open(context.Background(), config.Default())
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	if len(log.order) != 1 || log.order[0] != "gpio" {
		t.Errorf("teardown = %v, want [gpio]", log.order)
	}
}

func TestOpen_TriggerFailureRollsBack(t *testing.T) {
	log := &closeLog{}
	drv := &fakeDriver{log: log, writeErr: errors.New("bus error")}

	if _, err := testOpeners(log, drv, nil, nil).open(context.Background(), config.Default()); err == nil {
		t.Fatal("expected trigger setup failure")
	}
	if len(log.order) != 1 || log.order[0] != "gpio" {
		t.Errorf("teardown = %v, want [gpio]", log.order)
	}
}

func TestClose_ReverseOrderCombinedErrors(t *testing.T) {
	log := &closeLog{}
	gpioErr := errors.New("unmap failed")
	sensorErr := errors.New("stream stuck")
	drv := &fakeDriver{log: log, closeErr: gpioErr}

	r, err := testOpeners(log, drv, nil, sensorErr).open(context.Background(), config.Default())
	if err != nil {
		t.Fatal(err)
	}
	err = r.Close()
	if want := []string{"sensor", "gpio"}; len(log.order) != 2 || log.order[0] != want[0] || log.order[1] != want[1] {
		t.Errorf("teardown = %v, want %v", log.order, want)
	}
	if !errors.Is(err, gpioErr) || !errors.Is(err, sensorErr) {
		t.Errorf("err = %v, want both teardown errors", err)
	}
	if n := len(multierr.Errors(err)); n != 2 {
		t.Errorf("combined %d errors, want 2", n)
	}
}
