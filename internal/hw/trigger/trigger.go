package trigger

import (
	"fmt"
	"time"

	"github.com/cjeanneret/sortcam/internal/debug"
	"github.com/cjeanneret/sortcam/internal/hw/gpio"
)

// DefaultPulseWidth is the hold time of one trigger pulse.
const DefaultPulseWidth = 100 * time.Microsecond

// Line is anything that can start an exposure.
type Line interface {
	Fire() error
}

// GPIOTrigger drives the sensor's external trigger input from a GPIO pin.
//
// The line idles at its inactive level. Fire asserts it for the pulse
// width, then releases it:
//  1. pin to active level (LOW by default)
//  2. hold for width
//  3. pin back to inactive level
type GPIOTrigger struct {
	gpio      gpio.Driver
	pin       int
	width     time.Duration
	activeLow bool
}

// NewGPIOTrigger configures pin as an output at its inactive level.
func NewGPIOTrigger(g gpio.Driver, pin int, width time.Duration, activeLow bool) (*GPIOTrigger, error) {
	t := &GPIOTrigger{gpio: g, pin: pin, width: width, activeLow: activeLow}
	if err := g.SetupPin(pin, gpio.Output); err != nil {
		return nil, fmt.Errorf("trigger: setup pin %d: %w", pin, err)
	}
	if err := g.WritePin(pin, !t.active()); err != nil {
		return nil, fmt.Errorf("trigger: idle pin %d: %w", pin, err)
	}
	return t, nil
}

func (t *GPIOTrigger) active() gpio.Level {
	if t.activeLow {
		return gpio.Low
	}
	return gpio.High
}

// Pin returns the GPIO number of the trigger line.
func (t *GPIOTrigger) Pin() int { return t.pin }

// Fire emits one trigger pulse.
func (t *GPIOTrigger) Fire() error {
	debug.Verbose("Trigger: pulse pin %d -> %v for %v", t.pin, t.active(), t.width)
	if err := gpio.Pulse(t.gpio, t.pin, t.active(), t.width); err != nil {
		return fmt.Errorf("trigger: pulse pin %d: %w", t.pin, err)
	}
	return nil
}

// Release leaves the line at its inactive level.
func (t *GPIOTrigger) Release() error {
	return t.gpio.WritePin(t.pin, !t.active())
}
