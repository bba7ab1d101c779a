package relay

import (
	"sync"

	"codeberg.org/mutker/coolantctl/internal/errors"
	"github.com/stianeikeland/go-rpio"
)

const (
	MinPin = 1
	MaxPin = 40
)

// Line is a single digital output. Levels are physical: true is high.
type Line interface {
	Write(high bool) error
	Read() (bool, error)
	Close() error
}

// rpioLine drives a BCM-numbered GPIO through /dev/gpiomem.
type rpioLine struct {
	pin    rpio.Pin
	mu     sync.Mutex
	closed bool
}

// OpenRPIOLine maps the GPIO registers and configures pin as an output.
func OpenRPIOLine(pin int) (Line, error) {
	errFactory := errors.New()

	if pin < MinPin || pin > MaxPin {
		return nil, errFactory.WithData(ErrInvalidPin, pin)
	}

	if err := rpio.Open(); err != nil {
		return nil, errFactory.Wrap(ErrLineClaim, err)
	}

	p := rpio.Pin(pin)
	p.Mode(rpio.Output)

	return &rpioLine{pin: p}, nil
}

func (l *rpioLine) Write(high bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return errors.New().New(ErrClosed)
	}

	if high {
		l.pin.High()
	} else {
		l.pin.Low()
	}

	if got := l.pin.Read() == rpio.High; got != high {
		return errors.New().WithData(ErrReadback, struct {
			Pin      int
			Expected bool
		}{Pin: int(l.pin), Expected: high})
	}

	return nil
}

func (l *rpioLine) Read() (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return false, errors.New().New(ErrClosed)
	}
	return l.pin.Read() == rpio.High, nil
}

func (l *rpioLine) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	if err := rpio.Close(); err != nil {
		return errors.New().Wrap(ErrLineRelease, err)
	}
	return nil
}
