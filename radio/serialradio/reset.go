package serialradio

import (
	"fmt"
	"time"

	"github.com/warthog618/go-gpiocdev"
)

// ResetLine drives a modem's reset or power-amplifier-enable input
// through a gpiod character-device line, the same pattern
// doismellburning-samoyed's direwolf port uses to key PTT over GPIO —
// request the line as an output, hold it, release it.
type ResetLine struct {
	line *gpiocdev.Line
}

// OpenResetLine requests offset on chip as an output, initially
// de-asserted.
func OpenResetLine(chip string, offset int) (*ResetLine, error) {
	l, err := gpiocdev.RequestLine(chip, offset, gpiocdev.AsOutput(0))
	if err != nil {
		return nil, fmt.Errorf("serialradio: request reset line %s:%d: %w", chip, offset, err)
	}
	return &ResetLine{line: l}, nil
}

// Pulse asserts the line, holds it for d, then de-asserts it — a reset
// or PA-enable strobe.
func (r *ResetLine) Pulse(d time.Duration) error {
	if err := r.line.SetValue(1); err != nil {
		return fmt.Errorf("serialradio: assert reset line: %w", err)
	}
	time.Sleep(d)
	if err := r.line.SetValue(0); err != nil {
		return fmt.Errorf("serialradio: deassert reset line: %w", err)
	}
	return nil
}

// Close releases the underlying gpiod line request.
func (r *ResetLine) Close() error {
	return r.line.Close()
}
