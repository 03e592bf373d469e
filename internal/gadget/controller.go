package gadget

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Controller serializes transitions between personalities.
//
// A single sleep-capable mutex protects the current mode and is held across
// the full unregister-then-register sequence of a transition, so no reader
// can observe a half-registered state and concurrent transition requests
// wait instead of racing. The mutex is independent of the event queue's
// lock; neither is ever acquired while the other is held.
type Controller struct {
	mu        sync.Mutex
	current   Mode
	active    *Binding // binding of the current personality, nil at ModeNone
	transport Transport

	product string
	serial  string

	logger *slog.Logger
}

// ControllerConfig carries the identity used when bindings are assembled.
type ControllerConfig struct {
	// Product is the product identity string; defaults to the daemon's
	// long name when empty.
	Product string
	// Serial is the serial-number identity string; may be empty.
	Serial string
}

// NewController returns a controller in ModeNone. A nil logger falls back to
// slog.Default.
func NewController(t Transport, cfg ControllerConfig, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	product := cfg.Product
	if product == "" {
		product = "Gadget Serial / Open Accessory"
	}
	return &Controller{
		transport: t,
		product:   product,
		serial:    cfg.Serial,
		logger:    logger,
	}
}

// Current returns the currently advertised mode.
func (c *Controller) Current() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// SwitchTo transitions the device to the target personality.
//
// Switching to the current mode is an idempotent no-op: the transport is not
// touched. Otherwise the current personality (if any) is fully torn down
// before anything else happens; from that point the controller is
// unconfigured, and it stays unconfigured if assembling or registering the
// new personality fails. Callers must treat a failed switch as "now at
// ModeNone", not "unchanged", and explicitly request a personality again.
// Transport errors propagate verbatim; nothing is retried.
func (c *Controller) SwitchTo(ctx context.Context, target Mode) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if target == c.current {
		return nil
	}

	c.teardownLocked(ctx)

	if target == ModeNone {
		c.logger.Info("personality cleared")
		return nil
	}

	if err := c.registerLocked(ctx, target); err != nil {
		return err
	}

	c.current = target
	c.logger.Info("personality registered", "mode", target.String())
	return nil
}

// Reset re-registers the personality currently recorded in the controller
// from scratch, without changing the current mode. A no-op success at
// ModeNone.
func (c *Controller) Reset(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == ModeNone {
		return nil
	}

	mode := c.current
	if c.active != nil {
		c.transport.Unregister(ctx, c.active)
		c.active = nil
	}

	if err := c.registerLocked(ctx, mode); err != nil {
		c.logger.Error("reset failed", "mode", mode.String(), "error", err)
		return err
	}

	c.logger.Info("personality reset", "mode", mode.String())
	return nil
}

// teardownLocked unregisters the current personality, leaving the
// controller at ModeNone. Must be called with the transition lock held.
func (c *Controller) teardownLocked(ctx context.Context) {
	if c.current == ModeNone {
		return
	}
	if c.active != nil {
		c.transport.Unregister(ctx, c.active)
		c.active = nil
	}
	c.current = ModeNone
}

// registerLocked assembles the binding for mode and registers it with the
// transport. On success the binding becomes active; on failure the
// controller is left untouched for the caller to interpret. Must be called
// with the transition lock held.
func (c *Controller) registerLocked(ctx context.Context, mode Mode) error {
	p, ok := personality(mode)
	if !ok {
		return fmt.Errorf("gadget: mode %s has no personality", mode)
	}

	b, err := c.bind(p)
	if err != nil {
		return fmt.Errorf("gadget: bind %s: %w", p.Label, err)
	}

	if err := c.transport.Register(ctx, b); err != nil {
		return fmt.Errorf("gadget: register %s: %w", p.Label, err)
	}

	c.active = b
	return nil
}

// bind assembles the identity strings and string IDs for a personality.
// A failure here is fatal to the transition attempt only.
func (c *Controller) bind(p Personality) (*Binding, error) {
	b := &Binding{
		Personality:  p,
		Manufacturer: Manufacturer(c.transport.Name()),
		Product:      c.product,
		Serial:       c.serial,
	}

	var err error
	if b.ManufacturerID, err = c.transport.AllocString(b.Manufacturer); err != nil {
		return nil, fmt.Errorf("manufacturer string: %w", err)
	}
	if b.ProductID, err = c.transport.AllocString(b.Product); err != nil {
		return nil, fmt.Errorf("product string: %w", err)
	}
	if b.ConfigID, err = c.transport.AllocString(p.ConfigLabel); err != nil {
		return nil, fmt.Errorf("config string: %w", err)
	}
	return b, nil
}
