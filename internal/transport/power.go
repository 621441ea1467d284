package transport

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"fleetd/internal/clock"
	"fleetd/internal/types"
)

// ShellPower switches boards through whatever out-of-band mechanism the rack
// offers. Commands run on the controller host's shell:
//
//	usb-hub     locator "hub:port"      uhubctl
//	network-pdu locator "host:outlet"   snmpset against the APC outlet OID
//	gpio-relay  locator "chip:line"     gpioset
//	manual      always refuses; a human has to walk over
type ShellPower struct {
	clk    clock.Clock
	logger *zap.Logger
}

var _ Power = (*ShellPower)(nil)

// NewShellPower returns the shell-backed power adapter.
func NewShellPower(clk clock.Clock, logger *zap.Logger) *ShellPower {
	return &ShellPower{clk: clk, logger: logger.Named("power")}
}

func (p *ShellPower) On(ctx context.Context, sess Session, boardID string, cfg PowerSpec) error {
	return p.switchTo(ctx, sess, boardID, cfg, true)
}

func (p *ShellPower) Off(ctx context.Context, sess Session, boardID string, cfg PowerSpec) error {
	return p.switchTo(ctx, sess, boardID, cfg, false)
}

// Cycle turns the board off, waits, and turns it back on. A failed off half
// aborts the cycle; powering on a board we could not power off would report
// a recovery that never happened.
func (p *ShellPower) Cycle(ctx context.Context, sess Session, boardID string, cfg PowerSpec, delay time.Duration) (*CycleResult, error) {
	if delay <= 0 {
		delay = 3 * time.Second
	}
	result := &CycleResult{}

	if err := p.switchTo(ctx, sess, boardID, cfg, false); err != nil {
		return result, err
	}
	result.OffOK = true

	select {
	case <-ctx.Done():
		return result, types.Cancelledf("power cycle of %s cancelled while off", boardID)
	case <-p.clk.After(delay):
	}

	if err := p.switchTo(ctx, sess, boardID, cfg, true); err != nil {
		return result, err
	}
	result.OnOK = true
	p.logger.Info("power cycled", zap.String("board", boardID), zap.String("method", cfg.Method))
	return result, nil
}

func (p *ShellPower) switchTo(ctx context.Context, sess Session, boardID string, cfg PowerSpec, on bool) error {
	line, err := powerCommand(boardID, cfg, on)
	if err != nil {
		return err
	}
	res, err := sess.Exec(ctx, Command{Line: line, Timeout: 30 * time.Second})
	if err != nil {
		return err
	}
	if res.Failed() {
		return types.Remotef("power %s %s: %s", stateWord(on), boardID, strings.TrimSpace(res.Output()))
	}
	return nil
}

func powerCommand(boardID string, cfg PowerSpec, on bool) (string, error) {
	loc := strings.SplitN(cfg.Locator, ":", 2)
	switch cfg.Method {
	case "usb-hub":
		if len(loc) != 2 {
			return "", types.Validationf("usb-hub locator %q for %s wants hub:port", cfg.Locator, boardID)
		}
		action := "off"
		if on {
			action = "on"
		}
		return fmt.Sprintf("uhubctl -l %s -p %s -a %s", shellQuote(loc[0]), shellQuote(loc[1]), action), nil

	case "network-pdu":
		if len(loc) != 2 {
			return "", types.Validationf("network-pdu locator %q for %s wants host:outlet", cfg.Locator, boardID)
		}
		// APC rPDU outlet control: 1 switches on, 2 switches off.
		value := 2
		if on {
			value = 1
		}
		return fmt.Sprintf("snmpset -v1 -c private %s .1.3.6.1.4.1.318.1.1.4.4.2.1.3.%s i %d",
			shellQuote(loc[0]), loc[1], value), nil

	case "gpio-relay":
		if len(loc) != 2 {
			return "", types.Validationf("gpio-relay locator %q for %s wants chip:line", cfg.Locator, boardID)
		}
		value := 0
		if on {
			value = 1
		}
		return fmt.Sprintf("gpioset %s %s=%d", shellQuote(loc[0]), loc[1], value), nil

	case "manual":
		return "", types.Conflictf("board %s has manual power control; automation cannot switch it", boardID)

	default:
		return "", types.Validationf("unknown power method %q for %s", cfg.Method, boardID)
	}
}

func stateWord(on bool) string {
	if on {
		return "on"
	}
	return "off"
}
