package transport

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"fleetd/internal/types"
)

// ShellSerial reaches board consoles through the console server's shell. The
// server exposes each line as a tty device node; we shape it with stty and
// move bytes with sed and printf. Crude next to a native terminal server API,
// but it works on every console box that accepts ssh.
type ShellSerial struct {
	logger *zap.Logger
}

var _ Serial = (*ShellSerial)(nil)

// NewShellSerial returns the shell-backed console adapter.
func NewShellSerial(logger *zap.Logger) *ShellSerial {
	return &ShellSerial{logger: logger.Named("serial")}
}

// Open configures the line and returns a connection bound to the session.
// Closing the connection restores the tty but leaves the session alone; the
// caller owns it.
func (s *ShellSerial) Open(ctx context.Context, sess Session, cfg SerialConfig) (SerialConn, error) {
	if cfg.Device == "" {
		return nil, types.Validationf("serial config needs a device")
	}
	baud := cfg.Baud
	if baud == 0 {
		baud = 115200
	}

	settings := []string{fmt.Sprintf("%d", baud), "raw", "-echo"}
	switch cfg.DataBits {
	case 0, 8:
		settings = append(settings, "cs8")
	case 7:
		settings = append(settings, "cs7")
	default:
		return nil, types.Validationf("unsupported data bits %d", cfg.DataBits)
	}
	switch cfg.Parity {
	case "", "none":
		settings = append(settings, "-parenb")
	case "even":
		settings = append(settings, "parenb", "-parodd")
	case "odd":
		settings = append(settings, "parenb", "parodd")
	default:
		return nil, types.Validationf("unsupported parity %q", cfg.Parity)
	}
	if cfg.StopBits == 2 {
		settings = append(settings, "cstopb")
	} else {
		settings = append(settings, "-cstopb")
	}

	line := fmt.Sprintf("stty -F %s %s", shellQuote(cfg.Device), strings.Join(settings, " "))
	res, err := sess.Exec(ctx, Command{Line: line, Timeout: 15 * time.Second})
	if err != nil {
		return nil, err
	}
	if res.Failed() {
		return nil, types.Remotef("configure %s: %s", cfg.Device, strings.TrimSpace(res.Stderr))
	}
	return &shellSerialConn{sess: sess, device: cfg.Device, baud: baud, logger: s.logger}, nil
}

type shellSerialConn struct {
	sess   Session
	device string
	baud   int
	logger *zap.Logger
}

var _ SerialConn = (*shellSerialConn)(nil)

// Exec starts a reader before writing so the response is not lost in the gap
// between the two operations.
func (c *shellSerialConn) Exec(ctx context.Context, command, promptPattern string, timeout time.Duration) (*SerialResult, error) {
	secs := ceilSeconds(timeout)
	line := fmt.Sprintf(
		"( timeout %d sed %s %s ) & pid=$!; sleep 0.2; printf '%%s\\r' %s > %s; wait $pid",
		secs,
		shellQuote(sedQuitExpr(promptPattern)),
		shellQuote(c.device),
		shellQuote(command),
		shellQuote(c.device),
	)
	started := time.Now()
	res, err := c.sess.Exec(ctx, Command{Line: line, Timeout: timeout + 10*time.Second})
	if err != nil {
		return nil, err
	}
	return &SerialResult{
		OK:       res.ExitCode == 0,
		Output:   res.Stdout,
		Duration: time.Since(started),
	}, nil
}

// ReadUntil tails the line until the pattern shows up. sed quits with status
// zero on match; the timeout wrapper reports 124 when it never does.
func (c *shellSerialConn) ReadUntil(ctx context.Context, pattern string, timeout time.Duration) (string, bool, error) {
	secs := ceilSeconds(timeout)
	line := fmt.Sprintf("timeout %d sed %s %s",
		secs, shellQuote(sedQuitExpr(pattern)), shellQuote(c.device))
	res, err := c.sess.Exec(ctx, Command{Line: line, Timeout: timeout + 10*time.Second})
	if err != nil {
		return "", false, err
	}
	return res.Stdout, res.ExitCode == 0, nil
}

// SendBreak uses the baud-drop trick: parking the line at a much lower rate
// makes the UART see a long low pulse, which boards treat as break.
func (c *shellSerialConn) SendBreak(ctx context.Context) error {
	line := fmt.Sprintf("stty -F %s 1200; sleep 0.3; stty -F %s %d",
		shellQuote(c.device), shellQuote(c.device), c.baud)
	res, err := c.sess.Exec(ctx, Command{Line: line, Timeout: 15 * time.Second})
	if err != nil {
		return err
	}
	if res.Failed() {
		return types.Remotef("send break on %s: %s", c.device, strings.TrimSpace(res.Stderr))
	}
	return nil
}

func (c *shellSerialConn) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	res, err := c.sess.Exec(ctx, Command{Line: fmt.Sprintf("stty -F %s sane", shellQuote(c.device))})
	if err != nil {
		return err
	}
	if res.Failed() {
		return types.Remotef("restore %s: %s", c.device, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// sedQuitExpr builds a sed program that prints until the pattern matches and
// then quits successfully.
func sedQuitExpr(pattern string) string {
	return "/" + strings.ReplaceAll(pattern, "/", `\/`) + "/q"
}

func ceilSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}
