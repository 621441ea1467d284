// Package transport reaches fleet assets over remote shell, hypervisor
// control, serial console, out-of-band power and flash stations.
//
// Everything here is an interface contract with two families of
// implementations selected by configuration at start-up: the ssh-backed real
// adapters and the deterministic mocks. The subsystems above (health engine,
// build executor, deployment orchestrator) never know which family is active.
//
// Layering for the real family, outermost first:
//
//	Pool    — reuses sessions per (user, host, port), capped, FIFO waiters
//	Breaker — per-host circuit breaker around dialing
//	Retry   — exponential backoff on transport errors only
//	SSH     — x/crypto/ssh sessions
//
// Non-zero remote exit codes are not transport errors: Exec returns them in
// the result and the caller decides. Only failures to reach or to keep a
// connection are retried.
package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"
)

// Endpoint is a fully resolved dial target. Assets reference credentials by
// name; the hub resolves them from configuration into this struct.
type Endpoint struct {
	Host string
	Port int
	User string

	Password       string
	PrivateKeyPath string

	ConnectTimeout time.Duration
}

// Addr returns host:port with the ssh default applied.
func (e Endpoint) Addr() string {
	port := e.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(e.Host, strconv.Itoa(port))
}

// PoolKey identifies the connection pool bucket.
func (e Endpoint) PoolKey() string {
	return fmt.Sprintf("%s@%s", e.User, e.Addr())
}

// Command is one remote execution request.
type Command struct {
	// Line is the shell command line, run through the remote shell.
	Line string

	// Env is exported into the remote environment for this command.
	Env map[string]string

	// Timeout bounds execution; zero uses the transport default.
	Timeout time.Duration

	// Stdin is fed to the remote process.
	Stdin string
}

// ExecResult is the outcome of one remote command.
type ExecResult struct {
	// ExitCode is the remote status; -1 when it never reported one.
	ExitCode int

	Stdout string
	Stderr string

	Duration   time.Duration
	StartedAt  time.Time
	FinishedAt time.Time
}

// Failed reports a non-zero exit.
func (r *ExecResult) Failed() bool { return r.ExitCode != 0 }

// Output returns stdout, or stderr when stdout is empty.
func (r *ExecResult) Output() string {
	if r.Stdout != "" {
		return r.Stdout
	}
	return r.Stderr
}

// TransferResult describes a completed upload or download.
type TransferResult struct {
	Bytes    int64
	SHA256   string
	Duration time.Duration
}

// Session is an open channel to one asset. Implementations must release OS
// resources promptly when the context is cancelled mid-operation.
type Session interface {
	// Exec runs a command. A non-zero exit is reported in the result,
	// not as an error; errors mean the transport itself failed.
	Exec(ctx context.Context, cmd Command) (*ExecResult, error)

	// Upload streams src to remotePath, creating parent directories,
	// and returns byte count and content hash.
	Upload(ctx context.Context, src io.Reader, remotePath string) (*TransferResult, error)

	// Download streams remotePath into dst.
	Download(ctx context.Context, remotePath string, dst io.Writer) (*TransferResult, error)

	Close() error
}

// Dialer opens sessions. The retry, breaker and pool layers all implement it
// so they stack.
type Dialer interface {
	Dial(ctx context.Context, ep Endpoint) (Session, error)

	// Validate reports whether the endpoint is reachable with the given
	// credentials.
	Validate(ctx context.Context, ep Endpoint) error
}

// ===== Virtualization =====

// GuestSpec shapes the guest a virt deployment creates.
type GuestSpec struct {
	Name     string
	Cores    int
	MemoryMB int64

	KernelPath string
	InitrdPath string
	RootfsPath string
	KernelArgs string

	DiskGB  int
	Network string
}

// GuestInfo describes one guest on a host.
type GuestInfo struct {
	Name  string
	State string // running, shut off, paused
}

// Running reports whether the guest is live.
func (g GuestInfo) Running() bool { return g.State == "running" }

// HostCaps is what the hypervisor host reports about itself.
type HostCaps struct {
	Arch           string
	Cores          int
	MemoryMB       int64
	HardwareAssist bool
	NestedVirt     bool
}

// Virt manages guests through an open session on the host.
type Virt interface {
	ListGuests(ctx context.Context, sess Session, includeStopped bool) ([]GuestInfo, error)
	CreateGuest(ctx context.Context, sess Session, spec GuestSpec) (*GuestInfo, error)
	DestroyGuest(ctx context.Context, sess Session, name string, undefine bool) error
	Capabilities(ctx context.Context, sess Session) (*HostCaps, error)
}

// ===== Serial console =====

// SerialConfig locates and shapes a console line.
type SerialConfig struct {
	Device   string
	Baud     int
	Parity   string // "none", "even", "odd"
	StopBits int
	DataBits int
}

// SerialResult is the outcome of one console exchange.
type SerialResult struct {
	OK       bool
	Output   string
	Duration time.Duration
}

// SerialConn is an open console line.
type SerialConn interface {
	// Exec writes a command and reads until the prompt pattern or timeout.
	Exec(ctx context.Context, command, promptPattern string, timeout time.Duration) (*SerialResult, error)

	// ReadUntil collects output until the pattern matches or the timeout
	// lapses; ok is false on timeout.
	ReadUntil(ctx context.Context, pattern string, timeout time.Duration) (output string, ok bool, err error)

	SendBreak(ctx context.Context) error

	Close() error
}

// Serial opens console lines through a session on the console server.
type Serial interface {
	Open(ctx context.Context, sess Session, cfg SerialConfig) (SerialConn, error)
}

// ===== Power control =====

// CycleResult reports the two halves of a power cycle.
type CycleResult struct {
	OffOK bool
	OnOK  bool

	// Recovered is filled in by the caller after its re-probe.
	Recovered bool
}

// Power switches boards out-of-band. Commands run through a session on the
// controller host; the manual method always fails to command.
type Power interface {
	On(ctx context.Context, sess Session, boardID string, cfg PowerSpec) error
	Off(ctx context.Context, sess Session, boardID string, cfg PowerSpec) error
	Cycle(ctx context.Context, sess Session, boardID string, cfg PowerSpec, delay time.Duration) (*CycleResult, error)
}

// PowerSpec mirrors the board's power configuration in transport terms.
type PowerSpec struct {
	Method  string // usb-hub, network-pdu, gpio-relay, manual
	Locator string
}

// ===== Flash station =====

// FlashRequest asks the station to write firmware onto a board.
type FlashRequest struct {
	BoardID   string
	BoardType string

	// ImagePaths are staged firmware files on the station.
	ImagePaths []string

	Verify bool
}

// FlashResult is the station's final report.
type FlashResult struct {
	OK           bool
	BytesWritten int64
	Duration     time.Duration
	Verified     bool
}

// FlashProgress is a point-in-time view of an in-flight flash.
type FlashProgress struct {
	Phase            string // preparing, writing, verifying, done, cancelled
	Percent          float64
	BytesWritten     int64
	RemainingSeconds int
}

// Flash drives the flashing tool through a session on the station.
type Flash interface {
	Flash(ctx context.Context, sess Session, req FlashRequest) (*FlashResult, error)

	// Cancel aborts an in-flight flash for the board, if any.
	Cancel(ctx context.Context, boardID string) error

	// Progress reports the current phase; ok is false when no flash is
	// tracked for the board.
	Progress(boardID string) (FlashProgress, bool)
}
