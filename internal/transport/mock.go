package transport

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"fleetd/internal/types"
)

// MockDialer is the deterministic stand-in for ssh. It is a first-class
// backend selected with `transport.mode: mock`, not just a test helper: a
// control plane pointed at an empty lab runs entirely on it.
//
// Responses are scripted by command prefix; the longest matching prefix wins.
// Unscripted commands succeed with empty output.
type MockDialer struct {
	mu        sync.Mutex
	dialErrs  map[string]error
	responses map[string]MockResponse
	once      map[string][]MockResponse
	uploads   map[string][]byte
	calls     []MockCall
	latency   time.Duration
	dials     int
}

// MockResponse is one scripted outcome.
type MockResponse struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Err      error
}

// MockCall records one executed command for assertions.
type MockCall struct {
	Host string
	Line string
}

var _ Dialer = (*MockDialer)(nil)

// NewMockDialer returns an empty script.
func NewMockDialer() *MockDialer {
	return &MockDialer{
		dialErrs:  make(map[string]error),
		responses: make(map[string]MockResponse),
		once:      make(map[string][]MockResponse),
		uploads:   make(map[string][]byte),
	}
}

// Script sets the response for commands starting with prefix.
func (d *MockDialer) Script(prefix string, resp MockResponse) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.responses[prefix] = resp
}

// ScriptOnce queues a response consumed by a single matching command; later
// matches fall back to the Script response.
func (d *MockDialer) ScriptOnce(prefix string, resp MockResponse) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.once[prefix] = append(d.once[prefix], resp)
}

// FailDial makes dials to host fail with err until cleared with nil.
func (d *MockDialer) FailDial(host string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.dialErrs, host)
		return
	}
	d.dialErrs[host] = err
}

// SetLatency adds a fixed delay to every exec.
func (d *MockDialer) SetLatency(latency time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.latency = latency
}

// Calls returns the executed commands in order.
func (d *MockDialer) Calls() []MockCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]MockCall, len(d.calls))
	copy(out, d.calls)
	return out
}

// DialCount reports how many dials succeeded.
func (d *MockDialer) DialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// Upload contents are kept per remote path for assertions and for Download.
func (d *MockDialer) Uploaded(remotePath string) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.uploads[remotePath]
	return b, ok
}

// Seed places file content so Download can find it.
func (d *MockDialer) Seed(remotePath string, content []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.uploads[remotePath] = content
}

func (d *MockDialer) Dial(ctx context.Context, ep Endpoint) (Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.dialErrs[ep.Host]; err != nil {
		return nil, types.TransportErrf(err, "dial %s", ep.Addr())
	}
	d.dials++
	return &mockSession{dialer: d, host: ep.Host}, nil
}

func (d *MockDialer) Validate(ctx context.Context, ep Endpoint) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.dialErrs[ep.Host]; err != nil {
		return types.TransportErrf(err, "validate %s", ep.Addr())
	}
	return nil
}

func (d *MockDialer) lookup(line string) MockResponse {
	d.mu.Lock()
	defer d.mu.Unlock()
	best := ""
	for prefix := range d.once {
		if len(d.once[prefix]) > 0 && strings.HasPrefix(line, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best != "" {
		resp := d.once[best][0]
		d.once[best] = d.once[best][1:]
		return resp
	}
	for prefix := range d.responses {
		if strings.HasPrefix(line, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return MockResponse{}
	}
	return d.responses[best]
}

type mockSession struct {
	dialer *MockDialer
	host   string
	closed bool
	mu     sync.Mutex
}

var _ Session = (*mockSession)(nil)

func (s *mockSession) Exec(ctx context.Context, cmd Command) (*ExecResult, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, types.TransportErrf(nil, "session to %s is closed", s.host)
	}
	s.mu.Unlock()

	s.dialer.mu.Lock()
	s.dialer.calls = append(s.dialer.calls, MockCall{Host: s.host, Line: cmd.Line})
	latency := s.dialer.latency
	s.dialer.mu.Unlock()

	if latency > 0 {
		select {
		case <-ctx.Done():
			return nil, types.Cancelledf("exec on %s cancelled", s.host)
		case <-time.After(latency):
		}
	}

	resp := s.dialer.lookup(cmd.Line)
	if resp.Err != nil {
		return nil, types.TransportErrf(resp.Err, "exec on %s", s.host)
	}
	started := time.Now()
	return &ExecResult{
		ExitCode:   resp.ExitCode,
		Stdout:     resp.Stdout,
		Stderr:     resp.Stderr,
		Duration:   latency,
		StartedAt:  started,
		FinishedAt: started.Add(latency),
	}, nil
}

func (s *mockSession) Upload(ctx context.Context, src io.Reader, remotePath string) (*TransferResult, error) {
	var buf bytes.Buffer
	hasher := sha256.New()
	n, err := io.Copy(io.MultiWriter(&buf, hasher), src)
	if err != nil {
		return nil, types.TransportErrf(err, "upload to %s", s.host)
	}
	s.dialer.mu.Lock()
	s.dialer.uploads[remotePath] = buf.Bytes()
	s.dialer.mu.Unlock()
	return &TransferResult{Bytes: n, SHA256: hex.EncodeToString(hasher.Sum(nil))}, nil
}

func (s *mockSession) Download(ctx context.Context, remotePath string, dst io.Writer) (*TransferResult, error) {
	s.dialer.mu.Lock()
	content, ok := s.dialer.uploads[remotePath]
	s.dialer.mu.Unlock()
	if !ok {
		return nil, types.NotFoundf("%s:%s", s.host, remotePath)
	}
	hasher := sha256.New()
	n, err := io.Copy(io.MultiWriter(dst, hasher), bytes.NewReader(content))
	if err != nil {
		return nil, types.TransportErrf(err, "download from %s", s.host)
	}
	return &TransferResult{Bytes: n, SHA256: hex.EncodeToString(hasher.Sum(nil))}, nil
}

func (s *mockSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// ===== Mock hypervisor =====

// MockVirt keeps guests in memory. One instance models one host; the hub in
// mock mode shares it across the fleet, which is fine for pilots where guest
// names are unique anyway.
type MockVirt struct {
	mu        sync.Mutex
	guests    map[string]GuestInfo
	caps      HostCaps
	createErr error
}

var _ Virt = (*MockVirt)(nil)

// NewMockVirt starts empty with generous default capabilities.
func NewMockVirt() *MockVirt {
	return &MockVirt{
		guests: make(map[string]GuestInfo),
		caps: HostCaps{
			Arch:           "x86_64",
			Cores:          32,
			MemoryMB:       131072,
			HardwareAssist: true,
			NestedVirt:     true,
		},
	}
}

// SetCapabilities overrides what Capabilities reports.
func (v *MockVirt) SetCapabilities(caps HostCaps) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.caps = caps
}

// FailCreate makes CreateGuest fail with err until cleared with nil.
func (v *MockVirt) FailCreate(err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.createErr = err
}

func (v *MockVirt) ListGuests(ctx context.Context, sess Session, includeStopped bool) ([]GuestInfo, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	var out []GuestInfo
	for _, g := range v.guests {
		if !includeStopped && !g.Running() {
			continue
		}
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (v *MockVirt) CreateGuest(ctx context.Context, sess Session, spec GuestSpec) (*GuestInfo, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.createErr != nil {
		return nil, v.createErr
	}
	if _, exists := v.guests[spec.Name]; exists {
		return nil, types.Conflictf("guest %s already exists", spec.Name)
	}
	g := GuestInfo{Name: spec.Name, State: "running"}
	v.guests[spec.Name] = g
	return &g, nil
}

func (v *MockVirt) DestroyGuest(ctx context.Context, sess Session, name string, undefine bool) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	g, ok := v.guests[name]
	if !ok {
		return types.NotFoundf("guest %s", name)
	}
	if undefine {
		delete(v.guests, name)
		return nil
	}
	g.State = "shut off"
	v.guests[name] = g
	return nil
}

func (v *MockVirt) Capabilities(ctx context.Context, sess Session) (*HostCaps, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	caps := v.caps
	return &caps, nil
}

// ===== Mock serial =====

// MockSerial scripts console exchanges. Boot banners are queued per device;
// each ReadUntil consumes one entry.
type MockSerial struct {
	mu      sync.Mutex
	scripts map[string][]string
	openErr error
}

var _ Serial = (*MockSerial)(nil)

// NewMockSerial starts with no scripted output.
func NewMockSerial() *MockSerial {
	return &MockSerial{scripts: make(map[string][]string)}
}

// QueueOutput appends console output the next read on device will see.
func (m *MockSerial) QueueOutput(device, output string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts[device] = append(m.scripts[device], output)
}

// FailOpen makes Open fail with err until cleared with nil.
func (m *MockSerial) FailOpen(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openErr = err
}

func (m *MockSerial) Open(ctx context.Context, sess Session, cfg SerialConfig) (SerialConn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.openErr != nil {
		return nil, m.openErr
	}
	return &mockSerialConn{parent: m, device: cfg.Device}, nil
}

type mockSerialConn struct {
	parent *MockSerial
	device string
}

var _ SerialConn = (*mockSerialConn)(nil)

func (c *mockSerialConn) next() (string, bool) {
	c.parent.mu.Lock()
	defer c.parent.mu.Unlock()
	queue := c.parent.scripts[c.device]
	if len(queue) == 0 {
		return "", false
	}
	out := queue[0]
	c.parent.scripts[c.device] = queue[1:]
	return out, true
}

func (c *mockSerialConn) Exec(ctx context.Context, command, promptPattern string, timeout time.Duration) (*SerialResult, error) {
	out, ok := c.next()
	if !ok {
		return &SerialResult{OK: false}, nil
	}
	matched := strings.Contains(out, promptPattern)
	return &SerialResult{OK: matched, Output: out}, nil
}

func (c *mockSerialConn) ReadUntil(ctx context.Context, pattern string, timeout time.Duration) (string, bool, error) {
	out, ok := c.next()
	if !ok {
		return "", false, nil
	}
	return out, strings.Contains(out, pattern), nil
}

func (c *mockSerialConn) SendBreak(ctx context.Context) error { return nil }

func (c *mockSerialConn) Close() error { return nil }

// ===== Mock power =====

// MockPower tracks per-board power state and records every switch.
type MockPower struct {
	mu      sync.Mutex
	state   map[string]bool
	history []string
	failErr error
}

var _ Power = (*MockPower)(nil)

// NewMockPower starts with every board considered on.
func NewMockPower() *MockPower {
	return &MockPower{state: make(map[string]bool)}
}

// Fail makes every operation fail with err until cleared with nil.
func (m *MockPower) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failErr = err
}

// History lists operations as "board:on" / "board:off" / "board:cycle".
func (m *MockPower) History() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.history))
	copy(out, m.history)
	return out
}

// IsOn reports the tracked state; unknown boards default to on.
func (m *MockPower) IsOn(boardID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	on, ok := m.state[boardID]
	return !ok || on
}

func (m *MockPower) On(ctx context.Context, sess Session, boardID string, cfg PowerSpec) error {
	return m.record(boardID, cfg, "on", true)
}

func (m *MockPower) Off(ctx context.Context, sess Session, boardID string, cfg PowerSpec) error {
	return m.record(boardID, cfg, "off", false)
}

func (m *MockPower) Cycle(ctx context.Context, sess Session, boardID string, cfg PowerSpec, delay time.Duration) (*CycleResult, error) {
	if err := m.record(boardID, cfg, "cycle", true); err != nil {
		return &CycleResult{}, err
	}
	return &CycleResult{OffOK: true, OnOK: true}, nil
}

func (m *MockPower) record(boardID string, cfg PowerSpec, op string, endState bool) error {
	if cfg.Method == "manual" {
		return types.Conflictf("board %s has manual power control; automation cannot switch it", boardID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return m.failErr
	}
	m.history = append(m.history, fmt.Sprintf("%s:%s", boardID, op))
	m.state[boardID] = endState
	return nil
}

// ===== Mock flash =====

// MockFlash succeeds instantly unless told otherwise.
type MockFlash struct {
	mu       sync.Mutex
	failErr  error
	requests []FlashRequest
}

var _ Flash = (*MockFlash)(nil)

// NewMockFlash starts permissive.
func NewMockFlash() *MockFlash {
	return &MockFlash{}
}

// Fail makes Flash fail with err until cleared with nil.
func (m *MockFlash) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failErr = err
}

// Requests returns every flash request seen.
func (m *MockFlash) Requests() []FlashRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]FlashRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

func (m *MockFlash) Flash(ctx context.Context, sess Session, req FlashRequest) (*FlashResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if m.failErr != nil {
		return nil, m.failErr
	}
	var total int64
	for range req.ImagePaths {
		total += 1 << 20
	}
	return &FlashResult{OK: true, BytesWritten: total, Verified: req.Verify}, nil
}

func (m *MockFlash) Cancel(ctx context.Context, boardID string) error {
	return types.NotFoundf("no flash in progress for %s", boardID)
}

func (m *MockFlash) Progress(boardID string) (FlashProgress, bool) {
	return FlashProgress{}, false
}
