package transport

import (
	"context"
	"net"
	"strconv"

	"go.uber.org/zap"

	"fleetd/internal/clock"
	"fleetd/internal/config"
	"fleetd/internal/types"
)

// Hub assembles the transport stack once at start-up and hands sessions and
// adapters to everything above it. Mode "ssh" builds the real stack
// (pool over breaker over retry over ssh); mode "mock" swaps every adapter
// for its deterministic twin.
type Hub struct {
	cfg    *config.Config
	dialer Dialer
	pool   *Pool
	virt   Virt
	serial Serial
	power  Power
	flash  Flash
	logger *zap.Logger

	// mocks is non-nil only in mock mode, for pilots and tests that need
	// to script the fleet.
	mocks *MockBackends
}

// MockBackends exposes the scriptable side of a mock-mode hub.
type MockBackends struct {
	Dialer *MockDialer
	Virt   *MockVirt
	Serial *MockSerial
	Power  *MockPower
	Flash  *MockFlash
}

// NewHub wires the transport stack for the configured mode.
func NewHub(cfg *config.Config, clk clock.Clock, logger *zap.Logger) (*Hub, error) {
	logger = logger.Named("transport")
	h := &Hub{cfg: cfg, logger: logger}

	switch cfg.Transport.Mode {
	case "ssh":
		base, err := NewSSHDialer(cfg.ConnectTimeout(), cfg.ExecTimeout(), cfg.Transport.KnownHostsPath, logger)
		if err != nil {
			return nil, err
		}
		stack := NewRetryDialer(base, cfg.Transport.RetryMax, cfg.RetryBase(), clk, logger)
		stack = NewBreakerDialer(stack, cfg.Transport.BreakerMaxFailures, cfg.BreakerCooldown(), logger)
		h.pool = NewPool(stack, cfg.Transport.PoolMaxPerKey, logger)
		h.dialer = h.pool
		h.virt = NewVirshAdapter(logger)
		h.serial = NewShellSerial(logger)
		h.power = NewShellPower(clk, logger)
		h.flash = NewShellFlash(logger)

	case "mock":
		m := &MockBackends{
			Dialer: NewMockDialer(),
			Virt:   NewMockVirt(),
			Serial: NewMockSerial(),
			Power:  NewMockPower(),
			Flash:  NewMockFlash(),
		}
		h.mocks = m
		h.dialer = m.Dialer
		h.virt = m.Virt
		h.serial = m.Serial
		h.power = m.Power
		h.flash = m.Flash

	default:
		return nil, types.Validationf("unknown transport mode %q", cfg.Transport.Mode)
	}
	return h, nil
}

// Session opens (or reuses) a session to the asset.
func (h *Hub) Session(ctx context.Context, meta *types.AssetMeta) (Session, error) {
	ep, err := h.Endpoint(meta)
	if err != nil {
		return nil, err
	}
	return h.dialer.Dial(ctx, ep)
}

// SessionTo opens a session to a host that is not a registered asset, such as
// a console server or flash station, reusing a named credential.
func (h *Hub) SessionTo(ctx context.Context, host, credentialsRef string) (Session, error) {
	ep, err := h.endpoint(host, credentialsRef)
	if err != nil {
		return nil, err
	}
	return h.dialer.Dial(ctx, ep)
}

// Validate checks reachability without going through the pool.
func (h *Hub) Validate(ctx context.Context, meta *types.AssetMeta) error {
	ep, err := h.Endpoint(meta)
	if err != nil {
		return err
	}
	return h.dialer.Validate(ctx, ep)
}

// Endpoint resolves the asset's address and credential reference.
func (h *Hub) Endpoint(meta *types.AssetMeta) (Endpoint, error) {
	return h.endpoint(meta.Address, meta.CredentialsRef)
}

func (h *Hub) endpoint(address, credentialsRef string) (Endpoint, error) {
	if address == "" {
		return Endpoint{}, types.Validationf("asset has no address")
	}
	cred, ok := h.cfg.Credentials[credentialsRef]
	if !ok {
		return Endpoint{}, types.Validationf("unknown credentials reference %q", credentialsRef)
	}

	host := address
	port := cred.Port
	if hp, p, err := net.SplitHostPort(address); err == nil {
		host = hp
		if n, err := strconv.Atoi(p); err == nil {
			port = n
		}
	}
	return Endpoint{
		Host:           host,
		Port:           port,
		User:           cred.User,
		Password:       cred.Password,
		PrivateKeyPath: cred.PrivateKeyPath,
		ConnectTimeout: h.cfg.ConnectTimeout(),
	}, nil
}

// Virt returns the hypervisor adapter.
func (h *Hub) Virt() Virt { return h.virt }

// Serial returns the console adapter.
func (h *Hub) Serial() Serial { return h.serial }

// Power returns the power adapter.
func (h *Hub) Power() Power { return h.power }

// Flash returns the flash-station adapter.
func (h *Hub) Flash() Flash { return h.flash }

// Mocks returns the scriptable backends, or nil outside mock mode.
func (h *Hub) Mocks() *MockBackends { return h.mocks }

// PoolStats reports connection pool occupancy; empty in mock mode.
func (h *Hub) PoolStats() map[string]PoolStat {
	if h.pool == nil {
		return map[string]PoolStat{}
	}
	return h.pool.Stats()
}

// Close tears down pooled connections.
func (h *Hub) Close() error {
	if h.pool != nil {
		return h.pool.Close()
	}
	return nil
}
