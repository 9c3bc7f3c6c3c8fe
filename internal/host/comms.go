// Package host implements the worker manager: guest bootstrap and
// supervision, the command relay, metrics publishing, and the local state
// API.
package host

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tpc-cloud/worker-node/config"
	"github.com/tpc-cloud/worker-node/internal/certs"
	"github.com/tpc-cloud/worker-node/internal/hypervisor"
	"github.com/tpc-cloud/worker-node/internal/netutil"
	"github.com/tpc-cloud/worker-node/internal/wire"
	"github.com/tpc-cloud/worker-node/internal/wsock"
)

const (
	connectionPath = "/vm_connection"

	bootstrapRetryCount     = 10
	bootstrapRetryDelay     = 2 * time.Second
	bootstrapAttemptTimeout = 10 * time.Second
	firstReplyTimeout       = 600 * time.Second
)

// VM is the hypervisor surface the comms layer drives.
type VM interface {
	Run(forwardedPort int) error
	Utilization(interval time.Duration) hypervisor.Utilization
	Dead() bool
	Kill()
}

// ControllerComms owns the two channels to the internal controller: the
// one-shot bootstrap socket into the guest, and the persistent TLS channel
// the guest opens back. It binds at most one guest at a time.
type ControllerComms struct {
	serverIP   string
	serverPort int
	vmPort     int
	serverURL  string
	material   *certs.Material
	node       wire.NodeDetails

	vm     VM
	server *wsock.Server
	logger *zap.Logger

	vmReady         atomic.Bool
	vmConnected     atomic.Bool
	shouldTerminate atomic.Bool

	mu            sync.Mutex
	currentConnID string

	sendMu sync.Mutex // serializes request/reply exchanges on the guest channel

	retryCount        int
	retryDelay        time.Duration
	attemptTimeout    time.Duration
	firstReplyTimeout time.Duration

	terminateOnce sync.Once
}

// NewControllerComms wires the channel plumbing and launches the guest:
// primary IP, two ephemeral ports, a fresh self-signed cert for the server
// IP, the TLS WebSocket server, and the hypervisor with its port forward.
func NewControllerComms(cfg *config.Config, node wire.NodeDetails, logger *zap.Logger) (*ControllerComms, error) {
	serverIP, err := netutil.PrimaryIP()
	if err != nil {
		return nil, fmt.Errorf("comms: %w", err)
	}
	serverPort, err := netutil.AvailablePort()
	if err != nil {
		return nil, fmt.Errorf("comms: %w", err)
	}
	vmPort, err := netutil.AvailablePort()
	if err != nil {
		return nil, fmt.Errorf("comms: %w", err)
	}
	material, err := certs.GenerateSelfSigned(serverIP, serverIP)
	if err != nil {
		return nil, fmt.Errorf("comms: %w", err)
	}

	vm := hypervisor.New(cfg.QEMUInstallationLocation, cfg.CPULimit, cfg.MemoryLimit,
		cfg.VMImageLocation, logger.With(zap.String("component", "hypervisor")))

	c, err := newControllerComms(serverIP, serverPort, vmPort, cfg.ServerURL, material, node, vm, logger)
	if err != nil {
		return nil, err
	}
	if err := vm.Run(vmPort); err != nil {
		c.server.Shutdown(context.Background())
		return nil, fmt.Errorf("comms: %w", err)
	}
	return c, nil
}

func newControllerComms(serverIP string, serverPort, vmPort int, serverURL string,
	material *certs.Material, node wire.NodeDetails, vm VM, logger *zap.Logger) (*ControllerComms, error) {

	tlsCfg, err := material.ServerTLSConfig()
	if err != nil {
		return nil, fmt.Errorf("comms: %w", err)
	}
	server, err := wsock.New(serverIP, serverPort, tlsCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("comms: %w", err)
	}

	c := &ControllerComms{
		serverIP:          serverIP,
		serverPort:        serverPort,
		vmPort:            vmPort,
		serverURL:         serverURL,
		material:          material,
		node:              node,
		vm:                vm,
		server:            server,
		logger:            logger,
		retryCount:        bootstrapRetryCount,
		retryDelay:        bootstrapRetryDelay,
		attemptTimeout:    bootstrapAttemptTimeout,
		firstReplyTimeout: firstReplyTimeout,
	}
	server.Subscribe(connectionPath, c)
	logger.Info("Persistent channel server listening",
		zap.String("endpoint", fmt.Sprintf("wss://%s:%d%s", serverIP, serverPort, connectionPath)),
	)
	return c, nil
}

// ShouldTerminate reports whether the supervisor must shut the node down.
func (c *ControllerComms) ShouldTerminate() bool {
	return c.shouldTerminate.Load() || c.vm.Dead()
}

// VMReady reports whether the guest completed its bootstrap.
func (c *ControllerComms) VMReady() bool {
	return c.vmReady.Load()
}

// Utilization samples the guest process.
func (c *ControllerComms) Utilization(interval time.Duration) hypervisor.Utilization {
	return c.vm.Utilization(interval)
}

// Bootstrap drives the handshake: dial the forwarded guest port, deliver the
// registration material, and stream replies until a terminal status. On any
// failure the comms layer is marked for termination.
func (c *ControllerComms) Bootstrap(ctx context.Context) error {
	err := c.bootstrap(ctx)
	if err != nil {
		c.shouldTerminate.Store(true)
	}
	return err
}

func (c *ControllerComms) bootstrap(ctx context.Context) error {
	conn, err := c.dialGuest(ctx)
	if err != nil {
		return fmt.Errorf("comms: bootstrap dial: %w", err)
	}
	defer conn.Close()
	c.logger.Info("Guest bootstrap socket connected, sending handshake")

	hs := wire.HandshakeReceptionMessage{
		IP:        c.serverIP,
		Port:      c.serverPort,
		SecretKey: c.material.CertPEM,
		ServerURL: c.serverURL,
		MachineUniqueIdentification: c.node,
	}
	payload, err := json.Marshal(hs)
	if err != nil {
		return fmt.Errorf("comms: encode handshake: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("comms: send handshake: %w", err)
	}

	// The first reply may take as long as a full cluster install.
	conn.SetReadDeadline(time.Now().Add(c.firstReplyTimeout))
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("comms: handshake reply: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(c.firstReplyTimeout))

		var resp wire.HandshakeResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			return fmt.Errorf("comms: handshake reply does not parse: %w", err)
		}
		c.logger.Info("Handshake reply",
			zap.String("status", resp.Status.String()),
			zap.String("description", resp.Description),
		)
		switch resp.Status {
		case wire.HandshakeSuccess:
			c.vmReady.Store(true)
			return nil
		case wire.HandshakeFailure:
			return fmt.Errorf("comms: guest bootstrap failed: %s", resp.Description)
		}
	}
}

func (c *ControllerComms) dialGuest(ctx context.Context) (*websocket.Conn, error) {
	endpoint := url.URL{Scheme: "ws", Host: "127.0.0.1:" + strconv.Itoa(c.vmPort)}
	dialer := websocket.Dialer{HandshakeTimeout: c.attemptTimeout}

	var conn *websocket.Conn
	operation := func() error {
		var err error
		conn, _, err = dialer.DialContext(ctx, endpoint.String(), nil)
		return err
	}
	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.retryDelay), uint64(c.retryCount-1)), ctx)
	if err := backoff.Retry(operation, bo); err != nil {
		return nil, err
	}
	return conn, nil
}

// OnConnect implements wsock.Subscriber on the persistent path: while a ready
// guest is bound, newcomers are dropped; before that, a newcomer becomes the
// bound guest.
func (c *ControllerComms) OnConnect(connID string) {
	if c.vmConnected.Load() && c.vmReady.Load() {
		c.logger.Warn("Second guest connection refused", zap.String("conn_id", connID))
		c.server.ForceDisconnect(connID)
		return
	}
	c.mu.Lock()
	c.currentConnID = connID
	c.mu.Unlock()
	c.vmConnected.Store(true)
	guestConnectedGauge.Set(1)
	c.logger.Info("Guest connected on persistent channel", zap.String("conn_id", connID))
}

// OnDisconnect implements wsock.Subscriber: losing the bound guest is fatal
// for the whole node.
func (c *ControllerComms) OnDisconnect(connID string) {
	c.mu.Lock()
	bound := c.vmConnected.Load() && connID == c.currentConnID
	c.mu.Unlock()
	if bound {
		c.vmConnected.Store(false)
		guestConnectedGauge.Set(0)
		c.logger.Error("Guest disconnected from persistent channel", zap.String("conn_id", connID))
		c.shouldTerminate.Store(true)
	}
}

// SendRequest relays one execution request to the bound guest and returns
// its response. Callers are serialized; replies pair with requests in FIFO
// order.
func (c *ControllerComms) SendRequest(ctx context.Context, req wire.ExecutionRequest) (*wire.ExecutionResponse, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.mu.Lock()
	connID := c.currentConnID
	c.mu.Unlock()
	if connID == "" || !c.vmConnected.Load() {
		return nil, fmt.Errorf("comms: no guest connected")
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("comms: encode request: %w", err)
	}
	relayRequestsTotal.WithLabelValues(string(req.Command)).Inc()

	raw, err := c.server.Send(ctx, connID, payload, true)
	if err != nil {
		return nil, fmt.Errorf("comms: relay request %s: %w", req.ID, err)
	}
	var resp wire.ExecutionResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("comms: response for %s does not parse: %w", req.ID, err)
	}
	return &resp, nil
}

// Terminate kills the guest and tears the channel server down. Idempotent.
func (c *ControllerComms) Terminate() {
	c.terminateOnce.Do(func() {
		c.logger.Info("Terminating guest")
		c.vm.Kill()
		c.server.Shutdown(context.Background())
	})
}
