// Package guest implements the internal controller: the in-VM agent that
// joins the overlay mesh and the cluster, registers with the orchestrator,
// and executes pod commands relayed by the worker manager.
package guest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tpc-cloud/worker-node/internal/wire"
	"github.com/tpc-cloud/worker-node/internal/wsock"
)

// State is the guest lifecycle. Transitions are strictly forward; Failed is
// terminal and brings the process down.
type State int32

const (
	StateBooting State = iota
	StateMeshing
	StateAgentStarting
	StateRegistered
	StateDraining
	StateFailed
)

var stateNames = map[State]string{
	StateBooting:       "Booting",
	StateMeshing:       "Meshing",
	StateAgentStarting: "AgentStarting",
	StateRegistered:    "Registered",
	StateDraining:      "Draining",
	StateFailed:        "Failed",
}

func (s State) String() string { return stateNames[s] }

// ControlPort is the well-known port the bootstrap server listens on inside
// the guest; the host forwards an ephemeral port to it.
const ControlPort = 39019

const (
	keepaliveInterval  = 500 * time.Millisecond
	nodeOnlineTimeout  = 300 * time.Second
	nodeOnlineInterval = 2 * time.Second
	closeGrace         = 10 * time.Second // after SUCCESS, before tearing down bootstrap

	bootstrapFailureMsg = "Failed to initialize installers.. terminating"
)

// Provisioner is the slice of the installer the agent drives.
type Provisioner interface {
	InstallMesh() error
	InstallClusterAgent(nodeName string, reg wire.RegistrationDetails) error
	WriteRegistryCredentials(registry, username, password string) error
	PullImage(image, version string) (string, error)
}

// Cluster is the slice of the kube handler the agent drives.
type Cluster interface {
	Prepare(ctx context.Context) error
	CreateNamespace(ctx context.Context, name string) error
	RunPod(ctx context.Context, image, version string, env map[string]string, namespace string) (string, error)
	DeletePod(ctx context.Context, podName, namespace string) (bool, error)
	DeleteAllPods(ctx context.Context, namespace string) (bool, error)
	NamespaceDetails(ctx context.Context, namespace string) (*wire.NamespaceDetails, error)
}

// Agent owns the guest control plane.
type Agent struct {
	port        int
	provisioner Provisioner
	cluster     Cluster
	logger      *zap.Logger

	state atomic.Int32

	mu            sync.Mutex
	failure       error
	handshake     *wire.HandshakeReceptionMessage
	registration  *wire.RegistrationDetails
	hostConnID    string
	bootstrapDone chan struct{}
	doneOnce      sync.Once

	server *wsock.Server

	// shrunk in tests
	keepaliveInterval  time.Duration
	nodeOnlineTimeout  time.Duration
	nodeOnlineInterval time.Duration
	closeGrace         time.Duration

	newOrchestrator func(baseURL string) *orchestratorClient
	orch            *orchestratorClient
}

// New builds an agent listening on the well-known control port.
func New(provisioner Provisioner, cluster Cluster, logger *zap.Logger) *Agent {
	return &Agent{
		port:               ControlPort,
		provisioner:        provisioner,
		cluster:            cluster,
		logger:             logger,
		bootstrapDone:      make(chan struct{}),
		keepaliveInterval:  keepaliveInterval,
		nodeOnlineTimeout:  nodeOnlineTimeout,
		nodeOnlineInterval: nodeOnlineInterval,
		closeGrace:         closeGrace,
		newOrchestrator: func(baseURL string) *orchestratorClient {
			return newOrchestratorClient(baseURL, logger)
		},
	}
}

// State returns the current lifecycle state.
func (a *Agent) State() State {
	return State(a.state.Load())
}

// advance moves the lifecycle forward. Backwards or same-state moves are
// ignored; moves out of Failed never happen.
func (a *Agent) advance(to State) bool {
	for {
		cur := a.state.Load()
		if State(cur) == StateFailed || State(cur) >= to {
			return false
		}
		if a.state.CompareAndSwap(cur, int32(to)) {
			a.logger.Info("State transition",
				zap.String("from", State(cur).String()),
				zap.String("to", to.String()),
			)
			return true
		}
	}
}

// fail records the terminal failure.
func (a *Agent) fail(err error) {
	a.mu.Lock()
	if a.failure == nil {
		a.failure = err
	}
	a.mu.Unlock()
	a.state.Store(int32(StateFailed))
	a.logger.Error("Guest entering Failed state", zap.Error(err))
	a.signalBootstrapDone()
}

func (a *Agent) signalBootstrapDone() {
	a.doneOnce.Do(func() { close(a.bootstrapDone) })
}

// Err returns the recorded terminal failure, if any.
func (a *Agent) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.failure
}

// Run executes the guest lifecycle: serve the bootstrap handshake, then stay
// on the persistent channel dispatching commands until the host goes away.
func (a *Agent) Run(ctx context.Context) error {
	server, err := wsock.New("0.0.0.0", a.port, nil, a.logger)
	if err != nil {
		return fmt.Errorf("guest: bootstrap server: %w", err)
	}
	a.mu.Lock()
	a.server = server
	a.mu.Unlock()
	server.Subscribe("/", a)

	select {
	case <-a.bootstrapDone:
	case <-ctx.Done():
		server.Shutdown(context.Background())
		return ctx.Err()
	}
	server.Shutdown(context.Background())

	if a.State() == StateFailed {
		return fmt.Errorf("guest: bootstrap failed: %w", a.Err())
	}

	a.mu.Lock()
	hs := a.handshake
	a.mu.Unlock()
	if err := a.runPersistentChannel(ctx, hs); err != nil {
		a.fail(err)
		return err
	}
	// The channel ended on a read: the host closed it or the connection dropped.
	a.advance(StateDraining)
	return nil
}

// OnConnect implements wsock.Subscriber for the bootstrap path. The first
// connection is the host; any other connection during bootstrap is dropped.
func (a *Agent) OnConnect(connID string) {
	a.mu.Lock()
	if a.hostConnID != "" {
		a.mu.Unlock()
		a.logger.Warn("Second bootstrap connection refused", zap.String("conn_id", connID))
		a.server.ForceDisconnect(connID)
		return
	}
	a.hostConnID = connID
	a.mu.Unlock()
	go a.handleBootstrap(connID)
}

// OnDisconnect implements wsock.Subscriber.
func (a *Agent) OnDisconnect(connID string) {
	a.mu.Lock()
	isHost := connID == a.hostConnID
	a.mu.Unlock()
	if isHost && a.State() < StateRegistered {
		a.logger.Warn("Host disconnected during bootstrap", zap.String("conn_id", connID))
	}
}

func (a *Agent) reply(connID string, status wire.HandshakeStatus, description string) {
	payload, err := json.Marshal(wire.HandshakeResponse{Status: status, Description: description})
	if err != nil {
		a.logger.Error("Encode handshake response", zap.Error(err))
		return
	}
	if _, err := a.server.Send(context.Background(), connID, payload, false); err != nil {
		a.logger.Error("Send handshake response", zap.Error(err))
	}
}

// handleBootstrap runs the guest side of the bootstrap protocol: a handshake
// that parses and validates gets exactly one terminal response, INITIALIZING
// frames before it; a frame that does not is dropped with no reply.
func (a *Agent) handleBootstrap(connID string) {
	ctx := context.Background()

	payload, err := a.server.Receive(ctx, connID)
	if err != nil {
		a.logger.Error("Bootstrap receive", zap.Error(err))
		return
	}

	var hs wire.HandshakeReceptionMessage
	if err := json.Unmarshal(payload, &hs); err != nil {
		a.logger.Error("Bootstrap frame is not valid JSON, ignoring connection", zap.Error(err))
		a.dropBootstrapConn(connID)
		return
	}
	if err := hs.Validate(); err != nil {
		a.logger.Error("Bootstrap frame failed validation, ignoring connection", zap.Error(err))
		a.dropBootstrapConn(connID)
		return
	}

	a.mu.Lock()
	a.handshake = &hs
	a.mu.Unlock()
	a.advance(StateMeshing)
	nodeName := hs.MachineUniqueIdentification.Name
	a.orch = a.newOrchestrator(hs.ServerURL)

	a.reply(connID, wire.HandshakeInitializing, "Initializing k3s")

	if err := a.provisioner.InstallMesh(); err != nil {
		a.logger.Error("Mesh install failed", zap.Error(err))
		a.reply(connID, wire.HandshakeFailure, bootstrapFailureMsg)
		a.fail(fmt.Errorf("install mesh: %w", err))
		return
	}

	reg, err := a.orch.FetchRegistration(ctx, hs.MachineUniqueIdentification)
	if err != nil {
		a.logger.Error("Registration fetch failed", zap.Error(err))
		a.reply(connID, wire.HandshakeFailure, bootstrapFailureMsg)
		a.fail(err)
		return
	}
	a.mu.Lock()
	a.registration = reg
	a.mu.Unlock()
	a.advance(StateAgentStarting)

	// Keepalive starts as soon as registration is in hand and runs for the
	// life of the process.
	go a.keepaliveLoop(nodeName)

	if err := a.provisioner.InstallClusterAgent(nodeName, *reg); err != nil {
		a.logger.Error("Cluster agent install failed", zap.Error(err))
		a.reply(connID, wire.HandshakeFailure, bootstrapFailureMsg)
		a.fail(fmt.Errorf("install cluster agent: %w", err))
		return
	}

	if err := a.cluster.Prepare(ctx); err != nil {
		a.logger.Error("Cluster prepare failed", zap.Error(err))
		a.reply(connID, wire.HandshakeFailure, bootstrapFailureMsg)
		a.fail(fmt.Errorf("prepare cluster: %w", err))
		return
	}

	if !a.waitForNodeOnline(ctx, nodeName) {
		a.logger.Error("Node never became visible to the orchestrator")
		a.reply(connID, wire.HandshakeFailure, bootstrapFailureMsg)
		a.fail(fmt.Errorf("node %s not online within %s", nodeName, a.nodeOnlineTimeout))
		return
	}

	a.advance(StateRegistered)
	a.reply(connID, wire.HandshakeSuccess, "Agent is running")

	// Give the host time to consume the terminal reply before the socket
	// goes away.
	time.Sleep(a.closeGrace)
	a.server.ForceDisconnect(connID)
	a.signalBootstrapDone()
}

func (a *Agent) dropBootstrapConn(connID string) {
	a.mu.Lock()
	if a.hostConnID == connID {
		a.hostConnID = ""
	}
	a.mu.Unlock()
	a.server.ForceDisconnect(connID)
}

func (a *Agent) waitForNodeOnline(ctx context.Context, nodeName string) bool {
	deadline := time.Now().Add(a.nodeOnlineTimeout)
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return false
		}
		if a.orch.NodeOnline(ctx, nodeName) {
			return true
		}
		time.Sleep(a.nodeOnlineInterval)
	}
	return false
}

func (a *Agent) keepaliveLoop(nodeName string) {
	ticker := time.NewTicker(a.keepaliveInterval)
	defer ticker.Stop()
	for range ticker.C {
		if a.State() == StateFailed {
			return
		}
		a.orch.Keepalive(context.Background(), nodeName)
	}
}
