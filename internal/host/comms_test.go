package host

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tpc-cloud/worker-node/internal/certs"
	"github.com/tpc-cloud/worker-node/internal/hypervisor"
	"github.com/tpc-cloud/worker-node/internal/wire"
)

type fakeVM struct {
	mu     sync.Mutex
	dead   bool
	killed int
	ran    []int
}

func (f *fakeVM) Run(port int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ran = append(f.ran, port)
	return nil
}

func (f *fakeVM) Utilization(time.Duration) hypervisor.Utilization {
	return hypervisor.Utilization{CPUFraction: 0.25, CPUAllocated: 4, MemoryUsedMiB: 512, MemoryAllocated: 4096}
}

func (f *fakeVM) Dead() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dead
}

func (f *fakeVM) Kill() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed++
	f.dead = true
}

func testComms(t *testing.T, vm *fakeVM) *ControllerComms {
	t.Helper()
	material, err := certs.GenerateSelfSigned("127.0.0.1", "127.0.0.1")
	if err != nil {
		t.Fatal(err)
	}
	c, err := newControllerComms("127.0.0.1", 0, 0, "http://orchestrator.invalid",
		material, wire.NodeDetails{Name: "worker-1", ID: "m-1"}, vm, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(c.Terminate)
	c.retryCount = 2
	c.retryDelay = 20 * time.Millisecond
	c.attemptTimeout = 500 * time.Millisecond
	c.firstReplyTimeout = 2 * time.Second
	return c
}

func dialPersistent(t *testing.T, c *ControllerComms) *websocket.Conn {
	t.Helper()
	tlsCfg, err := certs.PinnedClientTLSConfig(c.material.CertPEM)
	if err != nil {
		t.Fatal(err)
	}
	dialer := websocket.Dialer{TLSClientConfig: tlsCfg}
	url := fmt.Sprintf("wss://%s%s", c.server.Addr(), connectionPath)
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial persistent channel: %v", err)
	}
	return conn
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSendRequestPairsReply(t *testing.T) {
	c := testComms(t, &fakeVM{})
	conn := dialPersistent(t, c)
	defer conn.Close()
	waitFor(t, "guest bound", func() bool { return c.vmConnected.Load() })

	// Echo dispatcher on the guest side.
	go func() {
		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var req wire.ExecutionRequest
			json.Unmarshal(payload, &req)
			out, _ := json.Marshal(wire.ExecutionResponse{
				ID: req.ID, Result: wire.ResultSuccess, Description: "ok " + req.ID,
			})
			conn.WriteMessage(websocket.TextMessage, out)
		}
	}()

	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("r%d", i)
		resp, err := c.SendRequest(context.Background(), wire.ExecutionRequest{
			ID: id, Command: wire.CommandGetPodDetails,
			Arguments: map[string]wire.Argument{"namespace": {Str: "tpc-workers"}},
		})
		if err != nil {
			t.Fatal(err)
		}
		if resp.ID != id || resp.Description != "ok "+id {
			t.Errorf("response %d = %+v", i, resp)
		}
	}
}

func TestSendRequestSerializesConcurrentCallers(t *testing.T) {
	c := testComms(t, &fakeVM{})
	conn := dialPersistent(t, c)
	defer conn.Close()
	waitFor(t, "guest bound", func() bool { return c.vmConnected.Load() })

	go func() {
		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var req wire.ExecutionRequest
			json.Unmarshal(payload, &req)
			out, _ := json.Marshal(wire.ExecutionResponse{ID: req.ID, Result: wire.ResultSuccess})
			conn.WriteMessage(websocket.TextMessage, out)
		}
	}()

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("c%d", i)
			resp, err := c.SendRequest(context.Background(), wire.ExecutionRequest{ID: id, Command: wire.CommandGetPodDetails})
			if err != nil {
				errs <- err
				return
			}
			if resp.ID != id {
				errs <- fmt.Errorf("caller %d got reply %s", i, resp.ID)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestSendRequestNoGuest(t *testing.T) {
	c := testComms(t, &fakeVM{})
	if _, err := c.SendRequest(context.Background(), wire.ExecutionRequest{ID: "r1"}); err == nil {
		t.Fatal("expected error with no guest bound")
	}
}

// S3: a second connection while a ready guest is bound is dropped; the
// bound guest is unaffected.
func TestSecondGuestRefused(t *testing.T) {
	c := testComms(t, &fakeVM{})
	first := dialPersistent(t, c)
	defer first.Close()
	waitFor(t, "guest bound", func() bool { return c.vmConnected.Load() })
	c.vmReady.Store(true)

	c.mu.Lock()
	boundID := c.currentConnID
	c.mu.Unlock()

	second := dialPersistent(t, c)
	defer second.Close()
	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := second.ReadMessage(); err == nil {
		t.Error("second connection not closed")
	}

	// The bound guest is still the same and should_terminate stayed down.
	c.mu.Lock()
	stillBound := c.currentConnID
	c.mu.Unlock()
	if stillBound != boundID {
		t.Errorf("binding moved from %s to %s", boundID, stillBound)
	}
	if c.ShouldTerminate() {
		t.Error("dropping an intruder must not terminate the node")
	}
}

func TestBoundGuestDisconnectFlagsTermination(t *testing.T) {
	c := testComms(t, &fakeVM{})
	conn := dialPersistent(t, c)
	waitFor(t, "guest bound", func() bool { return c.vmConnected.Load() })

	conn.Close()
	waitFor(t, "termination flag", c.ShouldTerminate)
}

func TestShouldTerminateOnDeadVM(t *testing.T) {
	vm := &fakeVM{}
	c := testComms(t, vm)
	if c.ShouldTerminate() {
		t.Fatal("fresh comms flagged for termination")
	}
	vm.Kill()
	if !c.ShouldTerminate() {
		t.Error("dead hypervisor not reflected in ShouldTerminate")
	}
}

func TestTerminateIdempotent(t *testing.T) {
	vm := &fakeVM{}
	c := testComms(t, vm)
	c.Terminate()
	c.Terminate()
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if vm.killed != 1 {
		t.Errorf("kill count = %d", vm.killed)
	}
}

// guestBootstrapStub runs a minimal guest bootstrap server on an ephemeral
// port and replies with the scripted statuses.
func guestBootstrapStub(t *testing.T, replies []wire.HandshakeResponse) (int, <-chan wire.HandshakeReceptionMessage) {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { listener.Close() })
	received := make(chan wire.HandshakeReceptionMessage, 1)

	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		_, payload, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var hs wire.HandshakeReceptionMessage
		if err := json.Unmarshal(payload, &hs); err != nil {
			return
		}
		received <- hs
		for _, reply := range replies {
			out, _ := json.Marshal(reply)
			ws.WriteMessage(websocket.TextMessage, out)
		}
	})
	go http.Serve(listener, mux)
	return listener.Addr().(*net.TCPAddr).Port, received
}

func TestBootstrapSuccess(t *testing.T) {
	port, received := guestBootstrapStub(t, []wire.HandshakeResponse{
		{Status: wire.HandshakeInitializing, Description: "Initializing k3s"},
		{Status: wire.HandshakeSuccess, Description: "Agent is running"},
	})
	c := testComms(t, &fakeVM{})
	c.vmPort = port

	if err := c.Bootstrap(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !c.VMReady() {
		t.Error("vm_ready not set after SUCCESS")
	}
	if c.ShouldTerminate() {
		t.Error("successful bootstrap flagged termination")
	}

	hs := <-received
	if string(hs.SecretKey) != string(c.material.CertPEM) {
		t.Error("handshake secret_key is not the server cert PEM")
	}
	if hs.ServerURL != "http://orchestrator.invalid" || hs.MachineUniqueIdentification.Name != "worker-1" {
		t.Errorf("handshake fields: %+v", hs)
	}
}

func TestBootstrapFailureReply(t *testing.T) {
	port, _ := guestBootstrapStub(t, []wire.HandshakeResponse{
		{Status: wire.HandshakeInitializing, Description: "Initializing k3s"},
		{Status: wire.HandshakeFailure, Description: "Failed to initialize installers.. terminating"},
	})
	c := testComms(t, &fakeVM{})
	c.vmPort = port

	if err := c.Bootstrap(context.Background()); err == nil {
		t.Fatal("expected bootstrap error")
	}
	if c.VMReady() {
		t.Error("vm_ready set after FAILURE")
	}
	if !c.ShouldTerminate() {
		t.Error("failed bootstrap must flag termination")
	}
}

func TestBootstrapNoGuestListening(t *testing.T) {
	c := testComms(t, &fakeVM{})
	// Point at a port nobody listens on.
	free, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := free.Addr().(*net.TCPAddr).Port
	free.Close()
	c.vmPort = port

	start := time.Now()
	if err := c.Bootstrap(context.Background()); err == nil {
		t.Fatal("expected dial failure")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("retry loop overran its budget: %v", elapsed)
	}
	if !c.ShouldTerminate() {
		t.Error("dial failure must flag termination")
	}
}
