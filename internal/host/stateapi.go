package host

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// StateAPIAddr is the loopback-only endpoint for operator inspection.
const StateAPIAddr = "127.0.0.1:28253"

// StateAPI serves read-only node state on loopback: the current fused
// metrics, a graceful-terminate trigger proxied to the orchestrator, and
// prometheus counters.
type StateAPI struct {
	publisher  *MetricsPublisher
	supervisor *Supervisor
	serverURL  string
	nodeID     string
	logger     *zap.Logger

	http   *http.Client
	server *http.Server
}

// NewStateAPI wires the local HTTP surface.
func NewStateAPI(publisher *MetricsPublisher, supervisor *Supervisor, serverURL, nodeID string, logger *zap.Logger) *StateAPI {
	api := &StateAPI{
		publisher:  publisher,
		supervisor: supervisor,
		serverURL:  serverURL,
		nodeID:     nodeID,
		logger:     logger,
		http:       &http.Client{Timeout: 10 * time.Second},
	}

	router := httprouter.New()
	router.GET("/api/v1/vm_metrics", api.vmMetrics)
	router.POST("/api/v1/gracefully_terminate", api.gracefullyTerminate)
	router.Handler(http.MethodGet, "/metrics", promhttp.Handler())
	api.server = &http.Server{Addr: StateAPIAddr, Handler: router}
	return api
}

// Run serves until ctx ends.
func (a *StateAPI) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	select {
	case err := <-errCh:
		return fmt.Errorf("state api: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		a.server.Shutdown(shutdownCtx)
		return nil
	}
}

func (a *StateAPI) vmMetrics(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	metrics, err := a.publisher.Sample()
	if err != nil {
		a.logger.Error("State API sample failed", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(metrics)
}

func (a *StateAPI) gracefullyTerminate(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost,
		a.serverURL+"/api/v1/gracefully_terminate/"+a.nodeID, nil)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	resp, err := a.http.Do(req)
	if err != nil {
		a.logger.Error("Graceful terminate proxy failed", zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		a.supervisor.RequestGracefulShutdown()
	}
	w.WriteHeader(resp.StatusCode)
	json.NewEncoder(w).Encode(map[string]bool{"terminating": resp.StatusCode == http.StatusOK})
}
