package guest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/tpc-cloud/worker-node/internal/wire"
)

// orchestratorClient talks to the cluster orchestrator over HTTP. One client
// and one mutex per process: keepalive and node-online probes otherwise
// stampede the server with parallel sessions.
type orchestratorClient struct {
	baseURL string
	http    *http.Client
	mu      sync.Mutex
	logger  *zap.Logger
}

func newOrchestratorClient(baseURL string, logger *zap.Logger) *orchestratorClient {
	return &orchestratorClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
		logger:  logger,
	}
}

// FetchRegistration trades the node identity for the cluster and mesh join
// material. Transient failures are retried briefly; the registration is
// immutable per boot and fetched exactly once.
func (c *orchestratorClient) FetchRegistration(ctx context.Context, node wire.NodeDetails) (*wire.RegistrationDetails, error) {
	body, err := json.Marshal(node)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: encode node details: %w", err)
	}

	var reg *wire.RegistrationDetails
	operation := func() error {
		c.mu.Lock()
		defer c.mu.Unlock()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.baseURL+"/api/v1/node_token", bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("node_token returned %d", resp.StatusCode)
		}
		var out wire.RegistrationDetails
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return backoff.Permanent(fmt.Errorf("decode registration: %w", err))
		}
		reg = &out
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	if err := backoff.Retry(operation, bo); err != nil {
		return nil, fmt.Errorf("orchestrator: fetch registration: %w", err)
	}
	return reg, nil
}

// NodeOnline asks whether the orchestrator sees the node.
func (c *orchestratorClient) NodeOnline(ctx context.Context, nodeName string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/api/v1/node_exists/"+nodeName, nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

// Keepalive reports liveness. Failures are logged and otherwise ignored.
func (c *orchestratorClient) Keepalive(ctx context.Context, nodeName string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		c.baseURL+"/api/v1/node_keepalive/"+nodeName, nil)
	if err != nil {
		return
	}
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug("Keepalive failed", zap.Error(err))
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		c.logger.Debug("Keepalive rejected", zap.Int("status", resp.StatusCode))
	}
}
