package guest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tpc-cloud/worker-node/internal/certs"
	"github.com/tpc-cloud/worker-node/internal/wire"
)

// runPersistentChannel dials the host's TLS endpoint, trusting exactly the
// certificate delivered during bootstrap, then serves execution requests
// until the host closes the channel. A clean close returns nil; anything
// before or during the dial is an error (the pinned material did not match,
// or the host is gone).
func (a *Agent) runPersistentChannel(ctx context.Context, hs *wire.HandshakeReceptionMessage) error {
	tlsCfg, err := certs.PinnedClientTLSConfig(hs.SecretKey)
	if err != nil {
		return fmt.Errorf("persistent channel: %w", err)
	}

	endpoint := url.URL{
		Scheme: "wss",
		Host:   hs.IP + ":" + strconv.Itoa(hs.Port),
		Path:   "/vm_connection",
	}
	dialer := websocket.Dialer{TLSClientConfig: tlsCfg}
	conn, _, err := dialer.DialContext(ctx, endpoint.String(), nil)
	if err != nil {
		return fmt.Errorf("persistent channel: dial %s: %w", endpoint.String(), err)
	}
	defer conn.Close()
	a.logger.Info("Persistent channel established", zap.String("endpoint", endpoint.String()))

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || ctx.Err() != nil {
				a.logger.Info("Persistent channel closed by host")
				return nil
			}
			a.logger.Warn("Persistent channel read", zap.Error(err))
			return nil
		}

		resp := a.dispatch(ctx, payload)
		out, err := json.Marshal(resp)
		if err != nil {
			a.logger.Error("Encode execution response", zap.Error(err))
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, out); err != nil {
			return fmt.Errorf("persistent channel: write response: %w", err)
		}
	}
}
