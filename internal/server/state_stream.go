package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/gridserve/gridserve/core/logx"
	"github.com/gridserve/gridserve/internal/telemetry"
)

// StateStreamHandler pushes monitoring snapshots to dashboard clients over a
// websocket. A snapshot is sent immediately on connect, then on every tick
// until the client goes away.
func StateStreamHandler(agg *telemetry.Aggregator, interval time.Duration) http.HandlerFunc {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer func() {
			_ = c.Close(websocket.StatusNormalClosure, "")
		}()
		ctx := r.Context()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			data, err := json.Marshal(agg.State())
			if err != nil {
				logx.Log.Warn().Err(err).Msg("serialize state snapshot")
				return
			}
			if err := c.Write(ctx, websocket.MessageText, data); err != nil {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}
}
