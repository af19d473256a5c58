// ABOUTME: Pumps a long-lived streaming response from an agent to the browser.
// ABOUTME: Enforces per-chunk timeouts and propagates browser disconnects upstream.

package relay

import (
	"net/http"
	"time"

	"github.com/bwolfe502/pacbot-relay/internal/protocol"
)

// serveStream writes a streaming response (e.g. an MJPEG feed) chunk by
// chunk as the agent produces it, without buffering the whole body.
//
// The pump ends on the stream's end marker, a chunk timeout (producer
// stalled), or the browser dropping the connection; the last case also sends
// a best-effort cancel to the agent so it stops producing.
func (s *Server) serveStream(w http.ResponseWriter, r *http.Request, conn *Conn, start *protocol.StreamStart) {
	items, done, ok := conn.StreamItems(start.ID)
	if !ok {
		// Ended between promotion and here (agent dropped); nothing to pump.
		w.WriteHeader(http.StatusBadGateway)
		return
	}

	for k, v := range cloneWithoutHopHeaders(start.Headers) {
		w.Header().Set(k, v)
	}
	status := start.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)

	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}

	// Whatever ends the pump, tell the agent to stop and drop the table
	// entry. Delivery is best effort; the agent's socket lifetime is the
	// backstop.
	defer conn.CancelStream(start.ID)

	timeout := time.NewTimer(s.streamChunkTimeout)
	defer timeout.Stop()

	for {
		if !timeout.Stop() {
			select {
			case <-timeout.C:
			default:
			}
		}
		timeout.Reset(s.streamChunkTimeout)
		select {
		case item := <-items:
			if item.End {
				return
			}
			if _, err := w.Write(item.Data); err != nil {
				conn.logger.Debug("browser dropped stream", "request_id", start.ID, "error", err)
				return
			}
			s.metrics.StreamBytes.Add(float64(len(item.Data)))
			if flusher != nil {
				flusher.Flush()
			}

		case <-timeout.C:
			conn.logger.Debug("stream chunk timeout", "request_id", start.ID)
			return

		case <-r.Context().Done():
			conn.logger.Debug("browser disconnected from stream", "request_id", start.ID)
			return

		case <-done:
			// Stream torn down elsewhere (agent disconnect); drain whatever
			// is already queued, then finish.
			for {
				select {
				case item := <-items:
					if item.End {
						return
					}
					if _, err := w.Write(item.Data); err != nil {
						return
					}
					s.metrics.StreamBytes.Add(float64(len(item.Data)))
				default:
					return
				}
			}
		}
	}
}
