// ABOUTME: Streams a local HTTP response to the relay chunk by chunk.
// ABOUTME: A cancel signal from the relay stops the producer mid-stream.

package tunnel

import (
	"context"

	"github.com/bwolfe502/pacbot-relay/internal/protocol"
)

// streamChunkSize is how much of the local response body is read per chunk.
const streamChunkSize = 64 * 1024

// serveLocalStream forwards a streaming path as a start/chunk*/end sequence.
// If the local call fails before a response exists, the reply degrades to a
// plain 502 ResponseMessage so the envelope still gets exactly one reply.
func (c *Client) serveLocalStream(env *protocol.RequestEnvelope) {
	cancel := c.registerCancel(env.ID)
	defer c.removeCancel(env.ID)

	// The cancel signal aborts the in-flight local read via context, so a
	// stalled body read cannot outlive the relay's interest.
	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	go func() {
		select {
		case <-cancel:
			stop()
		case <-ctx.Done():
		}
	}()

	resp, err := c.forwarder.OpenStream(ctx, env)
	if err != nil {
		c.logger.Warn("local stream request failed", "request_id", env.ID, "path", env.Path, "error", err)
		if sendErr := c.send(unreachableResponse(env.ID, err)); sendErr != nil {
			c.logger.Debug("failed to send stream error", "request_id", env.ID, "error", sendErr)
		}
		return
	}
	defer resp.Body.Close()

	start := &protocol.StreamStart{
		ID:      env.ID,
		Stream:  "start",
		Status:  resp.StatusCode,
		Headers: flattenResponseHeaders(resp.Header),
	}
	if err := c.send(start); err != nil {
		return
	}

	buf := make([]byte, streamChunkSize)
	for {
		select {
		case <-cancel:
			c.sendStreamEnd(env.ID)
			return
		default:
		}

		n, err := resp.Body.Read(buf)
		if n > 0 {
			chunk := &protocol.StreamChunk{
				ID:      env.ID,
				Stream:  "chunk",
				BodyB64: protocol.EncodeBody(buf[:n]),
			}
			if sendErr := c.send(chunk); sendErr != nil {
				return
			}
		}
		if err != nil {
			// EOF or a mid-stream failure both terminate cleanly; the
			// relay treats end as authoritative either way.
			c.sendStreamEnd(env.ID)
			return
		}
	}
}

func (c *Client) sendStreamEnd(id string) {
	end := &protocol.StreamEnd{ID: id, Stream: "end"}
	if err := c.send(end); err != nil {
		c.logger.Debug("failed to send stream end", "request_id", id, "error", err)
	}
}
