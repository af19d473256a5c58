// ABOUTME: Replays proxied-request envelopes against the bot's local HTTP service.
// ABOUTME: One envelope in, exactly one reply out, even when the service is down.

package tunnel

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/bwolfe502/pacbot-relay/internal/protocol"
)

// localRequestTimeout bounds a single non-streaming local call. Kept below
// the relay's request timeout so the relay sees a 502 rather than a 504 when
// the local service hangs.
const localRequestTimeout = 25 * time.Second

// forwardSkipHeaders are envelope headers never passed to the local service;
// the local transport recomputes them.
var forwardSkipHeaders = map[string]bool{
	"host":              true,
	"transfer-encoding": true,
	"connection":        true,
}

// bodyMethods are the methods that conventionally carry a request body.
var bodyMethods = map[string]bool{
	http.MethodPost:  true,
	http.MethodPut:   true,
	http.MethodPatch: true,
}

// Forwarder turns request envelopes into real HTTP calls against a fixed
// local base URL.
type Forwarder struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewForwarder creates a forwarder for the given local base URL, e.g.
// "http://127.0.0.1:8420". Redirects from the local service are never
// followed; the 3xx passes back verbatim so the relay can rewrite Location.
func NewForwarder(baseURL string, logger *slog.Logger) *Forwarder {
	return &Forwarder{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: localRequestTimeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger: logger,
	}
}

// streamClient is like the forwarder's client but without a total-request
// timeout, since a stream is expected to outlive any fixed deadline.
func (f *Forwarder) streamClient() *http.Client {
	return &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// open issues the local HTTP call for an envelope and returns the raw
// response. The caller owns the body.
func (f *Forwarder) open(ctx context.Context, client *http.Client, env *protocol.RequestEnvelope) (*http.Response, error) {
	var body io.Reader
	if bodyMethods[env.Method] {
		raw, err := env.Body()
		if err != nil {
			return nil, fmt.Errorf("decoding envelope body: %w", err)
		}
		// An absent body stays absent; an empty buffer would advertise
		// Content-Length: 0 to servers that dislike it on these methods.
		if len(raw) > 0 {
			body = bytes.NewReader(raw)
		}
	}

	req, err := http.NewRequestWithContext(ctx, env.Method, f.baseURL+env.Path, body)
	if err != nil {
		return nil, fmt.Errorf("building local request: %w", err)
	}
	for k, v := range env.Headers {
		if forwardSkipHeaders[strings.ToLower(k)] {
			continue
		}
		req.Header.Set(k, v)
	}

	return client.Do(req)
}

// Forward executes one envelope and returns its reply. Connection-level
// failures reaching the local service never propagate as errors; they become
// a synthetic 502 so the one-envelope-one-reply contract holds.
func (f *Forwarder) Forward(ctx context.Context, env *protocol.RequestEnvelope) *protocol.ResponseMessage {
	resp, err := f.open(ctx, f.client, env)
	if err != nil {
		f.logger.Warn("local request failed", "request_id", env.ID, "path", env.Path, "error", err)
		return unreachableResponse(env.ID, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		f.logger.Warn("reading local response", "request_id", env.ID, "path", env.Path, "error", err)
		return unreachableResponse(env.ID, err)
	}

	return &protocol.ResponseMessage{
		ID:      env.ID,
		Status:  resp.StatusCode,
		Headers: flattenResponseHeaders(resp.Header),
		BodyB64: protocol.EncodeBody(body),
	}
}

// OpenStream issues the local call for a streaming envelope without a total
// deadline. The caller must close the response body.
func (f *Forwarder) OpenStream(ctx context.Context, env *protocol.RequestEnvelope) (*http.Response, error) {
	return f.open(ctx, f.streamClient(), env)
}

// unreachableResponse is the synthetic reply for a local outage.
func unreachableResponse(id string, err error) *protocol.ResponseMessage {
	body := fmt.Sprintf("local service unreachable: %v", err)
	return &protocol.ResponseMessage{
		ID:      id,
		Status:  http.StatusBadGateway,
		Headers: map[string]string{"Content-Type": "text/plain"},
		BodyB64: protocol.EncodeBody([]byte(body)),
	}
}

// flattenResponseHeaders converts an http.Header into the single-valued map
// the wire format carries.
func flattenResponseHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vals := range h {
		if len(vals) == 0 {
			continue
		}
		out[k] = strings.Join(vals, ", ")
	}
	return out
}
