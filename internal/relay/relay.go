// Package relay performs the calls to the inference backend on behalf of
// admitted requests. The operator-held backend credential is attached here
// and never exposed to any client-facing surface.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/llmgate/llmgate/internal/admission"
	"github.com/llmgate/llmgate/internal/config"
	"github.com/llmgate/llmgate/internal/keystore"
	"github.com/llmgate/llmgate/internal/model"
)

const (
	modelsTimeout   = 30 * time.Second
	bufferedTimeout = 60 * time.Second
	headerTimeout   = 60 * time.Second
	maxRequestBody  = 10 << 20
)

// HTTPClient defines the interface for making HTTP requests.
// This allows for mocking in tests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Relay forwards admitted requests to the OpenAI-compatible backend and
// records token usage against the admitted key.
type Relay struct {
	baseURL      string
	apiKey       string
	client       HTTPClient
	streamClient HTTPClient
	store        *keystore.Store
	logger       *slog.Logger
}

// usageEnvelope extracts the token-usage accounting fields of a completion
// response.
type usageEnvelope struct {
	Usage struct {
		TotalTokens int64 `json:"total_tokens"`
	} `json:"usage"`
}

// NewRelay creates a relay for the configured backend.
func NewRelay(cfg config.BackendConfig, store *keystore.Store, logger *slog.Logger) *Relay {
	return &Relay{
		baseURL: strings.TrimSuffix(cfg.URL, "/"),
		apiKey:  cfg.APIKey,
		client: &http.Client{
			Timeout: bufferedTimeout,
		},
		// The streaming client must not cap the whole response time, only
		// the wait for the response headers. Cancellation comes from the
		// client request context.
		streamClient: &http.Client{
			Transport: &http.Transport{
				ResponseHeaderTimeout: headerTimeout,
			},
		},
		store:  store,
		logger: logger.With("component", "relay"),
	}
}

// newBackendRequest builds the outbound request, attaching the operator
// credential. Client headers are never forwarded upstream.
func (r *Relay) newBackendRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create backend request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+r.apiKey)
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// ModelsHandler relays the backend's model listing.
func (r *Relay) ModelsHandler(c *gin.Context) {
	record := admission.AdmittedKey(c)
	if record == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), modelsTimeout)
	defer cancel()

	req, err := r.newBackendRequest(ctx, http.MethodGet, "/models", nil)
	if err != nil {
		r.logger.Error("Failed to build models request", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}

	resp, err := r.client.Do(req)
	if err != nil {
		r.failUpstream(c, record, "/v1/models", err)
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		r.failUpstream(c, record, "/v1/models", err)
		return
	}

	r.store.LogUsage(record.ID, "/v1/models", 0, model.OutcomeAdmitted)
	c.Data(resp.StatusCode, "application/json", body)
}

// CompletionHandler returns a handler relaying one completion endpoint,
// dispatching between buffered and streamed response modes on the request's
// own streaming flag.
func (r *Relay) CompletionHandler(endpoint string) gin.HandlerFunc {
	return func(c *gin.Context) {
		record := admission.AdmittedKey(c)
		if record == nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
			return
		}

		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxRequestBody+1))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read request body"})
			return
		}
		if len(body) > maxRequestBody {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Request body too large"})
			return
		}

		var flags struct {
			Stream bool `json:"stream"`
		}
		if err := json.Unmarshal(body, &flags); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Request body must be valid JSON"})
			return
		}

		if flags.Stream {
			r.forwardStreamed(c, record, endpoint, body)
		} else {
			r.forwardBuffered(c, record, endpoint, body)
		}
	}
}

// forwardBuffered waits for the full backend response, accounts token usage
// and relays the payload with the backend's status.
func (r *Relay) forwardBuffered(c *gin.Context, record *model.APIKey, endpoint string, body []byte) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), bufferedTimeout)
	defer cancel()

	req, err := r.newBackendRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		r.logger.Error("Failed to build completion request", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}

	resp, err := r.client.Do(req)
	if err != nil {
		r.failUpstream(c, record, "/v1"+endpoint, err)
		return
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		r.failUpstream(c, record, "/v1"+endpoint, err)
		return
	}

	tokens := parseTokenUsage(respBody)
	if tokens == 0 && resp.StatusCode < 300 {
		tokens = estimateTokens(len(body) + len(respBody))
	}
	if resp.StatusCode < 300 {
		r.store.RecordUsage(record.ID, tokens)
		r.store.LogUsage(record.ID, "/v1"+endpoint, tokens, model.OutcomeAdmitted)
	} else {
		// The backend rejected the request; relay its status semantics.
		r.store.LogUsage(record.ID, "/v1"+endpoint, 0, model.OutcomeUpstreamError)
	}

	c.Data(resp.StatusCode, "application/json", respBody)
}

// forwardStreamed relays backend output incrementally as it arrives,
// preserving chunk boundaries, and terminates exactly when the backend
// signals completion. A mid-stream backend failure is surfaced as a terminal
// error frame rather than a silent truncation.
func (r *Relay) forwardStreamed(c *gin.Context, record *model.APIKey, endpoint string, body []byte) {
	// The client request context cancels the backend call when the client
	// disconnects mid-stream.
	req, err := r.newBackendRequest(c.Request.Context(), http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		r.logger.Error("Failed to build streaming request", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := r.streamClient.Do(req)
	if err != nil {
		r.failUpstream(c, record, "/v1"+endpoint, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxRequestBody))
		r.store.LogUsage(record.ID, "/v1"+endpoint, 0, model.OutcomeUpstreamError)
		c.Data(resp.StatusCode, "application/json", respBody)
		return
	}

	w := c.Writer
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, canFlush := c.Writer.(http.Flusher)

	var streamed int64
	var tokens int64
	buf := make([]byte, 4096)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			streamed += int64(n)
			if t := parseStreamUsage(chunk); t > 0 {
				tokens = t
			}
			if _, writeErr := w.Write(chunk); writeErr != nil {
				// Client went away; the deferred body close and the request
				// context tear down the backend call.
				r.logger.Warn("Client disconnected mid-stream", "key_id", record.ID)
				r.store.LogUsage(record.ID, "/v1"+endpoint, tokens, model.OutcomeAdmitted)
				return
			}
			if canFlush {
				flusher.Flush()
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			if errors.Is(readErr, context.Canceled) {
				r.logger.Warn("Client disconnected mid-stream", "key_id", record.ID)
				r.store.LogUsage(record.ID, "/v1"+endpoint, tokens, model.OutcomeAdmitted)
				return
			}
			// Terminal error frame instead of a silent close.
			r.logger.Error("Upstream stream interrupted", "error", readErr)
			fmt.Fprintf(w, "data: {\"error\": {\"message\": \"upstream stream interrupted\", \"type\": \"upstream_error\"}}\n\n")
			if canFlush {
				flusher.Flush()
			}
			r.store.LogUsage(record.ID, "/v1"+endpoint, tokens, model.OutcomeUpstreamError)
			return
		}
	}

	if tokens == 0 {
		tokens = estimateTokens(len(body) + int(streamed))
	}
	r.store.RecordUsage(record.ID, tokens)
	r.store.LogUsage(record.ID, "/v1"+endpoint, tokens, model.OutcomeAdmitted)
}

// failUpstream reports an unreachable or timed-out backend. Timeouts are
// treated identically to connection failures.
func (r *Relay) failUpstream(c *gin.Context, record *model.APIKey, endpoint string, err error) {
	r.logger.Error("Backend unreachable", "endpoint", endpoint, "error", err)
	r.store.LogUsage(record.ID, endpoint, 0, model.OutcomeUpstreamError)
	c.JSON(http.StatusBadGateway, gin.H{
		"error": "Inference backend is unavailable. Retry with backoff.",
	})
}

// parseTokenUsage extracts usage.total_tokens from a buffered completion
// payload, returning 0 when the backend reports no usage.
func parseTokenUsage(body []byte) int64 {
	var envelope usageEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return 0
	}
	return envelope.Usage.TotalTokens
}

// parseStreamUsage scans one relayed chunk for SSE data events carrying a
// usage block. Backends that report usage do so on the final chunk before
// the [DONE] marker.
func parseStreamUsage(chunk []byte) int64 {
	var total int64
	for _, line := range bytes.Split(chunk, []byte("\n")) {
		data, ok := bytes.CutPrefix(bytes.TrimSpace(line), []byte("data: "))
		if !ok || bytes.Equal(data, []byte("[DONE]")) {
			continue
		}
		if t := parseTokenUsage(data); t > 0 {
			total = t
		}
	}
	return total
}

// estimateTokens approximates token consumption from payload size when the
// backend reports no usage accounting.
func estimateTokens(byteLen int) int64 {
	return int64(byteLen / 4)
}
