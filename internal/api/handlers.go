package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nghyane/samba-mux/internal/credential"
	"github.com/nghyane/samba-mux/internal/json"
	log "github.com/nghyane/samba-mux/internal/logging"
	"github.com/nghyane/samba-mux/internal/translator"
	"github.com/nghyane/samba-mux/internal/upstream"
	"github.com/nghyane/samba-mux/internal/usage"
)

const maxRequestBody = 10 << 20

// apiError is the OpenAI-style error envelope.
type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

func writeError(c *gin.Context, status int, errType, message string) {
	c.JSON(status, gin.H{"error": apiError{Message: message, Type: errType}})
}

// mapError translates internal failures to client-facing status codes.
func mapError(err error) (int, string, string) {
	var verr *translator.ValidationError
	if errors.As(err, &verr) {
		return http.StatusBadRequest, "invalid_request_error", verr.Error()
	}
	if credential.IsAuthError(err) {
		return http.StatusBadGateway, "upstream_error", "upstream authentication failed"
	}
	if upstream.IsCircuitOpen(err) {
		return http.StatusServiceUnavailable, "upstream_error", "upstream temporarily unavailable"
	}
	// An upstream 401 is our credential problem, not the caller's.
	if upstream.IsAuthRejection(err) {
		return http.StatusBadGateway, "upstream_error", "upstream authentication failed"
	}
	var serr *upstream.StatusError
	if errors.As(err, &serr) {
		status := upstream.GatewayStatus(serr)
		if status == http.StatusTooManyRequests {
			return status, "rate_limit_error", "upstream rate limit exceeded"
		}
		return status, "upstream_error", fmt.Sprintf("upstream returned status %d", serr.StatusCode)
	}
	if errors.Is(err, context.Canceled) {
		return 499, "client_error", "client closed request"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout, "upstream_error", "upstream timed out"
	}
	return http.StatusBadGateway, "upstream_error", "upstream request failed"
}

func (s *Server) handleChatCompletions(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxRequestBody))
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request_error", "failed to read request body")
		return
	}

	req, err := translator.ParseChatCompletionRequest(body)
	if err != nil {
		status, errType, msg := mapError(err)
		writeError(c, status, errType, msg)
		return
	}

	if req.Stream {
		s.streamCompletion(c, req)
		return
	}

	started := time.Now()
	resp, estimated, err := s.completer.Execute(c.Request.Context(), req)
	if err != nil {
		s.recordUsage(c, req, nil, false, true, false, started)
		status, errType, msg := mapError(err)
		log.WithError(err).Debugf("completion failed")
		writeError(c, status, errType, msg)
		return
	}

	s.recordUsage(c, req, &resp.Usage, estimated, false, false, started)
	c.JSON(http.StatusOK, resp)
}

// streamCompletion writes the translated stream as SSE, one data: line
// per chunk, terminated by the [DONE] marker. A mid-stream failure is
// surfaced as a final error event instead of the marker.
func (s *Server) streamCompletion(c *gin.Context, req *translator.ChatCompletionRequest) {
	started := time.Now()

	stream, err := s.completer.ExecuteStream(c.Request.Context(), req)
	if err != nil {
		s.recordUsage(c, req, nil, false, true, true, started)
		status, errType, msg := mapError(err)
		writeError(c, status, errType, msg)
		return
	}
	defer stream.Cancel()

	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	failed := false
	for chunk := range stream.Chunks() {
		if chunk.Err != nil {
			failed = true
			payload := gin.H{"error": apiError{Message: chunk.Err.Error(), Type: "upstream_error"}}
			writeSSEJSON(c, payload)
			break
		}
		if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", chunk.Data); err != nil {
			// Client went away; the deferred Cancel stops the producer.
			failed = true
			break
		}
		c.Writer.Flush()
	}

	if !failed {
		_, _ = io.WriteString(c.Writer, "data: [DONE]\n\n")
		c.Writer.Flush()
	}

	u, estimated := stream.FinalUsage()
	s.recordStreamUsage(c, req, u, estimated, failed, started)
}

func writeSSEJSON(c *gin.Context, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	_, _ = fmt.Fprintf(c.Writer, "data: %s\n\n", data)
	c.Writer.Flush()
}

func (s *Server) recordUsage(c *gin.Context, req *translator.ChatCompletionRequest, u *translator.Usage, estimated, failed, stream bool, started time.Time) {
	rec := usage.Record{
		Model:       req.EffectiveModel(),
		APIKey:      c.GetString(ctxKeyAPIKey),
		RequestedAt: started,
		Stream:      stream,
		Failed:      failed,
		Estimated:   estimated,
		LatencyMs:   time.Since(started).Milliseconds(),
	}
	if u != nil && u.TotalTokens > 0 {
		rec.PromptTokens = int64(u.PromptTokens)
		rec.CompletionTokens = int64(u.CompletionTokens)
		rec.TotalTokens = int64(u.TotalTokens)
	}
	s.tracker.Record(rec)
}

func (s *Server) recordStreamUsage(c *gin.Context, req *translator.ChatCompletionRequest, u translator.Usage, estimated, failed bool, started time.Time) {
	rec := usage.Record{
		Model:       req.EffectiveModel(),
		APIKey:      c.GetString(ctxKeyAPIKey),
		RequestedAt: started,
		Stream:      true,
		Failed:      failed,
		Estimated:   estimated,
		LatencyMs:   time.Since(started).Milliseconds(),
	}
	if u.TotalTokens > 0 {
		rec.PromptTokens = int64(u.PromptTokens)
		rec.CompletionTokens = int64(u.CompletionTokens)
		rec.TotalTokens = int64(u.TotalTokens)
	}
	s.tracker.Record(rec)
}

func (s *Server) handleModels(c *gin.Context) {
	cred, err := s.creds.GetValid(c.Request.Context())
	if err != nil {
		status, errType, msg := mapError(err)
		writeError(c, status, errType, msg)
		return
	}

	data, err := s.models.ListModels(c.Request.Context(), cred.Token)
	if err != nil {
		status, errType, msg := mapError(err)
		writeError(c, status, errType, msg)
		return
	}
	c.Data(http.StatusOK, "application/json", data)
}

func (s *Server) handleHealth(c *gin.Context) {
	status := s.creds.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"status":           "ok",
		"credential_state": string(status.State),
	})
}

func (s *Server) handleInfo(c *gin.Context) {
	status := s.creds.Snapshot()
	ks := s.keys.Load()
	info := gin.H{
		"service":             "samba-mux",
		"uptime":              time.Since(s.startedAt).Round(time.Second).String(),
		"api_keys_configured": ks != nil && !ks.empty(),
		"account_configured":  s.accountConfigured.Load(),
		"credential": gin.H{
			"state":      string(status.State),
			"expires_in": int64(status.ExpiresIn.Seconds()),
			"renewing":   status.Renewing,
		},
		"usage": s.tracker.Snapshot(),
	}
	c.JSON(http.StatusOK, info)
}

// handleDebugToken exposes credential metadata for troubleshooting. Never
// returns the full token and is disabled unless explicitly enabled.
func (s *Server) handleDebugToken(c *gin.Context) {
	if !s.debugToken.Load() {
		c.AbortWithStatus(http.StatusNotFound)
		return
	}

	cred, err := s.creds.GetValid(c.Request.Context())
	if err != nil {
		status, errType, msg := mapError(err)
		writeError(c, status, errType, msg)
		return
	}

	prefix := cred.Token
	if len(prefix) > 12 {
		prefix = prefix[:12]
	}
	c.JSON(http.StatusOK, gin.H{
		"token_prefix": prefix + "...",
		"obtained_at":  cred.ObtainedAt.UTC().Format(time.RFC3339),
		"expires_at":   cred.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleUsage(c *gin.Context) {
	out := gin.H{"counters": s.tracker.Snapshot()}

	if backend := s.tracker.Backend(); backend != nil {
		since := time.Now().AddDate(0, 0, -30)
		ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
		defer cancel()

		if daily, err := backend.QueryDailyStats(ctx, since); err == nil {
			out["daily"] = daily
		} else {
			log.WithError(err).Warn("query daily usage stats")
		}
		if models, err := backend.QueryModelStats(ctx, since); err == nil {
			out["models"] = models
		} else {
			log.WithError(err).Warn("query model usage stats")
		}
	}
	c.JSON(http.StatusOK, out)
}

const indexPage = `<!DOCTYPE html>
<html>
<head><title>samba-mux</title></head>
<body style="font-family: monospace; margin: 2em;">
<h2>samba-mux</h2>
<p>OpenAI-compatible gateway for SambaNova cloud.</p>
<ul>
<li>POST /v1/chat/completions</li>
<li>GET /v1/models</li>
<li>GET /v1/usage</li>
<li>GET /health</li>
<li>GET /info</li>
</ul>
</body>
</html>`

func (s *Server) handleIndex(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(indexPage))
}
