// Package proxy drives a single chat completion end to end: obtain a
// credential, post the translated envelope upstream, and turn the upstream
// SSE stream back into OpenAI-shaped output. Credential renewal on
// rejection happens here, transparently to the gateway handlers.
package proxy

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nghyane/samba-mux/internal/credential"
	log "github.com/nghyane/samba-mux/internal/logging"
	"github.com/nghyane/samba-mux/internal/sseutil"
	"github.com/nghyane/samba-mux/internal/streamutil"
	"github.com/nghyane/samba-mux/internal/translator"
	"github.com/nghyane/samba-mux/internal/upstream"
)

const (
	// Upstream frames are single JSON lines; reasoning models can emit
	// large deltas, so the scanner buffer is generous.
	scanBufferSize  = 1 << 20
	defaultStall    = 90 * time.Second
	chunkBufferSize = 64
)

// CredentialSource supplies valid credentials and accepts rejection
// reports. Satisfied by *credential.Manager.
type CredentialSource interface {
	GetValid(ctx context.Context) (*credential.Credential, error)
	ReportRejected(cred *credential.Credential)
}

// Upstream opens completion streams. Satisfied by *upstream.Client.
type Upstream interface {
	Complete(ctx context.Context, payload []byte, token string) (*http.Response, func(success bool), error)
}

// Proxy is safe for concurrent use; each call owns its own stream state.
type Proxy struct {
	creds             CredentialSource
	up                Upstream
	fingerprintPrefix string
	stallTimeout      time.Duration
}

// New wires a proxy over a credential source and an upstream client.
func New(creds CredentialSource, up Upstream, fingerprintPrefix string) *Proxy {
	return &Proxy{
		creds:             creds,
		up:                up,
		fingerprintPrefix: fingerprintPrefix,
		stallTimeout:      defaultStall,
	}
}

// open obtains a credential and starts the upstream call. If the upstream
// rejects the credential it reports the rejection and retries exactly
// once with a fresh credential; a second rejection is surfaced as an
// authentication failure, not retried further.
func (p *Proxy) open(ctx context.Context, payload []byte) (*http.Response, func(bool), error) {
	cred, err := p.creds.GetValid(ctx)
	if err != nil {
		return nil, nil, err
	}

	resp, report, err := p.up.Complete(ctx, payload, cred.Token)
	if err == nil {
		return resp, report, nil
	}
	if !upstream.IsAuthRejection(err) {
		return nil, nil, err
	}

	log.Debugf("upstream rejected credential, renewing and retrying once")
	p.creds.ReportRejected(cred)

	fresh, err := p.creds.GetValid(ctx)
	if err != nil {
		return nil, nil, err
	}
	resp, report, err = p.up.Complete(ctx, payload, fresh.Token)
	if err != nil {
		if upstream.IsAuthRejection(err) {
			return nil, nil, credential.NewAuthError("completion retry", err)
		}
		return nil, nil, err
	}
	return resp, report, nil
}

// Execute runs a non-streaming completion: the upstream stream is
// consumed in full and aggregated into a single response. The bool
// reports whether the usage block is estimated rather than
// upstream-reported.
func (p *Proxy) Execute(ctx context.Context, req *translator.ChatCompletionRequest) (*translator.ChatCompletion, bool, error) {
	payload, err := translator.BuildUpstreamPayload(req, p.fingerprintPrefix)
	if err != nil {
		return nil, false, err
	}

	resp, report, err := p.open(ctx, payload)
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()

	state := translator.NewStreamState(req.EffectiveModel())
	scanner := newFrameScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Bytes()
		if sseutil.IsDone(line) {
			break
		}
		frame := sseutil.JSONPayload(line)
		if frame == nil {
			continue
		}
		// Frames after the finish reason can still carry usage, so the
		// stream is consumed to the end.
		if _, err := state.TranslateFrame(frame); err != nil {
			report(false)
			return nil, false, fmt.Errorf("translate upstream frame: %w", err)
		}
	}
	if err := scanner.Err(); err != nil {
		report(false)
		return nil, false, fmt.Errorf("read upstream stream: %w", err)
	}

	report(true)
	completion, estimated := state.Completion(req)
	return completion, estimated, nil
}

// Stream is a live translated completion stream. Chunks arrive in upstream
// order; the channel closes after the terminal chunk (or terminal error).
type Stream struct {
	pipeline *streamutil.Pipeline
	state    *translator.StreamState
	req      *translator.ChatCompletionRequest
}

// Chunks returns the ordered chunk channel.
func (s *Stream) Chunks() <-chan streamutil.Chunk { return s.pipeline.Output() }

// Cancel aborts the stream, e.g. when the client disconnects.
func (s *Stream) Cancel() { s.pipeline.Cancel() }

// FinalUsage resolves token usage for accounting. Only valid after the
// chunk channel closes.
func (s *Stream) FinalUsage() (translator.Usage, bool) {
	return s.state.UsageOrEstimate(s.req)
}

// ExecuteStream starts a streaming completion. The upstream call is opened
// before returning, so credential and connection errors surface here; once
// a Stream is returned, failures arrive as a terminal error chunk.
func (p *Proxy) ExecuteStream(ctx context.Context, req *translator.ChatCompletionRequest) (*Stream, error) {
	payload, err := translator.BuildUpstreamPayload(req, p.fingerprintPrefix)
	if err != nil {
		return nil, err
	}

	resp, report, err := p.open(ctx, payload)
	if err != nil {
		return nil, err
	}

	pipeline := streamutil.NewPipeline(ctx, chunkBufferSize)
	state := translator.NewStreamState(req.EffectiveModel())

	pipeline.Run(func(ctx context.Context) error {
		defer resp.Body.Close()

		watchdog := streamutil.NewWatchdog(p.stallTimeout, func() {
			log.Warnf("completion stream %s stalled, aborting", state.ID())
			resp.Body.Close()
		})
		defer watchdog.Stop()

		// Close the body when the consumer cancels so the scanner
		// unblocks promptly.
		stopAfter := context.AfterFunc(ctx, func() { resp.Body.Close() })
		defer stopAfter()

		sawDone := false
		scanner := newFrameScanner(resp.Body)
		for scanner.Scan() {
			watchdog.Touch()
			line := scanner.Bytes()
			if sseutil.IsDone(line) {
				sawDone = true
				break
			}
			frame := sseutil.JSONPayload(line)
			if frame == nil {
				continue
			}
			chunk, err := state.TranslateFrame(frame)
			if err != nil {
				pipeline.SendError(fmt.Errorf("translate upstream frame: %w", err))
				report(false)
				return err
			}
			if chunk != nil && !pipeline.SendData(chunk) {
				report(false)
				return ctx.Err()
			}
		}

		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			// Mid-stream drop: the consumer already holds earlier
			// chunks, so terminate with an explicit error chunk.
			pipeline.SendError(fmt.Errorf("upstream stream interrupted: %w", err))
			report(false)
			return err
		}
		if ctx.Err() != nil {
			report(false)
			return ctx.Err()
		}

		if state.FinishReason() == "" {
			closing, err := state.FinishChunk()
			if err == nil {
				pipeline.SendData(closing)
			}
		}
		if !sawDone {
			log.Debugf("completion stream %s ended without [DONE]", state.ID())
		}
		report(true)
		return nil
	})

	return &Stream{pipeline: pipeline, state: state, req: req}, nil
}

func newFrameScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), scanBufferSize)
	return scanner
}
