package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"github.com/nghyane/samba-mux/internal/credential"
	"github.com/nghyane/samba-mux/internal/streamutil"
	"github.com/nghyane/samba-mux/internal/translator"
	"github.com/nghyane/samba-mux/internal/upstream"
)

type fakeCreds struct {
	getCalls    atomic.Int32
	rejectCalls atomic.Int32
	tokens      []string
}

func (f *fakeCreds) GetValid(ctx context.Context) (*credential.Credential, error) {
	n := int(f.getCalls.Add(1)) - 1
	token := f.tokens[0]
	if n < len(f.tokens) {
		token = f.tokens[n]
	}
	return credential.New(token, time.Now(), time.Now().Add(time.Hour))
}

func (f *fakeCreds) ReportRejected(cred *credential.Credential) {
	f.rejectCalls.Add(1)
}

type completeResult struct {
	body string
	err  error
}

type fakeUpstream struct {
	calls   atomic.Int32
	results []completeResult
	tokens  []string
	reports []bool
	bodies  []io.ReadCloser
}

func (f *fakeUpstream) Complete(ctx context.Context, payload []byte, token string) (*http.Response, func(bool), error) {
	n := int(f.calls.Add(1)) - 1
	f.tokens = append(f.tokens, token)

	res := f.results[len(f.results)-1]
	if n < len(f.results) {
		res = f.results[n]
	}
	if res.err != nil {
		return nil, nil, res.err
	}

	var body io.ReadCloser = io.NopCloser(strings.NewReader(res.body))
	if n < len(f.bodies) && f.bodies[n] != nil {
		body = f.bodies[n]
	}
	report := func(success bool) { f.reports = append(f.reports, success) }
	return &http.Response{StatusCode: http.StatusOK, Body: body}, report, nil
}

func mustRequest(t *testing.T, body string) *translator.ChatCompletionRequest {
	t.Helper()
	req, err := translator.ParseChatCompletionRequest([]byte(body))
	if err != nil {
		t.Fatalf("parse request: %v", err)
	}
	return req
}

func collect(t *testing.T, s *Stream) []streamutil.Chunk {
	t.Helper()
	var chunks []streamutil.Chunk
	deadline := time.After(5 * time.Second)
	for {
		select {
		case c, ok := <-s.Chunks():
			if !ok {
				return chunks
			}
			chunks = append(chunks, c)
		case <-deadline:
			t.Fatal("stream did not close in time")
		}
	}
}

const threeFrameBody = `data: {"choices":[{"delta":{"role":"assistant","content":"a"}}]}

data: {"choices":[{"delta":{"content":"b"}}]}

data: {"choices":[{"delta":{"content":"c"},"finish_reason":"stop"}],"usage":{"prompt_tokens":1,"completion_tokens":3,"total_tokens":4}}

data: [DONE]
`

func TestExecuteStreamTranslatesFramesInOrder(t *testing.T) {
	creds := &fakeCreds{tokens: []string{"tok-1"}}
	up := &fakeUpstream{results: []completeResult{{body: threeFrameBody}}}
	p := New(creds, up, "anon_")

	stream, err := p.ExecuteStream(context.Background(), mustRequest(t, `{"messages":[{"role":"user","content":"hi"}],"stream":true}`))
	if err != nil {
		t.Fatalf("ExecuteStream: %v", err)
	}
	chunks := collect(t, stream)

	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}
	want := []string{"a", "b", "c"}
	for i, c := range chunks {
		if c.Err != nil {
			t.Fatalf("chunk %d carries error: %v", i, c.Err)
		}
		if got := gjson.GetBytes(c.Data, "choices.0.delta.content").String(); got != want[i] {
			t.Errorf("chunk %d content = %q, want %q", i, got, want[i])
		}
	}
	if got := gjson.GetBytes(chunks[2].Data, "choices.0.finish_reason").String(); got != "stop" {
		t.Errorf("last chunk finish_reason = %q, want stop", got)
	}
	if len(up.reports) != 1 || !up.reports[0] {
		t.Errorf("breaker reports = %v, want one success", up.reports)
	}
	if got := up.tokens[0]; got != "tok-1" {
		t.Errorf("upstream token = %q, want tok-1", got)
	}
}

func TestExecuteStreamAppendsFinishChunkWhenUpstreamOmitsIt(t *testing.T) {
	body := "data: {\"choices\":[{\"delta\":{\"content\":\"x\"}}]}\n\ndata: [DONE]\n"
	creds := &fakeCreds{tokens: []string{"tok"}}
	up := &fakeUpstream{results: []completeResult{{body: body}}}
	p := New(creds, up, "anon_")

	stream, err := p.ExecuteStream(context.Background(), mustRequest(t, `{"messages":[{"role":"user","content":"hi"}]}`))
	if err != nil {
		t.Fatalf("ExecuteStream: %v", err)
	}
	chunks := collect(t, stream)
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want content + closing", len(chunks))
	}
	last := chunks[len(chunks)-1]
	if got := gjson.GetBytes(last.Data, "choices.0.finish_reason").String(); got != "stop" {
		t.Errorf("closing chunk finish_reason = %q, want stop", got)
	}
}

// brokenBody yields some frames, then fails mid-read.
type brokenBody struct {
	r    io.Reader
	err  error
	used atomic.Bool
}

func (b *brokenBody) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	if err == io.EOF {
		return n, b.err
	}
	return n, err
}

func (b *brokenBody) Close() error { return nil }

func TestExecuteStreamMidStreamDropEndsWithErrorChunk(t *testing.T) {
	partial := "data: {\"choices\":[{\"delta\":{\"content\":\"beginning\"}}]}\n\n"
	creds := &fakeCreds{tokens: []string{"tok"}}
	up := &fakeUpstream{
		results: []completeResult{{}},
		bodies:  []io.ReadCloser{&brokenBody{r: strings.NewReader(partial), err: errors.New("connection reset")}},
	}
	p := New(creds, up, "anon_")

	stream, err := p.ExecuteStream(context.Background(), mustRequest(t, `{"messages":[{"role":"user","content":"hi"}]}`))
	if err != nil {
		t.Fatalf("ExecuteStream: %v", err)
	}
	chunks := collect(t, stream)
	if len(chunks) < 2 {
		t.Fatalf("got %d chunks, want data then terminal error", len(chunks))
	}
	last := chunks[len(chunks)-1]
	if last.Err == nil {
		t.Fatal("stream ended without a terminal error chunk")
	}
	if !strings.Contains(last.Err.Error(), "interrupted") {
		t.Errorf("terminal error = %v", last.Err)
	}
	if len(up.reports) != 1 || up.reports[0] {
		t.Errorf("breaker reports = %v, want one failure", up.reports)
	}
}

func TestOpenRetriesExactlyOnceOnAuthRejection(t *testing.T) {
	creds := &fakeCreds{tokens: []string{"stale", "fresh"}}
	up := &fakeUpstream{results: []completeResult{
		{err: upstream.NewStatusError(http.StatusUnauthorized, "unauthorized")},
		{body: threeFrameBody},
	}}
	p := New(creds, up, "anon_")

	resp, _, err := p.Execute(context.Background(), mustRequest(t, `{"messages":[{"role":"user","content":"hi"}]}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := resp.Choices[0].Message.Content; got != "abc" {
		t.Errorf("aggregated content = %q, want abc", got)
	}
	if got := creds.rejectCalls.Load(); got != 1 {
		t.Errorf("ReportRejected calls = %d, want 1", got)
	}
	if got := up.calls.Load(); got != 2 {
		t.Errorf("upstream calls = %d, want 2", got)
	}
	if up.tokens[1] != "fresh" {
		t.Errorf("retry used token %q, want fresh", up.tokens[1])
	}
}

func TestOpenSecondAuthRejectionIsFatal(t *testing.T) {
	rejected := upstream.NewStatusError(http.StatusUnauthorized, "unauthorized")
	creds := &fakeCreds{tokens: []string{"a", "b"}}
	up := &fakeUpstream{results: []completeResult{{err: rejected}, {err: rejected}}}
	p := New(creds, up, "anon_")

	_, _, err := p.Execute(context.Background(), mustRequest(t, `{"messages":[{"role":"user","content":"hi"}]}`))
	if err == nil {
		t.Fatal("expected error after second rejection")
	}
	if !credential.IsAuthError(err) {
		t.Errorf("error %v should be an auth error", err)
	}
	if got := up.calls.Load(); got != 2 {
		t.Errorf("upstream calls = %d, want exactly 2", got)
	}
	if got := creds.rejectCalls.Load(); got != 1 {
		t.Errorf("ReportRejected calls = %d, want 1", got)
	}
}

func TestOpenPassesThroughNonAuthErrors(t *testing.T) {
	rateLimited := upstream.NewStatusError(http.StatusTooManyRequests, "slow down")
	creds := &fakeCreds{tokens: []string{"tok"}}
	up := &fakeUpstream{results: []completeResult{{err: rateLimited}}}
	p := New(creds, up, "anon_")

	_, _, err := p.Execute(context.Background(), mustRequest(t, `{"messages":[{"role":"user","content":"hi"}]}`))
	if !errors.Is(err, rateLimited) {
		t.Fatalf("err = %v, want the 429 passed through", err)
	}
	if got := up.calls.Load(); got != 1 {
		t.Errorf("upstream calls = %d, want 1 (no retry on 429)", got)
	}
	if got := creds.rejectCalls.Load(); got != 0 {
		t.Errorf("ReportRejected calls = %d, want 0", got)
	}
}

func TestExecuteAggregatesWithReportedUsage(t *testing.T) {
	creds := &fakeCreds{tokens: []string{"tok"}}
	up := &fakeUpstream{results: []completeResult{{body: threeFrameBody}}}
	p := New(creds, up, "anon_")

	resp, estimated, err := p.Execute(context.Background(), mustRequest(t, `{"messages":[{"role":"user","content":"hi"}]}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if resp.Object != "chat.completion" {
		t.Errorf("object = %q", resp.Object)
	}
	if resp.Usage.TotalTokens != 4 {
		t.Errorf("usage total = %d, want 4", resp.Usage.TotalTokens)
	}
	if estimated {
		t.Error("upstream-reported usage flagged as estimated")
	}
	if resp.Choices[0].FinishReason != "stop" {
		t.Errorf("finish_reason = %q", resp.Choices[0].FinishReason)
	}
}

func TestExecuteFlagsEstimateWhenUpstreamOmitsUsage(t *testing.T) {
	body := "data: {\"choices\":[{\"delta\":{\"role\":\"assistant\",\"content\":\"hello\"}}]}\n\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\" world\"},\"finish_reason\":\"stop\"}]}\n\n" +
		"data: [DONE]\n"
	creds := &fakeCreds{tokens: []string{"tok"}}
	up := &fakeUpstream{results: []completeResult{{body: body}}}
	p := New(creds, up, "anon_")

	resp, estimated, err := p.Execute(context.Background(), mustRequest(t, `{"messages":[{"role":"user","content":"hi"}]}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !estimated {
		t.Error("usage not flagged as estimated")
	}
	if resp.Usage.TotalTokens <= 0 {
		t.Errorf("estimated total tokens = %d, want > 0", resp.Usage.TotalTokens)
	}
}

func TestExecuteStreamClientCancelStopsProducer(t *testing.T) {
	// A body that never ends: the reader blocks until closed.
	pr, pw := io.Pipe()
	go func() {
		pw.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"x\"}}]}\n\n"))
	}()

	ctx, cancel := context.WithCancel(context.Background())
	creds := &fakeCreds{tokens: []string{"tok"}}
	up := &fakeUpstream{results: []completeResult{{}}, bodies: []io.ReadCloser{pr}}
	p := New(creds, up, "anon_")

	stream, err := p.ExecuteStream(ctx, mustRequest(t, `{"messages":[{"role":"user","content":"hi"}]}`))
	if err != nil {
		t.Fatalf("ExecuteStream: %v", err)
	}

	// Consume the first chunk, then disconnect.
	select {
	case <-stream.Chunks():
	case <-time.After(5 * time.Second):
		t.Fatal("no first chunk")
	}
	cancel()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-stream.Chunks():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("producer did not stop after cancellation")
		}
	}
}
