package upstream

import (
	"fmt"
	"io"
	"net/http"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
)

// decodedBody wraps a decompressing reader so closing it also closes the
// underlying response body.
type decodedBody struct {
	io.Reader
	underlying io.Closer
	decoder    io.Closer
}

func (d *decodedBody) Close() error {
	var first error
	if d.decoder != nil {
		first = d.decoder.Close()
	}
	if err := d.underlying.Close(); err != nil && first == nil {
		first = err
	}
	return first
}

// DecodeBody returns a reader over the response body with any
// Content-Encoding applied. Plain bodies are returned as-is.
func DecodeBody(resp *http.Response) (io.ReadCloser, error) {
	switch resp.Header.Get("Content-Encoding") {
	case "", "identity":
		return resp.Body, nil
	case "gzip":
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("gzip body: %w", err)
		}
		return &decodedBody{Reader: zr, underlying: resp.Body, decoder: zr}, nil
	case "br":
		return &decodedBody{Reader: brotli.NewReader(resp.Body), underlying: resp.Body}, nil
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", resp.Header.Get("Content-Encoding"))
	}
}
