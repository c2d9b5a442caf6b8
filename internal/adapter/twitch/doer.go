package twitch

import (
	"bytes"
	"context"
	"io"
	"net/http"

	"github.com/nicklaw5/helix/v2"
)

const maxCapturedBody = 1 << 20

// contextDoer binds the caller's context to requests issued by the helix
// client, which has no per-call context parameter. It also keeps the raw body
// of the last response for fields helix does not decode. HelixClient.mu
// guards ctx and body.
type contextDoer struct {
	inner helix.HTTPClient
	ctx   context.Context
	body  []byte
}

func (d *contextDoer) Do(req *http.Request) (*http.Response, error) {
	if d.ctx != nil {
		req = req.WithContext(d.ctx)
	}
	resp, err := d.inner.Do(req)
	if err != nil {
		return nil, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxCapturedBody))
	_ = resp.Body.Close()
	if err != nil {
		return nil, err
	}
	d.body = body
	resp.Body = io.NopCloser(bytes.NewReader(body))
	return resp, nil
}

func (d *contextDoer) bind(ctx context.Context) {
	d.ctx = ctx
	d.body = nil
}

func (d *contextDoer) reset() {
	d.ctx = nil
	d.body = nil
}
