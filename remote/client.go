package remote

import (
	"context"
	"time"

	"github.com/go-resty/resty/v2"

	iface "GroundingDet/interface"
	"GroundingDet/logger"
)

// Client talks to the asset, invoke and status endpoints. It implements
// iface.Uploader, iface.Invoker and iface.Poller and keeps no per-request
// state, so one Client can serve any number of orchestrators.
type Client struct {
	opts Options
	http *resty.Client
}

func NewClient(opts Options) *Client {
	opts = opts.withDefaults()
	r := resty.New().
		SetLogger(logger.S()).
		SetTimeout(opts.Timeout)
	return &Client{opts: opts, http: r}
}

// request returns a resty request bound to a context that ignores
// cancellation: once sent, a call runs to completion (bounded by the client
// timeout) and the caller decides whether to keep its result.
func (c *Client) request(ctx context.Context) *resty.Request {
	return c.http.R().SetContext(context.WithoutCancel(ctx))
}

func (c *Client) authed(ctx context.Context) *resty.Request {
	return c.request(ctx).SetAuthToken(c.opts.APIKey)
}

func (c *Client) checkCredential() error {
	if c.opts.APIKey == "" {
		return iface.NewError(iface.KindConfiguration, "missing API key")
	}
	return nil
}

func cancelled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return iface.WrapError(iface.KindCancelled, err, "request cancelled")
	}
	return nil
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return cancelled(ctx)
	case <-t.C:
		return nil
	}
}
