package remote

import (
	"context"
	"net/http"

	json "github.com/goccy/go-json"

	iface "GroundingDet/interface"
)

func (c *Client) invokeBody(asset iface.AssetHandle, prompt string, threshold float64) ([]byte, error) {
	return json.Marshal(invokeRequest{
		Model: c.opts.Model,
		Messages: []invokeMessage{{
			Role: "user",
			Content: []contentPart{
				{Type: "text", Text: prompt},
				{Type: "media_url", MediaURL: &mediaURL{URL: "data:" + ContentTypeJPEG + ";asset_id," + asset.ID}},
			},
		}},
		Threshold: threshold,
	})
}

// Invoke submits the detection request for an uploaded asset. A 200 carries
// the result archive; a 202 carries the request id to poll. Any other status
// is returned as a KindInvokeRejected error.
func (c *Client) Invoke(ctx context.Context, asset iface.AssetHandle, prompt string, threshold float64) (iface.InvokeOutcome, error) {
	if err := c.checkCredential(); err != nil {
		return iface.InvokeOutcome{}, err
	}
	if err := cancelled(ctx); err != nil {
		return iface.InvokeOutcome{}, err
	}
	body, err := c.invokeBody(asset, prompt, threshold)
	if err != nil {
		return iface.InvokeOutcome{}, iface.WrapError(iface.KindInvokeRejected, err, "encode invoke request")
	}
	resp, err := c.authed(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/zip").
		SetHeader(AssetRefsHeader, asset.ID).
		SetHeader(AssetIDsHeader, asset.ID).
		SetBody(body).
		Post(c.opts.InvokeURL)
	if err != nil {
		return iface.InvokeOutcome{}, iface.WrapError(iface.KindInvokeRejected, err, "invoke request")
	}

	switch resp.StatusCode() {
	case http.StatusOK:
		return iface.InvokeOutcome{Kind: iface.OutcomeImmediate, Result: iface.RawResult(resp.Body())}, nil
	case http.StatusAccepted:
		reqID := resp.Header().Get(RequestIDHeader)
		if reqID == "" {
			return iface.InvokeOutcome{}, iface.NewError(iface.KindInvokeProtocol, "202 without %s header", RequestIDHeader)
		}
		return iface.InvokeOutcome{Kind: iface.OutcomeAccepted, Ticket: iface.InvocationTicket{RequestID: reqID}}, nil
	default:
		return iface.InvokeOutcome{}, iface.StatusError(iface.KindInvokeRejected, resp.StatusCode(), resp.Body())
	}
}
