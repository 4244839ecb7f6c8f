package remote

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	iface "GroundingDet/interface"
	"GroundingDet/logger"
	"GroundingDet/monitor"
)

// Poll waits interval seconds before each status query, up to maxAttempts
// queries. 202 means keep waiting, 200 returns the archive, anything else
// fails at once. There is no backoff: the service gives no signal besides
// "not ready yet".
func (c *Client) Poll(ctx context.Context, ticket iface.InvocationTicket, interval float64, maxAttempts int) (iface.RawResult, error) {
	if err := c.checkCredential(); err != nil {
		return nil, err
	}
	if ticket.RequestID == "" {
		return nil, iface.NewError(iface.KindInvokeProtocol, "empty request id")
	}
	if maxAttempts < 1 || interval <= 0 {
		return nil, iface.NewError(iface.KindConfiguration, "invalid polling config: interval=%v maxAttempts=%d", interval, maxAttempts)
	}
	wait := time.Duration(interval * float64(time.Second))
	url := c.opts.PollBaseURL + ticket.RequestID

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := sleep(ctx, wait); err != nil {
			return nil, err
		}
		monitor.PollAttempts.Inc()
		resp, err := c.authed(ctx).
			SetHeader("Accept", "application/zip").
			Get(url)
		if err != nil {
			return nil, iface.WrapError(iface.KindPollError, err, "status request")
		}
		switch resp.StatusCode() {
		case http.StatusOK:
			logger.Log().Debug("poll ready", zap.String("req_id", ticket.RequestID), zap.Int("attempt", attempt))
			return iface.RawResult(resp.Body()), nil
		case http.StatusAccepted:
			logger.Log().Debug("poll pending", zap.String("req_id", ticket.RequestID), zap.Int("attempt", attempt))
		default:
			return nil, iface.StatusError(iface.KindPollError, resp.StatusCode(), resp.Body())
		}
	}
	return nil, iface.NewError(iface.KindPollTimeout, "no result for %s after %d attempts", ticket.RequestID, maxAttempts)
}
