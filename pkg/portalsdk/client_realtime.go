package portalsdk

import (
	"context"

	"github.com/aussiebroadwan/portal/pkg/realtime"
)

// ProbePath is the realtime availability probe endpoint.
const ProbePath = "/ws/test/"

// RealtimeConfig returns a channel config for the realtime endpoint at path
// (e.g. "/ws/chat/3/"). The channel authenticates with the session's access
// token, fetched fresh for every connection attempt.
func (c *Client) RealtimeConfig(path string) realtime.Config {
	return realtime.Config{
		URL:      c.WSBaseURL + path,
		ProbeURL: c.WSBaseURL + ProbePath,
		Logger:   c.logger,
		Token: func(ctx context.Context) (string, error) {
			return c.tokens.GetValidAccessToken(ctx)
		},
	}
}
