package httpapi

import (
	"time"

	"github.com/jkaninda/okapi"
)

// ssePingInterval keeps intermediaries from closing an idle event stream.
const ssePingInterval = 25 * time.Second

// StaleEventBody is the payload of a "tree.stale" SSE event.
type StaleEventBody struct {
	ProjectID string    `json:"projectId"`
	Reason    string    `json:"reason"`
	At        time.Time `json:"at"`
}

// handleEvents handles GET /v1/events: a server-sent event stream of
// tree-staleness notifications for the authenticated user. The client is
// expected to re-fetch the tree when it receives one.
func (g *Gateway) handleEvents(c *okapi.Context) error {
	userID := c.GetString("userID")
	if !g.allow(c, userID) {
		return c.AbortTooManyRequests("rate limit exceeded")
	}

	events, cancel := g.sessions.Subscribe()
	defer cancel()

	ping := time.NewTicker(ssePingInterval)
	defer ping.Stop()

	ctx := c.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if ev.UserID != userID {
				continue
			}
			c.SSEvent("tree.stale", StaleEventBody{
				ProjectID: ev.ProjectID,
				Reason:    ev.Reason,
				At:        ev.At,
			})
		case <-ping.C:
			c.SSEvent("ping", okapi.M{"at": time.Now().UTC()})
		}
	}
}
