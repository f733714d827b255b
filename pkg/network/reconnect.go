package network

import (
	"context"
	"errors"
	"time"

	"github.com/NebulaChat/nebula-node/pkg/protocol"
)

const (
	initialReconnectBackoff = time.Second
	maxReconnectBackoff     = 30 * time.Second
	bootstrapAttemptTimeout = 2 * time.Minute
)

// Maintain keeps a bootstrapped session with address until ctx is
// cancelled, reconnecting with exponential backoff whenever the session
// drops or an attempt fails.
func (c *Client) Maintain(ctx context.Context, address string, self *protocol.PeerInformation) error {
	backoff := c.backoff

	for {
		actx, cancel := context.WithTimeout(ctx, bootstrapAttemptTimeout)
		err := c.Bootstrap(actx, address, self)
		cancel()

		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, ErrClientClosed):
			return err
		case err != nil:
			c.log.Warningf("Bootstrap from %s failed: %v; retrying in %v", address, err, backoff)
		default:
			backoff = c.backoff
			if sess, ok := c.Session(address); ok {
				select {
				case <-sess.Done():
				case <-ctx.Done():
					return nil
				}
			}
			c.log.Noticef("Connection to %s lost, reconnecting in %v", address, backoff)
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil
		case <-c.ctx.Done():
			return ErrClientClosed
		}

		if err != nil {
			backoff *= 2
			if backoff > maxReconnectBackoff {
				backoff = maxReconnectBackoff
			}
		}
	}
}
