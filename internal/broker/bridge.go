package broker

import (
	"context"
)

// Forward turns every string from src into a SendAll, in order. It returns nil
// once src is closed and drained, or the error that stopped submission. The
// broker keeps running either way.
func Forward(ctx context.Context, src <-chan string, sub Submitter) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-src:
			if !ok {
				return nil
			}

			if err := sub.Submit(ctx, SendAll{Message: msg}); err != nil {
				return err
			}
		}
	}
}
