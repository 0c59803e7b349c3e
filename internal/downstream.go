package internal

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/exp/slog"
	"nhooyr.io/websocket"
)

// InboundHandler receives frames from authenticated peers. Frames of one
// connection are delivered sequentially.
type InboundHandler func(ctx context.Context, frame Frame)

// DiscardInbound is used when nothing downstream wants client frames.
func DiscardInbound(logger *slog.Logger) InboundHandler {
	return func(_ context.Context, frame Frame) {
		logger.Debug("inbound frame discarded", slog.String("peer", string(frame.Address)), slog.Int("size", len(frame.Data)))
	}
}

// NewDownstream relays every frame to url as a signed POST.
func NewDownstream(logger *slog.Logger, url string, signer RequestSigner) InboundHandler {
	hc := &http.Client{Timeout: 30 * time.Second}

	return func(ctx context.Context, frame Frame) {
		if err := postFrame(ctx, hc, url, signer, frame); err != nil {
			logger.Warn("failed to relay inbound frame", slog.String("peer", string(frame.Address)), slog.Any("error", err))
		}
	}
}

func postFrame(ctx context.Context, hc *http.Client, url string, signer RequestSigner, frame Frame) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(frame.Data))
	if err != nil {
		return err
	}

	if err := signer(req, string(frame.Address)); err != nil {
		return err
	}

	if frame.Type == websocket.MessageBinary {
		req.Header.Set("Content-Type", "application/octet-stream")
	} else {
		req.Header.Set("Content-Type", "text/plain")
	}

	resp, err := hc.Do(req)
	if err != nil {
		return err
	}

	//goland:noinspection GoUnhandledErrorResult
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("downstream responded %v", resp.StatusCode)
	}

	return nil
}
