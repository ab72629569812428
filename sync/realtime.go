package sync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mmdatafocus/pitix_terminal/config"
	"github.com/sirupsen/logrus"
)

// RunRealtimeFeed consumes the backend's websocket change feed: settings and
// menu updates, inter-terminal control messages and server-initiated order
// writes. Reconnects with a capped doubling delay; the feed is best-effort
// and the heartbeat's pending operations cover anything missed.
func (e *Engine) RunRealtimeFeed(ctx context.Context) {
	if e == nil || !e.cfg.Paired() {
		return
	}

	delay := feedBaseDelay
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		connected, err := e.consumeFeed(ctx)
		if err != nil && ctx.Err() == nil {
			e.logger.WithFields(logrus.Fields{
				"field":       "RealtimeFeed",
				"terminal_id": e.cfg.TerminalId,
			}).Debug("feed disconnected: " + err.Error())
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay = nextFeedDelay(delay, connected)
	}
}

const feedBaseDelay = time.Second

// nextFeedDelay doubles the reconnect delay up to a minute while the dial
// keeps failing; a blip after a stable connection starts over from the base.
func nextFeedDelay(delay time.Duration, connected bool) time.Duration {
	if connected {
		return feedBaseDelay
	}
	delay *= 2
	if delay > time.Minute {
		delay = time.Minute
	}
	return delay
}

func (e *Engine) feedURL() (string, error) {
	u, err := url.Parse(e.cfg.BackendURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/terminals/" + url.PathEscape(e.cfg.TerminalId) + "/feed"
	return u.String(), nil
}

func (e *Engine) consumeFeed(ctx context.Context) (bool, error) {
	target, err := e.feedURL()
	if err != nil {
		return false, err
	}

	dialer := websocket.Dialer{HandshakeTimeout: e.cfg.RequestTimeout}
	header := http.Header{}
	header.Set("X-API-Key", e.cfg.APIKey)
	header.Set("X-Terminal-Id", e.cfg.TerminalId)

	conn, _, err := dialer.DialContext(ctx, target, header)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	// Close the socket when the context ends so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	e.logger.WithFields(logrus.Fields{
		"field":       "RealtimeFeed",
		"terminal_id": e.cfg.TerminalId,
	}).Info("realtime feed connected")

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return true, err
		}
		var msg FeedMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			config.LogError(e.logger, "sync", "consumeFeed", "decode frame", nil, err)
			continue
		}
		e.handleFeedMessage(ctx, msg)
	}
}

func (e *Engine) handleFeedMessage(ctx context.Context, msg FeedMessage) {
	switch msg.Type {
	case FeedOrderUpsert:
		var event RemoteOrderEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			config.LogError(e.logger, "sync", "handleFeedMessage", msg.Type, nil, err)
			return
		}
		if err := e.IngestRemoteOrder(ctx, event); err != nil {
			config.LogError(e.logger, "sync", "handleFeedMessage", msg.Type, nil, err)
		}
	case FeedSettingsUpdated:
		if err := e.RefreshSettings(ctx); err != nil {
			config.LogError(e.logger, "sync", "handleFeedMessage", msg.Type, nil, err)
		}
	case FeedMenuUpdated:
		if err := e.RefreshMenu(ctx); err != nil {
			config.LogError(e.logger, "sync", "handleFeedMessage", msg.Type, nil, err)
		}
	case FeedTerminalCommand:
		var cmd RemoteCommand
		if err := json.Unmarshal(msg.Data, &cmd); err != nil {
			config.LogError(e.logger, "sync", "handleFeedMessage", msg.Type, nil, err)
			return
		}
		e.ApplyRemoteCommand(ctx, cmd)
	default:
		e.logger.WithFields(logrus.Fields{
			"field": "RealtimeFeed",
			"type":  msg.Type,
		}).Debug("unknown feed message ignored")
	}
}
