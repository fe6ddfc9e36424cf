package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/tinylingo/tinysync/internal/entity"
	"github.com/tinylingo/tinysync/internal/identity"
)

// Realtime defaults.
const (
	defaultHeartbeat       = 25 * time.Second
	realtimeInitialBackoff = time.Second
	realtimeMaxBackoff     = time.Minute
)

// RealtimeConfig configures the change feed.
type RealtimeConfig struct {
	// ProjectURL is the http(s) base URL of the hosted project.
	ProjectURL string
	APIKey     string

	// Token returns the caller's access token; nil or "" joins with the
	// API key only.
	Token func(ctx context.Context) (string, error)

	Logger    *slog.Logger
	Heartbeat time.Duration
	Clock     Clock // nil uses the wall clock
}

// Clock paces reconnects.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time                         { return time.Now() }
func (wallClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Realtime subscribes to row changes of the entity tables for one user and
// reports which entity type changed. It only ever triggers pulls; payloads
// in the feed are ignored.
type Realtime struct {
	endpoint  string
	token     func(ctx context.Context) (string, error)
	logger    *slog.Logger
	heartbeat time.Duration
	clock     Clock
}

// phxMessage is one Phoenix channel frame.
type phxMessage struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
}

type changePayload struct {
	Data struct {
		Table string `json:"table"`
		Type  string `json:"type"`
	} `json:"data"`
}

// NewRealtime derives the websocket endpoint from the project URL.
func NewRealtime(cfg RealtimeConfig) (*Realtime, error) {
	u, err := url.Parse(strings.TrimRight(cfg.ProjectURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("remote: parsing project url: %w", err)
	}

	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return nil, fmt.Errorf("remote: project url must be http(s), got %q", cfg.ProjectURL)
	}

	u.Path += "/realtime/v1/websocket"
	u.RawQuery = url.Values{"apikey": {cfg.APIKey}, "vsn": {"1.0.0"}}.Encode()

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	hb := cfg.Heartbeat
	if hb <= 0 {
		hb = defaultHeartbeat
	}

	clock := cfg.Clock
	if clock == nil {
		clock = wallClock{}
	}

	return &Realtime{
		endpoint:  u.String(),
		token:     cfg.Token,
		logger:    logger,
		heartbeat: hb,
		clock:     clock,
	}, nil
}

// Run keeps a subscription open until ctx is cancelled, reconnecting with
// exponential backoff. notify is called from Run's goroutine.
func (r *Realtime) Run(ctx context.Context, id identity.Identity, notify func(entity.Type)) error {
	backoff := realtimeInitialBackoff

	for {
		started := r.clock.Now()
		err := r.session(ctx, id, notify)

		if ctx.Err() != nil {
			return nil
		}

		// A session that stayed up for a while resets the backoff.
		if r.clock.Now().Sub(started) > realtimeMaxBackoff {
			backoff = realtimeInitialBackoff
		}

		r.logger.Warn("realtime connection lost, reconnecting",
			slog.String("error", errString(err)),
			slog.Duration("backoff", backoff),
		)

		select {
		case <-ctx.Done():
			return nil
		case <-r.clock.After(backoff):
		}

		backoff = min(backoff*2, realtimeMaxBackoff)
	}
}

func (r *Realtime) session(ctx context.Context, id identity.Identity, notify func(entity.Type)) error {
	conn, _, err := websocket.Dial(ctx, r.endpoint, nil)
	if err != nil {
		return fmt.Errorf("remote: dialing realtime: %w", err)
	}
	defer conn.CloseNow()

	token := ""
	if r.token != nil {
		if token, err = r.token(ctx); err != nil {
			r.logger.Debug("realtime joining without user token", slog.String("error", err.Error()))
			token = ""
		}
	}

	topics := make(map[string]entity.Type)
	ref := 0

	for _, d := range entity.All() {
		ref++

		topic := "realtime:" + d.Table
		topics[d.Table] = d.Type

		if err := wsjson.Write(ctx, conn, joinMessage(topic, d.Table, id.ID, token, ref)); err != nil {
			return fmt.Errorf("remote: joining %s: %w", topic, err)
		}
	}

	r.logger.Info("realtime subscribed", slog.String("identity", id.String()))

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go r.heartbeatLoop(sessCtx, conn, ref)

	for {
		var msg phxMessage
		if err := wsjson.Read(sessCtx, conn, &msg); err != nil {
			if errors.Is(err, context.Canceled) {
				_ = conn.Close(websocket.StatusNormalClosure, "")
			}

			return err
		}

		switch msg.Event {
		case "postgres_changes":
			var p changePayload
			if err := json.Unmarshal(msg.Payload, &p); err != nil {
				r.logger.Debug("ignoring undecodable change", slog.String("error", err.Error()))
				continue
			}

			if typ, ok := topics[p.Data.Table]; ok {
				r.logger.Debug("remote change",
					slog.String("table", p.Data.Table),
					slog.String("op", p.Data.Type),
				)
				notify(typ)
			}
		case "phx_error", "phx_close":
			return fmt.Errorf("remote: realtime channel %s: %s", msg.Topic, msg.Event)
		}
	}
}

func (r *Realtime) heartbeatLoop(ctx context.Context, conn *websocket.Conn, ref int) {
	t := time.NewTicker(r.heartbeat)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			ref++

			hb := phxMessage{Topic: "phoenix", Event: "heartbeat", Payload: json.RawMessage(`{}`), Ref: strconv.Itoa(ref)}
			if err := wsjson.Write(ctx, conn, hb); err != nil {
				r.logger.Debug("realtime heartbeat failed", slog.String("error", err.Error()))
				return
			}
		}
	}
}

func joinMessage(topic, table, userID, token string, ref int) phxMessage {
	payload := map[string]any{
		"config": map[string]any{
			"postgres_changes": []map[string]string{{
				"event":  "*",
				"schema": "public",
				"table":  table,
				"filter": "user_id=eq." + userID,
			}},
		},
	}

	if token != "" {
		payload["access_token"] = token
	}

	raw, _ := json.Marshal(payload)

	return phxMessage{Topic: topic, Event: "phx_join", Payload: raw, Ref: strconv.Itoa(ref)}
}

func errString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}
