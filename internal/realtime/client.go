// Package realtime is the push feed transport: a Supabase Realtime client
// speaking the Phoenix channel protocol over a WebSocket.
//
// A subscription joins one channel per synchronized collection, filtered
// to a single workspace, keeps the socket alive with heartbeats and
// reconnects with exponential backoff whenever the socket fails. Every
// state change and row change is reported to a reconcile.Sink.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"dots-sync/internal/domain"
	apperrors "dots-sync/internal/errors"
	"dots-sync/internal/reconcile"
)

const (
	// Time allowed to write a frame to the server
	writeWait = 10 * time.Second

	// Maximum frame size accepted from the server
	maxMessageSize = 1024 * 1024
)

// Collections are the tables a subscription listens to.
var Collections = []domain.Collection{domain.CollectionNodes, domain.CollectionLinks}

// Config configures the realtime client.
type Config struct {
	URL         string
	APIKey      string
	AccessToken string

	HeartbeatInterval        time.Duration
	EventsPerSecond          int
	ReconnectInitialInterval time.Duration
	ReconnectMaxInterval     time.Duration
}

// Client opens realtime subscriptions. It implements reconcile.Feed.
type Client struct {
	config Config
	dialer *websocket.Dialer
	logger *zap.Logger
	ref    atomic.Uint64
}

var _ reconcile.Feed = (*Client)(nil)

// NewClient creates a realtime client.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.ReconnectInitialInterval <= 0 {
		cfg.ReconnectInitialInterval = 500 * time.Millisecond
	}
	if cfg.ReconnectMaxInterval <= 0 {
		cfg.ReconnectMaxInterval = 30 * time.Second
	}
	return &Client{
		config: cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger: logger.Named("realtime"),
	}
}

// Endpoint returns the socket URL with the connection parameters the
// server expects.
func (c *Client) Endpoint() (string, error) {
	if c.config.URL == "" {
		return "", apperrors.NewUnavailable(apperrors.CodeRemoteError, "realtime url is not configured", nil)
	}
	u, err := url.Parse(c.config.URL)
	if err != nil {
		return "", fmt.Errorf("parse realtime url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	default:
		return "", fmt.Errorf("realtime url must use ws or wss, got %q", u.Scheme)
	}
	q := u.Query()
	if c.config.APIKey != "" {
		q.Set("apikey", c.config.APIKey)
	}
	if c.config.EventsPerSecond > 0 {
		q.Set("eventsPerSecond", strconv.Itoa(c.config.EventsPerSecond))
	}
	q.Set("vsn", protocolVsn)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) nextRef() string {
	return strconv.FormatUint(c.ref.Add(1), 10)
}

// Subscribe starts a subscription for workspaceID. It returns once the
// session is running; connection progress is reported to sink. The
// session reconnects until the subscription is closed.
func (c *Client) Subscribe(ctx context.Context, workspaceID string, sink reconcile.Sink) (reconcile.Subscription, error) {
	if workspaceID == "" {
		return nil, apperrors.NewValidation("workspace id is required", nil)
	}
	endpoint, err := c.Endpoint()
	if err != nil {
		return nil, err
	}

	sessionCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &session{
		client:      c,
		endpoint:    endpoint,
		workspaceID: workspaceID,
		sink:        sink,
		ctx:         sessionCtx,
		cancel:      cancel,
		done:        make(chan struct{}),
		logger:      c.logger.With(zap.String("workspace_id", workspaceID)),
	}
	go s.run()
	return s, nil
}

// session is one live subscription.
type session struct {
	client      *Client
	endpoint    string
	workspaceID string
	sink        reconcile.Sink
	logger      *zap.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once

	writeMu sync.Mutex
}

// Close leaves the channels and stops reconnecting.
func (s *session) Close() error {
	s.closeOnce.Do(s.cancel)
	<-s.done
	return nil
}

func (s *session) run() {
	defer close(s.done)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.client.config.ReconnectInitialInterval
	bo.MaxInterval = s.client.config.ReconnectMaxInterval

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			s.sink.HandleState(reconcile.StateConnecting, nil)
		}
		err := s.connect(bo)
		if s.ctx.Err() != nil {
			return
		}

		wait := bo.NextBackOff()
		s.logger.Warn("realtime connection lost",
			zap.Error(err),
			zap.Int("attempt", attempt+1),
			zap.Duration("retry_in", wait))
		s.sink.HandleState(reconcile.StateErroring, err)

		timer := time.NewTimer(wait)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// connect runs one socket until it fails or the session is closed.
func (s *session) connect(bo *backoff.ExponentialBackOff) error {
	conn, _, err := s.client.dialer.DialContext(s.ctx, s.endpoint, nil)
	if err != nil {
		return fmt.Errorf("dial realtime: %w", err)
	}
	defer conn.Close()
	conn.SetReadLimit(maxMessageSize)

	joins := make(map[string]string, len(Collections))
	for _, collection := range Collections {
		ref := s.client.nextRef()
		join, err := newJoin(collection, s.workspaceID, s.client.config.AccessToken, ref)
		if err != nil {
			return err
		}
		if err := s.write(conn, join); err != nil {
			return err
		}
		joins[ref] = join.Topic
	}

	frames := make(chan message)
	readErr := make(chan error, 1)
	quit := make(chan struct{})
	defer close(quit)
	go readLoop(conn, frames, readErr, quit)

	ticker := time.NewTicker(s.client.config.HeartbeatInterval)
	defer ticker.Stop()

	joined := make(map[string]bool, len(joins))
	heartbeatRef := ""
	for {
		select {
		case <-s.ctx.Done():
			s.leave(conn, joins)
			return s.ctx.Err()

		case err := <-readErr:
			return err

		case <-ticker.C:
			if heartbeatRef != "" {
				return errors.New("heartbeat not acknowledged")
			}
			heartbeatRef = s.client.nextRef()
			if err := s.write(conn, newHeartbeat(heartbeatRef)); err != nil {
				return err
			}

		case msg := <-frames:
			switch {
			case msg.Event == eventReply && msg.Ref == heartbeatRef:
				heartbeatRef = ""

			case msg.Event == eventReply && joins[msg.Ref] != "":
				var reply replyPayload
				if err := json.Unmarshal(msg.Payload, &reply); err != nil {
					return fmt.Errorf("decode join reply: %w", err)
				}
				if reply.Status != "ok" {
					return fmt.Errorf("join %s rejected: %s", msg.Topic, string(reply.Response))
				}
				joined[joins[msg.Ref]] = true
				if len(joined) == len(joins) {
					bo.Reset()
					s.logger.Info("realtime channels joined", zap.Int("channels", len(joined)))
					s.sink.HandleState(reconcile.StateOpen, nil)
				}

			case msg.Event == eventPostgresChanges || isLegacyChange(msg.Event):
				ev, err := decodeChange(msg)
				if err != nil {
					s.logger.Warn("skipping undecodable change frame", zap.String("topic", msg.Topic), zap.Error(err))
					continue
				}
				s.sink.HandleEvent(ev)

			case msg.Event == eventError:
				return fmt.Errorf("channel %s errored", msg.Topic)

			case msg.Event == eventClose:
				return fmt.Errorf("channel %s closed by server", msg.Topic)

			default:
				s.logger.Debug("ignoring realtime frame", zap.String("topic", msg.Topic), zap.String("event", msg.Event))
			}
		}
	}
}

// leave tells the server the channels are going away. Failures are
// ignored; the socket is closed right after.
func (s *session) leave(conn *websocket.Conn, joins map[string]string) {
	for _, topic := range joins {
		_ = s.write(conn, newLeave(topic, s.client.nextRef()))
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
}

func (s *session) write(conn *websocket.Conn, msg message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s frame: %w", msg.Event, err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return fmt.Errorf("write %s frame: %w", msg.Event, err)
	}
	return nil
}

func readLoop(conn *websocket.Conn, frames chan<- message, readErr chan<- error, quit <-chan struct{}) {
	for {
		messageType, raw, err := conn.ReadMessage()
		if err != nil {
			readErr <- fmt.Errorf("read realtime frame: %w", err)
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		var msg message
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		select {
		case frames <- msg:
		case <-quit:
			return
		}
	}
}
