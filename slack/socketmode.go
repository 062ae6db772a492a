package slack

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/AltairaLabs/DispatchKit/logger"
	pkgerrors "github.com/AltairaLabs/DispatchKit/pkg/errors"
	"github.com/AltairaLabs/DispatchKit/pkg/httputil"
)

const (
	// Socket Mode envelope types.
	envelopeHello        = "hello"
	envelopeDisconnect   = "disconnect"
	envelopeEventsAPI    = "events_api"
	envelopeSlashCommand = "slash_commands"

	socketHandshakeTimeout = 10 * time.Second
	socketWriteWait        = 10 * time.Second
	maxEnvelopeBytes       = 1 << 20

	reconnectInitialInterval = 1 * time.Second
	reconnectMaxInterval     = 30 * time.Second
)

// errReconnectRequested signals a disconnect frame; the server wants the
// client to re-dial, which is routine connection rotation.
var errReconnectRequested = errors.New("slack: reconnect requested")

// Event is the inner event of an events_api envelope. Only the fields
// the intake layer consumes are decoded.
type Event struct {
	Type     string `json:"type"`
	User     string `json:"user"`
	Text     string `json:"text"`
	Channel  string `json:"channel"`
	TS       string `json:"ts"`
	ThreadTS string `json:"thread_ts,omitempty"`
	BotID    string `json:"bot_id,omitempty"`
}

// SlashCommand is the payload of a slash_commands envelope.
type SlashCommand struct {
	Command     string `json:"command"`
	Text        string `json:"text"`
	UserID      string `json:"user_id"`
	ChannelID   string `json:"channel_id"`
	ResponseURL string `json:"response_url"`
}

// Handler receives dispatched Socket Mode payloads. Handlers run on
// their own goroutine; slow handling never delays envelope acks.
type Handler interface {
	HandleEvent(ctx context.Context, event *Event)
	HandleSlashCommand(ctx context.Context, cmd *SlashCommand)
}

// envelope is the Socket Mode frame wrapper.
type envelope struct {
	EnvelopeID string          `json:"envelope_id"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	Reason     string          `json:"reason,omitempty"`
}

// eventCallback is the events_api payload wrapper around the inner event.
type eventCallback struct {
	Event Event `json:"event"`
}

type ack struct {
	EnvelopeID string `json:"envelope_id"`
}

type connectionsOpenResponse struct {
	apiResponse
	URL string `json:"url"`
}

// SocketModeClient maintains the Socket Mode connection: it negotiates a
// websocket URL over the Web API, dials it, acks every envelope, and
// dispatches event payloads to the handler. Lost connections and
// disconnect frames trigger a re-dial with exponential backoff.
type SocketModeClient struct {
	appToken string
	baseURL  string
	http     *http.Client
	handler  Handler
}

// SocketModeOption configures a SocketModeClient.
type SocketModeOption func(*SocketModeClient)

// WithSocketBaseURL overrides the Web API base URL used to negotiate
// the websocket URL.
func WithSocketBaseURL(u string) SocketModeOption {
	return func(s *SocketModeClient) { s.baseURL = strings.TrimSuffix(u, "/") }
}

// WithSocketHTTPClient replaces the HTTP client used for negotiation.
func WithSocketHTTPClient(hc *http.Client) SocketModeOption {
	return func(s *SocketModeClient) { s.http = hc }
}

// NewSocketModeClient creates a Socket Mode client authenticating with
// the app-level token.
func NewSocketModeClient(appToken string, handler Handler, opts ...SocketModeOption) *SocketModeClient {
	s := &SocketModeClient{
		appToken: appToken,
		baseURL:  defaultAPIBaseURL,
		http:     httputil.NewHTTPClient(httputil.DefaultAPITimeout),
		handler:  handler,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run connects and processes envelopes until ctx is cancelled. It only
// returns ctx's error; connection failures are retried forever.
func (s *SocketModeClient) Run(ctx context.Context) error {
	bo := newSocketBackOff()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		conn, err := s.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			wait := bo.NextBackOff()
			logger.Warn("Socket Mode connect failed", "error", err, "retry_in", wait)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			continue
		}
		bo.Reset()

		err = s.readLoop(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, errReconnectRequested) {
			logger.Info("Socket Mode reconnecting on server request")
			continue
		}
		logger.Warn("Socket Mode connection lost", "error", err)
	}
}

// connect negotiates a websocket URL and dials it.
func (s *SocketModeClient) connect(ctx context.Context) (*websocket.Conn, error) {
	wsURL, err := s.openConnection(ctx)
	if err != nil {
		return nil, err
	}

	dialer := &websocket.Dialer{
		HandshakeTimeout: socketHandshakeTimeout,
		TLSClientConfig:  &tls.Config{MinVersion: tls.VersionTLS12},
	}
	conn, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("slack: dial socket: %w", err)
	}
	conn.SetReadLimit(maxEnvelopeBytes)

	logger.Info("Socket Mode connected")
	return conn, nil
}

// openConnection calls apps.connections.open with the app token and
// returns the websocket URL to dial.
func (s *SocketModeClient) openConnection(ctx context.Context) (string, error) {
	const method = "apps.connections.open"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/"+method, nil)
	if err != nil {
		return "", pkgerrors.New("slack", method, fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set(contentTypeHeader, applicationForm)
	req.Header.Set("Authorization", "Bearer "+s.appToken)

	resp, err := s.http.Do(req)
	if err != nil {
		return "", pkgerrors.New("slack", method, fmt.Errorf("failed to send request: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", pkgerrors.New("slack", method, fmt.Errorf("failed to read response: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		return "", pkgerrors.New("slack", method,
			fmt.Errorf("request failed with status %d", resp.StatusCode)).
			WithStatusCode(resp.StatusCode)
	}

	var opened connectionsOpenResponse
	if err := json.Unmarshal(body, &opened); err != nil {
		return "", pkgerrors.New("slack", method, fmt.Errorf("failed to decode response: %w", err))
	}
	if !opened.OK {
		return "", pkgerrors.New("slack", method, fmt.Errorf("slack error: %s", opened.Error))
	}
	return opened.URL, nil
}

// readLoop processes envelopes until the socket errors, the server asks
// for a reconnect, or ctx ends. Closing the connection is what unblocks
// the pending read on cancellation.
func (s *SocketModeClient) readLoop(ctx context.Context, conn *websocket.Conn) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("slack: socket read: %w", err)
		}
		if err := s.handleFrame(ctx, conn, data); err != nil {
			return err
		}
	}
}

// handleFrame acks the envelope and dispatches its payload. Acks happen
// before dispatch; the server expects one within three seconds.
func (s *SocketModeClient) handleFrame(ctx context.Context, conn *websocket.Conn, data []byte) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		logger.Warn("Ignoring malformed Socket Mode frame", "error", err)
		return nil
	}

	if env.EnvelopeID != "" {
		if err := s.writeAck(conn, env.EnvelopeID); err != nil {
			return err
		}
	}

	switch env.Type {
	case envelopeHello:
		logger.Debug("Socket Mode hello received")
	case envelopeDisconnect:
		logger.Info("Socket Mode disconnect frame", "reason", env.Reason)
		return errReconnectRequested
	case envelopeEventsAPI:
		var callback eventCallback
		if err := json.Unmarshal(env.Payload, &callback); err != nil {
			logger.Warn("Ignoring malformed events_api payload", "error", err)
			return nil
		}
		event := callback.Event
		go s.handler.HandleEvent(ctx, &event)
	case envelopeSlashCommand:
		var cmd SlashCommand
		if err := json.Unmarshal(env.Payload, &cmd); err != nil {
			logger.Warn("Ignoring malformed slash command payload", "error", err)
			return nil
		}
		go s.handler.HandleSlashCommand(ctx, &cmd)
	default:
		logger.Debug("Ignoring Socket Mode envelope", "type", env.Type)
	}
	return nil
}

func (s *SocketModeClient) writeAck(conn *websocket.Conn, envelopeID string) error {
	payload, err := json.Marshal(ack{EnvelopeID: envelopeID})
	if err != nil {
		return fmt.Errorf("slack: marshal ack: %w", err)
	}
	if err := conn.SetWriteDeadline(time.Now().Add(socketWriteWait)); err != nil {
		return fmt.Errorf("slack: set write deadline: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("slack: write ack: %w", err)
	}
	return nil
}

func newSocketBackOff() backoff.BackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     reconnectInitialInterval,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         reconnectMaxInterval,
		MaxElapsedTime:      0,
		Clock:               backoff.SystemClock,
	}

	b.Reset()

	return b
}
