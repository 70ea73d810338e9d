package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"otcore/model"
	"otcore/provider"
	"otcore/stream"
)

// Bridge message types. One websocket carries any number of requests,
// multiplexed by id.
const (
	msgOpen   = "open"
	msgCancel = "cancel"
	msgFrame  = "frame"
	msgEnd    = "end"
	msgError  = "error"
)

type bridgeMessage struct {
	Type     string            `json:"type"`
	ID       string            `json:"id"`
	Provider string            `json:"provider,omitempty"`
	URL      string            `json:"url,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`
	Framing  provider.Framing  `json:"framing,omitempty"`
	Body     json.RawMessage   `json:"body,omitempty"`
	Data     string            `json:"data,omitempty"`
	Status   int               `json:"status,omitempty"`
	Message  string            `json:"message,omitempty"`
}

var errBridgeClosed = errors.New("bridge connection closed")

// Bridge sends requests through a local process that owns the network, over
// a websocket. The connection is dialed on first use and redialed after a
// failure.
type Bridge struct {
	url    string
	dialer websocket.Dialer
	logger *slog.Logger

	connMu  sync.Mutex
	conn    *websocket.Conn
	dead    chan struct{}
	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]*pendingRequest
}

type pendingRequest struct {
	msgs chan bridgeMessage
	done chan struct{}
}

var _ stream.Transport = (*Bridge)(nil)

// NewBridge returns a bridge transport for the websocket at url.
func NewBridge(url string, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Bridge{
		url: url,
		dialer: websocket.Dialer{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
		},
		logger:  logger.With("component", "transport", "kind", "bridge"),
		pending: make(map[string]*pendingRequest),
	}
}

func (b *Bridge) connect(ctx context.Context) (*websocket.Conn, <-chan struct{}, error) {
	b.connMu.Lock()
	defer b.connMu.Unlock()
	if b.conn != nil {
		return b.conn, b.dead, nil
	}

	conn, _, err := b.dialer.DialContext(ctx, b.url, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to dial bridge: %w", err)
	}
	conn.SetReadLimit(maxLineSize * 4)
	dead := make(chan struct{})
	b.conn = conn
	b.dead = dead
	b.logger.Debug("bridge connected", "url", b.url)

	go b.readLoop(conn, dead)
	return conn, dead, nil
}

func (b *Bridge) readLoop(conn *websocket.Conn, dead chan struct{}) {
	defer close(dead)
	for {
		var msg bridgeMessage
		if err := conn.ReadJSON(&msg); err != nil {
			b.logger.Debug("bridge read ended", "error", err)
			b.drop(conn)
			return
		}

		b.pendingMu.Lock()
		p, ok := b.pending[msg.ID]
		b.pendingMu.Unlock()
		if !ok {
			continue
		}
		select {
		case p.msgs <- msg:
		case <-p.done:
		}
	}
}

// drop forgets a dead connection.
func (b *Bridge) drop(conn *websocket.Conn) {
	b.connMu.Lock()
	if b.conn == conn {
		b.conn = nil
		b.dead = nil
	}
	b.connMu.Unlock()
	conn.Close()
}

func (b *Bridge) write(conn *websocket.Conn, msg bridgeMessage) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	return conn.WriteJSON(msg)
}

func (b *Bridge) OpenStream(ctx context.Context, target provider.Target, requestID string, body []byte) (<-chan stream.Frame, error) {
	conn, dead, err := b.connect(ctx)
	if err != nil {
		return nil, &model.TransportError{Provider: target.Provider, Err: err}
	}

	headers := make(map[string]string, len(target.Header))
	for k := range target.Header {
		headers[k] = target.Header.Get(k)
	}

	p := &pendingRequest{msgs: make(chan bridgeMessage, 64), done: make(chan struct{})}
	b.pendingMu.Lock()
	b.pending[requestID] = p
	b.pendingMu.Unlock()

	open := bridgeMessage{
		Type:     msgOpen,
		ID:       requestID,
		Provider: target.Provider,
		URL:      target.URL,
		Headers:  headers,
		Framing:  target.Framing,
		Body:     json.RawMessage(body),
	}
	if err := b.write(conn, open); err != nil {
		b.forget(requestID)
		b.drop(conn)
		return nil, &model.TransportError{Provider: target.Provider, Err: fmt.Errorf("failed to send open: %w", err)}
	}

	frames := make(chan stream.Frame)
	go b.relay(ctx, conn, dead, target.Provider, requestID, p, frames)
	return frames, nil
}

func (b *Bridge) relay(ctx context.Context, conn *websocket.Conn, dead <-chan struct{}, providerName, requestID string, p *pendingRequest, frames chan<- stream.Frame) {
	defer close(frames)
	defer close(p.done)
	defer b.forget(requestID)

	for {
		select {
		case <-ctx.Done():
			b.sendCancel(conn, requestID)
			return
		case <-dead:
			err := &model.TransportError{Provider: providerName, Err: errBridgeClosed}
			select {
			case frames <- stream.Frame{Err: err}:
			case <-ctx.Done():
			}
			return
		case msg := <-p.msgs:
			switch msg.Type {
			case msgFrame:
				select {
				case frames <- stream.Frame{Data: []byte(msg.Data)}:
				case <-ctx.Done():
					b.sendCancel(conn, requestID)
					return
				}
			case msgEnd:
				return
			case msgError:
				err := &model.TransportError{Provider: providerName, Status: msg.Status, Err: errors.New(msg.Message)}
				select {
				case frames <- stream.Frame{Err: err}:
				case <-ctx.Done():
				}
				return
			}
		}
	}
}

func (b *Bridge) sendCancel(conn *websocket.Conn, requestID string) {
	if err := b.write(conn, bridgeMessage{Type: msgCancel, ID: requestID}); err != nil {
		b.logger.Debug("failed to send cancel", "request_id", requestID, "error", err)
	}
}

func (b *Bridge) forget(requestID string) {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()
	delete(b.pending, requestID)
}

// Cancel tells the bridge to abort requestID.
func (b *Bridge) Cancel(requestID string) {
	b.connMu.Lock()
	conn := b.conn
	b.connMu.Unlock()
	if conn == nil {
		return
	}
	b.pendingMu.Lock()
	_, ok := b.pending[requestID]
	b.pendingMu.Unlock()
	if ok {
		b.sendCancel(conn, requestID)
	}
}

// Close closes the bridge connection.
func (b *Bridge) Close() error {
	b.connMu.Lock()
	conn := b.conn
	b.connMu.Unlock()
	if conn == nil {
		return nil
	}
	// readLoop sees the close and drops the connection
	return conn.Close()
}

// BridgeHandler is the far side of a Bridge: it accepts websocket clients
// and runs their requests over another transport, usually HTTP.
type BridgeHandler struct {
	upstream stream.Transport
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewBridgeHandler returns a handler relaying to upstream. Only same-host
// clients are expected, so any origin is accepted.
func NewBridgeHandler(upstream stream.Transport, logger *slog.Logger) *BridgeHandler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &BridgeHandler{
		upstream: upstream,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger.With("component", "bridge"),
	}
}

func (h *BridgeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("bridge upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var writeMu sync.Mutex
	write := func(msg bridgeMessage) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := conn.WriteJSON(msg); err != nil {
			h.logger.Debug("bridge write failed", "error", err)
		}
	}

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		var msg bridgeMessage
		if err := conn.ReadJSON(&msg); err != nil {
			cancel()
			return
		}

		switch msg.Type {
		case msgOpen:
			header := make(http.Header, len(msg.Headers))
			for k, v := range msg.Headers {
				header.Set(k, v)
			}
			target := provider.Target{Provider: msg.Provider, URL: msg.URL, Header: header, Framing: msg.Framing}

			wg.Add(1)
			go func(id string, body []byte) {
				defer wg.Done()
				h.serveRequest(ctx, target, id, body, write)
			}(msg.ID, msg.Body)

		case msgCancel:
			h.upstream.Cancel(msg.ID)
		}
	}
}

func (h *BridgeHandler) serveRequest(ctx context.Context, target provider.Target, id string, body []byte, write func(bridgeMessage)) {
	frames, err := h.upstream.OpenStream(ctx, target, id, body)
	if err != nil {
		msg := bridgeMessage{Type: msgError, ID: id, Message: err.Error()}
		var te *model.TransportError
		if errors.As(err, &te) {
			msg.Status = te.Status
			if te.Err != nil {
				msg.Message = te.Err.Error()
			}
		}
		write(msg)
		return
	}

	for f := range frames {
		if f.Err != nil {
			write(bridgeMessage{Type: msgError, ID: id, Message: f.Err.Error()})
			return
		}
		write(bridgeMessage{Type: msgFrame, ID: id, Data: string(f.Data)})
	}
	write(bridgeMessage{Type: msgEnd, ID: id})
}
