// Package wsbridge connects a session to a host served over a websocket.
package wsbridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/zot/basekit/internal/bridge"
	"github.com/zot/basekit/internal/datatree"
	"github.com/zot/basekit/internal/delta"
	"github.com/zot/basekit/internal/mutation"
	"github.com/zot/basekit/internal/path"
	"github.com/zot/basekit/internal/permission"
	"github.com/zot/basekit/internal/protocol"
	"github.com/zot/basekit/internal/svc"
)

// ErrClosed is returned by requests after the connection closed.
var ErrClosed = errors.New("websocket bridge is closed")

// DefaultRequestTimeout bounds requests that take no context.
const DefaultRequestTimeout = 10 * time.Second

// Option configures a Client.
type Option func(*Client)

// WithRequestTimeout bounds unsubscribe requests, which take no context.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithHeader adds headers to the websocket handshake.
func WithHeader(h http.Header) Option {
	return func(c *Client) { c.header = h }
}

// Client is a bridge.Host talking to a remote host.
//
// Responses are matched to requests by id. Pushed change batches are handed
// to the update handlers one at a time, in arrival order, on a goroutine of
// their own, so a handler may issue requests.
type Client struct {
	conn    *websocket.Conn
	timeout time.Duration
	header  http.Header

	writeMu sync.Mutex

	mu          sync.Mutex
	pending     map[string]chan *protocol.Message
	handlers    map[uint64]bridge.UpdateHandler
	nextHandler uint64
	level       permission.Level
	closed      bool
	closeErr    error

	pushes svc.Queue
	done   chan struct{}
}

var _ bridge.Host = (*Client)(nil)

// Dial connects to the websocket endpoint at url.
func Dial(ctx context.Context, url string, opts ...Option) (*Client, error) {
	c := &Client{
		timeout:  DefaultRequestTimeout,
		pending:  make(map[string]chan *protocol.Message),
		handlers: make(map[uint64]bridge.UpdateHandler),
		level:    permission.None,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, c.header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	c.conn = conn
	glog.V(1).Infof("wsbridge: connected to %s", url)
	go c.readPump()
	return c, nil
}

// Close closes the connection. Requests in flight fail with ErrClosed.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	err := c.conn.Close()
	c.shutdown(ErrClosed)
	return err
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection closed, or nil while it is open.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// Flush waits until every batch received so far was handed to the update
// handlers.
func (c *Client) Flush(ctx context.Context) error {
	return c.pushes.Flush(ctx)
}

func (c *Client) shutdown(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = err
	pending := c.pending
	c.pending = make(map[string]chan *protocol.Message)
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	c.pushes.Close()
	close(c.done)
}

func (c *Client) readPump() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				glog.Warningf("wsbridge: read: %v", err)
			}
			c.shutdown(fmt.Errorf("%w: %v", ErrClosed, err))
			return
		}
		msgs, err := protocol.ParseMessages(data)
		if err != nil {
			glog.Errorf("wsbridge: bad frame: %v", err)
			continue
		}
		for _, msg := range msgs {
			c.dispatch(msg)
		}
	}
}

func (c *Client) dispatch(msg *protocol.Message) {
	if msg.IsResponse() {
		c.mu.Lock()
		ch := c.pending[msg.ID]
		delete(c.pending, msg.ID)
		c.mu.Unlock()
		if ch == nil {
			glog.Warningf("wsbridge: response to unknown request %q", msg.ID)
			return
		}
		ch <- msg
		return
	}
	if msg.Type != protocol.MsgChanges {
		glog.Warningf("wsbridge: unexpected %s message", msg.Type)
		return
	}
	var cm protocol.ChangesMessage
	if err := msg.Decode(&cm); err != nil {
		glog.Errorf("wsbridge: %v", err)
		return
	}
	for _, batch := range cm.Batches {
		c.trackPermission(batch)
		c.pushes.Svc(func() { c.deliver(batch) })
	}
}

func (c *Client) deliver(changes []delta.Change) {
	glog.V(2).Infof("wsbridge: delivering %d changes", len(changes))
	c.mu.Lock()
	handlers := make([]bridge.UpdateHandler, 0, len(c.handlers))
	for id := uint64(1); id <= c.nextHandler; id++ {
		if handler, ok := c.handlers[id]; ok {
			handlers = append(handlers, handler)
		}
	}
	c.mu.Unlock()

	for _, handler := range handlers {
		handler(changes)
	}
}

// trackPermission keeps the cached permission level current.
func (c *Client) trackPermission(changes []delta.Change) {
	for _, ch := range changes {
		var level any
		switch {
		case len(ch.Path) == 0:
			if m, ok := ch.Value.(map[string]any); ok {
				level = m[path.KeyPermission]
			}
		case len(ch.Path) == 1 && ch.Path[0] == path.KeyPermission:
			level = ch.Value
		default:
			continue
		}
		c.setPermission(level)
	}
}

func (c *Client) setPermission(v any) {
	s, _ := v.(string)
	l, err := permission.Parse(s)
	if err != nil {
		l = permission.None
	}
	c.mu.Lock()
	c.level = l
	c.mu.Unlock()
}

// call sends a request and waits for its response.
func (c *Client) call(ctx context.Context, msgType protocol.MessageType, data any) (*protocol.Message, error) {
	id := uuid.NewString()
	req, err := protocol.NewMessage(id, msgType, data)
	if err != nil {
		return nil, err
	}
	frame, err := req.Encode()
	if err != nil {
		return nil, err
	}

	ch := make(chan *protocol.Message, 1)
	c.mu.Lock()
	if c.closed {
		err := c.closeErr
		c.mu.Unlock()
		return nil, err
	}
	c.pending[id] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	err = c.conn.WriteMessage(websocket.TextMessage, frame)
	c.writeMu.Unlock()
	if err != nil {
		c.forget(id)
		return nil, fmt.Errorf("%s: %w", msgType, err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, c.Err()
		}
		if resp.Type == protocol.MsgError {
			var em protocol.ErrorMessage
			if err := resp.Decode(&em); err != nil {
				return nil, err
			}
			return nil, em.Err()
		}
		return resp, nil
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	}
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) fetch(ctx context.Context, msgType protocol.MessageType, data any) (map[string]any, error) {
	resp, err := c.call(ctx, msgType, data)
	if err != nil {
		return nil, err
	}
	var result map[string]any
	if err := resp.Decode(&result); err != nil {
		return nil, err
	}
	if result == nil {
		result = map[string]any{}
	}
	return result, nil
}

func (c *Client) unsubscribe(msgType protocol.MessageType, data any) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	if _, err := c.call(ctx, msgType, data); err != nil {
		glog.Warningf("wsbridge: %s: %v", msgType, err)
	}
}

// FetchBaseData fetches the base and caches its permission level.
func (c *Client) FetchBaseData(ctx context.Context) (map[string]any, error) {
	base, err := c.fetch(ctx, protocol.MsgFetchBase, nil)
	if err != nil {
		return nil, err
	}
	c.setPermission(datatree.New(base).String(path.Path{path.KeyPermission}))
	return base, nil
}

func (c *Client) FetchAndSubscribeToTableData(ctx context.Context, tableID string) (map[string]any, error) {
	return c.fetch(ctx, protocol.MsgFetchTable, protocol.TableRequest{TableID: tableID})
}

func (c *Client) UnsubscribeFromTableData(tableID string) {
	c.unsubscribe(protocol.MsgUnsubscribeTable, protocol.TableRequest{TableID: tableID})
}

func (c *Client) FetchAndSubscribeToViewData(ctx context.Context, tableID, viewID string) (map[string]any, error) {
	return c.fetch(ctx, protocol.MsgFetchView, protocol.ViewRequest{TableID: tableID, ViewID: viewID})
}

func (c *Client) UnsubscribeFromViewData(tableID, viewID string) {
	c.unsubscribe(protocol.MsgUnsubscribeView, protocol.ViewRequest{TableID: tableID, ViewID: viewID})
}

func (c *Client) FetchAndSubscribeToCursorData(ctx context.Context) (map[string]any, error) {
	return c.fetch(ctx, protocol.MsgFetchCursor, nil)
}

func (c *Client) UnsubscribeFromCursorData() {
	c.unsubscribe(protocol.MsgUnsubscribeCursor, nil)
}

// SubscribeToModelUpdates registers handler for pushed batches.
func (c *Client) SubscribeToModelUpdates(handler bridge.UpdateHandler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextHandler++
	id := c.nextHandler
	c.handlers[id] = handler
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.handlers, id)
	}
}

// ApplyMutation sends m and waits for the host's verdict.
func (c *Client) ApplyMutation(ctx context.Context, m mutation.Mutation) error {
	env, err := mutation.Encode(m)
	if err != nil {
		return err
	}
	_, err = c.call(ctx, protocol.MsgApplyMutation, env)
	return err
}

// CheckPermissionsForMutation evaluates m against the cached permission
// level without a round trip.
func (c *Client) CheckPermissionsForMutation(m mutation.Mutation) bridge.PermissionCheckResult {
	c.mu.Lock()
	level := c.level
	c.mu.Unlock()
	ok, reason := permission.Check(level, m)
	return bridge.PermissionCheckResult{HasPermission: ok, ReasonDisplayString: reason}
}
