package backend

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	gorilla "github.com/gorilla/websocket"

	"github.com/dashsync/dashsync.go/internal/rand"
	"github.com/dashsync/dashsync.go/pkg/constants"
	"github.com/dashsync/dashsync.go/pkg/logger"
)

// DefaultDialer is the gorilla dialer used by WebSocketBackend. It
// differs from gorilla's default only in enabling compression and
// negotiating the cbor subprotocol.
var DefaultDialer = &gorilla.Dialer{
	Proxy:             gorilla.DefaultDialer.Proxy,
	HandshakeTimeout:  gorilla.DefaultDialer.HandshakeTimeout,
	EnableCompression: true,
	Subprotocols:      []string{"cbor"},
}

// NewWebSocketBackendParams configures a WebSocketBackend.
type NewWebSocketBackendParams struct {
	BaseURL string
	Logger  logger.Logger

	// Timeout bounds the wait for each RPC response after a successful
	// send. Zero means constants.DefaultTimeout.
	Timeout time.Duration
}

// WebSocketBackend implements Backend over a single WebSocket
// connection carrying CBOR-encoded RPC frames. Responses are matched to
// requests by id; change notifications are demultiplexed to
// per-subscription channels by the read loop.
type WebSocketBackend struct {
	baseURL string
	timeout time.Duration
	logger  logger.Logger

	conn      *gorilla.Conn
	writeLock sync.Mutex

	responseChannels     map[string]chan RPCResponse
	responseChannelsLock sync.RWMutex

	changeChannels     map[string]chan Change
	changeChannelsLock sync.Mutex

	closeOnce sync.Once
	closeChan chan struct{}

	// closeError records the transport failure that ended the read loop,
	// if any. Guarded by its own mutex: the read loop writes it while
	// senders may be classifying their failure.
	closeErrorLock sync.Mutex
	closeError     error
}

var _ Backend = (*WebSocketBackend)(nil)

func NewWebSocketBackend(p NewWebSocketBackendParams) *WebSocketBackend {
	timeout := p.Timeout
	if timeout == 0 {
		timeout = constants.DefaultTimeout
	}

	return &WebSocketBackend{
		baseURL:          p.BaseURL,
		timeout:          timeout,
		logger:           logger.OrNop(p.Logger),
		responseChannels: make(map[string]chan RPCResponse),
		changeChannels:   make(map[string]chan Change),
		closeChan:        make(chan struct{}),
	}
}

// Connect dials the backend and starts the read loop.
func (ws *WebSocketBackend) Connect(ctx context.Context) error {
	if ws.baseURL == "" {
		return constants.ErrNoBaseURL
	}

	conn, res, err := DefaultDialer.DialContext(ctx, fmt.Sprintf("%s/rpc", ws.baseURL), nil)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %w", constants.ErrNetwork, ws.baseURL, err)
	}
	defer res.Body.Close()

	ws.conn = conn
	go ws.readLoop()

	return nil
}

// Close stops the read loop and closes the connection. A close frame is
// sent on a best-effort basis, bounded by ctx; the underlying close
// happens regardless so local resources are not leaked.
func (ws *WebSocketBackend) Close(ctx context.Context) error {
	var err error
	ws.closeOnce.Do(func() {
		close(ws.closeChan)

		if ws.conn == nil {
			return
		}

		writeErr := make(chan error, 1)
		go func() {
			ws.writeLock.Lock()
			defer ws.writeLock.Unlock()
			writeErr <- ws.conn.WriteMessage(
				gorilla.CloseMessage,
				gorilla.FormatCloseMessage(constants.CloseMessageCode, ""),
			)
		}()

		select {
		case werr := <-writeErr:
			if werr != nil {
				ws.logger.Error("failed to write close message", "error", werr)
			}
		case <-ctx.Done():
		}

		err = ws.conn.Close()
		ws.failChangeChannels()
	})

	return err
}

// Query implements Backend.
func (ws *WebSocketBackend) Query(ctx context.Context, q QuerySpec) ([]Row, error) {
	var rows []Row
	if err := ws.send(ctx, &rows, "query", q); err != nil {
		return nil, err
	}
	return rows, nil
}

// Mutate implements Backend.
func (ws *WebSocketBackend) Mutate(ctx context.Context, m MutationSpec) (Row, error) {
	var row Row
	if err := ws.send(ctx, &row, "mutate", m); err != nil {
		return nil, err
	}
	return row, nil
}

// SubscribeChanges implements Backend. It issues a live RPC and routes
// matching notify frames to the returned channel until cancel is
// called, the subscription's kill succeeds, or the transport dies.
func (ws *WebSocketBackend) SubscribeChanges(ctx context.Context, table, filter string) (<-chan Change, CancelFunc, error) {
	var subID string
	if err := ws.send(ctx, &subID, "live", table, filter); err != nil {
		return nil, nil, err
	}

	ch := make(chan Change, 100) // buffered so the read loop never blocks on a slow consumer

	ws.changeChannelsLock.Lock()
	ws.changeChannels[subID] = ch
	ws.changeChannelsLock.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			killCtx, killCancel := context.WithTimeout(context.Background(), ws.timeout)
			defer killCancel()
			if err := ws.send(killCtx, nil, "kill", subID); err != nil {
				ws.logger.Warn("failed to kill live subscription", "subscription_id", subID, "error", err)
			}
			ws.removeChangeChannel(subID)
		})
	}

	return ch, cancel, nil
}

func (ws *WebSocketBackend) send(ctx context.Context, dest any, method string, params ...any) error {
	if ws.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ws.timeout)
		defer cancel()
	}

	select {
	case <-ws.closeChan:
		if err := ws.transportError(); err != nil {
			return err
		}
		return constants.ErrNotConnected
	default:
	}

	if ws.conn == nil {
		return constants.ErrNotConnected
	}

	id := rand.String(constants.RequestIDLength)

	responseChan, err := ws.createResponseChannel(id)
	if err != nil {
		return err
	}
	defer ws.removeResponseChannel(id)

	if err := ws.write(&RPCRequest{ID: id, Method: method, Params: params}); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s", constants.ErrTimeout, method)
		}
		return ctx.Err()
	case res, open := <-responseChan:
		if !open {
			return constants.ErrNotConnected
		}
		if res.Error != nil {
			return fmt.Errorf("%w: %w", constants.ErrRejected, res.Error)
		}
		if dest == nil || res.Result == nil {
			return nil
		}
		if err := cbor.Unmarshal(res.Result, dest); err != nil {
			return fmt.Errorf("failed to decode %s result: %w", method, err)
		}
		return nil
	}
}

func (ws *WebSocketBackend) write(req *RPCRequest) error {
	data, err := cbor.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	ws.writeLock.Lock()
	defer ws.writeLock.Unlock()

	if err := ws.conn.WriteMessage(gorilla.BinaryMessage, data); err != nil {
		return fmt.Errorf("%w: write: %w", constants.ErrNetwork, err)
	}
	return nil
}

func (ws *WebSocketBackend) readLoop() {
	for {
		select {
		case <-ws.closeChan:
			return
		default:
		}

		_, data, err := ws.conn.ReadMessage()
		if err != nil {
			select {
			case <-ws.closeChan:
			default:
				ws.setTransportError(fmt.Errorf("%w: read: %w", constants.ErrNetwork, err))
				ws.logger.Error("connection read failed", "error", err)
				ws.failChangeChannels()
			}
			return
		}

		var res RPCResponse
		if err := cbor.Unmarshal(data, &res); err != nil {
			ws.logger.Warn("failed to decode frame", "error", err)
			continue
		}

		if res.Method == notifyMethod {
			ws.routeNotification(res)
			continue
		}

		responseChan, ok := ws.getResponseChannel(res.ID)
		if !ok {
			// Response for a request nobody is waiting on anymore, e.g.
			// the sender timed out. Dropping it is correct.
			ws.logger.Debug("dropping response with no waiter", "id", res.ID)
			continue
		}
		responseChan <- res
	}
}

func (ws *WebSocketBackend) routeNotification(res RPCResponse) {
	var n changeNotification
	if err := cbor.Unmarshal(res.Result, &n); err != nil {
		ws.logger.Warn("failed to decode change notification", "error", err)
		return
	}

	ws.changeChannelsLock.Lock()
	ch, ok := ws.changeChannels[n.SubscriptionID]
	ws.changeChannelsLock.Unlock()

	if !ok {
		ws.logger.Debug("dropping change for unknown subscription", "subscription_id", n.SubscriptionID)
		return
	}

	select {
	case ch <- n.Change:
	default:
		ws.logger.Warn("change channel full, dropping notification", "subscription_id", n.SubscriptionID)
	}
}

// failChangeChannels closes every change channel so subscribers observe
// the transport failure and enter their reconnect path.
func (ws *WebSocketBackend) failChangeChannels() {
	ws.changeChannelsLock.Lock()
	defer ws.changeChannelsLock.Unlock()

	for id, ch := range ws.changeChannels {
		delete(ws.changeChannels, id)
		close(ch)
	}
}

func (ws *WebSocketBackend) removeChangeChannel(id string) {
	ws.changeChannelsLock.Lock()
	defer ws.changeChannelsLock.Unlock()

	if ch, ok := ws.changeChannels[id]; ok {
		delete(ws.changeChannels, id)
		close(ch)
	}
}

func (ws *WebSocketBackend) createResponseChannel(id string) (chan RPCResponse, error) {
	ws.responseChannelsLock.Lock()
	defer ws.responseChannelsLock.Unlock()

	if _, ok := ws.responseChannels[id]; ok {
		return nil, fmt.Errorf("%w: %v", constants.ErrIDInUse, id)
	}

	ch := make(chan RPCResponse, 1) // buffered so the read loop never blocks on delivery
	ws.responseChannels[id] = ch

	return ch, nil
}

func (ws *WebSocketBackend) getResponseChannel(id string) (chan RPCResponse, bool) {
	ws.responseChannelsLock.RLock()
	defer ws.responseChannelsLock.RUnlock()
	ch, ok := ws.responseChannels[id]
	return ch, ok
}

func (ws *WebSocketBackend) setTransportError(err error) {
	ws.closeErrorLock.Lock()
	defer ws.closeErrorLock.Unlock()
	if ws.closeError == nil {
		ws.closeError = err
	}
}

func (ws *WebSocketBackend) transportError() error {
	ws.closeErrorLock.Lock()
	defer ws.closeErrorLock.Unlock()
	return ws.closeError
}

func (ws *WebSocketBackend) removeResponseChannel(id string) {
	ws.responseChannelsLock.Lock()
	defer ws.responseChannelsLock.Unlock()
	delete(ws.responseChannels, id)
}
