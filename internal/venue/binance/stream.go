package binance

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	json "github.com/goccy/go-json"

	"github.com/coachpo/straddle/internal/observability"
)

const (
	// Binance caps control messages at 5 per second per connection.
	controlInterval     = 250 * time.Millisecond
	controlWriteTimeout = 5 * time.Second
	maxStreamsPerReq    = 100
	pingInterval        = 30 * time.Second
	pingTimeout         = 5 * time.Second
	maxReconnectWait    = 30 * time.Second
	readLimit           = 1 << 21
)

// streamManager maintains one market-data websocket session with live
// SUBSCRIBE/UNSUBSCRIBE support and reconnection with capped backoff.
type streamManager struct {
	url    string
	ctx    context.Context
	cancel context.CancelFunc

	conn     *websocket.Conn
	connMu   sync.RWMutex
	msgIDGen atomic.Uint64

	streams  map[string]struct{}
	streamMu sync.Mutex

	handler   func([]byte) error
	errorChan chan<- error

	ready     chan struct{}
	readyOnce sync.Once

	controlMu   sync.Mutex
	lastControl time.Time
}

type controlRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     uint64   `json:"id"`
}

type controlResponse struct {
	Result *json.RawMessage `json:"result"`
	ID     uint64           `json:"id"`
	Error  *controlError    `json:"error,omitempty"`
}

type controlError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func newStreamManager(ctx context.Context, url string, handler func([]byte) error, errorChan chan<- error) *streamManager {
	managerCtx, cancel := context.WithCancel(ctx)
	return &streamManager{
		url:       url,
		ctx:       managerCtx,
		cancel:    cancel,
		streams:   make(map[string]struct{}),
		handler:   handler,
		errorChan: errorChan,
		ready:     make(chan struct{}),
	}
}

func (sm *streamManager) start() error {
	go func() {
		if err := sm.connect(); err != nil && !errors.Is(err, context.Canceled) {
			sm.reportError(fmt.Errorf("stream connection failed: %w", err))
		}
	}()

	select {
	case <-sm.ready:
		return nil
	case <-time.After(10 * time.Second):
		return errors.New("timeout waiting for websocket connection")
	case <-sm.ctx.Done():
		return fmt.Errorf("stream context done: %w", sm.ctx.Err())
	}
}

func (sm *streamManager) stop() {
	sm.cancel()
	sm.connMu.Lock()
	if sm.conn != nil {
		_ = sm.conn.Close(websocket.StatusNormalClosure, "shutdown")
		sm.conn = nil
	}
	sm.connMu.Unlock()
}

func (sm *streamManager) subscribe(streams []string) error {
	if len(streams) == 0 {
		return nil
	}
	sm.streamMu.Lock()
	fresh := make([]string, 0, len(streams))
	for _, stream := range streams {
		if _, ok := sm.streams[stream]; !ok {
			fresh = append(fresh, stream)
			sm.streams[stream] = struct{}{}
		}
	}
	sm.streamMu.Unlock()
	if len(fresh) == 0 {
		return nil
	}
	return sm.sendControl("SUBSCRIBE", fresh)
}

func (sm *streamManager) unsubscribe(streams []string) error {
	if len(streams) == 0 {
		return nil
	}
	sm.streamMu.Lock()
	active := make([]string, 0, len(streams))
	for _, stream := range streams {
		if _, ok := sm.streams[stream]; ok {
			active = append(active, stream)
			delete(sm.streams, stream)
		}
	}
	sm.streamMu.Unlock()
	if len(active) == 0 {
		return nil
	}
	return sm.sendControl("UNSUBSCRIBE", active)
}

func (sm *streamManager) connect() error {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = maxReconnectWait

	for {
		select {
		case <-sm.ctx.Done():
			return context.Canceled
		default:
		}

		conn, _, err := websocket.Dial(sm.ctx, sm.url, nil)
		if err != nil {
			sm.reportError(fmt.Errorf("dial %s: %w", sm.url, err))
			sleep := backoffCfg.NextBackOff()
			if sleep == backoff.Stop {
				sleep = maxReconnectWait
			}
			select {
			case <-sm.ctx.Done():
				return context.Canceled
			case <-time.After(sleep):
				continue
			}
		}

		sm.connMu.Lock()
		sm.conn = conn
		sm.connMu.Unlock()

		conn.SetReadLimit(readLimit)

		sm.controlMu.Lock()
		sm.lastControl = time.Time{}
		sm.controlMu.Unlock()

		sm.readyOnce.Do(func() { close(sm.ready) })
		backoffCfg.Reset()

		if err := sm.resubscribeAll(); err != nil {
			sm.reportError(fmt.Errorf("resubscribe after reconnect: %w", err))
		}

		connCtx, connCancel := context.WithCancel(sm.ctx)
		errCh := make(chan error, 2)
		var wg sync.WaitGroup
		wg.Add(2)

		go func() {
			defer wg.Done()
			errCh <- sm.readLoop(connCtx, conn)
		}()
		go func() {
			defer wg.Done()
			errCh <- sm.pingLoop(connCtx, conn)
		}()

		firstErr := <-errCh
		connCancel()

		sm.connMu.Lock()
		if sm.conn == conn {
			sm.conn = nil
		}
		sm.connMu.Unlock()

		_ = conn.Close(websocket.StatusNormalClosure, "")
		wg.Wait()
		close(errCh)

		aggregated := firstErr
		for e := range errCh {
			if aggregated == nil || errors.Is(aggregated, context.Canceled) {
				aggregated = e
			}
		}
		if aggregated != nil && !errors.Is(aggregated, context.Canceled) {
			sm.reportError(fmt.Errorf("connection loop: %w", aggregated))
		}

		sleep := backoffCfg.NextBackOff()
		if sleep == backoff.Stop {
			sleep = maxReconnectWait
		}
		select {
		case <-sm.ctx.Done():
			return context.Canceled
		case <-time.After(sleep):
		}
	}
}

func (sm *streamManager) resubscribeAll() error {
	sm.streamMu.Lock()
	streams := make([]string, 0, len(sm.streams))
	for stream := range sm.streams {
		streams = append(streams, stream)
	}
	sm.streamMu.Unlock()
	if len(streams) == 0 {
		return nil
	}
	return sm.sendControl("SUBSCRIBE", streams)
}

func (sm *streamManager) sendControl(method string, streams []string) error {
	for start := 0; start < len(streams); start += maxStreamsPerReq {
		end := start + maxStreamsPerReq
		if end > len(streams) {
			end = len(streams)
		}
		req := controlRequest{
			Method: method,
			Params: streams[start:end],
			ID:     sm.msgIDGen.Add(1),
		}
		data, err := json.Marshal(req)
		if err != nil {
			return fmt.Errorf("marshal %s request: %w", method, err)
		}
		if err := sm.writeControl(data, method); err != nil {
			return err
		}
		observability.Log().Debug("stream control sent",
			observability.F("method", method),
			observability.F("streams", len(req.Params)))
	}
	return nil
}

func (sm *streamManager) writeControl(data []byte, method string) error {
	sm.controlMu.Lock()
	defer sm.controlMu.Unlock()

	if !sm.lastControl.IsZero() {
		wait := time.Until(sm.lastControl.Add(controlInterval))
		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-sm.ctx.Done():
				timer.Stop()
				return fmt.Errorf("context done while pacing %s: %w", method, sm.ctx.Err())
			}
		}
	}

	sm.connMu.RLock()
	conn := sm.conn
	sm.connMu.RUnlock()
	if conn == nil {
		return nil
	}

	writeCtx, cancel := context.WithTimeout(sm.ctx, controlWriteTimeout)
	err := conn.Write(writeCtx, websocket.MessageText, data)
	cancel()
	if err != nil {
		return fmt.Errorf("write %s request: %w", method, err)
	}
	sm.lastControl = time.Now()
	return nil
}

// pingLoop sends protocol ping frames to detect stale sockets.
func (sm *streamManager) pingLoop(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return context.Canceled
				}
				if errors.Is(err, net.ErrClosed) {
					return context.Canceled
				}
				return fmt.Errorf("ping: %w", err)
			}
		}
	}
}

func (sm *streamManager) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return context.Canceled
			}
			if errors.Is(err, net.ErrClosed) {
				return context.Canceled
			}
			if status := websocket.CloseStatus(err); status != -1 {
				if status == websocket.StatusNormalClosure {
					return context.Canceled
				}
				return fmt.Errorf("read: remote closed with status %d", status)
			}
			return fmt.Errorf("read: %w", err)
		}
		if msgType != websocket.MessageText {
			continue
		}

		// Control acks echo the request id; stream data never carries one.
		var resp controlResponse
		if err := json.Unmarshal(data, &resp); err == nil && resp.ID > 0 {
			if resp.Error != nil {
				sm.reportError(fmt.Errorf("control error (id=%d): code=%d msg=%s",
					resp.ID, resp.Error.Code, resp.Error.Msg))
			}
			continue
		}

		if sm.handler != nil {
			if err := sm.handler(data); err != nil {
				sm.reportError(fmt.Errorf("handle message: %w", err))
			}
		}
	}
}

func (sm *streamManager) reportError(err error) {
	if err == nil || sm.errorChan == nil {
		return
	}
	select {
	case <-sm.ctx.Done():
	case sm.errorChan <- fmt.Errorf("binance stream [%s]: %w", sm.url, err):
	default:
	}
}
