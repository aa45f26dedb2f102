package bybit

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
	// Bybit expects an application-level ping at least every 20 seconds,
	// otherwise the server drops the connection.
	pingInterval = 20 * time.Second

	controlInterval     = 100 * time.Millisecond
	controlWriteTimeout = 5 * time.Second
	maxTopicsPerRequest = 10
	maxReconnectWait    = 30 * time.Second
	readLimit           = 1 << 21
)

// streamManager keeps one public websocket session alive with live
// subscribe/unsubscribe support and automatic reconnection.
type streamManager struct {
	url    string
	ctx    context.Context
	cancel context.CancelFunc

	conn     *websocket.Conn
	connMu   sync.RWMutex
	reqIDGen atomic.Uint64

	topics  map[string]struct{}
	topicMu sync.Mutex

	handler   func([]byte) error
	errorChan chan<- error

	ready     chan struct{}
	readyOnce sync.Once

	controlMu   sync.Mutex
	lastControl time.Time
}

type wsRequest struct {
	ReqID string   `json:"req_id,omitempty"`
	Op    string   `json:"op"`
	Args  []string `json:"args,omitempty"`
}

type wsAck struct {
	Success bool   `json:"success"`
	RetMsg  string `json:"ret_msg"`
	Op      string `json:"op"`
	ReqID   string `json:"req_id"`
}

func newStreamManager(ctx context.Context, url string, handler func([]byte) error, errorChan chan<- error) *streamManager {
	managerCtx, cancel := context.WithCancel(ctx)
	return &streamManager{
		url:       url,
		ctx:       managerCtx,
		cancel:    cancel,
		topics:    make(map[string]struct{}),
		handler:   handler,
		errorChan: errorChan,
		ready:     make(chan struct{}),
	}
}

// start dials in the background and waits for the first session.
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

// subscribe adds topics not yet subscribed on this session.
func (sm *streamManager) subscribe(topics []string) error {
	if len(topics) == 0 {
		return nil
	}
	sm.topicMu.Lock()
	fresh := make([]string, 0, len(topics))
	for _, topic := range topics {
		if _, ok := sm.topics[topic]; !ok {
			fresh = append(fresh, topic)
			sm.topics[topic] = struct{}{}
		}
	}
	sm.topicMu.Unlock()
	if len(fresh) == 0 {
		return nil
	}
	return sm.sendControl("subscribe", fresh)
}

// unsubscribe removes active topics.
func (sm *streamManager) unsubscribe(topics []string) error {
	if len(topics) == 0 {
		return nil
	}
	sm.topicMu.Lock()
	active := make([]string, 0, len(topics))
	for _, topic := range topics {
		if _, ok := sm.topics[topic]; ok {
			active = append(active, topic)
			delete(sm.topics, topic)
		}
	}
	sm.topicMu.Unlock()
	if len(active) == 0 {
		return nil
	}
	return sm.sendControl("unsubscribe", active)
}

// connect keeps a single session alive until the parent context ends. Each
// session replays the topic set and runs isolated read and ping loops.
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
			errCh <- sm.pingLoop(connCtx)
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
	sm.topicMu.Lock()
	topics := make([]string, 0, len(sm.topics))
	for topic := range sm.topics {
		topics = append(topics, topic)
	}
	sm.topicMu.Unlock()
	if len(topics) == 0 {
		return nil
	}
	return sm.sendControl("subscribe", topics)
}

func (sm *streamManager) sendControl(op string, topics []string) error {
	for start := 0; start < len(topics); start += maxTopicsPerRequest {
		end := start + maxTopicsPerRequest
		if end > len(topics) {
			end = len(topics)
		}
		req := wsRequest{
			ReqID: fmt.Sprintf("%d", sm.reqIDGen.Add(1)),
			Op:    op,
			Args:  topics[start:end],
		}
		data, err := json.Marshal(req)
		if err != nil {
			return fmt.Errorf("marshal %s request: %w", op, err)
		}
		if err := sm.writeControl(data, op); err != nil {
			return err
		}
		observability.Log().Debug("stream control sent",
			observability.F("op", op),
			observability.F("topics", len(req.Args)))
	}
	return nil
}

func (sm *streamManager) writeControl(data []byte, op string) error {
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
				return fmt.Errorf("context done while pacing %s: %w", op, sm.ctx.Err())
			}
		}
	}

	sm.connMu.RLock()
	conn := sm.conn
	sm.connMu.RUnlock()
	if conn == nil {
		// No live session; the topic set replays on reconnect.
		return nil
	}

	writeCtx, cancel := context.WithTimeout(sm.ctx, controlWriteTimeout)
	err := conn.Write(writeCtx, websocket.MessageText, data)
	cancel()
	if err != nil {
		return fmt.Errorf("write %s request: %w", op, err)
	}
	sm.lastControl = time.Now()
	return nil
}

// pingLoop sends the application-level ping Bybit requires.
func (sm *streamManager) pingLoop(ctx context.Context) error {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	ping, _ := json.Marshal(wsRequest{Op: "ping"})
	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		case <-ticker.C:
			if err := sm.writeControl(ping, "ping"); err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return context.Canceled
				}
				return err
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

		// Acks and pongs carry an op; topic data does not.
		var ack wsAck
		if err := json.Unmarshal(data, &ack); err == nil && ack.Op != "" {
			if ack.Op == "subscribe" || ack.Op == "unsubscribe" {
				if !ack.Success {
					sm.reportError(fmt.Errorf("%s rejected: %s", ack.Op, ack.RetMsg))
				}
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
	case sm.errorChan <- fmt.Errorf("bybit stream [%s]: %w", sm.url, err):
	default:
	}
}
