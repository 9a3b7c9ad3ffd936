// Package gateway publishes fragments to a remote matching engine over a
// WebSocket and streams its fill reports back.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"backtest_go/internal/domain"
	"backtest_go/internal/infra"
)

const (
	maxRetries   = 10
	baseDelay    = 1 * time.Second
	maxDelay     = 60 * time.Second
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
)

// ErrNotConnected is returned by Submit while no connection is up.
var ErrNotConnected = errors.New("gateway not connected")

// Message types of the wire protocol.
const (
	TypeHello     = "hello"
	TypeFragments = "fragments"
	TypeFill      = "fill"
)

// Envelope is one JSON text frame in either direction.
type Envelope struct {
	Type      string             `json:"type"`
	Client    string             `json:"client,omitempty"`
	Fragments []domain.Fragment  `json:"fragments,omitempty"`
	Fill      *domain.FillReport `json:"fill,omitempty"`
}

// Publisher is a domain.FragmentSink backed by a WebSocket connection.
type Publisher struct {
	url      string
	client   string
	fillChan chan<- domain.FillReport
	metrics  *infra.Metrics

	conn      *websocket.Conn
	mu        sync.RWMutex
	writeMu   sync.Mutex
	connected bool
	connUp    chan struct{}
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewPublisher creates a publisher. Fill reports are delivered on fillChan
// (may be nil); the read loop blocks while it is full.
func NewPublisher(url, client string, fillChan chan<- domain.FillReport, metrics *infra.Metrics) *Publisher {
	if metrics == nil {
		metrics = infra.GlobalMetrics
	}
	return &Publisher{
		url:      url,
		client:   client,
		fillChan: fillChan,
		metrics:  metrics,
		connUp:   make(chan struct{}),
	}
}

// Connect starts the WebSocket connection with automatic reconnection
func (p *Publisher) Connect(ctx context.Context) error {
	ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(1)
	go p.connectionLoop(ctx)

	return nil
}

// WaitConnected blocks until the first connection is up or ctx is done.
func (p *Publisher) WaitConnected(ctx context.Context) error {
	select {
	case <-p.connUp:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// connectionLoop handles connection and reconnection with exponential backoff
func (p *Publisher) connectionLoop(ctx context.Context) {
	defer p.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("gateway panic recovered", slog.Any("panic", r))
		}
	}()

	var once sync.Once
	retryCount := 0
	for {
		select {
		case <-ctx.Done():
			slog.Info("gateway connection loop stopped")
			return
		default:
		}

		if err := p.connect(ctx); err != nil {
			p.metrics.RecordError()
			slog.Warn("gateway connection failed",
				slog.String("url", p.url),
				slog.Any("error", err),
				slog.Int("retry", retryCount),
			)

			delay := calculateBackoff(retryCount)
			retryCount++
			if retryCount > maxRetries {
				slog.Error("gateway max retries exceeded, resetting counter")
				retryCount = 0
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
				continue
			}
		}

		retryCount = 0
		once.Do(func() { close(p.connUp) })

		p.readLoop(ctx)
	}
}

// calculateBackoff returns the delay for the current retry attempt
func calculateBackoff(retryCount int) time.Duration {
	retryCount = min(retryCount, maxRetries)
	delay := baseDelay * time.Duration(math.Pow(2, float64(retryCount)))
	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

// connect dials and announces the client.
func (p *Publisher) connect(ctx context.Context) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, p.url, nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	p.mu.Lock()
	p.conn = conn
	p.connected = true
	p.mu.Unlock()
	p.metrics.IncrementConnections()

	if err := p.writeJSON(Envelope{Type: TypeHello, Client: p.client}); err != nil {
		p.closeConnection()
		return fmt.Errorf("hello failed: %w", err)
	}

	slog.Info("gateway connected", slog.String("url", p.url))
	return nil
}

func (p *Publisher) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return p.threadSafeWrite(websocket.TextMessage, data)
}

// threadSafeWrite sends a message to the WebSocket connection in a thread-safe manner
func (p *Publisher) threadSafeWrite(messageType int, data []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	p.mu.RLock()
	conn := p.conn
	p.mu.RUnlock()

	if conn == nil {
		return ErrNotConnected
	}

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(messageType, data)
}

// Submit implements domain.FragmentSink. A dropped connection surfaces as a
// retriable SourceError; the publisher reconnects in the background.
func (p *Publisher) Submit(ctx context.Context, fragments []domain.Fragment) error {
	if len(fragments) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if !p.IsConnected() {
		return domain.NewSourceError("gateway.submit", ErrNotConnected)
	}
	if err := p.writeJSON(Envelope{Type: TypeFragments, Fragments: fragments}); err != nil {
		p.metrics.RecordError()
		return domain.NewSourceError("gateway.submit", err)
	}
	return nil
}

// readLoop reads fill reports until the connection drops.
func (p *Publisher) readLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		p.mu.RLock()
		conn := p.conn
		p.mu.RUnlock()

		if conn == nil {
			return
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))

		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("gateway read error", slog.Any("error", err))
			}
			p.closeConnection()
			return
		}

		if !p.handleMessage(ctx, message) {
			return
		}
	}
}

// handleMessage forwards a fill report. Fills move the ledger, so a full
// channel blocks the read loop rather than losing one. It reports false
// when ctx ended first.
func (p *Publisher) handleMessage(ctx context.Context, message []byte) bool {
	var env Envelope
	if err := json.Unmarshal(message, &env); err != nil {
		slog.Debug("gateway message parse error", slog.Any("error", err))
		return true
	}
	if env.Type != TypeFill || env.Fill == nil || p.fillChan == nil {
		return true
	}

	select {
	case p.fillChan <- *env.Fill:
		return true
	case <-ctx.Done():
		slog.Warn("gateway stopped with an undelivered fill",
			slog.String("fragment_id", env.Fill.FragmentID))
		return false
	}
}

// closeConnection safely closes the WebSocket connection
func (p *Publisher) closeConnection() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
		p.metrics.DecrementConnections()
	}
	p.connected = false
}

// Disconnect closes the WebSocket connection
func (p *Publisher) Disconnect() {
	if p.cancel != nil {
		p.cancel()
	}
	p.closeConnection()
	p.wg.Wait()
	slog.Info("gateway disconnected")
}

// IsConnected returns connection status
func (p *Publisher) IsConnected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connected
}

var _ domain.FragmentSink = (*Publisher)(nil)
