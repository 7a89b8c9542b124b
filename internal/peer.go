package internal

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"hackchat/internal/registry"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMsgSize = 64 * 1024
	sendBuffer = 256
)

var (
	errPeerClosed   = errors.New("peer closed")
	errPeerBackedUp = errors.New("peer send buffer full")
)

// Peer wraps one live websocket and its buffered outbound queue. It is the
// registry.Handle the router and relay push to.
type Peer struct {
	kind   registry.Kind
	userID string
	conn   *websocket.Conn
	send   chan []byte
	mutex  sync.Mutex
	closed bool
	logger *zap.Logger
}

func newPeer(kind registry.Kind, userID string, conn *websocket.Conn, logger *zap.Logger) *Peer {
	return &Peer{
		kind:   kind,
		userID: userID,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		logger: logger.With(zap.String("kind", string(kind)), zap.String("user_id", userID)),
	}
}

// Send queues a frame without blocking. A closed peer or a full queue is an error.
func (p *Peer) Send(payload []byte) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.closed {
		return errPeerClosed
	}
	select {
	case p.send <- payload:
		return nil
	default:
		return errPeerBackedUp
	}
}

// Close stops the write pump, which sends a close frame and tears down the
// socket; the read pump then exits and runs its cleanup. Safe to call twice.
func (p *Peer) Close() {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if !p.closed {
		p.closed = true
		close(p.send)
	}
}

// readPump delivers each inbound text frame to onFrame until the socket
// fails, then runs onExit. onExit always runs.
func (p *Peer) readPump(onFrame func([]byte), onExit func()) {
	defer func() {
		onExit()
		_ = p.conn.Close()
	}()
	p.conn.SetReadLimit(maxMsgSize)
	_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		messageType, payload, err := p.conn.ReadMessage()
		if err != nil {
			p.logReadError(err)
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		p.handleFrame(onFrame, payload)
	}
}

// handleFrame isolates a panicking frame handler to this connection.
func (p *Peer) handleFrame(onFrame func([]byte), payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("frame handler panicked", zap.Any("panic", r))
		}
	}()
	onFrame(payload)
}

func (p *Peer) logReadError(err error) {
	switch {
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		p.logger.Debug("peer disconnected")
	case errors.Is(err, io.EOF), errors.Is(err, websocket.ErrCloseSent):
		p.logger.Debug("peer connection closed")
	case errors.Is(err, websocket.ErrReadLimit):
		p.logger.Warn("frame exceeded read limit", zap.Int("limit", maxMsgSize))
	default:
		p.logger.Debug("peer read failed", zap.Error(err))
	}
}

func (p *Peer) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = p.conn.Close()
	}()
	for {
		select {
		case message, ok := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = p.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := p.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				p.logger.Debug("peer write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
