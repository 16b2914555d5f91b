package api

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const viewerWriteWait = time.Second

// wsViewer streams a session's RTP packets to one websocket client, one
// binary message per packet.
type wsViewer struct {
	conn  *websocket.Conn
	queue *frameQueue

	once        sync.Once
	closeReason string
	closeCode   int
	mu          sync.Mutex
}

func newWSViewer(conn *websocket.Conn, queueBytes int) *wsViewer {
	return &wsViewer{
		conn:      conn,
		queue:     newFrameQueue(queueBytes),
		closeCode: websocket.CloseNormalClosure,
	}
}

// Send is called on the loop goroutine.
func (v *wsViewer) Send(pkt []byte) bool {
	return v.queue.Push(pkt)
}

// Invalidate is called on the loop goroutine when the session goes away.
func (v *wsViewer) Invalidate() {
	v.mu.Lock()
	v.closeCode = websocket.CloseGoingAway
	v.closeReason = "session destroyed"
	v.mu.Unlock()
	v.queue.Close()
}

// writeLoop owns all writes to conn. It returns once the queue is closed or
// a write fails, after sending a close frame.
func (v *wsViewer) writeLoop() {
	for {
		frame, ok := v.queue.Pop()
		if !ok {
			break
		}
		_ = v.conn.SetWriteDeadline(time.Now().Add(viewerWriteWait))
		if err := v.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			v.queue.Close()
			break
		}
	}
	v.mu.Lock()
	code, reason := v.closeCode, v.closeReason
	v.mu.Unlock()
	v.close(code, reason)
}

// readLoop discards client messages and returns when the client goes away.
func (v *wsViewer) readLoop() {
	v.conn.SetReadLimit(4096)
	for {
		if _, _, err := v.conn.ReadMessage(); err != nil {
			v.queue.Close()
			return
		}
	}
}

func (v *wsViewer) close(code int, reason string) {
	v.once.Do(func() {
		_ = v.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(viewerWriteWait))
		_ = v.conn.Close()
	})
}
