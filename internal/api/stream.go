package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"sightline/pkg/engine"
	"sightline/pkg/geo"
	"sightline/pkg/grid"
	"sightline/pkg/raster"
	"sightline/pkg/terrain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8 << 20
	sendBuffer     = 64
)

// clientMessage is sent by the browser. The first one must be "start";
// afterwards "cancel", "pause" and "resume" steer the running scan.
type clientMessage struct {
	Type string       `json:"type"`
	Scan *scanRequest `json:"scan,omitempty"`
}

type rasterFrame struct {
	Image   string        `json:"image"`
	Width   int           `json:"width"`
	Height  int           `json:"height"`
	Bounds  geo.Bounds    `json:"bounds"`
	Corners [4][2]float64 `json:"corners"`
	Painted int64         `json:"painted"`
}

type streamMessage struct {
	Type      string           `json:"type"`
	ID        string           `json:"id,omitempty"`
	Progress  *engine.Progress `json:"progress,omitempty"`
	Raster    *rasterFrame     `json:"raster,omitempty"`
	Stats     *engine.Stats    `json:"stats,omitempty"`
	Message   string           `json:"message,omitempty"`
	Cancelled bool             `json:"cancelled,omitempty"`
	Elapsed   float64          `json:"elapsedSeconds,omitempty"`
}

// streamConn owns the write side of a socket. Only writePump writes.
type streamConn struct {
	conn *websocket.Conn
	send chan streamMessage
	quit chan struct{}
	done chan struct{}
}

func newStreamConn(conn *websocket.Conn) *streamConn {
	return &streamConn{
		conn: conn,
		send: make(chan streamMessage, sendBuffer),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// post queues m, waiting for room. It gives up once the writer has stopped.
func (c *streamConn) post(m streamMessage) bool {
	select {
	case c.send <- m:
		return true
	case <-c.done:
		return false
	}
}

// offer queues m unless the buffer is full. Progress is sent this way since a
// newer report always follows.
func (c *streamConn) offer(m streamMessage) {
	select {
	case c.send <- m:
	default:
	}
}

// close asks the writer to drain the queue and say goodbye.
func (c *streamConn) close() {
	close(c.quit)
}

func (c *streamConn) write(m streamMessage) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return false
	}
	if err := c.conn.WriteJSON(m); err != nil {
		slog.Debug("Stream write failed", "error", err)
		return false
	}
	return true
}

func (c *streamConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		close(c.done)
		_ = c.conn.Close()
	}()

	for {
		select {
		case m := <-c.send:
			if !c.write(m) {
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.quit:
			for {
				select {
				case m := <-c.send:
					if !c.write(m) {
						return
					}
				default:
					_ = c.conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
						time.Now().Add(writeWait))
					return
				}
			}
		}
	}
}

// HandleStream handles GET /api/scan/stream. Progress, warnings and raster
// frames are pushed while the scan runs; the socket closes after "complete"
// or "error".
func (h *ScanHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("Websocket upgrade failed", "error", err)
		return
	}
	sc := newStreamConn(conn)
	go sc.writePump()
	defer sc.close()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	var first clientMessage
	if err := conn.ReadJSON(&first); err != nil {
		slog.Debug("Stream closed before start", "error", err)
		return
	}
	if first.Type != "start" || first.Scan == nil {
		sc.post(streamMessage{Type: "error", Message: `first message must be {"type":"start","scan":{...}}`})
		return
	}
	tc, err := first.Scan.task()
	if err == nil {
		err = grid.Validate(tc.Source)
	}
	if err != nil {
		sc.post(streamMessage{Type: "error", Message: err.Error()})
		return
	}
	if h.scanner.Busy() {
		sc.post(streamMessage{Type: "error", Message: engine.ErrBusy.Error()})
		return
	}

	s, err := h.begin()
	if err != nil {
		sc.post(streamMessage{Type: "error", Message: err.Error()})
		return
	}
	defer h.end(s)
	sc.post(streamMessage{Type: "started", ID: s.id})
	go h.readControl(conn, s, sc)

	h.runStream(r.Context(), tc, s, sc)
}

// readControl applies client messages until the socket fails. A lost client
// cancels its scan.
func (h *ScanHandler) readControl(conn *websocket.Conn, s *activeScan, sc *streamConn) {
	for {
		var msg clientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("Unexpected stream close", "id", s.id, "error", err)
			}
			s.ctl.Cancel()
			return
		}
		switch msg.Type {
		case "cancel":
			s.ctl.Cancel()
			sc.offer(streamMessage{Type: "cancelling", ID: s.id})
		case "pause":
			s.ctl.Pause()
			sc.offer(streamMessage{Type: "paused", ID: s.id})
		case "resume":
			s.ctl.Resume()
			sc.offer(streamMessage{Type: "resumed", ID: s.id})
		default:
			sc.offer(streamMessage{Type: "error", ID: s.id, Message: "unknown message type " + msg.Type})
		}
	}
}

func (h *ScanHandler) runStream(ctx context.Context, tc engine.TaskConfig, s *activeScan, sc *streamConn) {
	var (
		rend    *raster.Renderer
		fl      *raster.Flusher
		painted int
	)
	if latStep, lonStep := grid.Steps(tc.Source); latStep > 0 && lonStep > 0 {
		var err error
		rend, err = raster.NewRenderer(grid.ComputeBounds(tc.Source), latStep, lonStep, h.raster.MaxDimension)
		if err != nil {
			slog.Warn("Streaming raster disabled", "id", s.id, "error", err)
			rend = nil
		}
	}
	frame := func() {
		res, err := rend.Snapshot()
		if err != nil {
			slog.Warn("Snapshot failed", "id", s.id, "error", err)
			return
		}
		sc.post(streamMessage{Type: "raster", ID: s.id, Raster: &rasterFrame{
			Image:   res.DataURL(),
			Width:   res.Width,
			Height:  res.Height,
			Bounds:  res.Bounds,
			Corners: res.Corners,
			Painted: res.Painted,
		}})
	}
	if rend != nil {
		fl = raster.NewFlusher(h.raster.FlushInterval.Std(), h.raster.FlushDirty, frame)
		defer fl.Stop()
	}

	cb := engine.Callbacks{
		OnProgress: func(p engine.Progress) {
			sc.offer(streamMessage{Type: "progress", ID: s.id, Progress: &p})
		},
		OnWarning: func(msg string) {
			sc.post(streamMessage{Type: "warning", ID: s.id, Message: msg})
		},
		OnPartial: func(cells []terrain.Cell) {
			painted += len(cells)
			if rend != nil {
				fl.MarkDirty(rend.Paint(cells))
			}
		},
	}

	cells, err := h.scanner.Calculate(ctx, tc, cb, s.ctl)
	if err != nil {
		sc.post(streamMessage{Type: "error", ID: s.id, Message: err.Error()})
		return
	}

	if rend != nil {
		fl.Stop()
		if painted < len(cells) {
			rend.Paint(cells[painted:])
		}
		frame()
	}
	stats := engine.Summarize(cells)
	sc.post(streamMessage{
		Type:      "complete",
		ID:        s.id,
		Stats:     &stats,
		Cancelled: s.ctl.Cancelled(),
		Elapsed:   time.Since(s.started).Seconds(),
	})
	slog.Info("Streamed scan finished", "id", s.id, "cells", len(cells), "cancelled", s.ctl.Cancelled())
}
