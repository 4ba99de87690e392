package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"stablelend/events"
)

const (
	wsWriteTimeout  = 10 * time.Second
	wsStreamBuffer  = 256
	journalPageSize = 256
)

// streamEvent is the wire form of one pool event. Journal records carry
// their sequence and append timestamp; live events omit both.
type streamEvent struct {
	Sequence   uint64            `json:"sequence,omitempty"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	Timestamp  int64             `json:"ts,omitempty"`
}

// handleEventsWS upgrades the connection and streams committed pool events.
// A cursor query parameter replays journal records with sequence >= cursor
// before the live feed begins. The subscription is taken out before the
// backlog read, so a client may see an event twice across the seam but never
// misses one.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if s == nil || s.bus == nil {
		http.Error(w, "event stream unavailable", http.StatusServiceUnavailable)
		return
	}
	fromSeq, replay, err := parseCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	live, cancel := s.bus.Subscribe(wsStreamBuffer)
	defer cancel()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	// The feed is write-only; CloseRead surfaces the peer closing while
	// discarding anything it sends.
	ctx := conn.CloseRead(r.Context())

	if err := s.streamEvents(ctx, conn, live, fromSeq, replay); err != nil {
		if status := websocket.CloseStatus(err); status == -1 && ctx.Err() == nil {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) streamEvents(ctx context.Context, conn *websocket.Conn, live <-chan *events.Event, fromSeq uint64, replay bool) error {
	if replay && s.journal != nil {
		next := fromSeq
		for {
			records, err := s.journal.Records(next, journalPageSize)
			if err != nil {
				return err
			}
			for _, rec := range records {
				evt := streamEvent{
					Sequence:   rec.Sequence,
					Type:       rec.Type,
					Attributes: rec.Attributes,
					Timestamp:  rec.Timestamp,
				}
				if err := writeStreamEvent(ctx, conn, evt); err != nil {
					return err
				}
				next = rec.Sequence + 1
			}
			if len(records) < journalPageSize {
				break
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-live:
			if !ok {
				return nil
			}
			if evt == nil {
				continue
			}
			payload := streamEvent{Type: evt.Type, Attributes: evt.Attributes}
			if err := writeStreamEvent(ctx, conn, payload); err != nil {
				return err
			}
		}
	}
}

func writeStreamEvent(ctx context.Context, conn *websocket.Conn, evt streamEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

// parseCursor decodes the optional replay cursor. An absent cursor means
// live events only.
func parseCursor(raw string) (uint64, bool, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, false, nil
	}
	seq, err := strconv.ParseUint(trimmed, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("invalid cursor %q", raw)
	}
	return seq, true, nil
}
