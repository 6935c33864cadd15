package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

// WSSink adapts a single websocket connection into a Bus subscriber. It is
// the concrete sink used by the dashboard-facing side of subscribe() (spec
// §6 Domain Stack).
type WSSink struct {
	conn   *websocket.Conn
	userID string
	subID  string
	bus    *Bus

	writeTimeout time.Duration
}

// UpgradeWSSink upgrades an HTTP request to a websocket connection,
// registers it with bus under (userID, subscriberID), and starts its read
// pump (which feeds inbound frames back into bus.NotePong). The read pump
// unsubscribes the sink and closes the connection when the peer disconnects;
// Close does the same on demand.
func UpgradeWSSink(w http.ResponseWriter, r *http.Request, bus *Bus, userID, subscriberID string) (*WSSink, error) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return nil, err
	}

	sink := &WSSink{
		conn:         conn,
		userID:       userID,
		subID:        subscriberID,
		bus:          bus,
		writeTimeout: 10 * time.Second,
	}

	bus.Subscribe(userID, subscriberID, sink.handle)
	go sink.readPump()

	return sink, nil
}

// handle is the EventHandler registered with the Bus; it serializes event
// as JSON and writes it to the socket. A pong event is not written as a JSON
// frame: it sends a websocket control ping and waits for the peer's pong.
func (s *WSSink) handle(event Event) {
	ctx, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
	defer cancel()

	if event.Name == EventPong {
		if err := s.conn.Ping(ctx); err != nil {
			slog.Warn("event bus ws ping failed", "user", s.userID, "subscriber", s.subID, "error", err)
			panic(err) // recovered by Bus.deliver, which drops this sink
		}
		// conn.Ping blocks until the peer's pong control frame arrives (or
		// ctx expires), so a nil error here already is the round-trip — the
		// missed-pong counter that would otherwise drop this sink after two
		// ticks resets right back to zero.
		s.bus.NotePong(s.userID, s.subID)
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		slog.Error("event bus failed to marshal event", "error", err)
		return
	}

	if err := s.conn.Write(ctx, websocket.MessageText, payload); err != nil {
		panic(err) // recovered by Bus.deliver, which drops this sink
	}
}

// readPump drains inbound frames. The dashboard client never sends
// meaningful payloads; this loop exists to detect disconnects and to let
// coder/websocket's Ping/pong bookkeeping observe liveness.
func (s *WSSink) readPump() {
	defer func() {
		s.bus.Unsubscribe(s.userID, s.subID)
		s.conn.Close(websocket.StatusNormalClosure, "")
	}()

	ctx := context.Background()
	for {
		_, _, err := s.conn.Read(ctx)
		if err != nil {
			return
		}
		s.bus.NotePong(s.userID, s.subID)
	}
}

// Close closes the underlying connection and unsubscribes the sink.
func (s *WSSink) Close() error {
	s.bus.Unsubscribe(s.userID, s.subID)
	return s.conn.Close(websocket.StatusNormalClosure, "closing")
}
