package api

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/gorilla/websocket"

	"skybackfill/internal/eventbus"
)

// hub fans pipeline events out to websocket clients. Slow clients are
// dropped rather than allowed to stall the broadcast loop.
type hub struct {
	clients    map[*wsClient]bool
	broadcast  chan []byte
	register   chan *wsClient
	unregister chan *wsClient
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

func newHub() *hub {
	return &hub{
		clients:    make(map[*wsClient]bool),
		broadcast:  make(chan []byte),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
	}
}

func (h *hub) run() {
	for {
		select {
		case client := <-h.register:
			h.clients[client] = true
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
		case message := <-h.broadcast:
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					close(client.send)
					delete(h.clients, client)
				}
			}
		}
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[api] websocket upgrade failed: %v", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 256),
	}
	s.hub.register <- client

	go func() {
		defer func() {
			s.hub.unregister <- client
			conn.Close()
		}()
		for {
			message, ok := <-client.send
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			wr, err := conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			wr.Write(message)
			wr.Close()
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

type broadcastMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// pumpEvents bridges the in-process event bus onto the websocket hub so
// dashboards can watch accounts move through the pipeline live.
func (s *Server) pumpEvents() {
	if s.bus == nil {
		return
	}

	ch := make(chan eventbus.Event, 256)
	for _, eventType := range []string{
		eventbus.TypeAccountFetched,
		eventbus.TypeAccountSkipped,
		eventbus.TypeAccountFailed,
		eventbus.TypeAccountDecoded,
		eventbus.TypeBatchRouted,
		eventbus.TypeWorkerExited,
		eventbus.TypeWorkerSpawned,
	} {
		s.bus.Subscribe(eventType, ch)
	}

	for ev := range ch {
		msg := broadcastMessage{
			Type: ev.Type,
			Payload: map[string]interface{}{
				"did":       ev.DID,
				"timestamp": ev.Timestamp,
				"data":      ev.Data,
			},
		}
		data, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		s.hub.broadcast <- data
	}
}
