package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"skybackfill/internal/models"
)

// Serves a pre-recorded event log over a websocket at a bounded rate, so
// dashboards can be developed against realistic traffic without running a
// live backfill. Each connection replays the whole log from the start under
// its own session id.
func main() {
	file := flag.String("file", "", "event log to replay, one JSON event per line (required)")
	addr := flag.String("addr", ":8090", "listen address")
	eventsPerSec := flag.Float64("rate", 50, "replay rate in events per second")
	flag.Parse()

	if *file == "" {
		fmt.Fprintln(os.Stderr, "Usage: replay_events -file <events.jsonl> [-addr :8090] [-rate 50]")
		os.Exit(1)
	}

	events, err := loadEvents(*file)
	if err != nil {
		log.Fatalf("Failed to load event log: %v", err)
	}
	log.Printf("Loaded %d events from %s", len(events), *file)

	srv := &replayServer{events: events, rate: *eventsPerSec}
	http.HandleFunc("/ws", srv.handleWS)
	log.Printf("Replaying on ws://%s/ws at %.0f events/sec", *addr, *eventsPerSec)
	log.Fatal(http.ListenAndServe(*addr, nil))
}

func loadEvents(path string) ([]models.LogEvent, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var events []models.LogEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev models.LogEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil, fmt.Errorf("bad event on line %d: %w", lineNo, err)
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

type replayServer struct {
	events []models.LogEvent
	rate   float64
}

type replayFrame struct {
	Type    string           `json:"type"`
	Session string           `json:"session"`
	Seq     int              `json:"seq"`
	Payload *models.LogEvent `json:"payload,omitempty"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

func (s *replayServer) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	session := uuid.New().String()
	log.Printf("session %s: replaying %d events", session, len(s.events))

	limiter := rate.NewLimiter(rate.Limit(s.rate), 1)
	for i := range s.events {
		if err := limiter.Wait(r.Context()); err != nil {
			return
		}
		frame := replayFrame{Type: "replay.record", Session: session, Seq: i, Payload: &s.events[i]}
		if err := conn.WriteJSON(&frame); err != nil {
			log.Printf("session %s: client gone after %d events: %v", session, i, err)
			return
		}
	}

	done := replayFrame{Type: "replay.done", Session: session, Seq: len(s.events)}
	if err := conn.WriteJSON(&done); err != nil {
		return
	}
	log.Printf("session %s: replay complete", session)
}
