package api

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

// sseHandler streams broadcaster events to the client as Server-Sent
// Events. A comment line confirms the connection immediately and
// heartbeat comments keep idle connections alive through proxies.
func (s *Server) sseHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("Access-Control-Allow-Origin", "*")

		client := s.broadcaster.Register()
		defer s.broadcaster.Unregister(client)

		fmt.Fprint(w, ": connected\n\n")
		flusher.Flush()

		heartbeat := time.NewTicker(s.heartbeat)
		defer heartbeat.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-heartbeat.C:
				fmt.Fprint(w, ": heartbeat\n\n")
				flusher.Flush()
			case ev, ok := <-client.Events():
				if !ok {
					// Dropped for falling behind.
					return
				}
				data, err := json.Marshal(ev)
				if err != nil {
					log.Printf("[api] marshalling event: %v", err)
					continue
				}
				fmt.Fprintf(w, "event: %s\n", ev.Type)
				fmt.Fprintf(w, "data: %s\n\n", data)
				flusher.Flush()
			}
		}
	}
}
