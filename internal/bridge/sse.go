package bridge

import (
	"fmt"
	"net/http"
	"strings"
)

// SSEHandler returns an http.HandlerFunc that streams attribution events.
// Clients may restrict the stream with ?charts=id1,id2 and ?kinds=pass,catalog.
// Events without a chart (catalog reloads) pass the chart filter.
func SSEHandler(broker *Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}

		charts := parseFilter(r.URL.Query().Get("charts"))
		kinds := parseFilter(r.URL.Query().Get("kinds"))

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		flusher.Flush()

		id, ch := broker.Subscribe()
		defer broker.Unsubscribe(id)

		for {
			select {
			case <-r.Context().Done():
				return
			case evt, ok := <-ch:
				if !ok {
					return
				}
				if charts != nil && evt.Chart != "" && !charts[evt.Chart] {
					continue
				}
				if kinds != nil && !kinds[evt.Kind] {
					continue
				}
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Kind, evt.Payload)
				flusher.Flush()
			}
		}
	}
}

// parseFilter splits a comma list into a set; nil means no filter.
func parseFilter(q string) map[string]bool {
	if q == "" {
		return nil
	}
	set := make(map[string]bool)
	for _, f := range strings.Split(q, ",") {
		if f = strings.TrimSpace(f); f != "" {
			set[f] = true
		}
	}
	if len(set) == 0 {
		return nil
	}
	return set
}
