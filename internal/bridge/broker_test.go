package bridge

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestBrokerFanOut(t *testing.T) {
	b := NewBroker()
	id1, ch1 := b.Subscribe()
	_, ch2 := b.Subscribe()
	if b.ClientCount() != 2 {
		t.Fatalf("ClientCount() = %d; want 2", b.ClientCount())
	}

	b.Publish(Event{Chart: "a", Kind: KindPass, Payload: "{}"})
	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case evt := <-ch:
			if evt.Chart != "a" {
				t.Fatalf("subscriber %d got %+v", i, evt)
			}
		default:
			t.Fatalf("subscriber %d got nothing", i)
		}
	}

	b.Unsubscribe(id1)
	if _, ok := <-ch1; ok {
		t.Fatal("channel still open after Unsubscribe")
	}
	b.Unsubscribe(id1)
	if b.ClientCount() != 1 {
		t.Fatalf("ClientCount() = %d; want 1", b.ClientCount())
	}
}

func TestBrokerDropsForSlowSubscriber(t *testing.T) {
	b := NewBroker()
	b.Subscribe()
	for i := 0; i < subscriberBufSize+3; i++ {
		b.Publish(Event{Kind: KindPass})
	}
	if got := b.Dropped(); got != 3 {
		t.Fatalf("Dropped() = %d; want 3", got)
	}
}

func TestSSEHandlerFiltersCharts(t *testing.T) {
	broker := NewBroker()
	srv := httptest.NewServer(SSEHandler(broker))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"?charts=a", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET = %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	deadline := time.Now().Add(2 * time.Second)
	for broker.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	broker.Publish(Event{Chart: "b", Kind: KindPass, Payload: `{"chart":"b"}`})
	broker.Publish(Event{Chart: "a", Kind: KindPass, Payload: `{"chart":"a"}`})

	sc := bufio.NewScanner(resp.Body)
	var lines []string
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "data: ") {
			lines = append(lines, line)
			break
		}
	}
	if len(lines) != 1 || lines[0] != `data: {"chart":"a"}` {
		t.Fatalf("data lines = %v", lines)
	}
}

func TestParseFilter(t *testing.T) {
	if parseFilter("") != nil || parseFilter(" , ") != nil {
		t.Fatal("empty filter should be nil")
	}
	got := parseFilter("a, b,,c")
	if len(got) != 3 || !got["a"] || !got["b"] || !got["c"] {
		t.Fatalf("parseFilter = %v", got)
	}
}
