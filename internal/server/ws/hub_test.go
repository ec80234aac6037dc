package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/legsafe/internal/cache/local"
	"github.com/alanyoungcy/legsafe/internal/domain"
)

func TestHubRelaysBusMessages(t *testing.T) {
	bus := local.NewEventBus()
	hub := NewHub(bus, "paper", slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { _ = hub.Run(ctx); close(done) }()
	t.Cleanup(func() { cancel(); <-done })

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var hello Envelope
	if err := conn.ReadJSON(&hello); err != nil {
		t.Fatal(err)
	}
	if hello.Channel != "status" {
		t.Fatalf("first frame channel = %q", hello.Channel)
	}

	// Registered once the status frame arrives; the hub subscribed before that.
	if err := bus.Publish(ctx, domain.ChannelAlerts, []byte(`{"severity":"fatal","title":"x"}`)); err != nil {
		t.Fatal(err)
	}
	var env Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatal(err)
	}
	if env.Channel != domain.ChannelAlerts {
		t.Errorf("channel = %q", env.Channel)
	}
	var alert domain.Alert
	if err := json.Unmarshal(env.Data, &alert); err != nil || alert.Severity != domain.SeverityFatal {
		t.Errorf("alert = %+v, %v", alert, err)
	}
}
