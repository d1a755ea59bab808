// Command tabdemo simulates one browser tab connecting to a running
// worker process and registering a single sample tool, exercising the
// tab adapter (C4) the way a real content script would after the
// worker's shared/service worker boots.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"browsermcp-runtime/internal/channel"
	"browsermcp-runtime/internal/channel/wsnet"
	"browsermcp-runtime/internal/mirror"
	"browsermcp-runtime/internal/registry"
	"browsermcp-runtime/internal/tab"
)

func main() {
	workerURL := flag.String("worker-url", "ws://127.0.0.1:8765/tab", "Worker tab-listener URL")
	tabURL := flag.String("url", "https://example.com/", "URL the simulated tab reports")
	title := flag.String("title", "Example Tab", "Title the simulated tab reports")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := tab.NewFileIDStore("browsermcp-runtime", "tabdemo")
	tabID := tab.ResolveID(store)

	reg := registry.New(log.Default())
	mir := mirror.New(mirror.NoopSurface{}, false, log.Default())
	adapter := tab.New(tabID, reg, mir, log.Default())

	factories := tab.TransportFactories{
		Service: func(ctx context.Context) (channel.Channel, error) {
			return wsnet.Dial(ctx, *workerURL, http.Header{})
		},
	}

	initErr := adapter.Init(ctx, factories, tab.InitOptions{
		URL:              *tabURL,
		Title:            *title,
		HandshakeTimeout: tab.DefaultHandshakeTimeout,
		AckTimeout:       tab.DefaultAckTimeout,
	})
	if initErr != nil {
		log.Fatalf("tabdemo: init failed: %v", initErr)
	}
	log.Printf("tabdemo: connected as tab %s", tabID)

	getTime := registry.Definition{
		Name:        "get_time",
		Description: "Returns the current time as seen by this browser tab.",
		InputSchema: map[string]interface{}{"type": "object", "properties": map[string]interface{}{}},
	}
	_, err := adapter.RegisterTool(ctx, getTime, func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		return time.Now().Format(time.RFC3339), nil
	})
	if err != nil {
		log.Fatalf("tabdemo: register get_time failed: %v", err)
	}
	log.Printf("tabdemo: registered get_time")

	unsub := adapter.OnConnectionStatus(func(connected bool) {
		log.Printf("tabdemo: connection status changed: connected=%v", connected)
	})
	defer unsub()

	<-ctx.Done()
	log.Printf("tabdemo: shutting down")
	adapter.Unload(context.Background())
}
