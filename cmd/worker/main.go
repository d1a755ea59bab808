package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/gorilla/websocket"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"browsermcp-runtime/internal/channel/wsnet"
	"browsermcp-runtime/internal/config"
	"browsermcp-runtime/internal/correlation"
	"browsermcp-runtime/internal/link"
	"browsermcp-runtime/internal/recorder"
	"browsermcp-runtime/internal/tabmanager"
	"browsermcp-runtime/internal/worker"
)

func main() {
	configPath := flag.String("config", "", "Path to the worker config file (overrides workspace config)")
	noWorkspace := flag.Bool("no-workspace", false, "Disable .browsermcp/ workspace discovery")
	workspaceDir := flag.String("workspace-dir", "", "Explicit workspace root (skip walk-up discovery)")
	initWorkspace := flag.Bool("init-workspace", false, "Create .browsermcp/ template in current directory and exit")
	proxyURL := flag.String("proxy-url", "", "Override link.proxy_url from config")
	listenAddr := flag.String("listen-addr", "", "Override worker.listen_addr from config")
	flag.Parse()

	if *initWorkspace {
		root := "."
		if *workspaceDir != "" {
			root = *workspaceDir
		}
		if err := config.InitWorkspace(root); err != nil {
			log.Fatalf("failed to initialize workspace: %v", err)
		}
		log.Printf("created .browsermcp/ workspace in %s", root)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := config.WorkspaceOptions{Disable: *noWorkspace, ExplicitDir: *workspaceDir}
	cfg, wsDir, err := config.LoadWithWorkspace(*configPath, opts)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if wsDir != "" {
		log.Printf("using workspace config from %s", wsDir)
	}
	if *proxyURL != "" {
		cfg.Link.ProxyURL = *proxyURL
	}
	if *listenAddr != "" {
		cfg.Worker.ListenAddr = *listenAddr
	}

	if cfg.Server.LogFile != "" {
		logFile, err := os.OpenFile(cfg.Server.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err == nil {
			log.SetOutput(logFile)
			defer logFile.Close()
		} else {
			log.SetOutput(io.Discard)
		}
	}

	rec, err := recorder.NewRecorder(recorder.TraceDir)
	if err != nil {
		log.Fatalf("failed to initialize trace recorder: %v", err)
	}
	sessionID := cfg.Server.Name
	if err := rec.Start(sessionID); err != nil {
		log.Printf("trace recorder disabled: %v", err)
	}
	defer rec.Close()

	tm := tabmanager.New()
	mcpSrv := mcpserver.NewMCPServer(
		cfg.Server.Name,
		cfg.Server.Version,
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithLogging(),
		mcpserver.WithRecovery(),
	)

	bridge := &stdioLifecycle{}

	var connected atomic.Bool
	var lnk *link.Link
	controller := worker.New(mcpSrv, tm, worker.Options{
		ToolCallTimeout: cfg.Worker.ToolCallTimeoutDuration(),
		Logger:          log.Default(),
		Recorder:        rec,
		IsLinkConnected: connected.Load,
		OnAuthToken: func(token string) {
			if lnk != nil {
				lnk.SetAuthToken(token)
			}
		},
	})

	lnk = link.New(link.Config{
		ProxyURL:           cfg.Link.ProxyURL,
		RequireAuth:        cfg.Link.RequireAuth,
		InitialBackoff:     cfg.Link.InitialBackoffDuration(),
		MaxBackoff:         cfg.Link.MaxBackoffDuration(),
		PingInterval:       cfg.Link.PingIntervalDuration(),
		TokenRestartSettle: cfg.Link.TokenRestartSettleDuration(),
	},
		// Link status feeds the connection flag and the controller's
		// readiness gate only; it is not forwarded to tab ports, so tabs
		// see just the CONNECTION_STATUS sent when they connect.
		func(isConnected bool) {
			connected.Store(isConnected)
			controller.SetReady(isConnected)
		},
		func(conn *websocket.Conn) { bridge.start(ctx, mcpSrv, conn) },
		func() { bridge.stop() },
		log.Default(),
	)
	lnk.Run(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/tab", func(w http.ResponseWriter, r *http.Request) {
		if keys := correlationKeysFromRequest(r); len(keys) > 0 {
			log.Printf("worker: tab connection carries correlation keys: %v", keys)
		}
		ep, err := wsnet.Upgrade(w, r)
		if err != nil {
			log.Printf("worker: tab upgrade failed: %v", err)
			return
		}
		controller.HandleTabConnection(ep)
	})
	httpSrv := &http.Server{Addr: cfg.Worker.ListenAddr, Handler: mux}
	go func() {
		log.Printf("worker: tab listener on %s", cfg.Worker.ListenAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("worker: tab listener exited: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("worker: shutting down")
	_ = httpSrv.Close()
	lnk.Stop()
	bridge.stop()
}

// stdioLifecycle owns the goroutine that pumps one link connection through
// an MCP stdio server, started on link open and torn down on link close,
// the same way the teacher's Server.Start pumps os.Stdin/os.Stdout.
type stdioLifecycle struct {
	mu     sync.Mutex
	cancel context.CancelFunc
}

func (b *stdioLifecycle) start(parent context.Context, mcpSrv *mcpserver.MCPServer, conn *websocket.Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ctx, cancel := context.WithCancel(parent)
	b.cancel = cancel

	bridge := worker.NewStdioBridge(conn)
	go func() {
		stdio := mcpserver.NewStdioServer(mcpSrv)
		if err := stdio.Listen(ctx, bridge, bridge); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("worker: stdio bridge exited: %v", err)
		}
	}()
}

func (b *stdioLifecycle) stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		b.cancel()
		b.cancel = nil
	}
}

// correlationHeaders lists the request-metadata headers a tab's upgrade
// request may carry, enriching the worker's connection log the same way
// the teacher's server-side HTTP handlers tag log lines with trace ids.
var correlationHeaders = []string{
	"X-Request-Id", "X-Correlation-Id", "X-Trace-Id", "Traceparent", "X-Cloud-Trace-Context", "B3",
}

func correlationKeysFromRequest(r *http.Request) []correlation.Key {
	var keys []correlation.Key
	for _, name := range correlationHeaders {
		if value := r.Header.Get(name); value != "" {
			keys = append(keys, correlation.FromHeader(name, value)...)
		}
	}
	return keys
}
