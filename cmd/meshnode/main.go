// Command meshnode starts one mesh node: it generates a fresh node
// identity, binds the relay and discovery sockets, wires the chat,
// torrent, and proxy modules, and runs until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/vesperio/onionmesh/internal/cryptobox"
	"github.com/vesperio/onionmesh/internal/discovery"
	"github.com/vesperio/onionmesh/internal/modules/chat"
	"github.com/vesperio/onionmesh/internal/modules/proxy"
	"github.com/vesperio/onionmesh/internal/modules/torrent"
	"github.com/vesperio/onionmesh/internal/node"
	"github.com/vesperio/onionmesh/internal/pinstore"
	"github.com/vesperio/onionmesh/internal/relay"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	pinFile := flag.String("pin-file", "pins.json", "path to the TOFU pin store JSON file")
	logPath := flag.String("log-file", "meshnode-debug.log", "path to the structured JSON log file")
	host := flag.String("host", "0.0.0.0", "address advertised in this node's descriptor")
	flag.Parse()

	logger, logFile := setupLogging(*logPath)
	defer func() { _ = logFile.Close() }()

	fmt.Printf("=== onionmesh node %s ===\n", Version)

	keys, err := cryptobox.Generate()
	if err != nil {
		fmt.Printf("generate identity: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("identity fingerprint: %s\n", cryptobox.Fingerprint(keys.PublicPEM))

	pins, err := pinstore.Open(*pinFile)
	if err != nil {
		fmt.Printf("open pin store: %v\n", err)
		os.Exit(1)
	}

	n := node.New(keys, pins, logger)

	relaySrv := relay.NewServer(n, logger)
	_, port, err := relaySrv.Listen()
	if err != nil {
		// No free port in the relay range: start-up aborts.
		fmt.Printf("bind relay listener: %v\n", err)
		os.Exit(1)
	}
	n.SetAddr(*host, port)
	fmt.Printf("relay listening on %s:%d\n", *host, port)

	chatModule := chat.New(n)
	torrentModule := torrent.New(n)
	proxyModule := proxy.New(n)
	n.RegisterModule(chat.Name, chatModule)
	n.RegisterModule(torrent.Name, torrentModule)
	n.RegisterModule(proxy.Name, proxyModule)

	disc, err := discovery.NewService(n, logger)
	if err != nil {
		fmt.Printf("bind discovery socket: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nshutting down...")
		cancel()
		_ = relaySrv.Close()
		_ = disc.Close()
	}()

	go disc.Run(ctx)

	fmt.Println("ready.")
	if err := relaySrv.Serve(); err != nil {
		logger.Info("relay server stopped", "err", err)
	}
}

func setupLogging(logPath string) (*slog.Logger, *os.File) {
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create log file: %v\n", err)
		os.Exit(1)
	}
	fileHandler := slog.NewJSONHandler(logFile, &slog.HandlerOptions{Level: slog.LevelDebug})
	stdoutHandler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	logger := slog.New(&multiHandler{handlers: []slog.Handler{fileHandler, stdoutHandler}})
	return logger, logFile
}

// multiHandler fans out slog records to multiple handlers.
type multiHandler struct {
	handlers []slog.Handler
}

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range m.handlers {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithAttrs(attrs)
	}
	return &multiHandler{handlers: hs}
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithGroup(name)
	}
	return &multiHandler{handlers: hs}
}
