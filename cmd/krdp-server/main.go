// krdp-server — RDP graphics-pipeline video transport.
//
// The server accepts graphics-channel connections, negotiates an AVC codec
// with each client, and streams H.264 frames produced by an external capture
// pipeline. Encoded packets and damage metadata arrive over per-session Unix
// sockets; everything below the graphics channel (TLS, licensing, input) is
// out of scope for this binary.
//
// It is configured via CLI flags, optionally layered over a YAML file
// (-config).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/pterm/pterm"

	"github.com/westers/krdp/internal/config"
	"github.com/westers/krdp/internal/egfx"
	"github.com/westers/krdp/internal/geometry"
	"github.com/westers/krdp/internal/session"
	"github.com/westers/krdp/internal/util"
)

var version = "dev"

func main() {
	// Root context — cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// CLI flags.
	configPath := flag.String("config", "", "Path to a YAML configuration file")
	listenFlag := flag.String("listen", "", "TCP listen address for the graphics channel")
	wsListenFlag := flag.String("wsListen", "", "WebSocket gateway listen address (empty: disabled)")
	packetSocketFlag := flag.String("packetSocket", "", "Unix socket for encoded packets from the capture pipeline")
	metadataSocketFlag := flag.String("metadataSocket", "", "Unix socket for damage metadata (empty: full-frame updates only)")
	codecFlag := flag.String("codec", "", "Preferred codec: avc420, avc444 or avc444v2")
	sizeFlag := flag.String("size", "", "Initial output size, WIDTHxHEIGHT")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debugMode {
		util.EnableDebug()
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	// Flags win over the file.
	applyFlag(&cfg.ListenAddr, *listenFlag)
	applyFlag(&cfg.WSListenAddr, *wsListenFlag)
	applyFlag(&cfg.PacketSocket, *packetSocketFlag)
	applyFlag(&cfg.MetadataSocket, *metadataSocketFlag)
	applyFlag(&cfg.Codec, *codecFlag)
	cfg.Debug = cfg.Debug || *debugMode
	if cfg.Debug {
		util.EnableDebug()
	}
	if *sizeFlag != "" {
		if _, err := fmt.Sscanf(*sizeFlag, "%dx%d", &cfg.Width, &cfg.Height); err != nil {
			util.LogError("invalid -size %q (want WIDTHxHEIGHT)", *sizeFlag)
			os.Exit(1)
		}
	}
	if err := cfg.Validate(); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	codec, err := egfx.ParseCodec(cfg.Codec)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	pterm.Info.Println(fmt.Sprintf("KRDP Server — v%s", version))
	pterm.Println()

	server := session.NewServer(cfg.ListenAddr, cfg.WSListenAddr, session.Options{
		PreferredCodec: codec,
		InitialSize:    geometry.Size{Width: cfg.Width, Height: cfg.Height},
		PacketSocket:   cfg.PacketSocket,
		MetadataSocket: cfg.MetadataSocket,
	})

	util.StartStatsReporter(ctx)

	if err := server.Run(ctx); err != nil {
		util.LogError("server failed: %v", err)
		os.Exit(1)
	}

	util.LogInfo("server stopped")
}

// applyFlag overrides dst when the flag was set.
func applyFlag(dst *string, value string) {
	if value != "" {
		*dst = value
	}
}
