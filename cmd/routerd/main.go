package main

import (
	"context"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/route-beacon/routerd/internal/config"
	"github.com/route-beacon/routerd/internal/feed"
	"github.com/route-beacon/routerd/internal/fsm"
	routerdhttp "github.com/route-beacon/routerd/internal/http"
	"github.com/route-beacon/routerd/internal/metrics"
	"github.com/route-beacon/routerd/internal/mfea"
	"github.com/route-beacon/routerd/internal/nexthop"
	"github.com/route-beacon/routerd/internal/peer"
	"github.com/route-beacon/routerd/internal/rib"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe()
	case "--help", "-h", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: routerd <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve         Start the routing daemon")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --config <path>   Path to configuration YAML file")
	fmt.Println("  --log-level <lvl> Override log level (debug, info, warn, error)")
}

func parseFlags(args []string) (configPath string, logLevel string) {
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			if i+1 < len(args) {
				configPath = args[i+1]
				i++
			}
		case "--log-level":
			if i+1 < len(args) {
				logLevel = args[i+1]
				i++
			}
		}
	}
	return
}

func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zap.DebugLevel
	case "warn":
		zapLevel = zap.WarnLevel
	case "error":
		zapLevel = zap.ErrorLevel
	default:
		zapLevel = zap.InfoLevel
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(zapLevel)
	zapCfg.EncoderConfig.TimeKey = "ts"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zapCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

func runServe() {
	configPath, logLevelOverride := parseFlags(os.Args[2:])

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if logLevelOverride != "" {
		cfg.Service.LogLevel = logLevelOverride
	}
	logger := initLogger(cfg.Service.LogLevel)
	defer logger.Sync()

	metrics.Register()

	routerID := netip.MustParseAddr(cfg.BGP.RouterID)

	// Next-hop resolver, seeded from configuration.
	resolver := nexthop.NewResolver(logger)

	plumbCfg := rib.PlumbingConfig{
		LocalAS:    cfg.BGP.LocalAS,
		LocalBGPID: routerID,
		Decision: rib.DecisionConfig{
			DefaultLocalPref: cfg.BGP.DefaultLocalPref,
			AlwaysCompareMED: cfg.BGP.AlwaysCompareMED,
		},
		Damping: rib.DampingConfig{
			Enabled:     cfg.BGP.Damping.Enabled,
			HalfLife:    cfg.BGP.Damping.HalfLifeMinutes,
			MaxHoldDown: cfg.BGP.Damping.MaxHoldDownMinutes,
			Reuse:       cfg.BGP.Damping.Reuse,
			Cutoff:      cfg.BGP.Damping.Cutoff,
		},
	}
	for _, a := range cfg.BGP.Aggregates {
		plumbCfg.Aggregates = append(plumbCfg.Aggregates, rib.AggregateConfig{
			Prefix:      netip.MustParsePrefix(a.Prefix),
			SummaryOnly: a.SummaryOnly,
		})
	}
	cfgV4 := plumbCfg
	cfgV4.Name = "ipv4"
	cfgV6 := plumbCfg
	cfgV6.Name = "ipv6"
	plumbV4 := rib.NewPlumbing(cfgV4, resolver, logger)
	plumbV6 := rib.NewPlumbing(cfgV6, resolver, logger)

	for nh, res := range cfg.NextHops {
		resolver.SetResolution(netip.MustParseAddr(nh), nexthop.Resolution{
			Resolvable: res.Resolvable,
			Metric:     res.Metric,
		})
	}

	// Outbound route feed.
	var publisher *feed.Publisher
	if cfg.Feed.Enabled {
		tlsCfg, err := cfg.Feed.BuildTLSConfig()
		if err != nil {
			logger.Fatal("feed TLS config", zap.Error(err))
		}
		publisher, err = feed.NewPublisher(feed.Options{
			Brokers:  cfg.Feed.Brokers,
			ClientID: cfg.Feed.ClientID,
			Topic:    cfg.Feed.Topic,
			TLS:      tlsCfg,
			SASL:     cfg.Feed.BuildSASLMechanism(),
			Compress: cfg.Feed.Compress,
		}, logger)
		if err != nil {
			logger.Fatal("feed publisher", zap.Error(err))
		}
		defer publisher.Close()
	}

	// BGP peerings.
	server := peer.NewServer(routerID, plumbV4, plumbV6, logger)
	for name, pc := range cfg.BGP.Peers {
		fsmCfg := fsm.DefaultConfig()
		fsmCfg.LocalAS = cfg.BGP.LocalAS
		fsmCfg.LocalBGPID = routerID
		fsmCfg.PeerAS = pc.AS
		if pc.HoldTimeSeconds > 0 {
			fsmCfg.HoldTime = time.Duration(pc.HoldTimeSeconds) * time.Second
		}
		if pc.ConnectRetrySeconds > 0 {
			fsmCfg.ConnectRetry = time.Duration(pc.ConnectRetrySeconds) * time.Second
		}
		if pc.DelayOpenSeconds > 0 {
			fsmCfg.DelayOpen = time.Duration(pc.DelayOpenSeconds) * time.Second
		}
		if pc.IdleHoldSeconds > 0 {
			fsmCfg.IdleHold = time.Duration(pc.IdleHoldSeconds) * time.Second
		}
		fsmCfg.PrefixLimit = pc.PrefixLimit

		hCfg := peer.Config{
			Name:        name,
			LocalAS:     cfg.BGP.LocalAS,
			LocalBGPID:  routerID,
			PeerAS:      pc.AS,
			PeerAddr:    netip.MustParseAddr(pc.Address),
			MD5Password: pc.MD5Password,
			FSM:         fsmCfg,
			EnableIPv6:  pc.EnableIPv6,
		}
		if pc.LocalAddress != "" {
			hCfg.LocalAddr = netip.MustParseAddr(pc.LocalAddress)
		}
		var sink peer.Sink
		if publisher != nil {
			sink = publisher
		}
		server.AddPeer(hCfg, sink)
	}
	if cfg.BGP.Listen {
		if err := server.Listen(""); err != nil {
			logger.Error("BGP listener failed, continuing active-only", zap.Error(err))
		}
	}

	// Damping clock.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				plumbV4.Tick()
				plumbV6.Tick()
			}
		}
	}()

	// MFEA.
	var mfeaNodes []*mfea.MfeaNode
	if cfg.MFEA.Enabled {
		families := []int{4}
		if cfg.MFEA.EnableIPv6 {
			families = append(families, 6)
		}
		for _, family := range families {
			node := mfea.NewMfeaNode(mfea.NodeConfig{
				Family:       family,
				TableID:      cfg.MFEA.TableID,
				PollInterval: time.Duration(cfg.MFEA.PollIntervalMs) * time.Millisecond,
			}, mfea.NewLinuxPort(family), logger)
			node.Enable()
			if err := node.Start(); err != nil {
				logger.Error("mfea start failed", zap.Int("family", family), zap.Error(err))
				continue
			}
			mfeaNodes = append(mfeaNodes, node)
			go runMfeaUpcalls(ctx, node, logger)
			go runMfeaPoll(ctx, node, time.Duration(cfg.MFEA.PollIntervalMs)*time.Millisecond)
		}
	}

	// Ops endpoints.
	httpServer := routerdhttp.NewServer(cfg.Service.HTTPListen, server, logger)
	if err := httpServer.Start(); err != nil {
		logger.Fatal("HTTP server", zap.Error(err))
	}

	logger.Info("routerd started",
		zap.String("instance", cfg.Service.InstanceID),
		zap.Uint32("local-as", cfg.BGP.LocalAS),
		zap.Int("peers", len(cfg.BGP.Peers)),
		zap.Bool("mfea", cfg.MFEA.Enabled))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutting down")

	cancel()
	server.Close()
	for _, node := range mfeaNodes {
		if err := node.Stop(); err != nil {
			logger.Warn("mfea stop failed", zap.Error(err))
		}
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.Service.ShutdownTimeoutSeconds)*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)
}

func runMfeaUpcalls(ctx context.Context, node *mfea.MfeaNode, logger *zap.Logger) {
	buf := make([]byte, 65536)
	for ctx.Err() == nil {
		n, err := node.Mroute().Recv(buf)
		if err != nil {
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		if err := node.ProcessKernelDatagram(data); err != nil {
			logger.Debug("kernel datagram ignored", zap.Error(err))
		}
	}
}

func runMfeaPoll(ctx context.Context, node *mfea.MfeaNode, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			node.PollDataflow(now)
		}
	}
}
