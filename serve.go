package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	adhoc "TrackCastServer/Adhoc"
	"TrackCastServer/api"
	"TrackCastServer/broadcast"
	"TrackCastServer/config"
	"TrackCastServer/engine"
	"TrackCastServer/envelope"
	rpc "TrackCastServer/gRPC"
	iface "TrackCastServer/interface"
	"TrackCastServer/keystore"
	"TrackCastServer/logger"
	"TrackCastServer/monitor"
	"TrackCastServer/pipeline"
	"TrackCastServer/tracker"
	"TrackCastServer/vision"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func GetOutboundIP() (string, error) {
	// 8.8.8.8 是 Google DNS，这里只是为了建立路由路径得到本地出口 IP
	// 实际并没有真正的物理连接，所以不需要联网也可以（只要有路由表）
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)

	return localAddr.IP.String(), nil
}

func newServeCommand(configPath *string) *cobra.Command {
	var printKey bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the tracking and broadcast server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, printKey, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&printKey, "print-key", false, "Print the base64 detection key on startup")
	return cmd
}

func serve(ctx context.Context, cfg config.Config, printKey bool, out io.Writer) error {
	if err := logger.Init(cfg.Log.Level, cfg.Log.Development); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()
	ctx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	fmt.Fprintln(out, strings.Repeat("#", 64))
	fmt.Fprintf(out, "CPU Cores: %d\n", runtime.NumCPU())
	fmt.Fprintln(out, " HTTP    Port:", cfg.HTTPPort)
	fmt.Fprintln(out, " gRPC    Port:", cfg.RPCPort)
	fmt.Fprintln(out, " Metrics Port:", cfg.MetricsPort)
	fmt.Fprintln(out, strings.Repeat("#", 64))

	alg, err := envelope.ParseAlgorithm(cfg.Key.Algorithm)
	if err != nil {
		return err
	}
	key, err := keystore.Bootstrap(cfg.Key)
	if err != nil {
		return err
	}
	if printKey {
		fmt.Fprintln(out, "Detection key:", keystore.Encode(key))
	}
	sealer, err := envelope.NewEncryptor(key, alg)
	if err != nil {
		return err
	}
	tr, err := tracker.New(cfg.Tracker)
	if err != nil {
		return err
	}

	metrics := monitor.New()
	hub := broadcast.NewHub(metrics)
	pipe := pipeline.New(tr, sealer, hub, metrics)

	var detector iface.Detector
	if cfg.Detector.URL != "" {
		detector, err = vision.NewRemoteDetector(cfg.Detector)
		if err != nil {
			return err
		}
	} else {
		fmt.Fprintln(out, strings.Repeat("!", 64))
		fmt.Fprintln(out, "Detector.URL is empty, only pre-computed detections will be accepted")
		fmt.Fprintln(out, strings.Repeat("!", 64))
	}

	eng := engine.New(pipe, detector, cfg.Engine, metrics)
	eng.Start(ctx)
	defer eng.Stop()

	router := api.NewRouter(api.Deps{
		Engine:        eng,
		Hub:           hub,
		Metrics:       metrics,
		Broadcast:     cfg.Broadcast,
		MaxFrameBytes: int64(cfg.MaxFrameBytes),
	})
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	httpErr := make(chan error, 1)
	go func() {
		logger.Log().Info("HTTP server listening", zap.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
	}()

	grpcSrv, err := rpc.StartGRPCServer(cfg.RPCPort, rpc.NewServer(eng, hub, cfg.Broadcast.QueueSize, metrics))
	if err != nil {
		_ = httpSrv.Close()
		return err
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		monitor.StartMon(ctx, cfg.MetricsPort, metrics)
	}()

	if cfg.UseRegServer {
		ip, err := GetOutboundIP()
		if err != nil {
			logger.Log().Warn("Failed to get outbound IP", zap.Error(err))
			ip = "127.0.0.1"
		}
		var reg adhoc.RegServerConfig
		reg.SetAddress(cfg.RegServerHost, cfg.RegServerPort)
		announcer := adhoc.NewAnnouncer(reg, ip, cfg.HTTPPort, cfg.RPCPort, keystore.Fingerprint(key), func() (int, int) {
			return hub.Len(), len(pipe.Tracks())
		})
		wg.Add(1)
		go announcer.Run(ctx, &wg)
	} else {
		fmt.Fprintln(out, "UseRegServer is set to false, skipping registration")
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-httpErr:
		logger.Log().Error("HTTP server failed", zap.Error(runErr))
	}
	cancelRun()

	hub.CloseAll()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Log().Error("HTTP server Shutdown error", zap.Error(err))
	}
	grpcSrv.GracefulStop()
	fmt.Fprintln(out, "Done")
	wg.Wait()
	fmt.Fprintln(out, "Safely exited")
	return runErr
}
