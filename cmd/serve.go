package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	adhoc "RayRelay/Adhoc"
	"RayRelay/config"
	"RayRelay/detector"
	"RayRelay/framestore"
	rpc "RayRelay/gRPC"
	"RayRelay/logger"
	"RayRelay/mailbox"
	"RayRelay/monitor"
	"RayRelay/raycast"
	"RayRelay/recognizer"
	"RayRelay/relay"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc/health"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start both detectors and serve the device protocol",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context(), cfg)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(parent context.Context, cfg *config.Config) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	fmt.Println(strings.Repeat("#", 64))
	fmt.Println(" HTTP    Port:", cfg.HTTPPort)
	fmt.Println(" gRPC    Port:", cfg.RPCPort)
	fmt.Println(" Metrics Port:", cfg.MetricsPort)
	fmt.Printf(" Camera:       %vx%v\n", cfg.Camera.Width, cfg.Camera.Height)
	fmt.Println(strings.Repeat("#", 64))

	store, err := framestore.New(cfg.Storage.ImageDir, cfg.Storage.Retain)
	if err != nil {
		return err
	}
	defer store.Clear()
	res := raycast.NewResolutionCell(cfg.Camera.Width, cfg.Camera.Height)

	b := newBackends(cfg, store, res)
	monitor.WatchMailbox(b.objectsBox.Name(), b.objectsBox.Stats)
	monitor.WatchMailbox(b.facesBox.Name(), b.facesBox.Stats)
	// the detector may need a build and up to PipeTimeout for its pipes; the
	// device is served meanwhile
	b.launch(ctx)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		monitor.StartMon(cfg.MetricsPort, ctx)
	}()

	if cfg.UseRegServer {
		ip, err := adhoc.GetOutboundIP()
		if err != nil {
			logger.Log().Error("failed to get outbound IP, skipping registration", zap.Error(err))
		} else {
			reg := adhoc.RegServerConfig{}
			reg.SetAddress(cfg.RegServerHost, cfg.RegServerPort)
			wg.Add(1)
			go adhoc.SendAliveMessage(ctx, &wg, reg, ip, cfg.HTTPPort)
		}
	} else {
		logger.Log().Info("UseRegServer is set to false, skipping registration")
	}

	hs := health.NewServer()
	wg.Add(1)
	go func() {
		defer wg.Done()
		rpc.WatchHealth(ctx, hs, map[string]func() bool{
			detector.Source:   b.objectsHealthy,
			recognizer.Source: b.facesHealthy,
		})
	}()
	grpcServer, gerr := rpc.StartGRPCServer(cfg.RPCPort, rpc.NewServer(b.stats, cancel), hs)
	if gerr != nil {
		logger.Log().Error("gRPC control disabled", zap.Error(gerr))
	}

	dispatcher := relay.New(relay.Options{
		Store:      store,
		Mailboxes:  []*mailbox.Mailbox{b.objectsBox, b.facesBox},
		Resolution: res,
		Rays:       b.rays,
		Recognized: b.recognized,
		Unknown:    b.unknown,
		ReplyWait:  cfg.ReplyWait,
	})
	err = relay.Serve(ctx, cfg.HTTPPort, dispatcher.Router())
	cancel()
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}

	logger.Log().Info("shutting down")
	b.stop()
	wg.Wait()
	logger.Log().Info("Safely exited")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func stopWithLog(name string, stop func(timeout time.Duration) error, cfg *config.Config) {
	if err := stop(cfg.ShutdownTimeout); err != nil {
		logger.Log().Warn("stop failed", zap.String("component", name), zap.Error(err))
	}
}
