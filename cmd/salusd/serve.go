package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/salusml/salus/internal/frontend"
	"github.com/salusml/salus/internal/runtime"
	"github.com/salusml/salus/internal/telemetry"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

func newServeCmd() *cobra.Command {
	var (
		addr           string
		adminAddr      string
		gpuCeilingGiB  int64
		workerPoolSize int
		otlpEndpoint   string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduling daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := klog.Background().WithName("salusd")

			ceiling := int64(0)
			if gpuCeilingGiB > 0 {
				ceiling = gpuCeilingGiB << 30
			}
			metrics := telemetry.NewMetrics()
			rt, err := runtime.New(runtime.Options{
				GPUMemoryCeiling: ceiling,
				WorkerPoolSize:   workerPoolSize,
				Recorder:         metrics,
			})
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			go metrics.WatchPendingLaneRequests(ctx, rt, 2*time.Second)

			shutdownTracing, err := telemetry.InitTracing(ctx, otlpEndpoint, version)
			if err != nil {
				return err
			}
			defer func() {
				shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutCancel()
				_ = shutdownTracing(shutCtx)
			}()

			go rt.Start(ctx)

			fe := frontend.New(rt)
			httpSrv := &http.Server{Addr: addr, Handler: fe}
			go func() {
				logger.Info("rpc server listening", "addr", addr)
				if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logger.Error(err, "rpc server exited")
				}
			}()

			admin := telemetry.NewAdminServer(rt)
			go func() {
				logger.Info("admin server listening", "addr", adminAddr)
				if err := admin.ListenAndServe(adminAddr); err != nil {
					logger.Error(err, "admin server exited")
				}
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			<-sigCh
			logger.Info("shutdown signal received")

			cancel()
			rt.Stop()
			shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutCancel()
			_ = httpSrv.Shutdown(shutCtx)
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8090", "RPC listen address")
	cmd.Flags().StringVar(&adminAddr, "admin-addr", ":8091", "admin/metrics listen address")
	cmd.Flags().Int64Var(&gpuCeilingGiB, "gpu-memory-ceiling-gib", 0, "cap discovered per-GPU memory, 0 for none")
	cmd.Flags().IntVar(&workerPoolSize, "worker-pool-size", 0, "dataflow worker pool size, 0 for default")
	cmd.Flags().StringVar(&otlpEndpoint, "otlp-endpoint", "", "OTLP/gRPC trace collector address, empty disables tracing")
	return cmd
}
