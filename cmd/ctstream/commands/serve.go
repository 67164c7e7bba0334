package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bl4ck0w1/ctstream/internal/broker"
	"github.com/bl4ck0w1/ctstream/internal/buffer"
	"github.com/bl4ck0w1/ctstream/internal/ctlog"
	"github.com/bl4ck0w1/ctstream/internal/httpapi"
	"github.com/bl4ck0w1/ctstream/pkg/models"
	"github.com/bl4ck0w1/ctstream/pkg/utils"
)

func NewServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the CT aggregator and fan-out server",
		RunE:  runServe,
	}

	cmd.Flags().String("host", "0.0.0.0", "bind address for the JSON HTTP surface")
	cmd.Flags().Int("port", 8080, "port for the JSON HTTP surface; the three WebSocket listeners use port+1, port+2, port+3")
	cmd.Flags().String("ct-log-list-url", "https://www.gstatic.com/ct/log_list/v3/log_list.json", "URL of the master CT log list")
	cmd.Flags().Duration("poll-interval", 10*time.Second, "interval between STH polls per log")
	cmd.Flags().Int("batch-size", 256, "max entries fetched per get-entries call")
	cmd.Flags().Int("buffer-size", 25, "number of recent records retained in the sliding window")
	cmd.Flags().Int("max-workers", 50, "max number of concurrently polled logs")
	cmd.Flags().Duration("client-ping-timeout", 60*time.Second, "subscriber liveness timeout")
	cmd.Flags().Int("max-clients-per-endpoint", 1000, "max concurrent subscribers per view")
	cmd.Flags().Int("client-queue-size", 100, "per-subscriber bounded queue capacity")
	cmd.Flags().String("metrics-addr", "127.0.0.1:9090", "bind address for the Prometheus /metrics endpoint")

	for _, name := range []string{
		"host", "port", "ct-log-list-url", "poll-interval", "batch-size", "buffer-size",
		"max-workers", "client-ping-timeout", "max-clients-per-endpoint", "client-queue-size",
		"metrics-addr",
	} {
		_ = viper.BindPFlag(name, cmd.Flags().Lookup(name))
	}

	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := models.DefaultConfig()
	cfg.Server.Host = viper.GetString("host")
	cfg.Server.Port = viper.GetInt("port")
	cfg.CTLogs.LogListURL = viper.GetString("ct-log-list-url")
	cfg.CTLogs.PollInterval = viper.GetDuration("poll-interval")
	cfg.CTLogs.BatchSize = viper.GetInt("batch-size")
	cfg.CTLogs.BufferSize = viper.GetInt("buffer-size")
	cfg.CTLogs.MaxWorkers = viper.GetInt("max-workers")
	cfg.Clients.PingTimeout = viper.GetDuration("client-ping-timeout")
	cfg.Clients.MaxPerEndpoint = viper.GetInt("max-clients-per-endpoint")
	cfg.Clients.QueueSize = viper.GetInt("client-queue-size")
	cfg.Metrics.Addr = viper.GetString("metrics-addr")

	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logrus.Info("received interrupt signal, shutting down gracefully")
		cancel()
	}()

	metrics := utils.DefaultMetricsCollector()

	buf := buffer.New(cfg.CTLogs.BufferSize)
	brk := broker.New(buf, broker.Config{
		MaxClientsPerEndpoint: cfg.Clients.MaxPerEndpoint,
		ClientQueueSize:       cfg.Clients.QueueSize,
		ClientPingTimeout:     cfg.Clients.PingTimeout,
	}, metrics, logrus.NewEntry(logrus.StandardLogger()))

	decoder := ctlog.NewDecoder(logrus.NewEntry(logrus.StandardLogger()).WithField("component", "decoder"))
	scheduler := ctlog.NewScheduler(decoder, ctlog.PollerConfig{
		PollInterval:   cfg.CTLogs.PollInterval,
		BatchSize:      int64(cfg.CTLogs.BatchSize),
		RequestTimeout: cfg.CTLogs.RequestTimeout,
		RequestsPerSec: cfg.CTLogs.RequestsPerSec,
	}, cfg.CTLogs.MaxWorkers, logrus.NewEntry(logrus.StandardLogger()).WithField("component", "scheduler"))

	dir := ctlog.NewDirectory(cfg.CTLogs.LogListURL, logrus.NewEntry(logrus.StandardLogger()).WithField("component", "directory"))
	var descriptors []models.LogDescriptor
	err := utils.WithTimeoutContext(ctx, 45*time.Second, func(listCtx context.Context) error {
		var listErr error
		descriptors, listErr = dir.List(listCtx)
		return listErr
	})
	if err != nil || len(descriptors) == 0 {
		logrus.WithError(err).Error("no usable CT logs found at startup; pollers will not start")
	} else {
		scheduler.Start(ctx, descriptors, brk.Publish)
	}

	api := httpapi.New(buf, brk, scheduler, httpapi.Config{
		PollInterval:      cfg.CTLogs.PollInterval,
		BatchSize:         cfg.CTLogs.BatchSize,
		BufferSize:        cfg.CTLogs.BufferSize,
		ClientPingTimeout: cfg.Clients.PingTimeout,
	}, logrus.NewEntry(logrus.StandardLogger()).WithField("component", "httpapi"))

	jsonSrv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: api.JSONMux(),
	}
	fullSrv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.FullWSPort()),
		Handler: api.WSHandler(models.ViewFull),
	}
	liteSrv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.LiteWSPort()),
		Handler: api.WSHandler(models.ViewLite),
	}
	domainsSrv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.DomainsOnlyWSPort()),
		Handler: api.WSHandler(models.ViewDomainsOnly),
	}

	servers := []*http.Server{jsonSrv, fullSrv, liteSrv, domainsSrv}
	for _, srv := range servers {
		srv := srv
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logrus.WithError(err).WithField("addr", srv.Addr).Error("http listener stopped")
			}
		}()
	}

	if cfg.Metrics.Enabled {
		go func() {
			if err := metrics.StartServerWithContext(ctx, cfg.Metrics.Addr); err != nil {
				logrus.WithError(err).Warn("metrics server stopped")
			}
		}()
	}

	logrus.WithFields(logrus.Fields{
		"json_addr":    jsonSrv.Addr,
		"full_addr":    fullSrv.Addr,
		"lite_addr":    liteSrv.Addr,
		"domains_addr": domainsSrv.Addr,
	}).Info("ctstream serving")

	<-ctx.Done()

	scheduler.Stop()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	for _, srv := range servers {
		_ = srv.Shutdown(shutdownCtx)
	}

	logrus.Info("ctstream shut down cleanly")
	return nil
}
