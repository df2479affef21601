// Command sf-server runs a Storage Facility: the content-addressed cell
// store behind the AM-issued tickets. Grounded on cmd/synnergy/main.go's
// cobra root-command layout, generalized to a long-running server process.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/pep-core/pep/internal/auditapi"
	"github.com/pep-core/pep/internal/config"
	"github.com/pep-core/pep/internal/obs"
	"github.com/pep-core/pep/storagefacility"
)

func main() {
	root := &cobra.Command{Use: "sf-server"}
	root.AddCommand(serveCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var envPath, yamlPath, blobDir, opaqueIDKeyHex, auditToken string
	var metadataOnlySchemes []string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "start the Storage Facility server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(envPath, yamlPath, blobDir, opaqueIDKeyHex, auditToken, metadataOnlySchemes)
		},
	}
	cmd.Flags().StringVar(&envPath, "env", ".env", "dotenv file to load before the YAML config")
	cmd.Flags().StringVar(&yamlPath, "config", "sf-server.yaml", "YAML server configuration")
	cmd.Flags().StringVar(&blobDir, "blob-dir", "./sf-blobs", "directory for content-addressed blob storage")
	cmd.Flags().StringVar(&opaqueIDKeyHex, "opaque-id-key", "", "hex-encoded 32-byte AEAD key for opaque entry ids (required)")
	cmd.Flags().StringVar(&auditToken, "audit-token", "", "bearer token required to reach the /chains audit surface")
	cmd.Flags().StringSliceVar(&metadataOnlySchemes, "metadata-only-scheme", nil, "scheme name allowed to be reduced to metadata-only (repeatable)")
	return cmd
}

func run(envPath, yamlPath, blobDir, opaqueIDKeyHex, auditToken string, metadataOnlySchemes []string) error {
	cfg, err := config.Load(envPath, yamlPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := obs.NewLogger("storagefacility")
	registry := obs.NewRegistry("storagefacility", log)

	opaqueIDKey, err := parseOpaqueIDKey(opaqueIDKeyHex)
	if err != nil {
		return err
	}

	store, err := storagefacility.Open(cfg.DataSourceName, blobDir, opaqueIDKey)
	if err != nil {
		return fmt.Errorf("sf-server: opening store: %w", err)
	}
	defer store.Close()

	for _, scheme := range metadataOnlySchemes {
		store.AllowMetadataOnlyUpdates(scheme)
	}

	metrics, err := storagefacility.NewMetrics(store, registry.Registerer())
	if err != nil {
		return fmt.Errorf("sf-server: registering metrics: %w", err)
	}

	router := auditapi.NewRouter(store, auditapi.NewStaticBearerAuthenticator(auditToken))
	httpServer := &http.Server{Addr: cfg.ListenAddress, Handler: router}
	metricsServer := registry.StartMetricsServer(cfg.MetricsAddress)

	stopMetricsRefresh := startMetricsRefreshLoop(metrics, log)
	defer close(stopMetricsRefresh)

	log.WithField("addr", cfg.ListenAddress).Info("storage facility listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("storage facility http server stopped")
		}
	}()

	waitForShutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	httpServer.Shutdown(ctx)
	registry.ShutdownMetricsServer(ctx, metricsServer)
	return nil
}

func parseOpaqueIDKey(hexKey string) ([32]byte, error) {
	var key [32]byte
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return key, fmt.Errorf("sf-server: decoding opaque id key: %w", err)
	}
	if len(raw) != 32 {
		return key, fmt.Errorf("sf-server: opaque id key must be 32 bytes, got %d", len(raw))
	}
	copy(key[:], raw)
	return key, nil
}

// startMetricsRefreshLoop samples the Storage Facility gauges on an
// interval, following core/system_health_logging.go's ticker-driven refresh
// pattern. Returns a channel whose close stops the loop.
func startMetricsRefreshLoop(metrics *storagefacility.Metrics, log *logrus.Logger) chan struct{} {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := metrics.Refresh(); err != nil {
					log.WithError(err).Error("refreshing storage facility metrics")
				}
			case <-stop:
				return
			}
		}
	}()
	return stop
}

func waitForShutdown() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	<-ch
}
