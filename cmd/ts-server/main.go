// Command ts-server runs a Transcryptor: the certified pseudonym
// translator and ticket co-signer. Grounded on cmd/synnergy/main.go's
// cobra root-command layout, generalized from a mock CLI to a long-running
// server process.
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

	bls "github.com/herumi/bls-eth-go-binary/bls"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/pep-core/pep/internal/auditapi"
	"github.com/pep-core/pep/internal/config"
	"github.com/pep-core/pep/internal/obs"
	"github.com/pep-core/pep/internal/scalar"
	"github.com/pep-core/pep/transcryptor"
)

func main() {
	root := &cobra.Command{Use: "ts-server"}
	root.AddCommand(serveCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var envPath, yamlPath, secretKeyHex, auditToken string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "start the Transcryptor server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(envPath, yamlPath, secretKeyHex, auditToken)
		},
	}
	cmd.Flags().StringVar(&envPath, "env", ".env", "dotenv file to load before the YAML config")
	cmd.Flags().StringVar(&yamlPath, "config", "ts-server.yaml", "YAML server configuration")
	cmd.Flags().StringVar(&secretKeyHex, "bls-secret-key", "", "hex-encoded BLS12-381 secret key (generates an ephemeral key if empty)")
	cmd.Flags().StringVar(&auditToken, "audit-token", "", "bearer token required to reach the /chains audit surface")
	return cmd
}

func run(envPath, yamlPath, secretKeyHex, auditToken string) error {
	cfg, err := config.Load(envPath, yamlPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := obs.NewLogger("transcryptor")
	registry := obs.NewRegistry("transcryptor", log)

	store, err := transcryptor.Open(cfg.DataSourceName)
	if err != nil {
		return fmt.Errorf("ts-server: opening store: %w", err)
	}
	defer store.Close()

	secretKey, err := loadOrGenerateBLSKey(secretKeyHex, log)
	if err != nil {
		return err
	}
	srv := transcryptor.NewServer(store, secretKey)
	if err := applyKeyRatios(srv, cfg.KeyRatios); err != nil {
		return err
	}

	router := auditapi.NewRouter(store, auditapi.NewStaticBearerAuthenticator(auditToken))
	httpServer := &http.Server{Addr: cfg.ListenAddress, Handler: router}
	metricsServer := registry.StartMetricsServer(cfg.MetricsAddress)

	log.WithField("addr", cfg.ListenAddress).Info("transcryptor listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("transcryptor http server stopped")
		}
	}()

	// srv itself is reached by an Access Manager's Pipeline as an in-process
	// collaborator (see cmd/am-server); this process exposes only the audit
	// and metrics surfaces over the network today.

	waitForShutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	httpServer.Shutdown(ctx)
	registry.ShutdownMetricsServer(ctx, metricsServer)
	return nil
}

func loadOrGenerateBLSKey(hexKey string, log *logrus.Logger) (*bls.SecretKey, error) {
	if err := bls.Init(bls.BLS12_381); err != nil {
		return nil, fmt.Errorf("ts-server: bls init: %w", err)
	}
	var sk bls.SecretKey
	if hexKey == "" {
		log.Warn("no --bls-secret-key supplied, generating an ephemeral signing key")
		sk.SetByCSPRNG()
		return &sk, nil
	}
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("ts-server: decoding bls secret key: %w", err)
	}
	if err := sk.Deserialize(raw); err != nil {
		return nil, fmt.Errorf("ts-server: parsing bls secret key: %w", err)
	}
	return &sk, nil
}

// applyKeyRatios decodes each configured hex ratio and registers it with
// srv, so Translate can rekey towards every recipient domain the server is
// expected to serve.
func applyKeyRatios(srv *transcryptor.Server, ratios map[string]string) error {
	for recipient, hexRatio := range ratios {
		raw, err := hex.DecodeString(hexRatio)
		if err != nil {
			return fmt.Errorf("ts-server: decoding key ratio for %s: %w", recipient, err)
		}
		if len(raw) != 32 {
			return fmt.Errorf("ts-server: key ratio for %s must be 32 bytes, got %d", recipient, len(raw))
		}
		var packed [32]byte
		copy(packed[:], raw)
		var ratio scalar.Scalar
		ratio.Unpack(&packed)
		srv.SetKeyRatio(recipient, ratio)
	}
	return nil
}

func waitForShutdown() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	<-ch
}
