// Command am-server runs an Access Manager: the policy store and ticket
// pipeline clients present their SignedTicketRequest2s to. Grounded on
// cmd/synnergy/main.go's cobra root-command layout, generalized to a
// long-running server process that also drives a Transcryptor in-process.
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

	"github.com/pep-core/pep/accessmanager"
	"github.com/pep-core/pep/internal/auditapi"
	"github.com/pep-core/pep/internal/config"
	"github.com/pep-core/pep/internal/curve"
	"github.com/pep-core/pep/internal/obs"
	"github.com/pep-core/pep/internal/scalar"
	"github.com/pep-core/pep/transcryptor"
)

func main() {
	root := &cobra.Command{Use: "am-server"}
	root.AddCommand(serveCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var envPath, amYamlPath, tsYamlPath string
	var amSecretKeyHex, tsSecretKeyHex, amElGamalSecretHex, globalPublicKeyHex, auditToken string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "start the Access Manager server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(runConfig{
				envPath:            envPath,
				amYamlPath:         amYamlPath,
				tsYamlPath:         tsYamlPath,
				amSecretKeyHex:     amSecretKeyHex,
				tsSecretKeyHex:     tsSecretKeyHex,
				amElGamalSecretHex: amElGamalSecretHex,
				globalPublicKeyHex: globalPublicKeyHex,
				auditToken:         auditToken,
			})
		},
	}
	cmd.Flags().StringVar(&envPath, "env", ".env", "dotenv file to load before the YAML configs")
	cmd.Flags().StringVar(&amYamlPath, "config", "am-server.yaml", "YAML server configuration for this Access Manager")
	cmd.Flags().StringVar(&tsYamlPath, "ts-config", "ts-server.yaml", "YAML configuration for the in-process Transcryptor collaborator")
	cmd.Flags().StringVar(&amSecretKeyHex, "bls-secret-key", "", "hex-encoded BLS12-381 secret key for the AM (generates an ephemeral key if empty)")
	cmd.Flags().StringVar(&tsSecretKeyHex, "ts-bls-secret-key", "", "hex-encoded BLS12-381 secret key for the in-process Transcryptor (generates an ephemeral key if empty)")
	cmd.Flags().StringVar(&amElGamalSecretHex, "elgamal-secret", "", "hex-encoded 32-byte ElGamal secret scalar for the AM recipient domain (required)")
	cmd.Flags().StringVar(&globalPublicKeyHex, "global-public-key", "", "hex-encoded 32-byte platform ElGamal public key (required)")
	cmd.Flags().StringVar(&auditToken, "audit-token", "", "bearer token required to reach the /chains audit surface")
	return cmd
}

type runConfig struct {
	envPath            string
	amYamlPath         string
	tsYamlPath         string
	amSecretKeyHex     string
	tsSecretKeyHex     string
	amElGamalSecretHex string
	globalPublicKeyHex string
	auditToken         string
}

func run(rc runConfig) error {
	amCfg, err := config.Load(rc.envPath, rc.amYamlPath)
	if err != nil {
		return err
	}
	if err := amCfg.Validate(); err != nil {
		return err
	}
	tsCfg, err := config.Load("", rc.tsYamlPath)
	if err != nil {
		return err
	}
	if err := tsCfg.Validate(); err != nil {
		return err
	}

	log := obs.NewLogger("accessmanager")
	registry := obs.NewRegistry("accessmanager", log)

	amStore, err := accessmanager.Open(amCfg.DataSourceName)
	if err != nil {
		return fmt.Errorf("am-server: opening AM store: %w", err)
	}
	defer amStore.Close()

	tsStore, err := transcryptor.Open(tsCfg.DataSourceName)
	if err != nil {
		return fmt.Errorf("am-server: opening TS store: %w", err)
	}
	defer tsStore.Close()

	if err := bls.Init(bls.BLS12_381); err != nil {
		return fmt.Errorf("am-server: bls init: %w", err)
	}
	amSecretKey, err := loadOrGenerateBLSKey(rc.amSecretKeyHex, log)
	if err != nil {
		return err
	}
	tsSecretKey, err := loadOrGenerateBLSKey(rc.tsSecretKeyHex, log)
	if err != nil {
		return err
	}
	tsServer := transcryptor.NewServer(tsStore, tsSecretKey)
	if err := applyKeyRatios(tsServer, tsCfg.KeyRatios); err != nil {
		return err
	}

	amElGamalSecret, err := parseScalar(rc.amElGamalSecretHex, "elgamal-secret")
	if err != nil {
		return err
	}
	globalPublicKey, err := parseElement(rc.globalPublicKeyHex, "global-public-key")
	if err != nil {
		return err
	}

	pipeline := accessmanager.NewPipeline(amStore, tsServer, amSecretKey, amElGamalSecret, globalPublicKey)
	for recipient, hexRatio := range amCfg.KeyRatios {
		ratio, err := parseScalar(hexRatio, "keyRatios."+recipient)
		if err != nil {
			return err
		}
		pipeline.SetKeyRatio(recipient, ratio)
	}

	handler := accessmanager.NewHandler(pipeline)
	mux := http.NewServeMux()
	handler.Routes(mux)
	auditRouter := auditapi.NewRouter(amStore, auditapi.NewStaticBearerAuthenticator(rc.auditToken))
	mux.Handle("/chains", auditRouter)
	mux.Handle("/chains/", auditRouter)

	httpServer := &http.Server{Addr: amCfg.ListenAddress, Handler: mux}
	metricsServer := registry.StartMetricsServer(amCfg.MetricsAddress)

	log.WithField("addr", amCfg.ListenAddress).Info("access manager listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("access manager http server stopped")
		}
	}()

	waitForShutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	httpServer.Shutdown(ctx)
	registry.ShutdownMetricsServer(ctx, metricsServer)
	return nil
}

func loadOrGenerateBLSKey(hexKey string, log *logrus.Logger) (*bls.SecretKey, error) {
	var sk bls.SecretKey
	if hexKey == "" {
		log.Warn("no BLS secret key supplied, generating an ephemeral signing key")
		sk.SetByCSPRNG()
		return &sk, nil
	}
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("am-server: decoding bls secret key: %w", err)
	}
	if err := sk.Deserialize(raw); err != nil {
		return nil, fmt.Errorf("am-server: parsing bls secret key: %w", err)
	}
	return &sk, nil
}

func applyKeyRatios(srv *transcryptor.Server, ratios map[string]string) error {
	for recipient, hexRatio := range ratios {
		ratio, err := parseScalar(hexRatio, "keyRatios."+recipient)
		if err != nil {
			return err
		}
		srv.SetKeyRatio(recipient, ratio)
	}
	return nil
}

func parseScalar(hexValue, field string) (scalar.Scalar, error) {
	raw, err := hex.DecodeString(hexValue)
	if err != nil {
		return scalar.Scalar{}, fmt.Errorf("am-server: decoding %s: %w", field, err)
	}
	if len(raw) != 32 {
		return scalar.Scalar{}, fmt.Errorf("am-server: %s must be 32 bytes, got %d", field, len(raw))
	}
	var packed [32]byte
	copy(packed[:], raw)
	var s scalar.Scalar
	s.Unpack(&packed)
	return s, nil
}

func parseElement(hexValue, field string) (curve.Element, error) {
	raw, err := hex.DecodeString(hexValue)
	if err != nil {
		return curve.Element{}, fmt.Errorf("am-server: decoding %s: %w", field, err)
	}
	if len(raw) != 32 {
		return curve.Element{}, fmt.Errorf("am-server: %s must be 32 bytes, got %d", field, len(raw))
	}
	var packed [32]byte
	copy(packed[:], raw)
	var e curve.Element
	if err := e.Unpack(&packed); err != nil {
		return curve.Element{}, fmt.Errorf("am-server: parsing %s: %w", field, err)
	}
	return e, nil
}

func waitForShutdown() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	<-ch
}
