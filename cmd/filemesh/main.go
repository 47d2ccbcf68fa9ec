// filemesh maintains the distributed file list catalog for a cluster of
// log/event store nodes.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/filemesh/filemesh/internal/api"
	"github.com/filemesh/filemesh/internal/broadcast"
	"github.com/filemesh/filemesh/internal/catalog"
	"github.com/filemesh/filemesh/internal/config"
	"github.com/filemesh/filemesh/internal/metrics"
	"github.com/filemesh/filemesh/internal/progress"
	"github.com/filemesh/filemesh/internal/storage"
	"github.com/filemesh/filemesh/pkg/bytesize"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile  string
	logLevel string

	// Client flags for retire/sizes commands
	serverURL string
	authToken string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "filemesh",
		Short: "filemesh - distributed file list catalog for columnar log segments",
		Long: `filemesh keeps every node's view of the segment catalog converged.

Mutations are appended to a durable delta log in object storage, recorded
in a progress store and broadcast to peers; each node answers range
queries against its in-memory copy of the catalog.

Start a node:

  filemesh serve --config /etc/filemesh/node.yaml

Retire a segment through a running node:

  filemesh retire files/default/logs/olympics/2022/10/03/10/abc.parquet \
    --server http://localhost:8480 --token <token>`,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "log level (overrides config)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a filemesh node",
		RunE:  runServe,
	}
	rootCmd.AddCommand(serveCmd)

	retireCmd := &cobra.Command{
		Use:   "retire <segment-key>",
		Short: "Retire a segment through a running node",
		Args:  cobra.ExactArgs(1),
		RunE:  runRetire,
	}
	retireCmd.Flags().StringVarP(&serverURL, "server", "s", "http://localhost:8480", "node API base URL")
	retireCmd.Flags().StringVarP(&authToken, "token", "t", "", "API auth token")
	rootCmd.AddCommand(retireCmd)

	sizesCmd := &cobra.Command{
		Use:   "sizes <segment-key>...",
		Short: "Show catalog and local disk sizes for segments",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runSizes,
	}
	sizesCmd.Flags().StringVarP(&serverURL, "server", "s", "http://localhost:8480", "node API base URL")
	sizesCmd.Flags().StringVarP(&authToken, "token", "t", "", "API auth token")
	rootCmd.AddCommand(sizesCmd)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("filemesh %s\n", Version)
			fmt.Printf("  Commit:     %s\n", Commit)
			fmt.Printf("  Build Time: %s\n", BuildTime)
		},
	}
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupLogging(level string) error {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zerolog.SetGlobalLevel(lvl)
	return nil
}

func loadConfig() (*config.Config, error) {
	if cfgFile == "" {
		cfg := &config.Config{}
		cfg.ApplyDefaults()
		return cfg, nil
	}
	return config.Load(cfgFile)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	level := cfg.LogLevel
	if logLevel != "" {
		level = logLevel
	}
	if err := setupLogging(level); err != nil {
		return err
	}

	log.Info().Str("node", cfg.NodeID).Str("version", Version).Msg("Starting filemesh node")

	m := metrics.New(metrics.Registry, cfg.NodeID)
	codec := catalog.NewCodec()
	cache := catalog.NewCache()
	store := storage.NewLocal(osfs.New(cfg.StorageDir), log.Logger)

	prog, err := progress.Open(filepath.Join(cfg.DataDir, "progress.json"))
	if err != nil {
		return fmt.Errorf("open progress store: %w", err)
	}

	applyRemote := func(batch catalog.Batch) {
		cache.Apply(batch)
		live, tombstoned := cache.Stats()
		m.SegmentsLive.Set(float64(live))
		m.SegmentsTombstoned.Set(float64(tombstoned))
	}
	channel := broadcast.New(broadcast.Config{
		NodeID:    cfg.NodeID,
		Codec:     codec,
		Transport: broadcast.NewHTTPTransport(cfg.AuthToken, 0),
		Apply:     applyRemote,
		Logger:    log.Logger,
		Metrics:   m,
		RateLimit: cfg.Broadcast.RateLimit,
		RateBurst: cfg.Broadcast.RateBurst,
	})
	for _, peer := range cfg.Peers {
		channel.AddPeer(peer)
	}

	cat := catalog.New(catalog.Config{
		NodeID:    cfg.NodeID,
		Cache:     cache,
		Codec:     codec,
		Store:     store,
		Progress:  prog,
		Broadcast: channel,
		Logger:    log.Logger,
		Metrics:   m,
	})
	agg := catalog.NewAggregator(cache, osfs.New(cfg.DataDir))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if _, err := catalog.Replay(ctx, store, codec, cache, log.Logger); err != nil {
		return fmt.Errorf("replay file list: %w", err)
	}
	applyRemote(nil) // refresh gauges after replay

	server := api.NewServer(cfg.Listen, cfg.AuthToken, cat, agg, channel, log.Logger)
	errCh := make(chan error, 2)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	var metricsServer *http.Server
	if cfg.MetricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsServer = &http.Server{Addr: cfg.MetricsListen, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		log.Info().Str("addr", cfg.MetricsListen).Msg("Metrics server listening")
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down")
	case err := <-errCh:
		log.Error().Err(err).Msg("Server failed")
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}
	return server.Shutdown(shutdownCtx)
}

func runRetire(cmd *cobra.Command, args []string) error {
	if err := setupLogging(orDefault(logLevel, "info")); err != nil {
		return err
	}

	body, err := json.Marshal(map[string]string{"key": args[0]})
	if err != nil {
		return err
	}
	if _, err := postJSON(serverURL+"/api/v1/segments/retire", body); err != nil {
		return err
	}
	fmt.Printf("retired %s\n", args[0])
	return nil
}

func runSizes(cmd *cobra.Command, args []string) error {
	if err := setupLogging(orDefault(logLevel, "info")); err != nil {
		return err
	}

	body, err := json.Marshal(map[string][]string{"keys": args})
	if err != nil {
		return err
	}

	var sizes struct {
		OriginalSize   int64 `json:"original_size"`
		CompressedSize int64 `json:"compressed_size"`
	}
	data, err := postJSON(serverURL+"/api/v1/segments/sizes", body)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, &sizes); err != nil {
		return fmt.Errorf("parse sizes response: %w", err)
	}

	var local struct {
		Size int64 `json:"size"`
	}
	data, err = postJSON(serverURL+"/api/v1/segments/local-sizes", body)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, &local); err != nil {
		return fmt.Errorf("parse local sizes response: %w", err)
	}

	fmt.Printf("segments:   %d\n", len(args))
	fmt.Printf("original:   %s\n", bytesize.Format(sizes.OriginalSize))
	fmt.Printf("compressed: %s\n", bytesize.Format(sizes.CompressedSize))
	fmt.Printf("local disk: %s\n", bytesize.Format(local.Size))
	return nil
}

func postJSON(url string, body []byte) ([]byte, error) {
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if authToken != "" {
		req.Header.Set("Authorization", "Bearer "+authToken)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server returned %s: %s", resp.Status, strings.TrimSpace(string(data)))
	}
	return data, nil
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
