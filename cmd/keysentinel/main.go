package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Will-Luck/Key-Sentinel/internal/clock"
	"github.com/Will-Luck/Key-Sentinel/internal/config"
	"github.com/Will-Luck/Key-Sentinel/internal/events"
	"github.com/Will-Luck/Key-Sentinel/internal/keygen"
	"github.com/Will-Luck/Key-Sentinel/internal/logging"
	"github.com/Will-Luck/Key-Sentinel/internal/metrics"
	"github.com/Will-Luck/Key-Sentinel/internal/notify"
	"github.com/Will-Luck/Key-Sentinel/internal/rotation"
	"github.com/Will-Luck/Key-Sentinel/internal/sshexec"
	"github.com/Will-Luck/Key-Sentinel/internal/store"
	"github.com/Will-Luck/Key-Sentinel/internal/web"
)

var version = "dev"

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogJSON, cfg.LogLevel)

	fmt.Println("Key-Sentinel " + version)
	fmt.Println("=============================================")
	fmt.Printf("KEYSENTINEL_KEY_PATH=%s\n", cfg.KeyPath)
	fmt.Printf("KEYSENTINEL_CONCURRENCY=%d\n", cfg.Concurrency)
	fmt.Printf("KEYSENTINEL_MAX_ATTEMPTS=%d\n", cfg.MaxAttempts)
	fmt.Printf("KEYSENTINEL_REMOTE_TIMEOUT=%s\n", cfg.RemoteTimeout)
	fmt.Printf("KEYSENTINEL_DB_PATH=%s\n", cfg.DBPath)
	fmt.Printf("KEYSENTINEL_SNAPSHOT_RETENTION=%s\n", cfg.SnapshotRetention)
	fmt.Printf("KEYSENTINEL_WEB_ENABLED=%t\n", cfg.WebEnabled)
	fmt.Printf("KEYSENTINEL_WEB_PORT=%s\n", cfg.WebPort)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// A completed rotation records its adopted key; prefer that over the
	// configured path, which points at the retired credential after the
	// first rotation.
	keyPath := cfg.KeyPath
	if adopted, err := db.LoadSetting(rotation.SettingCurrentKeyPath); err == nil && adopted != "" {
		if _, statErr := os.Stat(adopted); statErr == nil {
			keyPath = adopted
			log.Info("resuming with adopted key", "path", keyPath)
		} else {
			log.Warn("recorded adopted key missing, using configured path", "recorded", adopted, "error", statErr)
		}
	}

	currentKey, err := keygen.Load(keyPath, []byte(cfg.KeyPassphrase))
	if err != nil {
		log.Error("failed to load current key", "path", keyPath, "error", err)
		os.Exit(1)
	}
	log.Info("current key loaded", "path", keyPath, "type", string(currentKey.Type), "fingerprint", currentKey.Fingerprint)

	// Build notification chain.
	var notifiers []notify.Notifier
	notifiers = append(notifiers, notify.NewLogNotifier(log))
	if cfg.WebhookURL != "" {
		headers := parseHeaders(cfg.WebhookHeaders)
		notifiers = append(notifiers, notify.NewWebhook(cfg.WebhookURL, headers))
		log.Info("webhook notifications enabled", "url", cfg.WebhookURL)
	}
	if cfg.MQTTBroker != "" {
		notifiers = append(notifiers, notify.NewMQTT(cfg.MQTTBroker, cfg.MQTTTopic, cfg.MQTTClientID, cfg.MQTTUsername, cfg.MQTTPassword, cfg.MQTTQoS))
		log.Info("mqtt notifications enabled", "broker", cfg.MQTTBroker, "topic", cfg.MQTTTopic)
	}
	notifier := notify.NewMulti(log, notifiers...)

	clk := clock.Real{}
	bus := events.New()
	exec := sshexec.New(log)
	runner := rotation.NewRunner(generator{}, exec, db, bus, notifier, log, clk, rotation.Settings{
		Concurrency:   int64(cfg.Concurrency),
		MaxAttempts:   cfg.MaxAttempts,
		BackoffBase:   cfg.BackoffBase,
		BackoffCap:    cfg.BackoffCap,
		RemoteTimeout: cfg.RemoteTimeout,
	})
	manager := rotation.NewManager(ctx, runner, currentKey, cfg.SSHDir, db, log, clk)

	// Start the HTTP API if enabled.
	if cfg.WebEnabled {
		srv := web.NewServer(web.Dependencies{
			Manager:     manager,
			Store:       db,
			Snapshots:   db,
			EventBus:    bus,
			SSHDir:      cfg.SSHDir,
			TargetsFile: cfg.TargetsFile,
			Log:         log.Logger,
		})

		go func() {
			addr := net.JoinHostPort("", cfg.WebPort)
			if err := srv.ListenAndServe(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("web server error", "error", err)
			}
		}()

		go func() {
			<-ctx.Done()
			_ = srv.Shutdown(context.Background())
		}()
	}

	// Prune stale plan snapshots; the newest per plan and the mirrored plan
	// log always survive.
	if cfg.SnapshotRetention > 0 {
		go func() {
			ticker := time.NewTicker(24 * time.Hour)
			defer ticker.Stop()
			for {
				if n, err := db.DeleteOldSnapshots(time.Now().Add(-cfg.SnapshotRetention)); err != nil {
					log.Warn("snapshot pruning failed", "error", err)
				} else if n > 0 {
					log.Info("pruned plan snapshots", "removed", n)
				}
				select {
				case <-ticker.C:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	// Periodic textfile export for node_exporter, when configured.
	if cfg.TextfilePath != "" {
		go func() {
			ticker := time.NewTicker(30 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					if err := metrics.WriteTextfile(cfg.TextfilePath); err != nil {
						log.Warn("textfile export failed", "path", cfg.TextfilePath, "error", err)
					}
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	log.Info("keysentinel started", "version", version)

	<-ctx.Done()
	log.Info("keysentinel shutdown complete")
}

// generator adapts the keygen package to rotation.KeyGenerator.
type generator struct{}

func (generator) Generate(req keygen.Request) (*keygen.KeyPair, error) {
	return keygen.Generate(req)
}

// parseHeaders parses comma-separated "Key:Value" pairs into a map.
func parseHeaders(s string) map[string]string {
	if s == "" {
		return nil
	}
	headers := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		kv := strings.SplitN(strings.TrimSpace(pair), ":", 2)
		if len(kv) == 2 {
			headers[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
		}
	}
	return headers
}
