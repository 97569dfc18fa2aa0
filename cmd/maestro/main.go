// Command maestro runs a scenario orchestration node.
//
// The node connects to the shared Redis store, declares the worker service
// queues and runs the janitor that recovers tasks abandoned by crashed
// workers. Template registration and scenario submission happen through the
// orchestrator package embedded in the services that need them; this
// command provides the always-on housekeeping side.
//
// # Clustering
//
// Multiple nodes with the same CLUSTER_NAME and STORE_URL form a cluster.
// The janitor sweep runs on exactly one node at a time via a distributed
// ticker with automatic failover.
//
// # Configuration
//
// Environment variables:
//
//	STORE_URL        - Redis address (default: "localhost:6379")
//	STORE_PASSWORD   - Redis password (optional)
//	SERVICE_NAMES    - Comma-separated worker service names
//	                   (default: "text-service,voice-service,image-service,video-service")
//	CLUSTER_NAME     - Cluster name for distributed coordination (default: "maestro")
//	JANITOR_HORIZON  - PROCESSING staleness horizon (default: "10m")
//	JANITOR_INTERVAL - Sweep interval (default: "1m")
//	LOG_FORMAT       - "text" or "json" (default: "text")
//	DEBUG            - Enable debug logging when set
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"goa.design/clue/log"
	"goa.design/pulse/pool"

	"goa.design/maestro/janitor"
	"goa.design/maestro/orchestrator"
	redisstore "goa.design/maestro/store/redis"
	"goa.design/maestro/telemetry"
)

func main() {
	format := log.FormatText
	if envOr("LOG_FORMAT", "text") == "json" {
		format = log.FormatJSON
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if os.Getenv("DEBUG") != "" {
		ctx = log.Context(ctx, log.WithDebug())
	}
	if err := run(ctx); err != nil {
		log.Fatal(ctx, err)
	}
}

func run(ctx context.Context) error {
	storeURL := envOr("STORE_URL", "localhost:6379")
	storePassword := os.Getenv("STORE_PASSWORD")
	services := splitServices(envOr("SERVICE_NAMES", strings.Join(orchestrator.DefaultServices, ",")))
	clusterName := envOr("CLUSTER_NAME", "maestro")
	horizon := envDurationOr("JANITOR_HORIZON", janitor.DefaultHorizon)
	interval := envDurationOr("JANITOR_INTERVAL", janitor.DefaultInterval)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb := goredis.NewClient(&goredis.Options{
		Addr:     storeURL,
		Password: storePassword,
	})
	defer func() {
		if err := rdb.Close(); err != nil {
			log.Errorf(ctx, err, "close redis")
		}
	}()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}

	st, err := redisstore.New(rdb)
	if err != nil {
		return fmt.Errorf("create store: %w", err)
	}
	if err := st.DeclareQueues(ctx, services); err != nil {
		return fmt.Errorf("declare queues: %w", err)
	}

	node, err := pool.AddNode(ctx, clusterName, rdb)
	if err != nil {
		return fmt.Errorf("add pool node: %w", err)
	}
	defer func() {
		if err := node.Close(context.WithoutCancel(ctx)); err != nil {
			log.Errorf(ctx, err, "close pool node")
		}
	}()

	j, err := janitor.New(janitor.Config{
		Store:    st,
		Node:     node,
		Horizon:  horizon,
		Interval: interval,
		Logger:   telemetry.NewClueLogger(),
		Metrics:  telemetry.NewClueMetrics(),
	})
	if err != nil {
		return fmt.Errorf("create janitor: %w", err)
	}

	log.Printf(ctx, "maestro node started (cluster=%s services=%s horizon=%s interval=%s)",
		clusterName, strings.Join(services, ","), horizon, interval)
	if err := j.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("run janitor: %w", err)
	}
	log.Printf(ctx, "maestro node stopped")
	return nil
}

// splitServices parses the comma-separated service list.
func splitServices(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if name := strings.TrimSpace(part); name != "" {
			out = append(out, name)
		}
	}
	return out
}

// envOr returns the environment variable value or a default.
func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// envDurationOr returns the environment variable as duration or a default.
func envDurationOr(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
