// Command gateway runs the inbound-webhook HTTP surface: it accepts
// provider relay webhooks, routes them through the toxicity-analysis
// pipeline, and delivers the resulting message outbound.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/cellophanemail/gateway-core/internal/analyzer"
	"github.com/cellophanemail/gateway-core/internal/config"
	"github.com/cellophanemail/gateway-core/internal/decision"
	"github.com/cellophanemail/gateway-core/internal/ephemeral"
	"github.com/cellophanemail/gateway-core/internal/inbound"
	"github.com/cellophanemail/gateway-core/internal/orchestrator"
	"github.com/cellophanemail/gateway-core/internal/outbound"
	"github.com/cellophanemail/gateway-core/internal/pkg/logger"
	"github.com/cellophanemail/gateway-core/internal/ratelimit"
	"github.com/cellophanemail/gateway-core/internal/shield"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the gateway config file")
	directoryPath := flag.String("directory", "config/directory.yaml", "path to the shield-address directory file")
	flag.Parse()

	log.Println("Starting CellophoneMail gateway...")

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger.SetRedactPII(true)

	directory, err := shield.NewStaticDirectoryFromFile(*directoryPath)
	if err != nil {
		log.Fatalf("failed to load shield directory: %v", err)
	}
	router := shield.NewRouter(directory, cfg.Shield.ServiceDomains)

	ctx := context.Background()

	llmAnalyzer, err := buildAnalyzer(ctx, cfg.Analyzer)
	if err != nil {
		log.Fatalf("failed to initialize analyzer: %v", err)
	}

	sender, err := buildSender(ctx, cfg.Outbound, cfg.DryRun)
	if err != nil {
		log.Fatalf("failed to initialize outbound sender: %v", err)
	}
	retryingSender := outbound.NewRetryingSender(sender, cfg.Outbound.RetryAttempts)

	store := ephemeral.NewStore(cfg.Store.Capacity)
	reaper := ephemeral.NewReaper(store, cfg.Reaper.Interval(), cfg.Reaper.Grace(), cfg.Reaper.MaxBatch)

	orch := orchestrator.New(store, router, llmAnalyzer, decision.DefaultPolicy(), retryingSender, orchestrator.Config{
		AnalyzerTimeout: cfg.Analyzer.Timeout(),
		SendTimeout:     cfg.Outbound.SendTimeout(),
		FromAddress:     cfg.Outbound.FromAddress,
		DrainTimeout:    cfg.Shutdown.Drain(),
	})

	limiter, err := buildLimiter(cfg.RateLimit)
	if err != nil {
		log.Fatalf("failed to initialize rate limiter: %v", err)
	}

	provider := inbound.NewWebhookProvider(orch, limiter, cfg.Webhook.ProviderSecrets, inbound.WebhookConfig{
		TTL:             cfg.Store.TTL(),
		SignatureMaxAge: cfg.Webhook.SignatureMaxAge(),
		ReplayCacheSize: cfg.Webhook.ReplayCacheSize,
		MaxBodyBytes:    cfg.Webhook.MaxBodyBytes,
	})

	reaperCtx, stopReaper := context.WithCancel(context.Background())
	go reaper.Run(reaperCtx)

	httpServer := &http.Server{
		Addr:    cfg.Server.Addr(),
		Handler: provider.Router(),
	}

	go func() {
		log.Printf("listening on %s", cfg.Server.Addr())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("shutting down gateway...")
	stopReaper()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Shutdown.Drain())
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("http server shutdown error: %v", err)
	}

	if err := orch.Shutdown(); err != nil {
		log.Printf("orchestrator drain timed out: %v", err)
	}

	log.Println("gateway stopped")
}

func buildAnalyzer(ctx context.Context, cfg config.AnalyzerConfig) (analyzer.Analyzer, error) {
	return analyzer.NewBedrockAnalyzer(ctx, cfg.BedrockModelID, cfg.BedrockRegion)
}

func buildSender(ctx context.Context, cfg config.OutboundConfig, dryRun bool) (outbound.Sender, error) {
	switch cfg.Provider {
	case "ses":
		return outbound.NewSESSender(ctx, cfg.SES.AccessKey, cfg.SES.SecretKey, cfg.SES.Region, dryRun)
	case "smtp":
		opts := []outbound.SMTPOption{}
		if cfg.SMTP.Username != "" {
			opts = append(opts, outbound.WithSMTPAuth(cfg.SMTP.Username, cfg.SMTP.Password))
		}
		endpoint := cfg.SMTP.Host
		if cfg.SMTP.Port != 0 {
			endpoint = endpoint + ":" + strconv.Itoa(cfg.SMTP.Port)
		}
		return outbound.NewSMTPSender("localhost", []string{endpoint}, dryRun, opts...), nil
	case "api":
		return outbound.NewAPISender(cfg.API.BaseURL, cfg.API.APIKey, dryRun), nil
	default:
		return nil, errors.New("unrecognized outbound provider: " + cfg.Provider)
	}
}

func buildLimiter(cfg config.RateLimitConfig) (*ratelimit.Limiter, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	return ratelimit.NewLimiter(client, ratelimit.Limits{RatePerMinute: cfg.RequestsPerMinute, Burst: cfg.Burst}), nil
}
