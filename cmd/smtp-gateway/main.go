// Command smtp-gateway runs the inbound SMTP listener: it accepts mail
// directly over SMTP for recognized shield addresses and hands each message
// to the same analysis-and-delivery pipeline the webhook gateway uses.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/cellophanemail/gateway-core/internal/analyzer"
	"github.com/cellophanemail/gateway-core/internal/config"
	"github.com/cellophanemail/gateway-core/internal/decision"
	"github.com/cellophanemail/gateway-core/internal/ephemeral"
	"github.com/cellophanemail/gateway-core/internal/inbound"
	"github.com/cellophanemail/gateway-core/internal/orchestrator"
	"github.com/cellophanemail/gateway-core/internal/outbound"
	"github.com/cellophanemail/gateway-core/internal/pkg/logger"
	"github.com/cellophanemail/gateway-core/internal/shield"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the gateway config file")
	directoryPath := flag.String("directory", "config/directory.yaml", "path to the shield-address directory file")
	listenAddr := flag.String("listen", ":2525", "address the SMTP listener binds to")
	flag.Parse()

	log.Println("Starting CellophoneMail SMTP gateway...")

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

	llmAnalyzer, err := analyzer.NewBedrockAnalyzer(ctx, cfg.Analyzer.BedrockModelID, cfg.Analyzer.BedrockRegion)
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

	provider := inbound.NewSMTPProvider(orch, router, inbound.SMTPConfig{
		TTL:      cfg.Store.TTL(),
		Hostname: cfg.Server.Host,
	})
	smtpServer := provider.Server()
	smtpServer.Addr = *listenAddr

	reaperCtx, stopReaper := context.WithCancel(context.Background())
	go reaper.Run(reaperCtx)

	go func() {
		log.Printf("listening for SMTP on %s", *listenAddr)
		if err := smtpServer.ListenAndServe(); err != nil {
			log.Fatalf("smtp server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("shutting down SMTP gateway...")
	stopReaper()

	if err := smtpServer.Close(); err != nil {
		log.Printf("smtp server close error: %v", err)
	}

	if err := orch.Shutdown(); err != nil {
		log.Printf("orchestrator drain timed out: %v", err)
	}

	log.Println("SMTP gateway stopped")
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
			endpoint += ":" + strconv.Itoa(cfg.SMTP.Port)
		}
		return outbound.NewSMTPSender("localhost", []string{endpoint}, dryRun, opts...), nil
	default:
		return outbound.NewAPISender(cfg.API.BaseURL, cfg.API.APIKey, dryRun), nil
	}
}
