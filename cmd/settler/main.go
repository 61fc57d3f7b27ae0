package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/arcadefi/xchain_settler/settler"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	configPath := flag.String("config", "config.toml", "Path to the config file")
	dbPath := flag.String("db", "settler.db", "Path to the db file")
	listenAddr := flag.String("listen", "", "HTTP listen address, overrides config")
	logLevel := flag.String("log-level", "INFO", "Set the logging level")
	logFormat := flag.String("log-format", "json", "Set the log output format")
	flag.Parse()

	// Set up logging
	if *logFormat == "json" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		output.FormatLevel = func(i interface{}) string {
			return strings.ToUpper(fmt.Sprintf("| %-6s|", i))
		}
		output.FormatMessage = func(i interface{}) string {
			return fmt.Sprintf("message: %s", i)
		}
		output.FormatFieldName = func(i interface{}) string {
			return fmt.Sprintf("%s:", i)
		}
		log.Logger = log.Output(output)
	}

	// Set log level
	switch strings.TrimSpace(strings.ToUpper(*logLevel)) {
	case "DEBUG":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "INFO":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "WARN":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "ERROR":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	cfg := settler.MustLoadConfig(*configPath)
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}

	db, err := sql.Open("sqlite3", *dbPath)
	if err != nil {
		log.Fatal().Err(err).Send()
	}
	defer db.Close()

	store, err := settler.NewStore(db, &log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize ledger")
	}

	adapters := map[string]settler.ChainAdapter{}
	for name, entry := range cfg.Chains {
		switch entry.Kind {
		case settler.ChainKindEVM:
			adapters[name] = settler.NewEVMAdapter(name, entry, &log.Logger)
		case settler.ChainKindCosmos:
			adapters[name] = settler.NewCosmosAdapter(name, entry, entry.Bech32Prefix, &log.Logger)
		default:
			log.Fatal().Str("chain", name).Str("kind", entry.Kind).Msg("unknown chain kind")
		}
	}

	attest, err := settler.NewHTTPAttestationClient(cfg.Attestation, &log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize attestation client")
	}
	relay := settler.NewHTTPRelayClient(cfg.Relay, &log.Logger)

	metrics := settler.NewMetrics()
	orch := settler.NewOrchestrator(store, adapters, attest, relay, cfg, &log.Logger, metrics)
	sweeper := settler.NewSweeper(store, orch, cfg, &log.Logger, metrics)
	server := settler.NewServer(orch, store, sweeper, metrics, &log.Logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	resumed, err := orch.Recover(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("recovery failed")
	}
	log.Info().Int("resumed", resumed).Str("listen", cfg.ListenAddr).Msg("settler started")

	go sweeper.Run(ctx)

	go func() {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		<-sigs
		log.Info().Msg("shutdown signal received")
		cancel()
	}()

	if err := server.RunWithContext(ctx, cfg.ListenAddr); err != nil {
		log.Error().Err(err).Msg("server error")
	}

	log.Info().Msg("waiting for ongoing settlements to park...")
	orch.Wait()
}
