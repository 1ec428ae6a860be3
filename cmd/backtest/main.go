// Headless backtest runner: runs one agent over a historical range
// without the HTTP layer and prints a text report from the result row.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/quantfold/agentsim/internal/agent"
	"github.com/quantfold/agentsim/internal/config"
	"github.com/quantfold/agentsim/internal/db"
	"github.com/quantfold/agentsim/internal/engine"
	"github.com/quantfold/agentsim/internal/market"
	"github.com/quantfold/agentsim/internal/stream"
	"github.com/quantfold/agentsim/pkg/ohlcv"
)

var (
	configPath = flag.String("config", "", "path to config file (optional, env vars override)")
	agentFile  = flag.String("agent", "", "agent definition file (YAML or JSON)")

	asset     = flag.String("asset", "BTCUSDT", "trading pair symbol")
	timeframe = flag.String("timeframe", "1h", "candle timeframe (1m, 5m, 15m, 1h, 4h, 1d)")
	startDate = flag.String("start", "", "start date (YYYY-MM-DD)")
	endDate   = flag.String("end", "", "end date (YYYY-MM-DD)")
	capital   = flag.Float64("capital", 10000.0, "starting capital in USD")

	verbose = flag.Bool("verbose", false, "enable verbose logging")
)

func main() {
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	if *verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	if *agentFile == "" {
		fmt.Fprintln(os.Stderr, "Error: -agent flag is required")
		flag.Usage()
		os.Exit(1)
	}
	if *startDate == "" || *endDate == "" {
		fmt.Fprintln(os.Stderr, "Error: -start and -end dates are required")
		flag.Usage()
		os.Exit(1)
	}

	start, err := time.Parse("2006-01-02", *startDate)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid start date format (use YYYY-MM-DD)")
	}
	end, err := time.Parse("2006-01-02", *endDate)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid end date format (use YYYY-MM-DD)")
	}
	if !end.After(start) {
		log.Fatal().Msg("End date must be after start date")
	}
	if _, err := ohlcv.ParseTimeframe(*timeframe); err != nil {
		log.Fatal().Err(err).Str("timeframe", *timeframe).Msg("Invalid timeframe")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := db.New(ctx, &cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer store.Close()

	def, err := agent.ImportFromFile(*agentFile, agent.DefaultImportOptions())
	if err != nil {
		log.Fatal().Err(err).Str("file", *agentFile).Msg("Failed to import agent definition")
	}
	model, err := def.ToModel()
	if err != nil {
		log.Fatal().Err(err).Msg("Agent definition does not produce a valid agent")
	}
	model.ID = uuid.New()
	if err := store.CreateAgent(ctx, model); err != nil {
		log.Fatal().Err(err).Msg("Failed to persist agent")
	}
	log.Info().Str("agent", model.Name).Str("mode", model.Mode).Msg("Agent loaded")

	// Instant playback: the runtime steps candles without pacing delays.
	rawCfg, err := json.Marshal(engine.SessionConfig{
		StartDate:     start,
		EndDate:       end,
		PlaybackSpeed: engine.SpeedInstant,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to encode session config")
	}
	session := &db.Session{
		ID:              uuid.New(),
		AgentID:         model.ID,
		Status:          db.SessionConfiguring,
		Type:            db.SessionBacktest,
		Asset:           strings.ToUpper(*asset),
		Timeframe:       *timeframe,
		StartingCapital: *capital,
		Config:          rawCfg,
	}
	if err := store.CreateSession(ctx, session); err != nil {
		log.Fatal().Err(err).Msg("Failed to create session")
	}

	hub := stream.NewHub(stream.HubConfig{Logger: log.Logger})
	go hub.Run(ctx)

	gateway := market.NewService(market.ServiceOpts{
		Vendor: market.NewBinanceVendor(market.BinanceConfig{BaseURL: cfg.Market.BaseURL}),
		Store:  store,
		Retry:  market.RetryConfig{MaxRetries: cfg.Market.MaxRetries},
	})

	eng, err := engine.NewEngine(cfg, store, gateway, hub, nil, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize session engine")
	}

	// Subscribe before Start so no terminal event is missed.
	sub := hub.Subscribe(session.ID.String(), false)
	defer hub.Unsubscribe(sub)

	if err := eng.Start(ctx, session.ID); err != nil {
		log.Fatal().Err(err).Msg("Failed to start backtest")
	}
	log.Info().
		Str("session_id", session.ID.String()).
		Str("asset", session.Asset).
		Str("timeframe", session.Timeframe).
		Time("start", start).
		Time("end", end).
		Msg("Backtest running")

	if err := waitForCompletion(ctx, sub); err != nil {
		log.Fatal().Err(err).Msg("Backtest failed")
	}

	result, err := store.GetResultBySession(ctx, session.ID)
	if err != nil {
		log.Fatal().Err(err).Msg("Backtest finished but no result was recorded")
	}
	printReport(session, result, start, end)
}

// waitForCompletion consumes the session's event stream, logging progress
// until the terminal event arrives.
func waitForCompletion(ctx context.Context, sub *stream.Subscriber) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-sub.C():
			if !ok {
				return fmt.Errorf("event stream closed before completion")
			}
			switch event.Type {
			case stream.EventSessionCompleted:
				return nil
			case stream.EventError:
				return fmt.Errorf("session error: %v", event.Data)
			case stream.EventPositionOpened:
				log.Info().Interface("position", event.Data).Msg("Position opened")
			case stream.EventPositionClosed:
				log.Info().Interface("position", event.Data).Msg("Position closed")
			case stream.EventStatsUpdate:
				log.Debug().Interface("stats", event.Data).Msg("Progress")
			}
		}
	}
}

func printReport(session *db.Session, r *db.TestResult, start, end time.Time) {
	fmt.Println()
	fmt.Println(strings.Repeat("=", 60))
	fmt.Println("BACKTEST RESULTS")
	fmt.Println(strings.Repeat("=", 60))
	fmt.Printf("Asset:           %s (%s)\n", session.Asset, session.Timeframe)
	fmt.Printf("Period:          %s to %s\n", start.Format("2006-01-02"), end.Format("2006-01-02"))
	fmt.Printf("Starting:        $%.2f\n", session.StartingCapital)
	fmt.Printf("Final Equity:    $%.2f\n", r.FinalEquity)
	fmt.Printf("Total PnL:       $%.2f (%.2f%%)\n", r.TotalPnL, r.TotalPnLPct)
	fmt.Println(strings.Repeat("-", 60))
	fmt.Printf("Trades:          %d (%d won / %d lost)\n", r.TotalTrades, r.WinningTrades, r.LosingTrades)
	fmt.Printf("Win Rate:        %.1f%%\n", r.WinRate)
	fmt.Printf("Max Drawdown:    %.2f%%\n", r.MaxDrawdownPct)
	if r.AutoStop {
		fmt.Println("Note:            session halted by the automatic stop loss")
	}
	fmt.Println(strings.Repeat("=", 60))
}
