// Command publish-worker consumes publish requests off the bus and copies a
// materialized query result into the analytics store under an
// operator-chosen table name (spec §4.8).
package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ClickHouse/clickhouse-go/v2"
	_ "github.com/lib/pq"

	"github.com/sdwh/query-engine/internal/apperr"
	"github.com/sdwh/query-engine/internal/bus"
	"github.com/sdwh/query-engine/internal/config"
	"github.com/sdwh/query-engine/internal/models"
	"github.com/sdwh/query-engine/internal/publish"
	"github.com/sdwh/query-engine/internal/results"
	"github.com/sdwh/query-engine/internal/store"
)

// storeLookup adapts store.Store to publish.ResultLookup, resolving a run's
// live table destination without handing the worker the whole store
// interface.
type storeLookup struct {
	st store.Store
}

func (l storeLookup) TableForGUID(ctx context.Context, guid string) (string, error) {
	run, err := l.st.Get(ctx, guid)
	if err != nil {
		return "", err
	}
	for _, d := range run.Destinations {
		if d.DestType == "table" && d.Status == models.DestUploaded && d.Path != "" {
			return d.Path, nil
		}
	}
	return "", apperr.ErrUnprocessable
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	opDB, err := sql.Open("postgres", cfg.DBConnectionString)
	if err != nil {
		log.Fatalf("open operational db: %v", err)
	}
	defer opDB.Close()
	if err := opDB.Ping(); err != nil {
		log.Fatalf("ping operational db: %v", err)
	}

	resultsDB, err := sql.Open("postgres", cfg.DBConnectionStringResults)
	if err != nil {
		log.Fatalf("open results db: %v", err)
	}
	defer resultsDB.Close()
	if err := resultsDB.Ping(); err != nil {
		log.Fatalf("ping results db: %v", err)
	}

	chOpts, err := clickhouse.ParseDSN(cfg.ClickhouseConnectionString)
	if err != nil {
		log.Fatalf("parse clickhouse dsn: %v", err)
	}
	analyticsDB := clickhouse.OpenDB(chOpts)
	defer analyticsDB.Close()
	if err := analyticsDB.Ping(); err != nil {
		log.Fatalf("ping analytics db: %v", err)
	}

	st := store.NewPGStore(opDB)
	reader := results.NewReader(resultsDB)
	exchange := bus.NewKafkaExchange(cfg.PublishExchange, cfg.Brokers())
	defer exchange.Close()

	worker := publish.NewWorker(exchange, reader, storeLookup{st: st}, analyticsDB, cfg.AnalyticsDatabase, log.New(os.Stdout, "[publish] ", log.LstdFlags))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("publish-worker consuming from exchange %s", cfg.PublishExchange)
	worker.Run(ctx)
}
