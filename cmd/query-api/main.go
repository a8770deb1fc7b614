// Command query-api serves the HTTP contracts of spec §6: submit, get_run,
// get_results, terminate, delete_results, rotate_key.
package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/sdwh/query-engine/internal/auth"
	"github.com/sdwh/query-engine/internal/bus"
	"github.com/sdwh/query-engine/internal/cancel"
	"github.com/sdwh/query-engine/internal/config"
	"github.com/sdwh/query-engine/internal/httpserver"
	"github.com/sdwh/query-engine/internal/lifecycle"
	"github.com/sdwh/query-engine/internal/materialize"
	"github.com/sdwh/query-engine/internal/notify"
	"github.com/sdwh/query-engine/internal/results"
	"github.com/sdwh/query-engine/internal/runner"
	"github.com/sdwh/query-engine/internal/store"
)

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
	opDB.SetMaxOpenConns(10)
	opDB.SetConnMaxLifetime(30 * time.Minute)
	if err := opDB.Ping(); err != nil {
		log.Fatalf("ping operational db: %v", err)
	}

	resultsDB, err := sql.Open("postgres", cfg.DBConnectionStringResults)
	if err != nil {
		log.Fatalf("open results db: %v", err)
	}
	defer resultsDB.Close()
	resultsDB.SetMaxOpenConns(10)
	resultsDB.SetConnMaxLifetime(30 * time.Minute)
	if err := resultsDB.Ping(); err != nil {
		log.Fatalf("ping results db: %v", err)
	}

	if err := os.MkdirAll(cfg.StagingDir, 0o755); err != nil {
		log.Fatalf("create staging dir: %v", err)
	}

	st := store.NewPGStore(opDB)
	mat := materialize.NewTableMaterializer(resultsDB)
	reader := results.NewReader(resultsDB)
	runners := runner.NewFactory()

	exchange := bus.NewKafkaExchange(cfg.ExchangeExecute, cfg.Brokers())
	defer exchange.Close()
	notifier := notify.NewEmitter(exchange, log.New(os.Stdout, "[notify] ", log.LstdFlags))

	engine := lifecycle.NewEngine(st, runners, mat, notifier, cfg.EncryptionKey, cfg.StagingDir, cfg.ThreadPoolSize, log.New(os.Stdout, "[lifecycle] ", log.LstdFlags))
	canceller := cancel.NewCanceller(st, runners, notifier, cfg.EncryptionKey)

	server := httpserver.New(st, engine, canceller, reader, mat, cfg.EncryptionKey)
	verifier := auth.NewVerifier(cfg.AuthSecret)

	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: server.Router(verifier),
	}

	go func() {
		log.Printf("query-api listening on %s", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	waitForShutdown(httpServer)
}

func waitForShutdown(srv *http.Server) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}
