// Package lifecycle implements C6: the CREATED→RUNNING→{DONE,ERROR,CANCELLED}
// state machine that owns one submitted run end to end, generalizing
// ai-infra/internal/runner.RunWorker's "spawn and let it own the row" idiom
// from a poll loop to a one-shot-per-submission goroutine. See spec §4.6.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/sdwh/query-engine/internal/apperr"
	"github.com/sdwh/query-engine/internal/cryptutil"
	"github.com/sdwh/query-engine/internal/materialize"
	"github.com/sdwh/query-engine/internal/models"
	"github.com/sdwh/query-engine/internal/runner"
	"github.com/sdwh/query-engine/internal/store"
)

// Notifier is the subset of internal/notify.Emitter the engine depends on;
// declared here to avoid an import cycle (notify itself wraps bus, not
// lifecycle).
type Notifier interface {
	Emit(ctx context.Context, guid string, runID int64, status models.Status, errDesc string)
}

// Engine drives one QueryExecution from CREATED to a terminal state.
type Engine struct {
	Store        store.Store
	Runners      runner.RunnerFactory
	Materializer materialize.Materializer
	Notifier     Notifier
	EncryptionKey string
	StagingDir   string
	Logger       *log.Logger

	sem chan struct{}
}

// NewEngine builds an Engine whose synchronous database/sql driver calls and
// materializer inserts are gated by a worker-pool semaphore sized
// threadPoolSize, per §5's "bounded worker pool for synchronous library
// calls".
func NewEngine(st store.Store, runners runner.RunnerFactory, mat materialize.Materializer, notifier Notifier, encryptionKey, stagingDir string, threadPoolSize int, logger *log.Logger) *Engine {
	if threadPoolSize <= 0 {
		threadPoolSize = 8
	}
	if logger == nil {
		logger = log.New(os.Stdout, "[lifecycle] ", log.LstdFlags)
	}
	return &Engine{
		Store: st, Runners: runners, Materializer: mat, Notifier: notifier,
		EncryptionKey: encryptionKey, StagingDir: stagingDir, Logger: logger,
		sem: make(chan struct{}, threadPoolSize),
	}
}

// Run executes execGUID to completion. It is meant to be spawned as its own
// goroutine by the submit handler; it owns the run row and never propagates
// an error to its caller — every failure is caught, logged, and reflected
// into row state instead (§7).
func (e *Engine) Run(ctx context.Context, execGUID string) {
	e.sem <- struct{}{}
	defer func() { <-e.sem }()

	run, err := e.Store.Get(ctx, execGUID)
	if err != nil {
		e.Logger.Printf("run %s: load failed: %v", execGUID, err)
		return
	}

	if err := e.Store.MarkRunning(ctx, run.ID); err != nil {
		e.Logger.Printf("run %s: mark running failed: %v", execGUID, err)
		return
	}

	plaintext, ok, err := cryptutil.Decrypt(e.EncryptionKey, run.SourceConn)
	if err != nil || !ok {
		e.fail(ctx, run, "failed to decrypt source connection")
		return
	}

	rn, err := e.Runners.New(plaintext)
	if err != nil {
		e.fail(ctx, run, err.Error())
		return
	}

	stagingPath := fmt.Sprintf("%s/%s.staging", e.StagingDir, execGUID)
	execErr := rn.ExecuteToFile(ctx, plaintext, run.Query, run.ID, execGUID, stagingPath)
	defer os.Remove(stagingPath)

	if execErr != nil {
		e.handleExecError(ctx, run, execErr)
		return
	}

	for _, dest := range run.Destinations {
		path, creds, err := e.Materializer.Materialize(ctx, stagingPath, run, dest)
		if err != nil {
			e.Logger.Printf("run %s: materialize destination %d failed: %v", execGUID, dest.ID, err)
			if mErr := e.Store.MarkDestinationError(ctx, dest.ID, err.Error()); mErr != nil {
				e.Logger.Printf("run %s: mark destination error failed: %v", execGUID, mErr)
			}
			e.fail(ctx, run, "materialization failed")
			return
		}
		if err := e.Store.MarkDestinationUploaded(ctx, dest.ID, path, creds); err != nil {
			e.Logger.Printf("run %s: mark destination uploaded failed: %v", execGUID, err)
			e.fail(ctx, run, "failed to record destination")
			return
		}
	}

	if err := e.Store.MarkRunDone(ctx, run.ID); err != nil {
		e.Logger.Printf("run %s: mark done failed: %v", execGUID, err)
		return
	}
	e.Notifier.Emit(ctx, execGUID, run.ID, models.StatusDone, "")
}

// handleExecError implements the §4.6 race rule: on a Cancelled signal from
// the runner, re-read the row under lock. If another actor already marked it
// CANCELLED, that actor (C7, cancel.Canceller) already emitted the
// notification — commit and return silently, nothing else to do. Otherwise
// the failure is a genuine error.
func (e *Engine) handleExecError(ctx context.Context, run models.QueryExecution, execErr error) {
	if !errors.Is(execErr, apperr.ErrCancelled) {
		e.fail(ctx, run, execErr.Error())
		return
	}
	status, err := e.Store.ResolveCancelRace(ctx, run.ID, "Cancelled")
	if err != nil {
		e.Logger.Printf("run %s: resolve cancel race failed: %v", run.GUID, err)
		return
	}
	if status == models.StatusCancelled {
		return
	}
	e.Notifier.Emit(ctx, run.GUID, run.ID, models.StatusError, "Cancelled")
}

func (e *Engine) fail(ctx context.Context, run models.QueryExecution, errDesc string) {
	if err := e.Store.MarkRunError(ctx, run.ID, errDesc); err != nil {
		e.Logger.Printf("run %s: mark error failed: %v", run.GUID, err)
		return
	}
	e.Notifier.Emit(ctx, run.GUID, run.ID, models.StatusError, errDesc)
}
