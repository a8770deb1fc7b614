// Package cancel implements C7: the cross-process cancellation protocol
// intersecting a database row lock with a backend-native cancel call. See
// spec §4.7.
package cancel

import (
	"context"
	"errors"

	"github.com/sdwh/query-engine/internal/apperr"
	"github.com/sdwh/query-engine/internal/cryptutil"
	"github.com/sdwh/query-engine/internal/models"
	"github.com/sdwh/query-engine/internal/runner"
	"github.com/sdwh/query-engine/internal/store"
)

// Notifier mirrors lifecycle.Notifier; declared separately so this package
// has no dependency on lifecycle.
type Notifier interface {
	Emit(ctx context.Context, guid string, runID int64, status models.Status, errDesc string)
}

// Canceller terminates a RUNNING execution.
type Canceller struct {
	Store         store.Store
	Runners       runner.RunnerFactory
	Notifier      Notifier
	EncryptionKey string
}

func NewCanceller(st store.Store, runners runner.RunnerFactory, notifier Notifier, encryptionKey string) *Canceller {
	return &Canceller{Store: st, Runners: runners, Notifier: notifier, EncryptionKey: encryptionKey}
}

// Terminate implements §4.7 exactly: load + status check, build a runner for
// the decrypted source, lock the row, call the backend's cancel, set
// CANCELLED, commit, notify. apperr.ErrNotRunning covers both "wasn't
// RUNNING at entry" and "the runner reports no live execution" — the
// benign race where the query finished just before cancellation arrived.
func (c *Canceller) Terminate(ctx context.Context, guid string) error {
	run, cancelTx, err := c.Store.BeginCancel(ctx, guid)
	if err != nil {
		return err
	}

	plaintext, ok, err := cryptutil.Decrypt(c.EncryptionKey, run.SourceConn)
	if err != nil || !ok {
		cancelTx.Rollback()
		return apperr.Wrap(apperr.Internal, "decrypt source connection", err)
	}

	rn, err := c.Runners.New(plaintext)
	if err != nil {
		cancelTx.Rollback()
		return err
	}

	cancelErr := rn.Cancel(ctx, plaintext, run.ID)
	if cancelErr != nil {
		cancelTx.Rollback()
		if errors.Is(cancelErr, apperr.ErrNotRunning) {
			return apperr.ErrNotRunning
		}
		return cancelErr
	}

	if err := cancelTx.Commit(ctx, run.ID, models.StatusCancelled); err != nil {
		return err
	}
	c.Notifier.Emit(ctx, guid, run.ID, models.StatusCancelled, "")
	return nil
}
