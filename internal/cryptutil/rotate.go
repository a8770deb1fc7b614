package cryptutil

import (
	"context"
	"fmt"
	"log"
)

// EncryptedRow is the minimal shape Rotate needs from a persisted
// QueryExecution row.
type EncryptedRow struct {
	ID         int64
	SourceConn string
}

// RotateStore is implemented by the operational store; Rotate drives it
// through the per-row "lock, try-decrypt-with-old-key, re-encrypt-with-new-
// key" loop described in spec §4.2.
type RotateStore interface {
	// ForEachLocked calls fn once per QueryExecution row, each time inside its
	// own "SELECT ... FOR UPDATE NOWAIT" transaction. If fn returns a non-empty
	// newSourceConn, the row is updated with it before the transaction commits;
	// an empty return leaves the row untouched. Rows whose lock is unavailable
	// are skipped (another writer holds them) rather than failing the whole
	// rotation.
	ForEachLocked(ctx context.Context, fn func(row EncryptedRow) (newSourceConn string, err error)) error
}

// Rotate re-encrypts every row currently encrypted under oldKeyHex with
// newKeyHex, leaving rows encrypted under any other key untouched. It is
// idempotent: running it again with newKeyHex as oldKeyHex changes nothing,
// per Testable Property 7.
func Rotate(ctx context.Context, store RotateStore, oldKeyHex, newKeyHex string) (rotated, skipped int, err error) {
	err = store.ForEachLocked(ctx, func(row EncryptedRow) (string, error) {
		plaintext, ok, decErr := Decrypt(oldKeyHex, row.SourceConn)
		if decErr != nil {
			return "", fmt.Errorf("rotate row %d: %w", row.ID, decErr)
		}
		if !ok {
			skipped++
			return "", nil
		}
		reencrypted, encErr := Encrypt(newKeyHex, plaintext)
		if encErr != nil {
			return "", fmt.Errorf("rotate row %d: %w", row.ID, encErr)
		}
		rotated++
		return reencrypted, nil
	})
	if err != nil {
		log.Printf("[cryptutil] rotation aborted: %v", err)
		return rotated, skipped, err
	}
	return rotated, skipped, nil
}
