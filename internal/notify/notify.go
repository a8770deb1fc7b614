// Package notify implements C9: terminal-state notifications published on
// the execution exchange's result binding. See spec §4.9.
package notify

import (
	"context"
	"encoding/json"
	"log"
	"os"

	"github.com/sdwh/query-engine/internal/bus"
	"github.com/sdwh/query-engine/internal/models"
)

const resultRoutingKey = "result"

type outcome struct {
	GUID   string        `json:"guid"`
	RunID  int64         `json:"run_id"`
	Status models.Status `json:"status"`
	Error  string        `json:"error,omitempty"`
}

// Emitter publishes run-status transitions. Publish failures are logged and
// dropped; they never roll back the terminal state that was already
// committed to the store (§4.9/§7).
type Emitter struct {
	exchange bus.Exchange
	logger   *log.Logger
}

func NewEmitter(exchange bus.Exchange, logger *log.Logger) *Emitter {
	if logger == nil {
		logger = log.New(os.Stdout, "[notify] ", log.LstdFlags)
	}
	return &Emitter{exchange: exchange, logger: logger}
}

func (e *Emitter) Emit(ctx context.Context, guid string, runID int64, status models.Status, errDesc string) {
	body, err := json.Marshal(outcome{GUID: guid, RunID: runID, Status: status, Error: errDesc})
	if err != nil {
		e.logger.Printf("run %s: marshal notification failed: %v", guid, err)
		return
	}
	if err := e.exchange.Publish(ctx, resultRoutingKey, body); err != nil {
		e.logger.Printf("run %s: publish notification failed: %v", guid, err)
	}
}
