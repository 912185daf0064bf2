package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types recorded in the events table.
const (
	VoiceTurn       = "voice.turn"
	CartUpdated     = "cart.updated"
	CartCleared     = "cart.cleared"
	OrderCreated    = "order.created"
	FavoriteUsed    = "favorite.used"
	QueueEnqueued   = "queue.enqueued"
	QueueDelivered  = "queue.delivered"
	QueueRetry      = "queue.retry"
	QueueAbandoned  = "queue.abandoned"
	CatalogueChange = "catalogue.changed"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes one event. A nil tx writes straight to the database.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, projectID, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	if actorID == "" {
		actorID = "system"
	}
	const q = `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`
	args := []any{ts, evtType, nullable(projectID), entityKind, nullable(entityID), actorID, string(data)}
	if tx != nil {
		_, err = tx.ExecContext(ctx, q, args...)
		return err
	}
	if w.DB == nil {
		return fmt.Errorf("events writer has no database")
	}
	_, err = w.DB.ExecContext(ctx, q, args...)
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
