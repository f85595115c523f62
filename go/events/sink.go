package events

import (
	"context"
	"encoding/json"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch/v5"
	log "github.com/sirupsen/logrus"
)

// Sink is the composite emission primitive: Emit stores an event and then
// publishes a live copy carrying the assigned id, so subscribers never see an
// event that is not already durable.
type Sink struct {
	store *Store
	bus   *Bus
}

// NewSink combines a durable store and a live bus.
func NewSink(store *Store, bus *Bus) *Sink {
	return &Sink{store: store, bus: bus}
}

// Emit appends the event durably and then publishes its live document with
// `_event_id` set to the assigned id. A publish problem never affects
// durability; a store failure is the caller's to handle.
func (s *Sink) Emit(ctx context.Context, taskID, typ string, payload json.RawMessage) (StoredEvent, error) {
	var stored, err = s.store.Append(ctx, taskID, typ, payload)
	if err != nil {
		return StoredEvent{}, err
	}
	s.publish(taskID, typ, stored.Payload, stored.ID)
	return stored, nil
}

// EmitLive publishes without storing. High-frequency progress flows through
// here; its documents carry no `_event_id` and are not replayable.
func (s *Sink) EmitLive(taskID, typ string, payload json.RawMessage) {
	s.publish(taskID, typ, payload, 0)
}

func (s *Sink) publish(taskID, typ string, payload json.RawMessage, id int64) {
	var doc, err = LiveDocument(taskID, typ, payload, id)
	if err != nil {
		log.WithFields(log.Fields{
			"task": taskID,
			"type": typ,
		}).WithError(err).Warn("skipping malformed live event")
		return
	}
	s.bus.Publish(taskID, doc)
}

// LiveDocument renders the bus document for an event: the payload merged
// (RFC 7396) with an envelope of type, task_id and, when id > 0, _event_id.
// Envelope fields win over payload fields of the same name.
func LiveDocument(taskID, typ string, payload json.RawMessage, id int64) (json.RawMessage, error) {
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	var envelope = map[string]interface{}{
		"type":    typ,
		"task_id": taskID,
	}
	if id > 0 {
		envelope["_event_id"] = id
	}
	patch, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("encoding event envelope: %w", err)
	}

	doc, err := jsonpatch.MergePatch(payload, patch)
	if err != nil {
		return nil, fmt.Errorf("merging event envelope: %w", err)
	}
	return doc, nil
}
