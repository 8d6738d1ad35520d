package realtime

import (
	"encoding/json"
	"fmt"

	"dots-sync/internal/domain"
	"dots-sync/internal/reconcile"
)

// Phoenix channel events used by the realtime server.
const (
	eventJoin            = "phx_join"
	eventLeave           = "phx_leave"
	eventReply           = "phx_reply"
	eventError           = "phx_error"
	eventClose           = "phx_close"
	eventHeartbeat       = "heartbeat"
	eventPostgresChanges = "postgres_changes"
	eventSystem          = "system"

	heartbeatTopic = "phoenix"
	protocolVsn    = "1.0.0"
)

// message is one Phoenix channel frame in the 1.0.0 JSON serialization.
type message struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
}

type replyPayload struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

type changeFilter struct {
	Event  string `json:"event"`
	Schema string `json:"schema"`
	Table  string `json:"table"`
	Filter string `json:"filter,omitempty"`
}

type joinConfig struct {
	Broadcast       map[string]any `json:"broadcast"`
	Presence        map[string]any `json:"presence"`
	PostgresChanges []changeFilter `json:"postgres_changes"`
}

type joinPayload struct {
	Config      joinConfig `json:"config"`
	AccessToken string     `json:"access_token,omitempty"`
}

// changeData is the row change carried by a postgres_changes frame.
type changeData struct {
	Type      string        `json:"type"`
	Schema    string        `json:"schema"`
	Table     string        `json:"table"`
	Record    domain.Fields `json:"record"`
	OldRecord domain.Fields `json:"old_record"`
}

type changePayload struct {
	IDs  []int64    `json:"ids"`
	Data changeData `json:"data"`
}

// Topic returns the channel topic carrying changes of collection within
// one workspace.
func Topic(collection domain.Collection, workspaceID string) string {
	return "realtime:public:" + string(collection) + ":" + workspaceFilter(workspaceID)
}

func workspaceFilter(workspaceID string) string {
	return "workspace_id=eq." + workspaceID
}

func newJoin(collection domain.Collection, workspaceID, accessToken, ref string) (message, error) {
	payload, err := json.Marshal(joinPayload{
		Config: joinConfig{
			Broadcast: map[string]any{"self": false, "ack": false},
			Presence:  map[string]any{"key": ""},
			PostgresChanges: []changeFilter{{
				Event:  "*",
				Schema: "public",
				Table:  string(collection),
				Filter: workspaceFilter(workspaceID),
			}},
		},
		AccessToken: accessToken,
	})
	if err != nil {
		return message{}, fmt.Errorf("marshal join payload: %w", err)
	}
	return message{Topic: Topic(collection, workspaceID), Event: eventJoin, Payload: payload, Ref: ref}, nil
}

func newHeartbeat(ref string) message {
	return message{Topic: heartbeatTopic, Event: eventHeartbeat, Payload: json.RawMessage("{}"), Ref: ref}
}

func newLeave(topic, ref string) message {
	return message{Topic: topic, Event: eventLeave, Payload: json.RawMessage("{}"), Ref: ref}
}

// decodeChange turns a change frame into a feed event. Frames from the
// current server wrap the change in {"data": ...}; older servers send the
// change itself with the event named after the change type.
func decodeChange(msg message) (reconcile.Event, error) {
	var data changeData
	if msg.Event == eventPostgresChanges {
		var p changePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return reconcile.Event{}, fmt.Errorf("decode change payload: %w", err)
		}
		data = p.Data
	} else if err := json.Unmarshal(msg.Payload, &data); err != nil {
		return reconcile.Event{}, fmt.Errorf("decode change payload: %w", err)
	}

	ev := reconcile.Event{
		Type:       reconcile.EventType(data.Type),
		Collection: domain.Collection(data.Table),
		New:        data.Record,
		Old:        data.OldRecord,
	}
	switch ev.Type {
	case reconcile.EventInsert, reconcile.EventUpdate, reconcile.EventDelete:
		return ev, nil
	}
	return reconcile.Event{}, fmt.Errorf("unsupported change type %q", data.Type)
}

func isLegacyChange(event string) bool {
	switch reconcile.EventType(event) {
	case reconcile.EventInsert, reconcile.EventUpdate, reconcile.EventDelete:
		return true
	}
	return false
}
