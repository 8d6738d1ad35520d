package syncqueue

import (
	"time"

	"github.com/oklog/ulid/v2"

	"dots-sync/internal/domain"
	apperrors "dots-sync/internal/errors"
)

// Intent is a mutation the caller wants delivered to the remote store.
// Data is row-shaped; for update and delete Data["id"] names the target.
type Intent struct {
	Kind       domain.Kind
	Collection domain.Collection
	Data       domain.Fields
}

// Operation is a queued Intent. Its JSON form is the persisted record.
type Operation struct {
	ID         string            `json:"id"`
	Kind       domain.Kind       `json:"kind"`
	Collection domain.Collection `json:"collection"`
	Data       domain.Fields     `json:"data"`

	// Timestamp is the acceptance time in Unix milliseconds.
	Timestamp  int64 `json:"timestamp"`
	RetryCount int   `json:"retryCount"`
}

func newOperation(intent Intent, now time.Time) Operation {
	return Operation{
		ID:         ulid.Make().String(),
		Kind:       intent.Kind,
		Collection: intent.Collection,
		Data:       intent.Data.Clone(),
		Timestamp:  now.UnixMilli(),
		RetryCount: 0,
	}
}

// EntityID returns the id of the row the operation targets.
func (o Operation) EntityID() string {
	return o.Data.ID()
}

// AcceptedAt returns Timestamp as a time.
func (o Operation) AcceptedAt() time.Time {
	return time.UnixMilli(o.Timestamp)
}

func (o Operation) clone() Operation {
	c := o
	c.Data = o.Data.Clone()
	return c
}

// references reports whether the operation targets or points at id.
// Link operations reference node ids through from_node and to_node.
func (o Operation) references(collection domain.Collection, id string) bool {
	if o.Collection == collection && o.EntityID() == id {
		return true
	}
	if collection == domain.CollectionNodes && o.Collection == domain.CollectionLinks {
		return o.Data.String("from_node") == id || o.Data.String("to_node") == id
	}
	return false
}

// rebind rewrites references to provisionalID. It reports whether
// anything changed.
func (o *Operation) rebind(collection domain.Collection, provisionalID, serverID string) bool {
	changed := false
	if o.Collection == collection && o.EntityID() == provisionalID {
		o.Data = o.Data.Clone()
		o.Data["id"] = serverID
		changed = true
	}
	if collection == domain.CollectionNodes && o.Collection == domain.CollectionLinks {
		for _, key := range []string{"from_node", "to_node"} {
			if o.Data.String(key) == provisionalID {
				if !changed {
					o.Data = o.Data.Clone()
				}
				o.Data[key] = serverID
				changed = true
			}
		}
	}
	return changed
}

// validate rejects operations no retry can ever deliver.
func (o Operation) validate() error {
	if !o.Collection.Valid() {
		return apperrors.NewMalformed(apperrors.CodeUnknownCollection,
			"unknown collection "+string(o.Collection)).WithResource(o.ID)
	}
	if !o.Kind.Valid() {
		return apperrors.NewMalformed(apperrors.CodeUnknownKind,
			"unknown operation kind "+string(o.Kind)).WithResource(o.ID)
	}
	if o.Kind != domain.KindCreate && o.EntityID() == "" {
		return apperrors.NewMalformed(apperrors.CodeMissingID,
			string(o.Kind)+" on "+string(o.Collection)+" requires data.id").WithResource(o.ID)
	}
	return nil
}
