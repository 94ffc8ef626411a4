package store

import (
	"context"

	storageerrors "github.com/devrev/pairdb/internal/errors"
	"github.com/devrev/pairdb/internal/model"
	"github.com/devrev/pairdb/internal/service"
)

// DefaultBucketEntityType is the entity type RuntimeSink stores buckets under
const DefaultBucketEntityType = "store_bucket"

// RuntimeSink keeps each bucket as one entity of an EntityRuntime, so store
// snapshots share the runtime's journal, snapshots and replicas.
type RuntimeSink struct {
	runtime    *service.EntityRuntime
	entityType string
}

// NewRuntimeSink creates a sink over runtime. An empty entityType uses
// DefaultBucketEntityType.
func NewRuntimeSink(runtime *service.EntityRuntime, entityType string) *RuntimeSink {
	if entityType == "" {
		entityType = DefaultBucketEntityType
	}
	return &RuntimeSink{runtime: runtime, entityType: entityType}
}

func (s *RuntimeSink) Save(ctx context.Context, bucket string, payload []byte) error {
	_, err := s.runtime.UpsertState(ctx, model.PersistState{
		PersistID: bucket,
		TypeName:  s.entityType,
		Fields:    payload,
	})
	return err
}

func (s *RuntimeSink) Load(ctx context.Context, bucket string) ([]byte, bool, error) {
	st, err := s.runtime.GetState(ctx, s.key(bucket))
	if storageerrors.HasCode(err, storageerrors.ErrCodeEntityNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return st.Fields, true, nil
}

func (s *RuntimeSink) key(bucket string) model.EntityKey {
	return model.NewEntityKey(s.entityType, bucket)
}
