package storage

import (
	"context"
	"time"

	"github.com/liveframe/liveframe/pkg/lww"
	"github.com/liveframe/liveframe/pkg/queryshape"
	"github.com/liveframe/liveframe/pkg/schema"
	"github.com/liveframe/liveframe/pkg/telemetry"
)

// Instrument wraps a Storage backend so every call records its latency
// against telemetry.Metrics.StorageOpLatencyMs, tagged by operation name.
// cmd/liveframed wraps whichever concrete backend it constructs (memstore
// or pgstore) with this before handing it to session.NewManager, so the
// histogram stays backend-agnostic the same way the Storage interface is.
func Instrument(backend Storage) Storage {
	return &instrumented{backend: backend}
}

type instrumented struct {
	backend Storage
}

func (i *instrumented) Init(ctx context.Context, registry *schema.Registry) error {
	defer telemetry.RecordStorageOp(ctx, "init", time.Now())
	return i.backend.Init(ctx, registry)
}

func (i *instrumented) Get(ctx context.Context, resource string, filter queryshape.Where) (map[string]lww.Payload, error) {
	defer telemetry.RecordStorageOp(ctx, "get", time.Now())
	return i.backend.Get(ctx, resource, filter)
}

func (i *instrumented) GetOne(ctx context.Context, resource, id string) (lww.Payload, bool, error) {
	defer telemetry.RecordStorageOp(ctx, "get_one", time.Now())
	return i.backend.GetOne(ctx, resource, id)
}

func (i *instrumented) Insert(ctx context.Context, resource, id string, row lww.Payload) error {
	defer telemetry.RecordStorageOp(ctx, "insert", time.Now())
	return i.backend.Insert(ctx, resource, id, row)
}

func (i *instrumented) Update(ctx context.Context, resource, id string, patch lww.Payload) error {
	defer telemetry.RecordStorageOp(ctx, "update", time.Now())
	return i.backend.Update(ctx, resource, id, patch)
}

func (i *instrumented) BatchGet(ctx context.Context, resource string, ids []string) (map[string]lww.Payload, error) {
	defer telemetry.RecordStorageOp(ctx, "batch_get", time.Now())
	return i.backend.BatchGet(ctx, resource, ids)
}
