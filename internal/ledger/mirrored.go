package ledger

import (
	"context"
	"log"

	"candlebot/internal/model"
)

// Mirrored writes to a primary store and best-effort to a mirror. Reads come
// from the primary and fall back to the mirror when the primary fails.
type Mirrored struct {
	primary model.OperationStore
	mirror  model.OperationStore

	// OnMirrorError is called when a mirror write fails.
	OnMirrorError func(err error)
}

// NewMirrored combines two stores. mirror may be nil.
func NewMirrored(primary, mirror model.OperationStore) *Mirrored {
	return &Mirrored{primary: primary, mirror: mirror}
}

func (m *Mirrored) Save(ctx context.Context, op *model.Operation) error {
	err := m.primary.Save(ctx, op)
	if m.mirror != nil {
		if merr := m.mirror.Save(ctx, op); merr != nil {
			log.Printf("[ledger] mirror save %s failed: %v", op.ID, merr)
			if m.OnMirrorError != nil {
				m.OnMirrorError(merr)
			}
		}
	}
	return err
}

func (m *Mirrored) FindOpen(ctx context.Context, instanceID string) (*model.Operation, error) {
	op, err := m.primary.FindOpen(ctx, instanceID)
	if err != nil && m.mirror != nil {
		log.Printf("[ledger] primary find open failed, reading mirror: %v", err)
		return m.mirror.FindOpen(ctx, instanceID)
	}
	return op, err
}

func (m *Mirrored) ListClosed(ctx context.Context, instanceID string) ([]model.Operation, error) {
	ops, err := m.primary.ListClosed(ctx, instanceID)
	if err != nil && m.mirror != nil {
		log.Printf("[ledger] primary list closed failed, reading mirror: %v", err)
		return m.mirror.ListClosed(ctx, instanceID)
	}
	return ops, err
}
