package sync

import (
	"time"

	"github.com/matheus3301/smartlink/internal/store"
	"go.uber.org/zap"
)

// Reconciler manages sync checkpoints.
type Reconciler struct {
	db     *store.DB
	logger *zap.Logger
}

// NewReconciler creates a new reconciler.
func NewReconciler(db *store.DB, logger *zap.Logger) *Reconciler {
	return &Reconciler{db: db, logger: logger}
}

// UpdateCheckpoint updates a sync checkpoint value.
func (r *Reconciler) UpdateCheckpoint(key, value string) error {
	return r.db.PutState(key, value)
}

// GetCheckpoint retrieves a sync checkpoint value, "" when unset.
func (r *Reconciler) GetCheckpoint(key string) (string, error) {
	return r.db.GetState(key)
}

// LastEventAt returns when the last push event was mirrored.
func (r *Reconciler) LastEventAt() (time.Time, bool) {
	raw, err := r.GetCheckpoint(lastEventKey)
	if err != nil || raw == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		r.logger.Warn("bad checkpoint", zap.String("key", lastEventKey), zap.Error(err))
		return time.Time{}, false
	}
	return t, true
}
