package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/kirillkom/hiesync/internal/core/domain"
	"github.com/kirillkom/hiesync/internal/core/ports"
)

// QueryStatusTracker owns the per-patient document query status.
type QueryStatusTracker struct {
	store ports.QueryStatusStore
}

func NewQueryStatusTracker(store ports.QueryStatusStore) *QueryStatusTracker {
	return &QueryStatusTracker{store: store}
}

// Start marks the query as processing with completed reset to zero.
func (t *QueryStatusTracker) Start(ctx context.Context, tenantID, patientID string, total int) error {
	if total < 0 {
		total = 0
	}
	if err := t.store.StartQuery(ctx, tenantID, patientID, total); err != nil {
		return fmt.Errorf("start document query status: %w", err)
	}
	return nil
}

// Increment advances completed by one against the stored counter.
func (t *QueryStatusTracker) Increment(ctx context.Context, tenantID, patientID string) (domain.QueryStatus, error) {
	status, err := t.store.IncrementProgress(ctx, tenantID, patientID)
	if err != nil {
		return domain.QueryStatus{}, fmt.Errorf("increment document query progress: %w", err)
	}
	return status, nil
}

func (t *QueryStatusTracker) Complete(ctx context.Context, tenantID, patientID string) error {
	if err := t.store.CompleteQuery(ctx, tenantID, patientID); err != nil {
		return fmt.Errorf("complete document query status: %w", err)
	}
	return nil
}

func (t *QueryStatusTracker) Get(ctx context.Context, tenantID, patientID string) (domain.QueryStatus, error) {
	if strings.TrimSpace(tenantID) == "" || strings.TrimSpace(patientID) == "" {
		return domain.QueryStatus{}, domain.WrapError(domain.ErrInvalidInput, "get document query status",
			errors.New("tenant id and patient id are required"))
	}
	status, err := t.store.GetQueryStatus(ctx, tenantID, patientID)
	if err != nil {
		return domain.QueryStatus{}, fmt.Errorf("get document query status: %w", err)
	}
	return status, nil
}

// Finalizer returns a completion hook for one run. The terminal transition is
// applied at most once; only the call that applied it reports its error.
func (t *QueryStatusTracker) Finalizer(tenantID, patientID string) *QueryFinalizer {
	return &QueryFinalizer{tracker: t, tenantID: tenantID, patientID: patientID}
}

type QueryFinalizer struct {
	tracker   *QueryStatusTracker
	tenantID  string
	patientID string

	once sync.Once
}

func (f *QueryFinalizer) Complete(ctx context.Context) error {
	var err error
	f.once.Do(func() {
		err = f.tracker.Complete(context.WithoutCancel(ctx), f.tenantID, f.patientID)
	})
	return err
}
