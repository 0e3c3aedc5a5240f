package validation

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/openradx/exammatch/internal/domain/exam"
	"github.com/openradx/exammatch/internal/infrastructure/monitoring/logging"
	apperrors "github.com/openradx/exammatch/pkg/errors"
)

// Snapshot is the read-optimized projection of the validation store the
// matching pipeline consults on its hot path.  It is immutable; the service
// swaps in a complete replacement after every write.
type Snapshot struct {
	Approved map[string]exam.ApprovedMapping
	Failed   map[string]bool
	BuiltAt  time.Time
}

// EmptySnapshot returns a snapshot with no decisions.
func EmptySnapshot() *Snapshot {
	return &Snapshot{
		Approved: map[string]exam.ApprovedMapping{},
		Failed:   map[string]bool{},
	}
}

// SnapshotSink receives every freshly built snapshot, e.g. to publish it to
// a shared cache for other engine instances.
type SnapshotSink interface {
	PublishSnapshot(ctx context.Context, snap *Snapshot) error
}

// Service coordinates validation records, reviewer decisions, and the hot
// path snapshot.
type Service struct {
	store    Store
	sink     SnapshotSink
	logger   logging.Logger
	now      func() time.Time
	snapshot atomic.Pointer[Snapshot]
	rebuilds singleflight.Group
}

// Option configures a Service.
type Option func(*Service)

// WithSnapshotSink publishes rebuilt snapshots to sink.
func WithSnapshotSink(sink SnapshotSink) Option {
	return func(s *Service) { s.sink = sink }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a validation service with an empty snapshot.  Call
// RebuildSnapshot after construction when the store already holds records.
func NewService(store Store, logger logging.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	s := &Service{
		store:  store,
		logger: logger.Named("validation"),
		now:    time.Now,
	}
	s.snapshot.Store(EmptySnapshot())
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enqueue records an engine result for review.  An input that already has a
// record keeps it: a decided record must not silently revert to pending, and
// a pending record keeps its original proposal for the reviewer.
func (s *Service) Enqueue(ctx context.Context, in *exam.NormalizedInput, result *exam.MatchResult) (*Record, error) {
	id := in.UniqueID()
	if existing, err := s.store.Get(ctx, id); err == nil {
		return existing, nil
	} else if !apperrors.IsCode(err, apperrors.ErrCodeValidationRecordNotFound) {
		return nil, err
	}

	record := NewRecord(in, result, s.now())
	if err := s.store.Put(ctx, record); err != nil {
		return nil, err
	}
	s.logger.Debug("queued for validation",
		logging.String("unique_input_id", record.UniqueInputID),
		logging.String("concept_id", record.ConceptID))
	return record, nil
}

// Decide applies reviewer decisions one by one.  Every applicable decision
// is applied even when an earlier one fails; the error reports how many
// failed.  The snapshot is rebuilt once at the end.
func (s *Service) Decide(ctx context.Context, decisions []Decision) error {
	failures := 0
	for _, d := range decisions {
		if err := s.applyOne(ctx, d); err != nil {
			failures++
			s.logger.Warn("decision not applied",
				logging.String("unique_input_id", d.UniqueInputID),
				logging.String("action", string(d.Action)),
				logging.Err(err))
		}
	}
	if err := s.RebuildSnapshot(ctx); err != nil {
		return err
	}
	if failures > 0 {
		return apperrors.Newf(apperrors.ErrCodeInvalidTransition,
			"%d of %d decisions not applied", failures, len(decisions))
	}
	return nil
}

func (s *Service) applyOne(ctx context.Context, d Decision) error {
	_, err := s.store.Update(ctx, d.UniqueInputID, func(r *Record) error {
		return r.Apply(d, s.now())
	})
	return err
}

// FinalizeReview implements validation by exception: the reviewer submits
// decisions only for the records that need intervention, and every remaining
// pending record that carries an engine proposal is approved as-is.  Pending
// records without a proposal stay pending, as do records the reviewer
// deferred.  Returns the counts of records auto-approved and failed during
// this pass.
func (s *Service) FinalizeReview(ctx context.Context, exceptions []Decision) (autoApproved, failed int, err error) {
	excepted := make(map[string]bool, len(exceptions))
	for _, d := range exceptions {
		excepted[d.UniqueInputID] = true
		if err := s.applyOne(ctx, d); err != nil {
			return 0, 0, err
		}
		if d.Action == ActionReject {
			failed++
		}
	}

	pending, err := s.store.ListByStatus(ctx, StatusPending)
	if err != nil {
		return 0, failed, err
	}
	for _, r := range pending {
		if excepted[r.UniqueInputID] || r.Deferred() || r.ConceptID == "" {
			continue
		}
		d := Decision{UniqueInputID: r.UniqueInputID, Action: ActionApprove, Note: "auto-approved on review finalization"}
		if err := s.applyOne(ctx, d); err != nil {
			return autoApproved, failed, err
		}
		autoApproved++
	}

	if err := s.RebuildSnapshot(ctx); err != nil {
		return autoApproved, failed, err
	}
	s.logger.Info("review finalized",
		logging.Int("auto_approved", autoApproved),
		logging.Int("exceptions", len(exceptions)))
	return autoApproved, failed, nil
}

// RebuildSnapshot replaces the hot path snapshot with a fresh projection of
// the store.  Readers either see the old snapshot or the new one, never a
// mix.  Concurrent rebuild requests coalesce into a single store scan.
func (s *Service) RebuildSnapshot(ctx context.Context) error {
	_, err, _ := s.rebuilds.Do("rebuild", func() (interface{}, error) {
		return nil, s.rebuildSnapshot(ctx)
	})
	return err
}

func (s *Service) rebuildSnapshot(ctx context.Context) error {
	approved, err := s.store.ListByStatus(ctx, StatusApproved)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeSnapshotRebuildFailed, "list approved records")
	}
	failedRecords, err := s.store.ListByStatus(ctx, StatusFailed)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeSnapshotRebuildFailed, "list failed records")
	}

	snap := &Snapshot{
		Approved: make(map[string]exam.ApprovedMapping, len(approved)),
		Failed:   make(map[string]bool, len(failedRecords)),
		BuiltAt:  s.now(),
	}
	for _, r := range approved {
		snap.Approved[r.UniqueInputID] = r.Mapping()
	}
	for _, r := range failedRecords {
		snap.Failed[r.UniqueInputID] = true
	}
	s.snapshot.Store(snap)

	if s.sink != nil {
		if err := s.sink.PublishSnapshot(ctx, snap); err != nil {
			// The local snapshot is already live; publication is advisory.
			s.logger.Warn("snapshot publication failed", logging.Err(err))
		}
	}
	return nil
}

// Approved returns the frozen mapping for an input, if one exists.
func (s *Service) Approved(uniqueInputID string) (exam.ApprovedMapping, bool) {
	m, ok := s.snapshot.Load().Approved[uniqueInputID]
	return m, ok
}

// IsFailed reports whether the input is excluded by a failed validation.
func (s *Service) IsFailed(uniqueInputID string) bool {
	return s.snapshot.Load().Failed[uniqueInputID]
}

// CurrentSnapshot returns the live snapshot.
func (s *Service) CurrentSnapshot() *Snapshot {
	return s.snapshot.Load()
}
