// ABOUTME: Merges relay deliveries and history pages into the session store
// ABOUTME: Confirms optimistic sends by echo and drops replayed server ids

package reconcile

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/consult-session/internal/session"
	"github.com/2389/consult-session/internal/wire"
)

// DefaultTolerance is how far an echo's createdAt may drift from the local
// send time and still confirm it.
const DefaultTolerance = 10 * time.Second

// Outcome is what a reconciliation did to the timeline.
type Outcome int

const (
	// OutcomeAppended means the payload became a new remote entry.
	OutcomeAppended Outcome = iota
	// OutcomeConfirmed means an optimistic entry was confirmed in place.
	OutcomeConfirmed
	// OutcomeDuplicate means the server id was already present.
	OutcomeDuplicate
)

func (o Outcome) String() string {
	switch o {
	case OutcomeConfirmed:
		return "confirmed"
	case OutcomeDuplicate:
		return "duplicate"
	default:
		return "appended"
	}
}

// Result describes one reconciled payload.
type Result struct {
	Outcome Outcome
	// Message is the entry as stored. Empty for duplicates.
	Message session.Message
	// LocalID is the optimistic id that was confirmed, if any.
	LocalID int64
}

// Config configures a Reconciler.
type Config struct {
	// LocalUserID is the identity whose echoes confirm optimistic sends.
	LocalUserID int64
	Tolerance   time.Duration
	Classifier  wire.Classifier
	// Now stamps payloads that arrive without createdAt.
	Now    func() time.Time
	Logger *slog.Logger
}

// Reconciler applies inbound payloads to a session store.
type Reconciler struct {
	mu     sync.Mutex
	store  *session.Store
	cfg    Config
	logger *slog.Logger
}

// New creates a reconciler over store.
func New(store *session.Store, cfg Config) *Reconciler {
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = DefaultTolerance
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		store:  store,
		cfg:    cfg,
		logger: logger.With("component", "reconcile"),
	}
}

// Reconcile merges one live delivery for roomID.
func (r *Reconciler) Reconcile(roomID int64, in *wire.InboundMessage) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.apply(roomID, in)
}

// MergeResult counts what a history merge did.
type MergeResult struct {
	Appended  int
	Confirmed int
	Duplicate int
	// Results holds the non-duplicate results in page order.
	Results []Result
}

// MergeHistory unions a history page with the live timeline. Entries the
// live stream already delivered are skipped; entries that answer a pending
// send confirm it.
func (r *Reconciler) MergeHistory(roomID int64, page []wire.InboundMessage) (MergeResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out MergeResult
	var errs []error
	for i := range page {
		res, err := r.apply(roomID, &page[i])
		if err != nil {
			errs = append(errs, err)
			continue
		}
		switch res.Outcome {
		case OutcomeAppended:
			out.Appended++
		case OutcomeConfirmed:
			out.Confirmed++
		case OutcomeDuplicate:
			out.Duplicate++
			continue
		}
		out.Results = append(out.Results, res)
	}
	return out, errors.Join(errs...)
}

func (r *Reconciler) apply(roomID int64, in *wire.InboundMessage) (Result, error) {
	createdAt := in.CreatedAt.Time
	if createdAt.IsZero() {
		createdAt = r.cfg.Now()
	}

	if in.UserID == r.cfg.LocalUserID {
		if local, ok := r.matchOwn(roomID, in, createdAt); ok {
			localID, _ := local.LocalID()
			confirmed, err := r.store.Confirm(roomID, localID, in.MessageID, createdAt)
			switch {
			case errors.Is(err, session.ErrDuplicateServerID):
				r.logger.Debug("echo already present", "room_id", roomID, "server_id", in.MessageID)
				return Result{Outcome: OutcomeDuplicate}, nil
			case err != nil:
				return Result{}, err
			}
			r.logger.Debug("confirmed optimistic message",
				"room_id", roomID, "local_id", localID, "server_id", in.MessageID)
			return Result{Outcome: OutcomeConfirmed, Message: confirmed, LocalID: localID}, nil
		}
	}

	if r.store.HasServerID(roomID, in.MessageID) {
		r.logger.Debug("dropping duplicate delivery", "room_id", roomID, "server_id", in.MessageID)
		return Result{Outcome: OutcomeDuplicate}, nil
	}

	kind := session.KindNormal
	if r.cfg.Classifier.Classify(in) {
		kind = session.KindSystem
	}
	appended, err := r.store.AppendExisting(session.Message{
		RoomID:         roomID,
		SenderID:       in.UserID,
		Content:        in.Content,
		Kind:           kind,
		SentAt:         createdAt,
		ConfirmedAt:    createdAt,
		State:          session.Confirmed{ServerID: in.MessageID},
		ClientMsgID:    in.ClientMsgID,
		AgentName:      in.AgentName,
		AgentAvatarURL: in.AgentAvatarURL,
	})
	if errors.Is(err, session.ErrDuplicateServerID) {
		return Result{Outcome: OutcomeDuplicate}, nil
	}
	if err != nil {
		return Result{}, err
	}
	return Result{Outcome: OutcomeAppended, Message: appended}, nil
}

// matchOwn finds the optimistic entry an echo answers. A client message id
// is an exact match; otherwise the earliest pending entry with the same
// content inside the tolerance wins, then the earliest failed one, so an
// echo that beats its own timeout is not shown twice.
func (r *Reconciler) matchOwn(roomID int64, in *wire.InboundMessage, createdAt time.Time) (session.Message, bool) {
	unconfirmed := func(m session.Message) bool {
		_, ok := m.LocalID()
		return ok
	}

	if in.ClientMsgID != "" {
		if m, ok := r.store.Find(roomID, func(m session.Message) bool {
			return unconfirmed(m) && m.ClientMsgID == in.ClientMsgID
		}); ok {
			return m, true
		}
	}

	near := func(m session.Message) bool {
		if m.Content != in.Content {
			return false
		}
		if in.ClientMsgID != "" && m.ClientMsgID != "" {
			return false
		}
		d := createdAt.Sub(m.SentAt)
		if d < 0 {
			d = -d
		}
		return d <= r.cfg.Tolerance
	}
	if m, ok := r.store.Find(roomID, func(m session.Message) bool {
		return m.IsPending() && near(m)
	}); ok {
		return m, true
	}
	return r.store.Find(roomID, func(m session.Message) bool {
		return m.IsFailed() && near(m)
	})
}
