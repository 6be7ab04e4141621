package service

import (
	"context"
	"log"
	"time"

	"sketch-sync/internal/clock"
	"sketch-sync/internal/domain"
	"sketch-sync/internal/repository"
	"sketch-sync/internal/transport"
	"sketch-sync/pkg/hash"
)

type ReplicationOptions struct {
	PushMode domain.PushMode
	// TombstoneRetention is how long a delete keeps suppressing stale copies.
	// Zero keeps tombstones forever.
	TombstoneRetention time.Duration
	QueueSize          int
}

// ReplicationService owns one device's sketch collection. Every read and
// write runs on the goroutine started by Run.
type ReplicationService struct {
	deviceID string
	repo     repository.SketchRepository
	peer     transport.Peer
	clock    clock.Clock
	opts     ReplicationOptions

	events  chan func()
	stopped chan struct{}

	// Owned by the Run goroutine.
	runCtx        context.Context
	state         *domain.ReplicaState
	activated     bool
	pending       int
	unsentDeletes int
	lastSyncedAt  time.Time
	lastPushedAt  time.Time
	lastDigest    hash.Digest
}

func NewReplicationService(
	deviceID string,
	repo repository.SketchRepository,
	peer transport.Peer,
	clk clock.Clock,
	opts ReplicationOptions,
) *ReplicationService {
	if opts.PushMode == "" {
		opts.PushMode = domain.PushModeBroadcast
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &ReplicationService{
		deviceID: deviceID,
		repo:     repo,
		peer:     peer,
		clock:    clk,
		opts:     opts,
		events:   make(chan func(), opts.QueueSize),
		stopped:  make(chan struct{}),
		state:    domain.NewReplicaState(),
	}
}

// Run loads persisted state, activates the peer and processes events until
// ctx is cancelled.
func (s *ReplicationService) Run(ctx context.Context) {
	defer close(s.stopped)

	s.runCtx = ctx
	s.load(ctx)

	s.peer.SetDelegate(s)
	s.peer.Activate()

	for {
		select {
		case fn := <-s.events:
			fn()
		case <-ctx.Done():
			log.Printf("[Replication] %s stopped", s.deviceID)
			return
		}
	}
}

// Done is closed once Run has returned.
func (s *ReplicationService) Done() <-chan struct{} {
	return s.stopped
}

func (s *ReplicationService) DeviceID() string {
	return s.deviceID
}

func (s *ReplicationService) load(ctx context.Context) {
	state, err := s.repo.Load(ctx)
	if err != nil {
		log.Printf("[Replication] failed to load state, starting empty: %v", err)
	}
	if state == nil {
		state = domain.NewReplicaState()
	}
	if state.Sketches == nil {
		state.Sketches = make(domain.Collection)
	}
	if state.Tombstones == nil {
		state.Tombstones = make(domain.Tombstones)
	}
	s.state = state

	if n := s.pruneTombstones(s.state); n > 0 {
		if err := s.repo.Save(ctx, s.state); err != nil {
			log.Printf("[Replication] failed to persist pruned tombstones: %v", err)
		}
	}
	log.Printf("[Replication] %s loaded %d sketches, %d tombstones", s.deviceID, len(s.state.Sketches), len(s.state.Tombstones))
}

// do runs fn on the loop and waits for it. ctx only bounds the wait for a
// queue slot; fn receives it for persistence.
func (s *ReplicationService) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	task := func() {
		defer close(done)
		fn()
	}

	select {
	case s.events <- task:
	case <-s.stopped:
		return ErrServiceStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	// Once queued, wait for the task itself so its outcome is reported even
	// after ctx ends.
	select {
	case <-done:
		return nil
	case <-s.stopped:
		select {
		case <-done:
			return nil
		default:
			return ErrServiceStopped
		}
	}
}

// post queues fn without waiting. Transport callbacks use it.
func (s *ReplicationService) post(fn func()) {
	select {
	case s.events <- fn:
	case <-s.stopped:
	}
}

// commit applies mutate and persists the result. A failed save restores the
// previous state.
func (s *ReplicationService) commit(ctx context.Context, op string, mutate func(st *domain.ReplicaState) bool) (bool, error) {
	before := s.state.Clone()
	if !mutate(s.state) {
		return false, nil
	}
	if err := s.repo.Save(ctx, s.state); err != nil {
		s.state = before
		return false, &PersistError{Op: op, Err: err}
	}
	return true, nil
}

func (s *ReplicationService) pruneTombstones(st *domain.ReplicaState) int {
	if s.opts.TombstoneRetention <= 0 {
		return 0
	}
	return st.Tombstones.Prune(s.clock.Now().Add(-s.opts.TombstoneRetention))
}

func (s *ReplicationService) Create(ctx context.Context, req *domain.CreateSketchRequest) (*domain.Sketch, error) {
	var created *domain.Sketch
	var opErr error

	err := s.do(ctx, func() {
		sketch := domain.NewSketch(s.clock.Now())
		if req != nil {
			if req.Name != "" {
				sketch.Name = req.Name
			}
			if req.Strokes != nil {
				sketch.Points = domain.FlattenStrokes(req.Strokes)
			}
		}

		if _, opErr = s.commit(ctx, "create", func(st *domain.ReplicaState) bool {
			st.Sketches[sketch.ID] = sketch
			return true
		}); opErr != nil {
			return
		}

		log.Printf("[Replication] created sketch %s", sketch.ID)
		s.propagate(false)
		out := sketch.Clone()
		created = &out
	})
	if err != nil {
		return nil, err
	}
	return created, opErr
}

// Update replaces name and points of an existing sketch. An unknown id is a
// no-op and reports ok=false.
func (s *ReplicationService) Update(ctx context.Context, id string, req *domain.UpdateSketchRequest) (*domain.Sketch, bool, error) {
	var updated *domain.Sketch
	var found bool
	var opErr error

	err := s.do(ctx, func() {
		current, exists := s.state.Sketches[id]
		if !exists {
			return
		}
		found = true

		next := current.Clone()
		if req != nil {
			if req.Name != nil {
				next.Name = *req.Name
			}
			if req.Strokes != nil {
				next.Points = domain.FlattenStrokes(req.Strokes)
			}
		}
		next.LastModified = s.clock.Now()

		if _, opErr = s.commit(ctx, "update", func(st *domain.ReplicaState) bool {
			st.Sketches[id] = next
			return true
		}); opErr != nil {
			return
		}

		s.propagate(false)
		out := next.Clone()
		updated = &out
	})
	if err != nil {
		return nil, false, err
	}
	return updated, found, opErr
}

// Delete removes a sketch locally and asks the peer to do the same. It never
// broadcasts a snapshot.
func (s *ReplicationService) Delete(ctx context.Context, id string) (bool, error) {
	var found bool
	var opErr error

	err := s.do(ctx, func() {
		if _, exists := s.state.Sketches[id]; !exists {
			return
		}
		found = true
		deletedAt := s.clock.Now()

		if _, opErr = s.commit(ctx, "delete", func(st *domain.ReplicaState) bool {
			delete(st.Sketches, id)
			st.Tombstones.Record(id, deletedAt)
			s.pruneTombstones(st)
			return true
		}); opErr != nil {
			return
		}

		log.Printf("[Replication] deleted sketch %s", id)
		s.sendDelete(id, deletedAt)
	})
	if err != nil {
		return false, err
	}
	return found, opErr
}

func (s *ReplicationService) sendDelete(id string, deletedAt time.Time) {
	if !s.peer.IsReachable() {
		s.unsentDeletes++
		log.Printf("[Replication] peer unreachable, delete of %s not sent", id)
		return
	}

	req := transport.DeleteRequest{DeviceID: s.deviceID, SketchID: id, DeletedAt: deletedAt}
	s.peer.SendMessage(req,
		func(p transport.Payload) {
			if ack, ok := p.(transport.DeleteAck); ok {
				log.Printf("[Replication] peer acknowledged delete of %s", ack.SketchID)
			}
		},
		func(err error) {
			log.Printf("[Replication] failed to send delete of %s: %v", id, err)
			s.post(func() { s.unsentDeletes++ })
		},
	)
}

// ReceiveSnapshot merges a peer snapshot into the local collection.
func (s *ReplicationService) ReceiveSnapshot(ctx context.Context, sketches []domain.Sketch) (domain.MergeResult, error) {
	var res domain.MergeResult
	var opErr error

	err := s.do(ctx, func() {
		res, opErr = s.receiveSnapshot(ctx, sketches)
	})
	if err != nil {
		return domain.MergeResult{}, err
	}
	return res, opErr
}

func (s *ReplicationService) receiveSnapshot(ctx context.Context, sketches []domain.Sketch) (domain.MergeResult, error) {
	var res domain.MergeResult
	_, err := s.commit(ctx, "merge", func(st *domain.ReplicaState) bool {
		res = mergeSnapshot(st, sketches)
		return res.Changed()
	})
	if err != nil {
		return domain.MergeResult{}, err
	}

	if res.Changed() || len(res.Suppressed) > 0 {
		log.Printf("[Replication] merged snapshot: %d inserted, %d replaced, %d kept, %d suppressed",
			len(res.Inserted), len(res.Replaced), res.Kept, len(res.Suppressed))
	}
	return res, nil
}

// ReceiveDelete removes id unconditionally. A zero deletedAt means now.
func (s *ReplicationService) ReceiveDelete(ctx context.Context, id string, deletedAt time.Time) (bool, error) {
	var removed bool
	var opErr error

	err := s.do(ctx, func() {
		removed, opErr = s.receiveDelete(ctx, id, deletedAt)
	})
	if err != nil {
		return false, err
	}
	return removed, opErr
}

func (s *ReplicationService) receiveDelete(ctx context.Context, id string, deletedAt time.Time) (bool, error) {
	if deletedAt.IsZero() {
		deletedAt = s.clock.Now()
	}

	var removed bool
	_, err := s.commit(ctx, "delete", func(st *domain.ReplicaState) bool {
		_, removed = st.Sketches[id]
		delete(st.Sketches, id)
		recorded := st.Tombstones.Record(id, deletedAt)
		s.pruneTombstones(st)
		return removed || recorded
	})
	if err != nil {
		return false, err
	}
	if removed {
		log.Printf("[Replication] peer deleted sketch %s", id)
	}
	return removed, nil
}

// RequestSnapshot asks the peer for its collection. The reply is merged on
// the loop when it arrives; a lost reply means no merge.
func (s *ReplicationService) RequestSnapshot(ctx context.Context) error {
	var opErr error
	err := s.do(ctx, func() {
		opErr = s.requestSnapshot()
	})
	if err != nil {
		return err
	}
	return opErr
}

func (s *ReplicationService) requestSnapshot() error {
	if !s.peer.IsReachable() {
		log.Printf("[Replication] peer unreachable, snapshot request dropped")
		return ErrPeerUnreachable
	}

	s.peer.SendMessage(transport.SnapshotRequest{DeviceID: s.deviceID},
		func(p transport.Payload) {
			s.post(func() { s.handlePayload(p, nil) })
		},
		func(err error) {
			log.Printf("[Replication] snapshot request failed: %v", err)
		},
	)
	return nil
}

// Push sends the full collection to the peer regardless of what was last
// broadcast.
func (s *ReplicationService) Push(ctx context.Context) error {
	var opErr error
	err := s.do(ctx, func() {
		if s.opts.PushMode == domain.PushModeMessage && !s.peer.IsReachable() {
			opErr = ErrPeerUnreachable
			return
		}
		s.propagate(true)
	})
	if err != nil {
		return err
	}
	return opErr
}

func (s *ReplicationService) snapshot() transport.SnapshotPush {
	return transport.SnapshotPush{DeviceID: s.deviceID, Sketches: s.state.Sketches.Sketches()}
}

// propagate pushes the collection after a local change. Delivery is best
// effort; a failed push leaves the peers diverged until the next sync.
func (s *ReplicationService) propagate(force bool) {
	push := s.snapshot()
	reachable := s.peer.IsReachable()

	if s.opts.PushMode == domain.PushModeMessage {
		if !reachable {
			s.pending++
			log.Printf("[Replication] peer unreachable, snapshot push dropped")
			return
		}
		s.peer.SendMessage(push, nil, func(err error) {
			log.Printf("[Replication] snapshot push failed: %v", err)
		})
		s.markPushed()
		return
	}

	data, err := transport.Marshal(push)
	if err != nil {
		log.Printf("[Replication] failed to encode snapshot: %v", err)
		return
	}
	digest := hash.Sum(data)
	if !force && !s.lastDigest.IsZero() && digest == s.lastDigest {
		return
	}
	if err := s.peer.Broadcast(push); err != nil {
		log.Printf("[Replication] failed to broadcast snapshot: %v", err)
		return
	}
	s.lastDigest = digest

	if reachable {
		s.markPushed()
	} else {
		s.pending++
	}
}

func (s *ReplicationService) markPushed() {
	s.pending = 0
	s.lastPushedAt = s.clock.Now()
}

// List returns the sketches most recently modified first.
func (s *ReplicationService) List(ctx context.Context) ([]domain.Sketch, error) {
	var out []domain.Sketch
	err := s.do(ctx, func() {
		out = s.state.Sketches.Newest()
	})
	return out, err
}

func (s *ReplicationService) Get(ctx context.Context, id string) (*domain.Sketch, bool, error) {
	var out *domain.Sketch
	err := s.do(ctx, func() {
		if sketch, ok := s.state.Sketches[id]; ok {
			c := sketch.Clone()
			out = &c
		}
	})
	if err != nil {
		return nil, false, err
	}
	return out, out != nil, nil
}

func (s *ReplicationService) Status(ctx context.Context) (*domain.SyncStatus, error) {
	var status *domain.SyncStatus
	err := s.do(ctx, func() {
		status = &domain.SyncStatus{
			DeviceID:       s.deviceID,
			Activated:      s.activated,
			Reachable:      s.peer.IsReachable(),
			PushMode:       s.opts.PushMode,
			SketchCount:    len(s.state.Sketches),
			TombstoneCount: len(s.state.Tombstones),
			PendingChanges: s.pending,
			UnsentDeletes:  s.unsentDeletes,
			LastSyncedAt:   timePtr(s.lastSyncedAt),
			LastPushedAt:   timePtr(s.lastPushedAt),
		}
	})
	return status, err
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// handlePayload dispatches one inbound payload. It runs on the loop.
func (s *ReplicationService) handlePayload(p transport.Payload, reply transport.ReplyFunc) {
	switch m := p.(type) {
	case transport.SnapshotRequest:
		if reply == nil {
			s.propagate(true)
			return
		}
		reply(s.snapshot())

	case transport.SnapshotPush:
		if _, err := s.receiveSnapshot(s.runCtx, m.Sketches); err != nil {
			log.Printf("[Replication] failed to merge snapshot from %s: %v", m.DeviceID, err)
			return
		}
		s.lastSyncedAt = s.clock.Now()
		if s.unsentDeletes > 0 {
			log.Printf("[Replication] snapshot exchange with %s done, %d deletes were never sent", m.DeviceID, s.unsentDeletes)
			s.unsentDeletes = 0
		}

	case transport.DeleteRequest:
		if _, err := s.receiveDelete(s.runCtx, m.SketchID, m.DeletedAt); err != nil {
			log.Printf("[Replication] failed to apply delete of %s: %v", m.SketchID, err)
			return
		}
		s.lastSyncedAt = s.clock.Now()
		if reply != nil {
			reply(transport.DeleteAck{SketchID: m.SketchID})
		}

	case transport.DeleteAck:
		log.Printf("[Replication] unsolicited delete ack for %s", m.SketchID)

	default:
		log.Printf("[Replication] ignoring payload %T", p)
	}
}

func (s *ReplicationService) OnBroadcastReceived(p transport.Payload) {
	s.post(func() { s.handlePayload(p, nil) })
}

func (s *ReplicationService) OnMessageReceived(p transport.Payload, reply transport.ReplyFunc) {
	s.post(func() { s.handlePayload(p, reply) })
}

func (s *ReplicationService) OnReachabilityChanged(reachable bool) {
	s.post(func() {
		if !reachable {
			log.Printf("[Replication] peer became unreachable")
			return
		}
		log.Printf("[Replication] peer reachable, syncing")
		s.requestSnapshot()
		s.propagate(true)
	})
}

func (s *ReplicationService) OnActivationComplete(err error) {
	s.post(func() {
		if err != nil {
			log.Printf("[Replication] peer activation failed: %v", err)
			return
		}
		s.activated = true
		log.Printf("[Replication] peer session activated")
		if s.peer.IsReachable() {
			s.requestSnapshot()
			s.propagate(false)
		}
	})
}
