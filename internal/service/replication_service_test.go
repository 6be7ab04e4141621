package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"sketch-sync/internal/clock"
	"sketch-sync/internal/domain"
	"sketch-sync/internal/repository"
	"sketch-sync/internal/transport"
)

type mockSketchRepo struct {
	mu      sync.Mutex
	state   *domain.ReplicaState
	loadErr error
	saveErr error
	saves   int
}

func newMockSketchRepo() *mockSketchRepo {
	return &mockSketchRepo{state: domain.NewReplicaState()}
}

func (m *mockSketchRepo) Load(ctx context.Context) (*domain.ReplicaState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return domain.NewReplicaState(), m.loadErr
	}
	return m.state.Clone(), nil
}

func (m *mockSketchRepo) Save(ctx context.Context, state *domain.ReplicaState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saves++
	m.state = state.Clone()
	return nil
}

func (m *mockSketchRepo) saveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

func (m *mockSketchRepo) failSaves(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveErr = err
}

func (m *mockSketchRepo) saved() *domain.ReplicaState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Clone()
}

// stubPeer records outbound traffic and never calls back.
type stubPeer struct {
	mu         sync.Mutex
	reachable  bool
	delegate   transport.Delegate
	broadcasts []transport.Payload
	sent       []transport.Payload
}

func (p *stubPeer) SetDelegate(d transport.Delegate) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.delegate = d
}

func (p *stubPeer) Activate() {}

func (p *stubPeer) IsReachable() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reachable
}

func (p *stubPeer) SendMessage(payload transport.Payload, onReply func(transport.Payload), onError func(error)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, payload)
}

func (p *stubPeer) Broadcast(payload transport.Payload) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.broadcasts = append(p.broadcasts, payload)
	return nil
}

func (p *stubPeer) setReachable(r bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reachable = r
}

func (p *stubPeer) counts() (broadcasts, sent int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.broadcasts), len(p.sent)
}

func (p *stubPeer) lastSent() transport.Payload {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sent) == 0 {
		return nil
	}
	return p.sent[len(p.sent)-1]
}

func at(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}

func startService(t *testing.T, deviceID string, repo repository.SketchRepository, peer transport.Peer, clk clock.Clock, opts ReplicationOptions) *ReplicationService {
	t.Helper()
	svc := NewReplicationService(deviceID, repo, peer, clk, opts)
	ctx, cancel := context.WithCancel(context.Background())
	go svc.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-svc.Done()
	})
	return svc
}

func newStubService(t *testing.T) (*ReplicationService, *mockSketchRepo, *stubPeer, *clock.FakeClock) {
	t.Helper()
	repo := newMockSketchRepo()
	peer := &stubPeer{}
	clk := clock.Fake(at(100))
	svc := startService(t, "phone", repo, peer, clk, ReplicationOptions{})
	return svc, repo, peer, clk
}

func mustCreate(t *testing.T, svc *ReplicationService, name string) *domain.Sketch {
	t.Helper()
	s, err := svc.Create(context.Background(), &domain.CreateSketchRequest{Name: name})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return s
}

func TestReplicationService_Create(t *testing.T) {
	svc, repo, peer, _ := newStubService(t)
	ctx := context.Background()

	sketch, err := svc.Create(ctx, nil)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if sketch.ID == "" {
		t.Error("expected sketch ID to be generated")
	}
	if sketch.Name != domain.DefaultSketchName {
		t.Errorf("expected default name, got %q", sketch.Name)
	}
	if !sketch.LastModified.Equal(at(100)) {
		t.Errorf("expected lastModified 100, got %v", sketch.LastModified)
	}
	if repo.saveCount() != 1 {
		t.Errorf("expected 1 save, got %d", repo.saveCount())
	}
	if b, _ := peer.counts(); b != 1 {
		t.Errorf("expected 1 broadcast, got %d", b)
	}
	if _, ok := repo.saved().Sketches[sketch.ID]; !ok {
		t.Error("expected sketch to be persisted")
	}
}

func TestReplicationService_CreateWithStrokes(t *testing.T) {
	svc, _, _, _ := newStubService(t)

	sketch, err := svc.Create(context.Background(), &domain.CreateSketchRequest{
		Name:    "Tree",
		Strokes: [][]domain.Point{{{X: 1, Y: 1}, {X: 2, Y: 2}}, {{X: 3, Y: 3}}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if sketch.Name != "Tree" {
		t.Errorf("expected name Tree, got %q", sketch.Name)
	}
	if len(sketch.Points) != 4 {
		t.Errorf("expected 4 points including one break, got %d", len(sketch.Points))
	}
	if len(sketch.Strokes()) != 2 {
		t.Errorf("expected 2 strokes, got %d", len(sketch.Strokes()))
	}
}

func TestReplicationService_UpdateMissingIsNoop(t *testing.T) {
	svc, repo, peer, _ := newStubService(t)
	name := "renamed"

	_, ok, err := svc.Update(context.Background(), "missing", &domain.UpdateSketchRequest{Name: &name})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if ok {
		t.Error("expected ok=false for unknown id")
	}
	if repo.saveCount() != 0 {
		t.Errorf("expected no save, got %d", repo.saveCount())
	}
	if b, s := peer.counts(); b != 0 || s != 0 {
		t.Errorf("expected no propagation, got %d broadcasts %d messages", b, s)
	}
}

func TestReplicationService_Update(t *testing.T) {
	svc, repo, peer, clk := newStubService(t)
	ctx := context.Background()
	created := mustCreate(t, svc, "Draft")

	clk.Set(at(150))
	name := "Final"
	updated, ok, err := svc.Update(ctx, created.ID, &domain.UpdateSketchRequest{Name: &name})
	if err != nil || !ok {
		t.Fatalf("Update() = %v, %v", ok, err)
	}
	if updated.Name != "Final" {
		t.Errorf("expected name Final, got %q", updated.Name)
	}
	if !updated.LastModified.Equal(at(150)) {
		t.Errorf("expected lastModified 150, got %v", updated.LastModified)
	}
	if repo.saveCount() != 2 {
		t.Errorf("expected 2 saves, got %d", repo.saveCount())
	}
	if b, _ := peer.counts(); b != 2 {
		t.Errorf("expected 2 broadcasts, got %d", b)
	}
}

func TestReplicationService_BroadcastSkipsUnchangedSnapshot(t *testing.T) {
	svc, _, peer, _ := newStubService(t)
	ctx := context.Background()
	created := mustCreate(t, svc, "Same")

	name := "Same"
	if _, _, err := svc.Update(ctx, created.ID, &domain.UpdateSketchRequest{Name: &name}); err != nil {
		t.Fatal(err)
	}
	if b, _ := peer.counts(); b != 1 {
		t.Errorf("expected identical snapshot not to be re-broadcast, got %d broadcasts", b)
	}

	if err := svc.Push(ctx); err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	if b, _ := peer.counts(); b != 2 {
		t.Errorf("expected forced push to broadcast, got %d broadcasts", b)
	}
}

func TestReplicationService_MessagePushMode(t *testing.T) {
	repo := newMockSketchRepo()
	peer := &stubPeer{}
	svc := startService(t, "phone", repo, peer, clock.Fake(at(100)), ReplicationOptions{PushMode: domain.PushModeMessage})
	ctx := context.Background()

	mustCreate(t, svc, "offline")
	if b, s := peer.counts(); b != 0 || s != 0 {
		t.Errorf("expected nothing sent while unreachable, got %d/%d", b, s)
	}
	if err := svc.Push(ctx); !errors.Is(err, ErrPeerUnreachable) {
		t.Errorf("expected ErrPeerUnreachable, got %v", err)
	}

	status, _ := svc.Status(ctx)
	if status.PendingChanges != 1 {
		t.Errorf("expected 1 pending change, got %d", status.PendingChanges)
	}

	peer.setReachable(true)
	mustCreate(t, svc, "online")
	if _, s := peer.counts(); s != 1 {
		t.Errorf("expected 1 message, got %d", s)
	}
	push, ok := peer.lastSent().(transport.SnapshotPush)
	if !ok || len(push.Sketches) != 2 {
		t.Errorf("expected snapshot of 2 sketches, got %+v", peer.lastSent())
	}

	status, _ = svc.Status(ctx)
	if status.PendingChanges != 0 || status.LastPushedAt == nil {
		t.Errorf("expected push to clear pending changes, got %+v", status)
	}
}

func TestReplicationService_Delete(t *testing.T) {
	tests := []struct {
		name       string
		reachable  bool
		wantSent   int
		wantUnsent int
	}{
		{name: "peer reachable", reachable: true, wantSent: 1, wantUnsent: 0},
		{name: "peer unreachable", reachable: false, wantSent: 0, wantUnsent: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, repo, peer, clk := newStubService(t)
			ctx := context.Background()
			created := mustCreate(t, svc, "doomed")
			peer.setReachable(tt.reachable)
			broadcastsBefore, _ := peer.counts()

			clk.Set(at(120))
			ok, err := svc.Delete(ctx, created.ID)
			if err != nil || !ok {
				t.Fatalf("Delete() = %v, %v", ok, err)
			}

			broadcasts, sent := peer.counts()
			if broadcasts != broadcastsBefore {
				t.Error("expected delete never to broadcast a snapshot")
			}
			if sent != tt.wantSent {
				t.Errorf("expected %d messages, got %d", tt.wantSent, sent)
			}
			if tt.wantSent > 0 {
				req, ok := peer.lastSent().(transport.DeleteRequest)
				if !ok || req.SketchID != created.ID || !req.DeletedAt.Equal(at(120)) {
					t.Errorf("unexpected delete request %+v", peer.lastSent())
				}
			}

			saved := repo.saved()
			if _, exists := saved.Sketches[created.ID]; exists {
				t.Error("expected sketch removed from store")
			}
			if !saved.Tombstones[created.ID].Equal(at(120)) {
				t.Errorf("expected tombstone at 120, got %v", saved.Tombstones[created.ID])
			}

			status, _ := svc.Status(ctx)
			if status.UnsentDeletes != tt.wantUnsent {
				t.Errorf("expected %d unsent deletes, got %d", tt.wantUnsent, status.UnsentDeletes)
			}
		})
	}
}

func TestReplicationService_DeleteMissingIsNoop(t *testing.T) {
	svc, repo, peer, _ := newStubService(t)
	peer.setReachable(true)

	ok, err := svc.Delete(context.Background(), "missing")
	if err != nil || ok {
		t.Fatalf("Delete() = %v, %v", ok, err)
	}
	if repo.saveCount() != 0 {
		t.Errorf("expected no save, got %d", repo.saveCount())
	}
	if _, s := peer.counts(); s != 0 {
		t.Errorf("expected no delete request, got %d", s)
	}
}

func TestReplicationService_ReceiveSnapshot(t *testing.T) {
	local := domain.Sketch{ID: "s1", Name: "local", LastModified: at(100)}

	tests := []struct {
		name     string
		remote   domain.Sketch
		wantName string
		changed  bool
	}{
		{name: "newer remote replaces", remote: domain.Sketch{ID: "s1", Name: "remote", LastModified: at(110)}, wantName: "remote", changed: true},
		{name: "older remote kept out", remote: domain.Sketch{ID: "s1", Name: "remote", LastModified: at(90)}, wantName: "local"},
		{name: "tie keeps local", remote: domain.Sketch{ID: "s1", Name: "remote", LastModified: at(100)}, wantName: "local"},
		{name: "absent id inserted", remote: domain.Sketch{ID: "s2", Name: "remote", LastModified: at(50)}, wantName: "local", changed: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newMockSketchRepo()
			repo.state.Sketches[local.ID] = local
			svc := startService(t, "phone", repo, &stubPeer{}, clock.Fake(at(200)), ReplicationOptions{})
			ctx := context.Background()

			res, err := svc.ReceiveSnapshot(ctx, []domain.Sketch{tt.remote})
			if err != nil {
				t.Fatal(err)
			}
			if res.Changed() != tt.changed {
				t.Errorf("expected changed=%v, got %+v", tt.changed, res)
			}

			got, ok, _ := svc.Get(ctx, "s1")
			if !ok || got.Name != tt.wantName {
				t.Errorf("expected s1 name %q, got %+v", tt.wantName, got)
			}
			wantSaves := 0
			if tt.changed {
				wantSaves = 1
			}
			if repo.saveCount() != wantSaves {
				t.Errorf("expected %d saves, got %d", wantSaves, repo.saveCount())
			}
		})
	}
}

func TestReplicationService_ReceiveSnapshotIdempotent(t *testing.T) {
	svc, repo, _, _ := newStubService(t)
	ctx := context.Background()
	remote := []domain.Sketch{
		{ID: "a", Name: "A", LastModified: at(10)},
		{ID: "b", Name: "B", Points: []domain.Point{{X: 1, Y: 2}}, LastModified: at(20)},
	}

	if _, err := svc.ReceiveSnapshot(ctx, remote); err != nil {
		t.Fatal(err)
	}
	first, _ := svc.List(ctx)

	res, err := svc.ReceiveSnapshot(ctx, remote)
	if err != nil {
		t.Fatal(err)
	}
	if res.Changed() || res.Kept != 2 {
		t.Errorf("expected second merge to change nothing, got %+v", res)
	}
	second, _ := svc.List(ctx)

	if !domain.CollectionFromSketches(first).Equal(domain.CollectionFromSketches(second)) {
		t.Error("expected identical collections after repeated merge")
	}
	if repo.saveCount() != 1 {
		t.Errorf("expected 1 save, got %d", repo.saveCount())
	}
}

func TestReplicationService_ReceiveSnapshotNonDestructive(t *testing.T) {
	svc, _, _, _ := newStubService(t)
	ctx := context.Background()
	mine := mustCreate(t, svc, "mine")

	if _, err := svc.ReceiveSnapshot(ctx, []domain.Sketch{}); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.ReceiveSnapshot(ctx, []domain.Sketch{{ID: "other", Name: "o", LastModified: at(1)}}); err != nil {
		t.Fatal(err)
	}

	if _, ok, _ := svc.Get(ctx, mine.ID); !ok {
		t.Error("expected local sketch to survive snapshots that omit it")
	}
}

func TestReplicationService_DeleteSuppressesStaleCopies(t *testing.T) {
	svc, _, _, clk := newStubService(t)
	ctx := context.Background()
	created := mustCreate(t, svc, "S1")

	clk.Set(at(120))
	if _, err := svc.Delete(ctx, created.ID); err != nil {
		t.Fatal(err)
	}

	stale := created.Clone()
	res, err := svc.ReceiveSnapshot(ctx, []domain.Sketch{stale})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Suppressed) != 1 || res.Changed() {
		t.Errorf("expected stale copy suppressed, got %+v", res)
	}
	if _, ok, _ := svc.Get(ctx, created.ID); ok {
		t.Error("expected deleted sketch not to be re-inserted")
	}

	edited := created.Clone()
	edited.Name = "edited after delete"
	edited.LastModified = at(130)
	res, err = svc.ReceiveSnapshot(ctx, []domain.Sketch{edited})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Inserted) != 1 {
		t.Errorf("expected newer edit to win over delete, got %+v", res)
	}

	status, _ := svc.Status(ctx)
	if status.TombstoneCount != 0 {
		t.Errorf("expected tombstone cleared, got %d", status.TombstoneCount)
	}
}

func TestReplicationService_ReceiveDelete(t *testing.T) {
	svc, repo, _, clk := newStubService(t)
	ctx := context.Background()
	created := mustCreate(t, svc, "S1")

	removed, err := svc.ReceiveDelete(ctx, created.ID, at(90))
	if err != nil || !removed {
		t.Fatalf("ReceiveDelete() = %v, %v", removed, err)
	}
	if !repo.saved().Tombstones[created.ID].Equal(at(90)) {
		t.Errorf("expected sender's deletion time to be kept")
	}

	clk.Set(at(300))
	removed, err = svc.ReceiveDelete(ctx, "never-seen", time.Time{})
	if err != nil || removed {
		t.Fatalf("ReceiveDelete() = %v, %v", removed, err)
	}
	if !repo.saved().Tombstones["never-seen"].Equal(at(300)) {
		t.Errorf("expected local clock fallback for zero deletion time")
	}
}

func TestReplicationService_PersistFailureRollsBack(t *testing.T) {
	svc, repo, peer, _ := newStubService(t)
	ctx := context.Background()
	kept := mustCreate(t, svc, "kept")
	broadcastsBefore, _ := peer.counts()

	repo.failSaves(errors.New("disk full"))

	_, err := svc.Create(ctx, &domain.CreateSketchRequest{Name: "lost"})
	var perr *PersistError
	if !errors.As(err, &perr) {
		t.Fatalf("expected PersistError, got %v", err)
	}
	if perr.Op != "create" {
		t.Errorf("expected op create, got %s", perr.Op)
	}

	if _, err := svc.Delete(ctx, kept.ID); !errors.As(err, &perr) {
		t.Fatalf("expected PersistError on delete, got %v", err)
	}
	if _, err := svc.ReceiveSnapshot(ctx, []domain.Sketch{{ID: "remote", Name: "r", LastModified: at(1)}}); !errors.As(err, &perr) {
		t.Fatalf("expected PersistError on merge, got %v", err)
	}

	list, _ := svc.List(ctx)
	if len(list) != 1 || list[0].ID != kept.ID {
		t.Errorf("expected only the original sketch after rollback, got %+v", list)
	}
	status, _ := svc.Status(ctx)
	if status.TombstoneCount != 0 {
		t.Errorf("expected tombstone rolled back, got %d", status.TombstoneCount)
	}
	if b, _ := peer.counts(); b != broadcastsBefore {
		t.Error("expected no propagation after a failed save")
	}
}

func TestReplicationService_CorruptLoadStartsEmpty(t *testing.T) {
	repo := newMockSketchRepo()
	repo.loadErr = fmt.Errorf("%w: bad bytes", repository.ErrCorruptState)
	svc := startService(t, "phone", repo, &stubPeer{}, clock.Fake(at(100)), ReplicationOptions{})
	ctx := context.Background()

	list, err := svc.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 0 {
		t.Errorf("expected empty collection, got %d", len(list))
	}
	mustCreate(t, svc, "fresh")
	if repo.saveCount() != 1 {
		t.Errorf("expected service to keep working after corrupt load")
	}
}

func TestReplicationService_LoadPrunesExpiredTombstones(t *testing.T) {
	repo := newMockSketchRepo()
	repo.state.Tombstones["old"] = at(0)
	repo.state.Tombstones["recent"] = at(9000)
	svc := startService(t, "phone", repo, &stubPeer{}, clock.Fake(at(10000)), ReplicationOptions{TombstoneRetention: time.Hour})

	status, err := svc.Status(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if status.TombstoneCount != 1 {
		t.Errorf("expected 1 tombstone after pruning, got %d", status.TombstoneCount)
	}
	if _, ok := repo.saved().Tombstones["old"]; ok {
		t.Error("expected pruned tombstone to be persisted")
	}
}

func TestReplicationService_RequestSnapshot(t *testing.T) {
	svc, _, peer, _ := newStubService(t)
	ctx := context.Background()

	if err := svc.RequestSnapshot(ctx); !errors.Is(err, ErrPeerUnreachable) {
		t.Errorf("expected ErrPeerUnreachable, got %v", err)
	}
	if _, s := peer.counts(); s != 0 {
		t.Errorf("expected nothing sent, got %d", s)
	}

	peer.setReachable(true)
	if err := svc.RequestSnapshot(ctx); err != nil {
		t.Fatalf("RequestSnapshot() error = %v", err)
	}
	if _, ok := peer.lastSent().(transport.SnapshotRequest); !ok {
		t.Errorf("expected SnapshotRequest, got %T", peer.lastSent())
	}
}

func TestReplicationService_ListNewestFirst(t *testing.T) {
	svc, _, _, clk := newStubService(t)
	ctx := context.Background()

	mustCreate(t, svc, "first")
	clk.Set(at(200))
	mustCreate(t, svc, "second")

	list, err := svc.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].Name != "second" {
		t.Errorf("expected newest first, got %+v", list)
	}
}

func TestReplicationService_Stopped(t *testing.T) {
	repo := newMockSketchRepo()
	svc := NewReplicationService("phone", repo, &stubPeer{}, clock.Fake(at(1)), ReplicationOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	go svc.Run(ctx)
	cancel()
	<-svc.Done()

	if _, err := svc.List(context.Background()); !errors.Is(err, ErrServiceStopped) {
		t.Errorf("expected ErrServiceStopped, got %v", err)
	}
}

func TestReplicationService_SnapshotExchangeClearsUnsentDeletes(t *testing.T) {
	svc, _, peer, clk := newStubService(t)
	ctx := context.Background()
	created := mustCreate(t, svc, "doomed")

	peer.setReachable(false)
	clk.Set(at(120))
	if ok, err := svc.Delete(ctx, created.ID); err != nil || !ok {
		t.Fatalf("Delete() = %v, %v", ok, err)
	}
	if status, _ := svc.Status(ctx); status.UnsentDeletes != 1 {
		t.Fatalf("expected 1 unsent delete, got %d", status.UnsentDeletes)
	}

	peer.setReachable(true)
	clk.Set(at(130))
	svc.OnBroadcastReceived(transport.SnapshotPush{DeviceID: "watch"})

	eventually(t, "unsent deletes cleared", func() bool {
		status, err := svc.Status(ctx)
		return err == nil && status.UnsentDeletes == 0 && status.LastSyncedAt != nil
	})
}

func TestReplicationService_CancelAfterQueueReportsOutcome(t *testing.T) {
	svc, repo, _, _ := newStubService(t)

	started := make(chan struct{})
	release := make(chan struct{})
	svc.post(func() {
		close(started)
		<-release
	})
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	type result struct {
		sketch *domain.Sketch
		err    error
	}
	results := make(chan result, 1)
	go func() {
		s, err := svc.Create(ctx, &domain.CreateSketchRequest{Name: "queued"})
		results <- result{s, err}
	}()

	eventually(t, "create queued", func() bool { return len(svc.events) == 1 })
	cancel()
	close(release)

	res := <-results
	if res.err != nil {
		t.Fatalf("expected the queued create to report its outcome, got %v", res.err)
	}
	if _, ok := repo.saved().Sketches[res.sketch.ID]; !ok {
		t.Error("expected the created sketch to be persisted")
	}
}
