package store_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/synapse-hq/synapse/internal/store"
	"github.com/synapse-hq/synapse/pkg/models"
)

// fakeClock is a manually advanced time source so expiry tests never
// sleep.
type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

// newTestStore creates a fresh in-memory store with no persistence.
func newTestStore(t *testing.T) (store.Store, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	s := store.NewMemoryStore(store.MemoryOptions{Now: clock.Now})
	t.Cleanup(func() { s.Close() })
	return s, clock
}

func putEntry(t *testing.T, s store.Store, ns, id, content string, expected string) *models.Entry {
	t.Helper()
	e, err := s.PutEntry(context.Background(), &models.Entry{
		Workspace: "default",
		Namespace: ns,
		ID:        id,
		From:      "agent-a",
		Content:   content,
		Priority:  models.PriorityNormal,
	}, expected)
	if err != nil {
		t.Fatalf("PutEntry(%s/%s) error = %v", ns, id, err)
	}
	return e
}

// ─── Entry CAS ───────────────────────────────────────────────

func TestPutEntry_CreateThenUpdate(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	first := putEntry(t, s, "tasks", "t1", "build", "")
	if first.Fingerprint == "" {
		t.Fatal("PutEntry() returned empty fingerprint")
	}
	if first.Seq == 0 {
		t.Error("PutEntry() Seq = 0, want > 0")
	}

	second := putEntry(t, s, "tasks", "t1", "build faster", first.Fingerprint)
	if second.Fingerprint == first.Fingerprint {
		t.Error("fingerprint unchanged after content mutation")
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("CreatedAt changed on update: %v → %v", first.CreatedAt, second.CreatedAt)
	}
	if second.Seq <= first.Seq {
		t.Errorf("Seq did not advance: %d → %d", first.Seq, second.Seq)
	}

	got, err := s.GetEntry(ctx, "default", "tasks", "t1")
	if err != nil {
		t.Fatalf("GetEntry() error = %v", err)
	}
	if got.Content != "build faster" {
		t.Errorf("Content = %q, want %q", got.Content, "build faster")
	}
}

func TestPutEntry_StaleFingerprintConflicts(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	first := putEntry(t, s, "tasks", "t1", "v1", "")
	putEntry(t, s, "tasks", "t1", "v2", first.Fingerprint)

	// Second writer still holds the original fingerprint.
	_, err := s.PutEntry(ctx, &models.Entry{
		Workspace: "default", Namespace: "tasks", ID: "t1",
		Content: "v2-conflicting", Priority: models.PriorityNormal,
	}, first.Fingerprint)
	if !models.IsConflict(err) {
		t.Fatalf("PutEntry() with stale fingerprint error = %v, want conflict", err)
	}
}

func TestPutEntry_ConcurrentWritersOneWins(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	base := putEntry(t, s, "tasks", "t1", "v0", "")

	// Two writers race holding the same fingerprint: exactly one
	// check-and-set may land.
	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for _, content := range []string{"left", "right"} {
		wg.Add(1)
		go func(content string) {
			defer wg.Done()
			_, err := s.PutEntry(ctx, &models.Entry{
				Workspace: "default", Namespace: "tasks", ID: "t1",
				Content: content, Priority: models.PriorityNormal,
			}, base.Fingerprint)
			errs <- err
		}(content)
	}
	wg.Wait()
	close(errs)

	var wins, conflicts int
	for err := range errs {
		switch {
		case err == nil:
			wins++
		case models.IsConflict(err):
			conflicts++
		default:
			t.Fatalf("PutEntry() error = %v", err)
		}
	}
	if wins != 1 || conflicts != 1 {
		t.Errorf("racing writers: %d won, %d conflicted, want exactly one of each", wins, conflicts)
	}
}

func TestPutEntry_FingerprintOnMissingEntryConflicts(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.PutEntry(context.Background(), &models.Entry{
		Workspace: "default", Namespace: "tasks", ID: "ghost",
		Content: "x", Priority: models.PriorityNormal,
	}, "deadbeef")
	if !models.IsConflict(err) {
		t.Fatalf("PutEntry() against missing entry with fingerprint error = %v, want conflict", err)
	}
}

func TestPutEntry_IdenticalContentSameFingerprint(t *testing.T) {
	s, _ := newTestStore(t)

	first := putEntry(t, s, "tasks", "t1", "same", "")
	second := putEntry(t, s, "tasks", "t1", "same", first.Fingerprint)
	if second.Fingerprint != first.Fingerprint {
		t.Errorf("identical state produced different fingerprints: %q vs %q",
			first.Fingerprint, second.Fingerprint)
	}
}

// ─── Freeze ──────────────────────────────────────────────────

func TestFreezeEntry(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	e := putEntry(t, s, "tasks", "t1", "final", "")

	frozen, err := s.FreezeEntry(ctx, "default", "tasks", "t1", e.Fingerprint)
	if err != nil {
		t.Fatalf("FreezeEntry() error = %v", err)
	}
	if !frozen.Frozen {
		t.Error("FreezeEntry() Frozen = false")
	}
	if frozen.Fingerprint == e.Fingerprint {
		t.Error("fingerprint unchanged after freeze")
	}

	// Any further mutation fails regardless of fingerprint.
	_, err = s.PutEntry(ctx, &models.Entry{
		Workspace: "default", Namespace: "tasks", ID: "t1",
		Content: "edit", Priority: models.PriorityNormal,
	}, frozen.Fingerprint)
	var frozenErr *models.FrozenEntryError
	if !errors.As(err, &frozenErr) {
		t.Fatalf("PutEntry() on frozen entry error = %v, want FrozenEntryError", err)
	}

	_, err = s.FreezeEntry(ctx, "default", "tasks", "t1", frozen.Fingerprint)
	if !errors.As(err, &frozenErr) {
		t.Fatalf("second FreezeEntry() error = %v, want FrozenEntryError", err)
	}
}

func TestFreezeEntry_RequiresFingerprint(t *testing.T) {
	s, _ := newTestStore(t)

	putEntry(t, s, "tasks", "t1", "v1", "")
	_, err := s.FreezeEntry(context.Background(), "default", "tasks", "t1", "")
	if !models.IsConflict(err) {
		t.Fatalf("FreezeEntry() without fingerprint error = %v, want conflict", err)
	}
}

// ─── Expiry ──────────────────────────────────────────────────

func TestEntryExpiry(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	_, err := s.PutEntry(ctx, &models.Entry{
		Workspace: "default", Namespace: "tasks", ID: "t1",
		Content: "ephemeral", Priority: models.PriorityNormal,
		TTL: time.Minute,
	}, "")
	if err != nil {
		t.Fatalf("PutEntry() error = %v", err)
	}

	list, _ := s.ListEntries(ctx, "default", "tasks", models.EntryFilter{})
	if len(list) != 1 {
		t.Fatalf("ListEntries() before expiry = %d entries, want 1", len(list))
	}

	clock.Advance(2 * time.Minute)

	list, _ = s.ListEntries(ctx, "default", "tasks", models.EntryFilter{})
	if len(list) != 0 {
		t.Fatalf("ListEntries() after expiry = %d entries, want 0", len(list))
	}

	// A write to the expired id is a create: no fingerprint needed and
	// CreatedAt restarts.
	fresh := putEntry(t, s, "tasks", "t1", "reborn", "")
	if fresh.ExpiresAt != nil {
		t.Error("recreated entry inherited expiry from its expired predecessor")
	}
}

func TestPutEntry_ZeroTTLPreservesExpiry(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	e, err := s.PutEntry(ctx, &models.Entry{
		Workspace: "default", Namespace: "tasks", ID: "t1",
		Content: "v1", Priority: models.PriorityNormal,
		TTL: time.Hour,
	}, "")
	if err != nil {
		t.Fatalf("PutEntry() error = %v", err)
	}
	wantExpiry := *e.ExpiresAt

	clock.Advance(time.Minute)
	updated := putEntry(t, s, "tasks", "t1", "v2", e.Fingerprint)
	if updated.ExpiresAt == nil || !updated.ExpiresAt.Equal(wantExpiry) {
		t.Errorf("update with zero TTL changed expiry: got %v, want %v", updated.ExpiresAt, wantExpiry)
	}
}

func TestReapExpired(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	s.PutEntry(ctx, &models.Entry{
		Workspace: "default", Namespace: "tasks", ID: "short",
		Content: "x", Priority: models.PriorityNormal, TTL: time.Minute,
	}, "")
	putEntry(t, s, "tasks", "keep", "y", "")

	clock.Advance(time.Hour)

	n, err := s.ReapExpired(ctx, clock.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("ReapExpired() error = %v", err)
	}
	if n != 1 {
		t.Errorf("ReapExpired() = %d, want 1", n)
	}
	if _, err := s.GetEntry(ctx, "default", "tasks", "short"); !models.IsNotFound(err) {
		t.Errorf("GetEntry() after reap error = %v, want not found", err)
	}
	if _, err := s.GetEntry(ctx, "default", "tasks", "keep"); err != nil {
		t.Errorf("GetEntry() of unexpired entry error = %v", err)
	}
}

// ─── Pagination ──────────────────────────────────────────────

func TestListEntries_CursorNeverRedelivers(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c", "d", "e"} {
		putEntry(t, s, "feed", id, "entry "+id, "")
		clock.Advance(time.Second)
	}

	seen := map[string]bool{}
	since := time.Time{}
	for {
		page, err := s.ListEntries(ctx, "default", "feed", models.EntryFilter{Since: &since, Limit: 2})
		if err != nil {
			t.Fatalf("ListEntries() error = %v", err)
		}
		if len(page) == 0 {
			break
		}
		for _, e := range page {
			if seen[e.ID] {
				t.Fatalf("entry %q delivered twice", e.ID)
			}
			seen[e.ID] = true
		}
		since = page[len(page)-1].UpdatedAt
	}
	if len(seen) != 5 {
		t.Errorf("cursor scan returned %d entries, want 5", len(seen))
	}
}

func TestListEntries_DefaultOrderNewestFirst(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	putEntry(t, s, "feed", "old", "1", "")
	clock.Advance(time.Second)
	putEntry(t, s, "feed", "new", "2", "")

	list, err := s.ListEntries(ctx, "default", "feed", models.EntryFilter{})
	if err != nil {
		t.Fatalf("ListEntries() error = %v", err)
	}
	if len(list) != 2 || list[0].ID != "new" {
		t.Errorf("ListEntries() order = %v, want newest first", ids(list))
	}
}

func TestListEntries_SameInstantWritesStayOrdered(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	// Both writes land on one clock instant; stored timestamps must
	// still be distinct so ordering and cursors stay total.
	s.PutEntry(ctx, &models.Entry{
		Workspace: "default", Namespace: "feed", ID: "first",
		Content: "x", Priority: models.PriorityLow,
	}, "")
	s.PutEntry(ctx, &models.Entry{
		Workspace: "default", Namespace: "feed", ID: "second",
		Content: "y", Priority: models.PriorityCritical,
	}, "")

	list, _ := s.ListEntries(ctx, "default", "feed", models.EntryFilter{})
	if len(list) != 2 || list[0].ID != "second" {
		t.Fatalf("ListEntries() order = %v, want the later write first", ids(list))
	}
	if !list[0].UpdatedAt.After(list[1].UpdatedAt) {
		t.Errorf("same-instant writes share UpdatedAt %v", list[0].UpdatedAt)
	}
}

func TestListEntries_CursorSurvivesSameInstantWrites(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	// Two writes on one clock instant, paged one at a time: advancing
	// the cursor to the first page's timestamp must not drop the
	// second entry.
	putEntry(t, s, "tasks", "a", "1", "")
	putEntry(t, s, "tasks", "b", "2", "")

	since := time.Time{}
	first, err := s.ListEntries(ctx, "default", "tasks", models.EntryFilter{Since: &since, Limit: 1})
	if err != nil {
		t.Fatalf("ListEntries() error = %v", err)
	}
	if len(first) != 1 {
		t.Fatalf("first page = %d entries, want 1", len(first))
	}

	cursor := first[0].UpdatedAt
	rest, err := s.ListEntries(ctx, "default", "tasks", models.EntryFilter{Since: &cursor})
	if err != nil {
		t.Fatalf("ListEntries() error = %v", err)
	}
	if len(rest) != 1 || rest[0].ID == first[0].ID {
		t.Fatalf("second page = %v after %v, want the remaining entry", ids(rest), ids(first))
	}
}

func TestListEntries_TagFilter(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	s.PutEntry(ctx, &models.Entry{
		Workspace: "default", Namespace: "feed", ID: "tagged",
		Content: "x", Priority: models.PriorityNormal, Tags: []string{"urgent", "infra"},
	}, "")
	putEntry(t, s, "feed", "plain", "y", "")

	list, _ := s.ListEntries(ctx, "default", "feed", models.EntryFilter{Tag: "urgent"})
	if len(list) != 1 || list[0].ID != "tagged" {
		t.Errorf("ListEntries(tag=urgent) = %v, want [tagged]", ids(list))
	}
}

// ─── Grants ──────────────────────────────────────────────────

func TestDeleteGrant_LastAdminProtected(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	admin := &models.Grant{
		Workspace: "default", Namespace: "tasks",
		Subject: "alice", SubjectKind: models.SubjectAgent,
		Level: models.LevelAdmin,
	}
	if err := s.PutGrant(ctx, admin); err != nil {
		t.Fatalf("PutGrant() error = %v", err)
	}

	err := s.DeleteGrant(ctx, "default", "tasks", "alice")
	var lastAdmin *models.LastAdminError
	if !errors.As(err, &lastAdmin) {
		t.Fatalf("DeleteGrant() of sole admin error = %v, want LastAdminError", err)
	}

	// The failed revoke left the grant in place.
	grants, _ := s.ListGrants(ctx, "default", "tasks")
	if len(grants) != 1 {
		t.Fatalf("grant set changed after failed revoke: %d grants", len(grants))
	}

	// With a second admin the revoke goes through.
	second := *admin
	second.Subject = "bob"
	s.PutGrant(ctx, &second)
	if err := s.DeleteGrant(ctx, "default", "tasks", "alice"); err != nil {
		t.Fatalf("DeleteGrant() with second admin error = %v", err)
	}
}

func TestDeleteGrant_WildcardCoversScoped(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	s.PutGrant(ctx, &models.Grant{
		Workspace: "default", Namespace: store.WildcardNamespace,
		Subject: "owner", SubjectKind: models.SubjectAgent, Level: models.LevelAdmin,
	})
	s.PutGrant(ctx, &models.Grant{
		Workspace: "default", Namespace: "tasks",
		Subject: "alice", SubjectKind: models.SubjectAgent, Level: models.LevelAdmin,
	})

	// The wildcard admin still covers "tasks", so alice can go.
	if err := s.DeleteGrant(ctx, "default", "tasks", "alice"); err != nil {
		t.Fatalf("DeleteGrant() error = %v", err)
	}

	// The wildcard itself is now the last cover for everything.
	err := s.DeleteGrant(ctx, "default", store.WildcardNamespace, "owner")
	var lastAdmin *models.LastAdminError
	if !errors.As(err, &lastAdmin) {
		t.Fatalf("DeleteGrant() of sole wildcard admin error = %v, want LastAdminError", err)
	}
}

func TestPutGrant_LastAdminDowngradeBlocked(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	admin := &models.Grant{
		Workspace: "default", Namespace: store.WildcardNamespace,
		Subject: "owner", SubjectKind: models.SubjectAgent,
		Level: models.LevelAdmin,
	}
	if err := s.PutGrant(ctx, admin); err != nil {
		t.Fatalf("PutGrant() error = %v", err)
	}

	// Rewriting the sole admin grant at a lower level is a revoke in
	// disguise.
	downgrade := *admin
	downgrade.Level = models.LevelRead
	err := s.PutGrant(ctx, &downgrade)
	var lastAdmin *models.LastAdminError
	if !errors.As(err, &lastAdmin) {
		t.Fatalf("PutGrant() downgrading sole admin error = %v, want LastAdminError", err)
	}

	grants, _ := s.ListGrants(ctx, "default", store.WildcardNamespace)
	if len(grants) != 1 || grants[0].Level != models.LevelAdmin {
		t.Fatalf("grant set after blocked downgrade = %+v, want untouched admin", grants)
	}

	// A second wildcard admin unblocks the downgrade; re-asserting
	// admin at the same level is always fine.
	second := *admin
	second.Subject = "backup"
	if err := s.PutGrant(ctx, &second); err != nil {
		t.Fatalf("PutGrant() second admin error = %v", err)
	}
	if err := s.PutGrant(ctx, &downgrade); err != nil {
		t.Fatalf("PutGrant() downgrade with backup admin error = %v", err)
	}
}

// ─── Persistence ─────────────────────────────────────────────

func TestSnapshotSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s1 := store.NewMemoryStore(store.MemoryOptions{DataDir: dir})
	if _, err := s1.PutEntry(ctx, &models.Entry{
		Workspace: "default", Namespace: "tasks", ID: "t1",
		Content: "persisted", Priority: models.PriorityHigh,
	}, ""); err != nil {
		t.Fatalf("PutEntry() error = %v", err)
	}
	s1.Close()

	s2 := store.NewMemoryStore(store.MemoryOptions{DataDir: dir})
	defer s2.Close()

	got, err := s2.GetEntry(ctx, "default", "tasks", "t1")
	if err != nil {
		t.Fatalf("GetEntry() after restart error = %v", err)
	}
	if got.Content != "persisted" || got.Priority != models.PriorityHigh {
		t.Errorf("restored entry = %+v, want content/priority preserved", got)
	}
}

// ─── helpers ─────────────────────────────────────────────────

func ids(entries []models.Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.ID
	}
	return out
}
