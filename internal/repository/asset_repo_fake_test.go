package repository_test

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"mediaindex/internal/dbtypes"
	"mediaindex/internal/models"
	"mediaindex/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAssetRepo reproduces claim_asset_by_status's SKIP LOCKED contention
// semantics with a plain sync.Mutex standing in for Postgres row locks,
// since the pack carries no pgxmock/sqlmock dependency (see DESIGN.md's
// "Testable properties coverage" and SPEC_FULL.md §8). It implements only
// the subset of repository.AssetRepository exercised by these tests.
type fakeAssetRepo struct {
	mu     sync.Mutex
	byID   map[int64]*models.Asset
	nextID int64
}

func newFakeAssetRepo() *fakeAssetRepo {
	return &fakeAssetRepo{byID: map[int64]*models.Asset{}, nextID: 1}
}

func (f *fakeAssetRepo) seed(status dbtypes.AssetStatus) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	f.byID[id] = &models.Asset{
		ID:          id,
		LibrarySlug: "lib",
		RelPath:     "a.jpg",
		Type:        dbtypes.AssetTypeImage,
		Status:      status,
	}
	return id
}

func (f *fakeAssetRepo) ClaimAssetByStatus(_ context.Context, p repository.ClaimParams) ([]models.Asset, error) {
	haveSlug := p.LibrarySlug != nil && *p.LibrarySlug != ""
	if haveSlug == p.GlobalScope {
		return nil, repository.ErrAmbiguousScope
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	now := time.Now()
	var ids []int64
	for id, a := range f.byID {
		eligible := a.Status == p.FromStatus ||
			(a.Status == dbtypes.StatusProcessing && a.LeaseExpiresAt != nil && a.LeaseExpiresAt.Before(now))
		if !eligible {
			continue
		}
		if haveSlug && a.LibrarySlug != *p.LibrarySlug {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	limit := p.Limit
	if limit <= 0 {
		limit = 1
	}
	leaseSeconds := p.LeaseSeconds
	if leaseSeconds <= 0 {
		leaseSeconds = 300
	}

	var out []models.Asset
	for _, id := range ids {
		if len(out) >= limit {
			break
		}
		a := f.byID[id]
		wid := p.WorkerID
		exp := now.Add(time.Duration(leaseSeconds) * time.Second)
		a.Status = dbtypes.StatusProcessing
		a.WorkerID = &wid
		a.LeaseExpiresAt = &exp
		cp := *a
		out = append(out, cp)
	}
	return out, nil
}

func (f *fakeAssetRepo) UpsertAsset(_ context.Context, librarySlug, relPath string, typ dbtypes.AssetType, mtime time.Time, size int64) (models.Asset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.byID {
		if a.LibrarySlug != librarySlug || a.RelPath != relPath {
			continue
		}
		if a.SourceMtime.Equal(mtime) && a.SourceSize == size {
			return *a, nil
		}
		a.SourceMtime = mtime
		a.SourceSize = size
		a.Status = dbtypes.StatusPending
		a.TagsModelID = nil
		return *a, nil
	}
	id := f.nextID
	f.nextID++
	a := &models.Asset{
		ID: id, LibrarySlug: librarySlug, RelPath: relPath, Type: typ,
		SourceMtime: mtime, SourceSize: size, Status: dbtypes.StatusPending,
	}
	f.byID[id] = a
	return *a, nil
}

func (f *fakeAssetRepo) UpdateAssetStatus(_ context.Context, id int64, newStatus dbtypes.AssetStatus, errMsg *string, ownedBy *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.byID[id]
	if !ok {
		return repository.ErrNotFound
	}
	if ownedBy != nil && (a.WorkerID == nil || *a.WorkerID != *ownedBy) {
		return nil // dropped silently, per the owned_by guard
	}
	if newStatus == dbtypes.StatusFailed {
		a.RetryCount++
		if a.RetryCount > dbtypes.MaxRetryCount {
			newStatus = dbtypes.StatusPoisoned
		}
	}
	if newStatus == dbtypes.StatusProxied {
		a.RetryCount = 0
	}
	a.Status = newStatus
	a.ErrorMessage = errMsg
	if newStatus != dbtypes.StatusProcessing {
		a.WorkerID = nil
		a.LeaseExpiresAt = nil
	}
	return nil
}

func (f *fakeAssetRepo) get(id int64) models.Asset {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.byID[id]
}

func (f *fakeAssetRepo) expireLease(id int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	past := time.Now().Add(-time.Minute)
	f.byID[id].LeaseExpiresAt = &past
}

// TestClaimAtomicity exercises spec §8's "claim atomicity" property: N
// concurrent claimers with limit 1 against K eligible rows yield
// min(N, K) successful claims and disjoint row sets.
func TestClaimAtomicity(t *testing.T) {
	repo := newFakeAssetRepo()
	const k = 5
	ids := make(map[int64]bool, k)
	for i := 0; i < k; i++ {
		ids[repo.seed(dbtypes.StatusPending)] = true
	}

	const n = 12
	var wg sync.WaitGroup
	results := make([][]models.Asset, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := repo.ClaimAssetByStatus(context.Background(), repository.ClaimParams{
				WorkerID:          "w",
				FromStatus:        dbtypes.StatusPending,
				AllowedExtensions: []string{"jpg"},
				GlobalScope:       true,
				LeaseSeconds:      300,
				Limit:             1,
			})
			require.NoError(t, err)
			results[i] = out
		}(i)
	}
	wg.Wait()

	seen := map[int64]int{}
	successes := 0
	for _, r := range results {
		if len(r) == 0 {
			continue
		}
		require.Len(t, r, 1)
		successes++
		seen[r[0].ID]++
	}
	assert.Equal(t, k, successes, "min(N, K) claimers should succeed")
	for id, count := range seen {
		assert.Equal(t, 1, count, "asset %d claimed more than once", id)
		assert.True(t, ids[id])
	}
}

// TestClaimAmbiguousScope covers the contract-violation error (spec §7):
// neither or both of library_slug/global_scope raises before any work.
func TestClaimAmbiguousScope(t *testing.T) {
	repo := newFakeAssetRepo()
	_, err := repo.ClaimAssetByStatus(context.Background(), repository.ClaimParams{FromStatus: dbtypes.StatusPending})
	assert.ErrorIs(t, err, repository.ErrAmbiguousScope)

	slug := "lib"
	_, err = repo.ClaimAssetByStatus(context.Background(), repository.ClaimParams{
		FromStatus: dbtypes.StatusPending, LibrarySlug: &slug, GlobalScope: true,
	})
	assert.ErrorIs(t, err, repository.ErrAmbiguousScope)
}

// TestIdempotentUpsert covers spec §8's "idempotent upsert" law.
func TestIdempotentUpsert(t *testing.T) {
	repo := newFakeAssetRepo()
	mtime := time.Now().Truncate(time.Millisecond)

	a1, err := repo.UpsertAsset(context.Background(), "lib", "photo.jpg", dbtypes.AssetTypeImage, mtime, 100)
	require.NoError(t, err)
	require.NoError(t, repo.UpdateAssetStatus(context.Background(), a1.ID, dbtypes.StatusCompleted, nil, nil))

	modelID := int64(7)
	repo.mu.Lock()
	repo.byID[a1.ID].TagsModelID = &modelID
	repo.mu.Unlock()

	// Same (mtime, size): status and tags_model_id survive untouched.
	a2, err := repo.UpsertAsset(context.Background(), "lib", "photo.jpg", dbtypes.AssetTypeImage, mtime, 100)
	require.NoError(t, err)
	assert.Equal(t, dbtypes.StatusCompleted, a2.Status)
	require.NotNil(t, a2.TagsModelID)
	assert.Equal(t, modelID, *a2.TagsModelID)

	// mtime changed: status resets to pending, tags_model_id clears.
	a3, err := repo.UpsertAsset(context.Background(), "lib", "photo.jpg", dbtypes.AssetTypeImage, mtime.Add(time.Second), 100)
	require.NoError(t, err)
	assert.Equal(t, dbtypes.StatusPending, a3.Status)
	assert.Nil(t, a3.TagsModelID)
}

// TestLeaseReclaimOwnedByGuard covers spec §8's "lease reclaim" scenario
// (scenario 3: worker A's crash, worker B's reclaim, A's stale write
// silently dropped under owned_by).
func TestLeaseReclaimOwnedByGuard(t *testing.T) {
	repo := newFakeAssetRepo()
	id := repo.seed(dbtypes.StatusPending)

	claimedA, err := repo.ClaimAssetByStatus(context.Background(), repository.ClaimParams{
		WorkerID: "A", FromStatus: dbtypes.StatusPending, GlobalScope: true, LeaseSeconds: 300, Limit: 1,
	})
	require.NoError(t, err)
	require.Len(t, claimedA, 1)

	repo.expireLease(id)

	claimedB, err := repo.ClaimAssetByStatus(context.Background(), repository.ClaimParams{
		WorkerID: "B", FromStatus: dbtypes.StatusPending, GlobalScope: true, LeaseSeconds: 300, Limit: 1,
	})
	require.NoError(t, err)
	require.Len(t, claimedB, 1)
	assert.Equal(t, "B", *repo.get(id).WorkerID)

	ownerA := "A"
	require.NoError(t, repo.UpdateAssetStatus(context.Background(), id, dbtypes.StatusProxied, nil, &ownerA))
	assert.Equal(t, "B", *repo.get(id).WorkerID, "A's stale owned_by write must be a no-op")
	assert.Equal(t, dbtypes.StatusProcessing, repo.get(id).Status)
}

// TestRetryPoisonLaw covers spec §8's "retry/poison law": six consecutive
// failed transitions poison the asset; a proxied transition zeroes retry_count.
func TestRetryPoisonLaw(t *testing.T) {
	repo := newFakeAssetRepo()
	id := repo.seed(dbtypes.StatusProcessing)

	for i := 0; i < 5; i++ {
		require.NoError(t, repo.UpdateAssetStatus(context.Background(), id, dbtypes.StatusFailed, nil, nil))
		assert.Equal(t, dbtypes.StatusFailed, repo.get(id).Status)
	}
	assert.Equal(t, 5, repo.get(id).RetryCount)

	require.NoError(t, repo.UpdateAssetStatus(context.Background(), id, dbtypes.StatusFailed, nil, nil))
	assert.Equal(t, dbtypes.StatusPoisoned, repo.get(id).Status, "sixth consecutive failure poisons the asset")

	id2 := repo.seed(dbtypes.StatusProcessing)
	repo.mu.Lock()
	repo.byID[id2].RetryCount = 3
	repo.mu.Unlock()
	require.NoError(t, repo.UpdateAssetStatus(context.Background(), id2, dbtypes.StatusProxied, nil, nil))
	assert.Equal(t, 0, repo.get(id2).RetryCount)
}
