package randompick

import (
	"testing"
	"time"

	"github.com/user/image-random-service/internal/models"
)

func TestSubSeedFloatDeterministicAndInRange(t *testing.T) {
	a := subSeedFloat("seed-1", 0)
	b := subSeedFloat("seed-1", 0)
	if a != b {
		t.Fatalf("subSeedFloat not deterministic: %v != %v", a, b)
	}
	if a < 0 || a >= 1 {
		t.Fatalf("subSeedFloat out of range: %v", a)
	}
	if subSeedFloat("seed-1", 0) == subSeedFloat("seed-1", 1) {
		t.Fatal("expected different indices to diverge")
	}
}

func TestSoftmaxDrawPicksHighestWithZeroTemperatureFloor(t *testing.T) {
	scores := []float64{1, 5, 2}
	idx := softmaxDraw(scores, 0.001, 0.999999)
	if idx != 1 {
		t.Fatalf("expected softmax with near-zero temperature and r near 1 to pick the max score index, got %d", idx)
	}
}

func TestSoftmaxDrawRespectsDrawBoundaries(t *testing.T) {
	scores := []float64{1, 1, 1} // uniform weights after softmax
	if idx := softmaxDraw(scores, 1.0, 0.0); idx != 0 {
		t.Fatalf("r=0 should pick first bucket, got %d", idx)
	}
	if idx := softmaxDraw(scores, 1.0, 0.999); idx != 2 {
		t.Fatalf("r near 1 should pick last bucket, got %d", idx)
	}
}

func TestScorePrefersHigherPopularityAndPenalizesAge(t *testing.T) {
	now := time.Now().UTC()
	fresh := now.Format(time.RFC3339)
	old := now.AddDate(-2, 0, 0).Format(time.RFC3339)

	q := DefaultQualityOptions()
	popular := &models.Image{BookmarkCount: 10000, ViewCount: 100000, CreatedAtPixiv: &fresh}
	unpopular := &models.Image{BookmarkCount: 1, ViewCount: 1, CreatedAtPixiv: &fresh}
	if score(popular, now, q) <= score(unpopular, now, q) {
		t.Fatal("expected higher-popularity image to score higher")
	}

	sameStatsFresh := &models.Image{BookmarkCount: 100, ViewCount: 100, CreatedAtPixiv: &fresh}
	sameStatsOld := &models.Image{BookmarkCount: 100, ViewCount: 100, CreatedAtPixiv: &old}
	if score(sameStatsFresh, now, q) <= score(sameStatsOld, now, q) {
		t.Fatal("expected freshness decay to reduce an older image's score")
	}
}

func TestDedupPenalizesRecentlySeenImageAndAuthor(t *testing.T) {
	now := time.Now().UTC()
	d := NewDedup(DedupOptions{Window: time.Hour, ImagePenalty: 0.1, AuthorPenalty: 0.5, Capacity: 10})

	userID := int64(42)
	img := &models.Image{ID: 1, UserID: &userID}

	if p := d.Penalty(img, now); p != 1.0 {
		t.Fatalf("expected no penalty before first observation, got %v", p)
	}

	d.Observe(img, now)

	if p := d.Penalty(img, now); p != 0.1*0.5 {
		t.Fatalf("expected combined image+author penalty after recent observation, got %v", p)
	}

	other := &models.Image{ID: 2, UserID: &userID}
	if p := d.Penalty(other, now); p != 0.5 {
		t.Fatalf("expected author-only penalty for a different image by the same author, got %v", p)
	}

	later := now.Add(2 * time.Hour)
	if p := d.Penalty(img, later); p != 1.0 {
		t.Fatalf("expected penalty to expire outside the window, got %v", p)
	}
}

func TestDedupEvictsOldestBeyondCapacity(t *testing.T) {
	now := time.Now().UTC()
	d := NewDedup(DedupOptions{Window: time.Hour, ImagePenalty: 0.1, AuthorPenalty: 0.5, Capacity: 2})

	for i := int64(1); i <= 3; i++ {
		d.Observe(&models.Image{ID: i}, now)
	}

	if p := d.Penalty(&models.Image{ID: 1}, now); p != 1.0 {
		t.Fatalf("expected the oldest entry to have been evicted, got penalty %v", p)
	}
	if p := d.Penalty(&models.Image{ID: 3}, now); p != 0.1 {
		t.Fatalf("expected the most recent entry to still be tracked, got penalty %v", p)
	}
}
