package randompick

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/user/image-random-service/internal/models"
)

// Strategy is the candidate-selection algorithm applied after the seeded
// ascending pick has produced one or more samples.
type Strategy string

const (
	StrategyDefault Strategy = "default"
	StrategyQuality Strategy = "quality"
)

// QualityOptions tunes the over-sampling scoring pass.
type QualityOptions struct {
	Samples         int
	Temperature     float64
	HalfLifeDays    float64
	AIMultiplier    float64
	MangaMultiplier float64
	Best            bool // true: take the top score; false: softmax-weighted draw
}

// DefaultQualityOptions returns the service defaults.
func DefaultQualityOptions() QualityOptions {
	return QualityOptions{
		Samples:         5,
		Temperature:     1.0,
		HalfLifeDays:    180,
		AIMultiplier:    1.0,
		MangaMultiplier: 1.0,
		Best:            false,
	}
}

// PickOptions configures one Pick call.
type PickOptions struct {
	Strategy Strategy
	R        float64 // primary draw in [0,1); negative means "derive from seed"
	Seed     string
	Quality  QualityOptions
	Dedup    *Dedup // optional in-process LRU, may be nil
}

// PickResult carries the chosen image plus the debug block the public
// handler surfaces.
type PickResult struct {
	Image          *models.Image
	StrategyUsed   Strategy
	CandidateCount int
}

// ErrNoMatch is returned when no row satisfies the filters at all.
var ErrNoMatch = fmt.Errorf("randompick: no matching image")

// Engine performs filtered, seeded random picks against the image catalog.
type Engine struct {
	db *sql.DB
}

// New builds an Engine bound to db.
func New(db *sql.DB) *Engine {
	return &Engine{db: db}
}

// thread-safe random source for unseeded picks, mirroring the selector's
// package-level guarded rand.Source.
var (
	rngMu sync.Mutex
	rng   = rand.New(rand.NewSource(time.Now().UnixNano()))
)

func randFloat() float64 {
	rngMu.Lock()
	defer rngMu.Unlock()
	return rng.Float64()
}

// Pick selects one eligible image per opts.Strategy.
func (e *Engine) Pick(ctx context.Context, f Filters, now time.Time, opts PickOptions) (*PickResult, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	cutoff := now.Add(-time.Duration(f.FailCooldownMs) * time.Millisecond).UTC().Format("2006-01-02T15:04:05.000Z")
	where, args := buildWhere(f, cutoff)

	seeded := opts.Seed != ""
	primaryR := opts.R
	if primaryR < 0 || primaryR >= 1 {
		if seeded {
			primaryR = subSeedFloat(opts.Seed, 0)
		} else {
			primaryR = randFloat()
		}
	}

	if opts.Strategy != StrategyQuality {
		img, err := e.pickAscending(ctx, where, args, primaryR)
		if err != nil {
			return nil, err
		}
		if img == nil {
			return nil, ErrNoMatch
		}
		return &PickResult{Image: img, StrategyUsed: StrategyDefault, CandidateCount: 1}, nil
	}

	q := opts.Quality
	if q.Samples <= 0 {
		q = DefaultQualityOptions()
	}

	candidates := make([]*models.Image, 0, q.Samples)
	rs := []float64{primaryR}
	for i := 1; i < q.Samples; i++ {
		if seeded {
			rs = append(rs, subSeedFloat(opts.Seed, i))
		} else {
			rs = append(rs, randFloat())
		}
	}
	for _, r := range rs {
		img, err := e.pickAscending(ctx, where, args, r)
		if err != nil {
			return nil, err
		}
		if img != nil {
			candidates = append(candidates, img)
		}
	}
	if len(candidates) == 0 {
		return nil, ErrNoMatch
	}

	scores := make([]float64, len(candidates))
	for i, img := range candidates {
		scores[i] = score(img, now, q)
		if opts.Dedup != nil {
			scores[i] *= opts.Dedup.Penalty(img, now)
		}
	}

	var chosen *models.Image
	if q.Best {
		best := 0
		for i := range scores {
			if scores[i] > scores[best] {
				best = i
			}
		}
		chosen = candidates[best]
	} else {
		draw := randFloat()
		if seeded {
			draw = subSeedFloat(opts.Seed, q.Samples)
		}
		idx := softmaxDraw(scores, q.Temperature, draw)
		chosen = candidates[idx]
	}

	return &PickResult{Image: chosen, StrategyUsed: StrategyQuality, CandidateCount: len(candidates)}, nil
}

const imageSelectColsForPick = `
	i.id, i.illust_id, i.page_index, i.extension, i.original_url, i.proxy_path, i.random_key,
	i.width, i.height, i.aspect_ratio, i.orientation, i.x_restrict, i.ai_type, i.illust_type,
	i.user_id, i.user_name, i.title, i.created_at_pixiv, i.bookmark_count, i.view_count,
	i.comment_count, i.status, i.fail_count, i.last_fail_at, i.last_ok_at,
	i.last_error_code, i.last_error_msg, i.created_at, i.updated_at`

// pickAscending returns the smallest image with random_key >= rKey matching
// the filters, wrapping to the smallest matching image overall when no such
// row exists (the wrap-around that keys reproducibility on r).
func (e *Engine) pickAscending(ctx context.Context, where string, args []any, rKey float64) (*models.Image, error) {
	forwardArgs := append(append([]any{}, args...), rKey)
	row := e.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT %s FROM images i
		WHERE %s AND i.random_key >= ?
		ORDER BY i.random_key ASC LIMIT 1
	`, imageSelectColsForPick, where), forwardArgs...)

	img, err := scanPickedImage(row)
	if err == nil {
		return img, nil
	}
	if err != sql.ErrNoRows {
		return nil, err
	}

	row = e.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT %s FROM images i
		WHERE %s
		ORDER BY i.random_key ASC LIMIT 1
	`, imageSelectColsForPick, where), args...)
	img, err = scanPickedImage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return img, err
}

func scanPickedImage(row *sql.Row) (*models.Image, error) {
	var img models.Image
	var width, height sql.NullInt64
	var aspectRatio sql.NullFloat64
	var orientation, xRestrict, aiType, illustType sql.NullInt64
	var userID sql.NullInt64
	var userName, title, createdAtPixiv sql.NullString
	var lastFailAt, lastOkAt, lastErrorCode, lastErrorMsg sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(
		&img.ID, &img.IllustID, &img.PageIndex, &img.Extension, &img.OriginalURL, &img.ProxyPath, &img.RandomKey,
		&width, &height, &aspectRatio, &orientation, &xRestrict, &aiType, &illustType,
		&userID, &userName, &title, &createdAtPixiv, &img.BookmarkCount, &img.ViewCount,
		&img.CommentCount, &img.Status, &img.FailCount, &lastFailAt, &lastOkAt,
		&lastErrorCode, &lastErrorMsg, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	if width.Valid {
		w := int(width.Int64)
		img.Width = &w
	}
	if height.Valid {
		h := int(height.Int64)
		img.Height = &h
	}
	if aspectRatio.Valid {
		img.AspectRatio = &aspectRatio.Float64
	}
	if orientation.Valid {
		o := models.Orientation(orientation.Int64)
		img.Orientation = &o
	}
	if xRestrict.Valid {
		x := int(xRestrict.Int64)
		img.XRestrict = &x
	}
	if aiType.Valid {
		a := int(aiType.Int64)
		img.AIType = &a
	}
	if illustType.Valid {
		it := models.IllustType(illustType.Int64)
		img.IllustType = &it
	}
	if userID.Valid {
		img.UserID = &userID.Int64
	}
	if userName.Valid {
		img.UserName = &userName.String
	}
	if title.Valid {
		img.Title = &title.String
	}
	if createdAtPixiv.Valid {
		img.CreatedAtPixiv = &createdAtPixiv.String
	}
	if lastFailAt.Valid {
		img.LastFailAt = &lastFailAt.String
	}
	if lastOkAt.Valid {
		img.LastOkAt = &lastOkAt.String
	}
	if lastErrorCode.Valid {
		img.LastErrorCode = &lastErrorCode.String
	}
	if lastErrorMsg.Valid {
		img.LastErrorMsg = &lastErrorMsg.String
	}
	img.CreatedAt = parseStoredTime(createdAt)
	img.UpdatedAt = parseStoredTime(updatedAt)
	return &img, nil
}

// parseStoredTime reads a TEXT timestamp column: the canonical millisecond
// layout first, plain RFC3339 as the fallback.
func parseStoredTime(s string) time.Time {
	if t, err := time.Parse("2006-01-02T15:04:05.000Z", s); err == nil {
		return t
	}
	t, _ := time.Parse(time.RFC3339, s)
	return t
}

// subSeedFloat derives a stable, uniform-ish value in [0,1) from seed and an
// index, so multiple independent draws can be reproduced from one seed
// without a stateful PRNG.
func subSeedFloat(seed string, idx int) float64 {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", seed, idx)))
	v := binary.BigEndian.Uint64(h[:8])
	return float64(v) / float64(math.MaxUint64)
}

// score weights normalized popularity signals with freshness decay and
// category multipliers.
func score(img *models.Image, now time.Time, q QualityOptions) float64 {
	bookmarkScore := math.Log1p(float64(img.BookmarkCount))
	viewScore := math.Log1p(float64(img.ViewCount))
	base := 0.7*bookmarkScore + 0.3*viewScore

	decay := 1.0
	if img.CreatedAtPixiv != nil {
		if t, err := time.Parse(time.RFC3339, *img.CreatedAtPixiv); err == nil {
			ageDays := now.Sub(t).Hours() / 24
			if q.HalfLifeDays > 0 && ageDays > 0 {
				decay = math.Pow(0.5, ageDays/q.HalfLifeDays)
			}
		}
	}

	multiplier := 1.0
	if img.AIType != nil && *img.AIType == 1 && q.AIMultiplier > 0 {
		multiplier *= q.AIMultiplier
	}
	if img.IllustType != nil && *img.IllustType == models.IllustTypeManga && q.MangaMultiplier > 0 {
		multiplier *= q.MangaMultiplier
	}

	return base * decay * multiplier
}

// softmaxDraw returns the index chosen by softmax(score/temperature), using
// r (in [0,1)) as the draw.
func softmaxDraw(scores []float64, temperature, r float64) int {
	if temperature <= 0 {
		temperature = 1.0
	}
	maxScore := scores[0]
	for _, s := range scores {
		if s > maxScore {
			maxScore = s
		}
	}
	weights := make([]float64, len(scores))
	var total float64
	for i, s := range scores {
		w := math.Exp((s - maxScore) / temperature)
		weights[i] = w
		total += w
	}
	if total <= 0 {
		return 0
	}
	target := r * total
	var cumulative float64
	for i, w := range weights {
		cumulative += w
		if target < cumulative {
			return i
		}
	}
	return len(weights) - 1
}
