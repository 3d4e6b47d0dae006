// Package randompick composes SQL-level filters over the image catalog and
// performs the seeded ascending-with-wraparound pick, optionally
// over-sampling for a quality-weighted choice among several candidates.
package randompick

import (
	"fmt"
	"strings"
)

// R18 selects the x_restrict predicate applied to a pick.
type R18 int

const (
	R18SafeOnly R18 = 0
	R18Only     R18 = 1
	R18Any      R18 = 2
)

// Filters composes as a conjunction of predicates over the image table and
// its tag links.
type Filters struct {
	R18            R18
	R18Strict      bool
	Orientation    *int
	AIType         *int
	IllustType     *int
	MinWidth       *int
	MinHeight      *int
	MinPixels      *int
	MinBookmarks   *int
	MinViews       *int
	MinComments    *int
	IncludedTags   []string // at most 8
	ExcludedTags   []string // at most 32
	UserID         *int64
	IllustID       *int64
	CreatedFrom    *string
	CreatedTo      *string
	FailCooldownMs int64
}

const (
	maxIncludedTags = 8
	maxExcludedTags = 32
)

// Validate enforces the tag-count ceilings on filter inputs.
func (f Filters) Validate() error {
	if len(f.IncludedTags) > maxIncludedTags {
		return fmt.Errorf("too many included tags (max %d)", maxIncludedTags)
	}
	if len(f.ExcludedTags) > maxExcludedTags {
		return fmt.Errorf("too many excluded tags (max %d)", maxExcludedTags)
	}
	return nil
}

// buildWhere renders f into a SQL WHERE clause (without the leading WHERE
// keyword) and its positional arguments, against "images" aliased as "i".
// nowCutoff is the pre-computed fail-cooldown threshold timestamp string.
func buildWhere(f Filters, nowCutoff string) (string, []any) {
	clauses := []string{"i.status = 1"}
	var args []any

	switch f.R18 {
	case R18SafeOnly:
		if f.R18Strict {
			clauses = append(clauses, "i.x_restrict = 0")
		} else {
			clauses = append(clauses, "(i.x_restrict = 0 OR i.x_restrict IS NULL)")
		}
	case R18Only:
		clauses = append(clauses, "i.x_restrict = 1")
	case R18Any:
		// no predicate
	}

	if f.Orientation != nil {
		clauses = append(clauses, "i.orientation = ?")
		args = append(args, *f.Orientation)
	}
	if f.AIType != nil {
		clauses = append(clauses, "i.ai_type = ?")
		args = append(args, *f.AIType)
	}
	if f.IllustType != nil {
		clauses = append(clauses, "i.illust_type = ?")
		args = append(args, *f.IllustType)
	}
	if f.MinWidth != nil {
		clauses = append(clauses, "i.width >= ?")
		args = append(args, *f.MinWidth)
	}
	if f.MinHeight != nil {
		clauses = append(clauses, "i.height >= ?")
		args = append(args, *f.MinHeight)
	}
	if f.MinPixels != nil {
		clauses = append(clauses, "i.width * i.height >= ?")
		args = append(args, *f.MinPixels)
	}
	if f.MinBookmarks != nil {
		clauses = append(clauses, "i.bookmark_count >= ?")
		args = append(args, *f.MinBookmarks)
	}
	if f.MinViews != nil {
		clauses = append(clauses, "i.view_count >= ?")
		args = append(args, *f.MinViews)
	}
	if f.MinComments != nil {
		clauses = append(clauses, "i.comment_count >= ?")
		args = append(args, *f.MinComments)
	}
	if f.UserID != nil {
		clauses = append(clauses, "i.user_id = ?")
		args = append(args, *f.UserID)
	}
	if f.IllustID != nil {
		clauses = append(clauses, "i.illust_id = ?")
		args = append(args, *f.IllustID)
	}
	if f.CreatedFrom != nil {
		clauses = append(clauses, "i.created_at_pixiv >= ?")
		args = append(args, *f.CreatedFrom)
	}
	if f.CreatedTo != nil {
		clauses = append(clauses, "i.created_at_pixiv <= ?")
		args = append(args, *f.CreatedTo)
	}
	if f.FailCooldownMs > 0 {
		clauses = append(clauses, "(i.last_fail_at IS NULL OR i.last_fail_at < ?)")
		args = append(args, nowCutoff)
	}

	for _, tag := range f.IncludedTags {
		clauses = append(clauses, `EXISTS (
			SELECT 1 FROM image_tags it JOIN tags t ON t.id = it.tag_id
			WHERE it.image_id = i.id AND t.name = ?)`)
		args = append(args, tag)
	}
	if len(f.ExcludedTags) > 0 {
		placeholders := strings.Repeat("?,", len(f.ExcludedTags))
		placeholders = placeholders[:len(placeholders)-1]
		clauses = append(clauses, fmt.Sprintf(`NOT EXISTS (
			SELECT 1 FROM image_tags it JOIN tags t ON t.id = it.tag_id
			WHERE it.image_id = i.id AND t.name IN (%s))`, placeholders))
		for _, tag := range f.ExcludedTags {
			args = append(args, tag)
		}
	}

	return strings.Join(clauses, " AND "), args
}
