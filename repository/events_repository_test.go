package repository

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func listFilter(mutate ...func(*EventsFilter)) EventsFilter {
	f := EventsFilter{
		ProjectID: "p1",
		From:      time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
		To:        time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC),
	}
	for _, fn := range mutate {
		fn(&f)
	}
	return f
}

func TestBuildListQueryPlaceholders(t *testing.T) {
	lensID, categoryID, memberID := "lens-1", "cat-1", "member-1"

	t.Run("base filter", func(t *testing.T) {
		query, args := buildListQuery(listFilter())
		require.Len(t, args, 3)
		assert.NotContains(t, query, "$4")
		assert.Contains(t, query, "ORDER BY e.date_local DESC, e.created_at DESC")
	})

	t.Run("all filters", func(t *testing.T) {
		query, args := buildListQuery(listFilter(func(f *EventsFilter) {
			f.LensID = &lensID
			f.CategoryID = &categoryID
			f.MemberID = &memberID
		}))
		require.Len(t, args, 6)
		assert.Contains(t, query, "e.lens_id = $4")
		assert.Contains(t, query, "e.category_id = $5")
		assert.Contains(t, query, "($6 = ANY(e.member_ids) OR e.member_id = $6)")
		assert.Equal(t, []any{"p1", args[1], args[2], lensID, categoryID, memberID}, args)
	})

	t.Run("category without lens", func(t *testing.T) {
		// The placeholder index must follow the argument position, not the
		// filter's position in the struct.
		query, args := buildListQuery(listFilter(func(f *EventsFilter) {
			f.CategoryID = &categoryID
		}))
		require.Len(t, args, 4)
		assert.Contains(t, query, "e.category_id = $4")
		assert.NotContains(t, query, "e.lens_id")
		assert.Equal(t, categoryID, args[3])
	})

	t.Run("member without lens or category", func(t *testing.T) {
		query, args := buildListQuery(listFilter(func(f *EventsFilter) {
			f.MemberID = &memberID
		}))
		require.Len(t, args, 4)
		assert.Contains(t, query, "($4 = ANY(e.member_ids) OR e.member_id = $4)")
		assert.Equal(t, memberID, args[3])
	})

	t.Run("lens only", func(t *testing.T) {
		query, args := buildListQuery(listFilter(func(f *EventsFilter) {
			f.LensID = &lensID
		}))
		require.Len(t, args, 4)
		assert.Contains(t, query, "e.lens_id = $4")
		assert.Equal(t, lensID, args[3])
	})
}
