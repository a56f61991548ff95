package repository

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ai-workflows/backend/internal/apperr"
	"ai-workflows/backend/pkg/models"
)

// runSessionStoreSuite exercises the ordering and paging contract shared by
// every SessionStore backend.
func runSessionStoreSuite(t *testing.T, newStore func(t *testing.T) SessionStore) {
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	session := func(name string) models.SessionHandle {
		return models.SessionHandle{WorkflowID: "wf", UserID: "u-" + name, ContextKey: "course-1|loc|unit|slot"}
	}

	t.Run("pages walk backward without gaps", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)
		sess := session("paging")
		for i := 0; i < 50; i++ {
			role := models.RoleUser
			if i%2 == 1 {
				role = models.RoleAssistant
			}
			_, err := store.Append(ctx, sess, models.ConversationTurn{
				Role:      role,
				Content:   fmt.Sprintf("turn-%02d", i),
				Timestamp: base.Add(time.Duration(i) * time.Second),
			})
			require.NoError(t, err)
		}

		var seen []string
		cursor := ""
		pages := 0
		for {
			page, err := store.ReadPage(ctx, sess, cursor, 10)
			require.NoError(t, err)
			pages++
			for _, turn := range page.Turns {
				seen = append(seen, turn.Content)
			}
			if !page.HasMore {
				break
			}
			cursor = page.Cursor
		}
		assert.Equal(t, 5, pages)
		require.Len(t, seen, 50)
		for i, content := range seen {
			assert.Equal(t, fmt.Sprintf("turn-%02d", 49-i), content)
		}
	})

	t.Run("appends between reads do not shift older pages", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)
		sess := session("interleaved")
		for i := 0; i < 23; i++ {
			_, err := store.Append(ctx, sess, models.ConversationTurn{
				Role:      models.RoleUser,
				Content:   fmt.Sprintf("turn-%02d", i),
				Timestamp: base.Add(time.Duration(i) * time.Second),
			})
			require.NoError(t, err)
		}

		var seen []string
		cursor := ""
		late := 0
		for {
			page, err := store.ReadPage(ctx, sess, cursor, 5)
			require.NoError(t, err)
			seen = append(seen, contents(page.Turns)...)
			if !page.HasMore {
				break
			}
			cursor = page.Cursor
			for j := 0; j < 3; j++ {
				_, err := store.Append(ctx, sess, models.ConversationTurn{
					Role:      models.RoleAssistant,
					Content:   fmt.Sprintf("late-%02d", late),
					Timestamp: base.Add(time.Hour + time.Duration(late)*time.Second),
				})
				require.NoError(t, err)
				late++
			}
		}

		require.Len(t, seen, 23)
		for i, content := range seen {
			assert.Equal(t, fmt.Sprintf("turn-%02d", 22-i), content)
		}
		assert.Equal(t, 12, late)

		newest, err := store.ReadPage(ctx, sess, "", 1)
		require.NoError(t, err)
		assert.Equal(t, []string{"late-11"}, contents(newest.Turns))
	})

	t.Run("equal timestamps keep append order", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)
		sess := session("ties")
		for i := 0; i < 4; i++ {
			_, err := store.Append(ctx, sess, models.ConversationTurn{Role: models.RoleUser, Content: fmt.Sprint(i), Timestamp: base})
			require.NoError(t, err)
		}
		page, err := store.ReadPage(ctx, sess, "", 10)
		require.NoError(t, err)
		require.Len(t, page.Turns, 4)
		assert.Equal(t, []string{"3", "2", "1", "0"}, contents(page.Turns))
		assert.False(t, page.HasMore)
	})

	t.Run("late timestamps are clamped", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)
		sess := session("clamp")
		first, err := store.Append(ctx, sess, models.ConversationTurn{Role: models.RoleUser, Content: "a", Timestamp: base.Add(time.Minute)})
		require.NoError(t, err)
		second, err := store.Append(ctx, sess, models.ConversationTurn{Role: models.RoleAssistant, Content: "b", Timestamp: base})
		require.NoError(t, err)
		assert.True(t, first.Before(second))
		assert.False(t, second.Timestamp.Before(first.Timestamp))
	})

	t.Run("concurrent appends get distinct indexes", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)
		sess := session("concurrent")
		var wg sync.WaitGroup
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := 0; i < 5; i++ {
					_, err := store.Append(ctx, sess, models.ConversationTurn{Role: models.RoleUser, Content: fmt.Sprintf("%d-%d", w, i)})
					assert.NoError(t, err)
				}
			}(w)
		}
		wg.Wait()

		page, err := store.ReadPage(ctx, sess, "", 100)
		require.NoError(t, err)
		require.Len(t, page.Turns, 20)
		seenIdx := map[int64]bool{}
		for i, turn := range page.Turns {
			assert.False(t, seenIdx[turn.OriginalIndex])
			seenIdx[turn.OriginalIndex] = true
			if i > 0 {
				assert.True(t, turn.Before(page.Turns[i-1]))
			}
		}
	})

	t.Run("clear empties the session", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)
		sess := session("clear")
		other := session("other")
		for i := 0; i < 3; i++ {
			_, err := store.Append(ctx, sess, models.ConversationTurn{Role: models.RoleUser, Content: "x", Timestamp: base})
			require.NoError(t, err)
		}
		_, err := store.Append(ctx, other, models.ConversationTurn{Role: models.RoleUser, Content: "keep", Timestamp: base})
		require.NoError(t, err)

		require.NoError(t, store.Clear(ctx, sess))
		page, err := store.ReadPage(ctx, sess, "", 10)
		require.NoError(t, err)
		assert.Empty(t, page.Turns)
		assert.False(t, page.HasMore)

		kept, err := store.ReadPage(ctx, other, "", 10)
		require.NoError(t, err)
		assert.Len(t, kept.Turns, 1)

		next, err := store.Append(ctx, sess, models.ConversationTurn{Role: models.RoleUser, Content: "after", Timestamp: base})
		require.NoError(t, err)
		assert.Greater(t, next.OriginalIndex, int64(3))
	})

	t.Run("oversized turn is rejected whole", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)
		sess := session("big")
		_, err := store.Append(ctx, sess, models.ConversationTurn{Role: models.RoleUser, Content: strings.Repeat("x", DefaultMaxRecordBytes+1)})
		require.Error(t, err)
		assert.Equal(t, apperr.KindPayloadTooLarge, apperr.KindOf(err))

		page, err := store.ReadPage(ctx, sess, "", 10)
		require.NoError(t, err)
		assert.Empty(t, page.Turns)
	})

	t.Run("bad cursor and page size", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)
		sess := session("bad")
		_, err := store.ReadPage(ctx, sess, "not a cursor!", 10)
		assert.Equal(t, apperr.KindInvalidInput, apperr.KindOf(err))
		_, err = store.ReadPage(ctx, sess, "", 0)
		assert.Equal(t, apperr.KindInvalidInput, apperr.KindOf(err))
		_, err = store.ReadPage(ctx, sess, "", MaxPageSize+1)
		assert.Equal(t, apperr.KindInvalidInput, apperr.KindOf(err))
		_, err = store.ReadPage(ctx, sess, "", math.MaxInt)
		assert.Equal(t, apperr.KindInvalidInput, apperr.KindOf(err))
	})
}

func contents(turns []models.ConversationTurn) []string {
	out := make([]string, len(turns))
	for i, turn := range turns {
		out[i] = turn.Content
	}
	return out
}
