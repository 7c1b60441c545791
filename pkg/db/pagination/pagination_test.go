package pagination

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursorRoundTrip(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 500, time.UTC)
	token, err := EncodeCursor(Cursor{ID: "1234", CreatedAt: at})
	require.NoError(t, err)
	assert.NotContains(t, token, "+")
	assert.NotContains(t, token, "/")
	assert.NotContains(t, token, "=")

	c, err := DecodeCursor(token)
	require.NoError(t, err)
	assert.Equal(t, "1234", c.ID)
	assert.True(t, c.CreatedAt.Equal(at))
}

func TestDecodeCursor(t *testing.T) {
	c, err := DecodeCursor("  ")
	require.NoError(t, err)
	assert.Nil(t, c)

	noID, err := EncodeCursor(Cursor{CreatedAt: time.Now()})
	require.NoError(t, err)
	noTime, err := EncodeCursor(Cursor{ID: "1"})
	require.NoError(t, err)

	for _, token := range []string{"!!", "bm90LWpzb24", noID, noTime} {
		_, err := DecodeCursor(token)
		assert.ErrorIs(t, err, ErrInvalidToken, token)
	}
}

func TestPage(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cursorOf := func(n int) Cursor { return Cursor{ID: string(rune('a' + n)), CreatedAt: at} }

	items, info, err := Page([]int{1, 2, 3}, 2, cursorOf)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, items)
	assert.True(t, info.HasMore)
	next, err := DecodeCursor(info.NextPageToken)
	require.NoError(t, err)
	assert.Equal(t, "c", next.ID)

	items, info, err = Page([]int{1, 2}, 2, cursorOf)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, items)
	assert.False(t, info.HasMore)
	assert.Empty(t, info.NextPageToken)
}
