package pagination

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type item struct {
	at time.Time
	id string
}

func itemKey(i item) (time.Time, string) { return i.at, i.id }

func TestEncodeDecode(t *testing.T) {
	at := time.Date(2026, 3, 4, 5, 6, 7, 8, time.UTC)
	c, err := Decode(Encode(at, "sess-1"))
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.True(t, c.CreatedAt.Equal(at))
	assert.Equal(t, "sess-1", c.ID)
}

func TestDecode_Empty(t *testing.T) {
	c, err := Decode("")
	assert.NoError(t, err)
	assert.Nil(t, c)
}

func TestDecode_Invalid(t *testing.T) {
	for _, s := range []string{"!!!", "bm9waXBl", "YWJjfHg"} {
		_, err := Decode(s)
		assert.ErrorIs(t, err, ErrInvalidCursor, s)
	}
}

func TestParseLimit(t *testing.T) {
	assert.Equal(t, DefaultLimit, ParseLimit(""))
	assert.Equal(t, DefaultLimit, ParseLimit("-3"))
	assert.Equal(t, DefaultLimit, ParseLimit("ten"))
	assert.Equal(t, 7, ParseLimit("7"))
	assert.Equal(t, MaxLimit, ParseLimit("5000"))
}

func TestPaginate_WalksAllItems(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var items []item
	// two items sharing a timestamp sort by id
	items = append(items, item{at: base.Add(4 * time.Second), id: "f"})
	for i := 4; i >= 0; i-- {
		items = append(items, item{at: base.Add(time.Duration(i) * time.Second), id: string(rune('a' + i))})
	}

	var seen []string
	var cur *Cursor
	for pages := 0; pages < 10; pages++ {
		p := Paginate(items, cur, 4, itemKey)
		for _, it := range p.Items {
			seen = append(seen, it.id)
		}
		if !p.HasMore {
			assert.Empty(t, p.NextCursor)
			break
		}
		var err error
		cur, err = Decode(p.NextCursor)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"f", "e", "d", "c", "b", "a"}, seen)
}

func TestPaginate_CursorPastEnd(t *testing.T) {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	items := []item{{at: at, id: "a"}}
	p := Paginate(items, &Cursor{CreatedAt: at.Add(-time.Hour), ID: "a"}, 10, itemKey)
	assert.Empty(t, p.Items)
	assert.False(t, p.HasMore)
}
