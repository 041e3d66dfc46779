package leaderboard

import (
	"testing"
	"time"

	"github.com/qahub/reputation-engine/internal/domain/aggregate"
	"github.com/qahub/reputation-engine/internal/domain/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSort_TieBreaks(t *testing.T) {
	entries := []Entry{
		{UserID: "carol", PCPoints: 10, PConPoints: 5},
		{UserID: "bob", PCPoints: 10, PConPoints: 5},
		{UserID: "dave", PCPoints: 10, PConPoints: 9},
		{UserID: "alice", PCPoints: 30, PConPoints: 0},
	}
	Sort(entries)

	var order []string
	for i, e := range entries {
		order = append(order, e.UserID)
		assert.Equal(t, Position(i+1), e.Position)
	}
	assert.Equal(t, []string{"alice", "dave", "bob", "carol"}, order)
}

func TestNormalizePage(t *testing.T) {
	off, lim, err := NormalizePage(0, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, off)
	assert.Equal(t, DefaultLimit, lim)

	_, lim, err = NormalizePage(5, 1000)
	require.NoError(t, err)
	assert.Equal(t, MaxLimit, lim)

	_, _, err = NormalizePage(-1, 10)
	assert.ErrorIs(t, err, shared.ErrInvalidPageParams)
	assert.True(t, shared.IsValidation(err))
}

func TestSnapshotBuilder(t *testing.T) {
	b := NewSnapshotBuilder(2)
	b.Add(&aggregate.Aggregate{UserID: "u2", PCPoints: 5, Version: 3})
	b.Add(&aggregate.Aggregate{UserID: "u1", PCPoints: 7, Version: 1})
	snap := b.Build(time.Unix(100, 0))

	require.Len(t, snap.Entries, 2)
	assert.Equal(t, "u1", snap.Entries[0].UserID)
	assert.Equal(t, Position(2), snap.Entries[1].Position)
	assert.Equal(t, int64(3), snap.Entries[1].Version)
}

func TestPosition(t *testing.T) {
	assert.Equal(t, "-", Position(0).String())
	assert.Equal(t, "#3", Position(3).String())
	assert.True(t, Position(3).IsTop(10))
	assert.False(t, Position(11).IsTop(10))
}
