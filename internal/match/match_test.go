package match

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/racedata/liverc-ingest/internal/liverc"
)

func strPtr(s string) *string { return &s }

func TestMatchResultToEntry(t *testing.T) {
	entries := []EntryCandidate{
		{DriverID: 1, SourceDriverID: "abc", NormalizedName: "john smith"},
		{DriverID: 2, SourceDriverID: "", NormalizedName: "jane doe"},
	}

	t.Run("matches on source driver id", func(t *testing.T) {
		got := MatchResultToEntry("abc", "someone else", entries)
		assert.NotNil(t, got)
		assert.Equal(t, int64(1), got.DriverID)
	})

	t.Run("falls back to normalized name", func(t *testing.T) {
		got := MatchResultToEntry("", "jane doe", entries)
		assert.NotNil(t, got)
		assert.Equal(t, int64(2), got.DriverID)
	})

	t.Run("unmatched returns nil", func(t *testing.T) {
		assert.Nil(t, MatchResultToEntry("zzz", "nobody", entries))
	})
}

func TestMatchDriverToUsers(t *testing.T) {
	users := []UserCandidate{
		{UserID: 1, NormalizedName: "john smith", Transponder: strPtr("0123456")},
		{UserID: 2, NormalizedName: "jon smyth"},
	}

	t.Run("transponder match wins and is suggested", func(t *testing.T) {
		out := MatchDriverToUsers("totally different name", strPtr("0123456"), users)
		assert.True(t, out.Matched)
		assert.Equal(t, liverc.MatchTransponder, out.MatchType)
		assert.Equal(t, liverc.LinkSuggested, out.ProposedStatus)
	})

	t.Run("exact name match is confirmed", func(t *testing.T) {
		out := MatchDriverToUsers("john smith", nil, users)
		assert.True(t, out.Matched)
		assert.Equal(t, liverc.MatchExact, out.MatchType)
		assert.Equal(t, liverc.LinkConfirmed, out.ProposedStatus)
	})

	t.Run("no match below suggest threshold", func(t *testing.T) {
		out := MatchDriverToUsers("zzzzzzzzzz", nil, users)
		assert.False(t, out.Matched)
	})
}

func TestResolveConflict(t *testing.T) {
	outcome := DriverOutcome{UserID: 1, ProposedStatus: liverc.LinkConfirmed}

	t.Run("no existing link keeps proposed status", func(t *testing.T) {
		status, reason := ResolveConflict(outcome, 0, false)
		assert.Equal(t, liverc.LinkConfirmed, status)
		assert.Nil(t, reason)
	})

	t.Run("same user keeps proposed status", func(t *testing.T) {
		status, _ := ResolveConflict(outcome, 1, true)
		assert.Equal(t, liverc.LinkConfirmed, status)
	})

	t.Run("different user is a conflict", func(t *testing.T) {
		status, reason := ResolveConflict(outcome, 2, true)
		assert.Equal(t, liverc.LinkConflict, status)
		assert.NotNil(t, reason)
	})
}

func TestResolveTransponder(t *testing.T) {
	t.Run("prefers entry over driver over user", func(t *testing.T) {
		got := ResolveTransponder(strPtr("entry"), strPtr("driver"), strPtr("user"))
		assert.Equal(t, "entry", *got)
	})

	t.Run("falls back through the chain", func(t *testing.T) {
		got := ResolveTransponder(nil, nil, strPtr("user"))
		assert.Equal(t, "user", *got)
	})

	t.Run("nil when none present", func(t *testing.T) {
		assert.Nil(t, ResolveTransponder(nil, nil, nil))
	})
}

func TestGroupTransponderLinks(t *testing.T) {
	links := []liverc.EventDriverLink{
		{UserID: 1, DriverID: 10, MatchType: liverc.MatchTransponder},
		{UserID: 1, DriverID: 10, MatchType: liverc.MatchTransponder},
		{UserID: 1, DriverID: 11, MatchType: liverc.MatchExact},
		{UserID: 2, DriverID: 20, MatchType: liverc.MatchTransponder},
	}

	groups := GroupTransponderLinks(links)
	assert.Len(t, groups, 1)
	assert.Equal(t, int64(1), groups[0].UserID)
	assert.Equal(t, int64(10), groups[0].DriverID)
	assert.Equal(t, 2, groups[0].Count)
}

func TestDecideAutoConfirm(t *testing.T) {
	t.Run("already confirmed is skipped", func(t *testing.T) {
		_, _, skip := DecideAutoConfirm(liverc.LinkConfirmed, "a", "a", nil)
		assert.True(t, skip)
	})

	t.Run("conflicting owner wins", func(t *testing.T) {
		other := int64(5)
		status, reason, skip := DecideAutoConfirm(liverc.LinkSuggested, "john smith", "john smith", &other)
		assert.False(t, skip)
		assert.Equal(t, liverc.LinkConflict, status)
		assert.NotNil(t, reason)
	})

	t.Run("incompatible names are rejected", func(t *testing.T) {
		status, reason, skip := DecideAutoConfirm(liverc.LinkSuggested, "john smith", "completely different", nil)
		assert.False(t, skip)
		assert.Equal(t, liverc.LinkRejected, status)
		assert.NotNil(t, reason)
	})

	t.Run("compatible names are confirmed", func(t *testing.T) {
		status, reason, skip := DecideAutoConfirm(liverc.LinkSuggested, "john smith", "john smith", nil)
		assert.False(t, skip)
		assert.Equal(t, liverc.LinkConfirmed, status)
		assert.Nil(t, reason)
	})
}
