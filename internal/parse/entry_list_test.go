package parse

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntryList(t *testing.T) {
	html := loadFixture(t, "entry_list.html")

	entries, err := EntryList(html, "https://thedirt.liverc.com/entry_list/?event=7002")
	require.NoError(t, err)
	require.Len(t, entries, 3)

	first := entries[0]
	assert.Equal(t, "Pro Buggy", first.ClassName)
	assert.Equal(t, "Felix Koegler", first.DriverName)
	require.NotNil(t, first.CarNumber)
	assert.Equal(t, "4", *first.CarNumber)
	require.NotNil(t, first.Transponder)
	assert.Equal(t, "8812345", *first.Transponder)

	second := entries[1]
	assert.Equal(t, "Pro Buggy", second.ClassName)
	assert.Nil(t, second.CarNumber)
	assert.Nil(t, second.Transponder)

	third := entries[2]
	assert.Equal(t, "Stock Truck", third.ClassName)
	assert.Equal(t, "Sam Alvarez", third.DriverName)
}

func TestSyntheticDriverID(t *testing.T) {
	id := SyntheticDriverID("  Felix Koegler ")

	assert.True(t, strings.HasPrefix(id, "entry_"))
	assert.Len(t, id, len("entry_")+16)

	// Stable across leading/trailing whitespace and case.
	assert.Equal(t, id, SyntheticDriverID("felix koegler"))
	assert.NotEqual(t, id, SyntheticDriverID("someone else"))
}
