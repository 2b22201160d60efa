package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidguru2/EEG-Neurofeedback-Ball-Game/errors"
)

func TestNew_CopiesTable(t *testing.T) {
	table := map[string]string{"ID-A": "Stream-1"}
	r, err := New(table)
	require.NoError(t, err)

	table["ID-A"] = "changed"
	table["ID-B"] = "Stream-2"

	name, ok := r.Lookup("ID-A")
	assert.True(t, ok)
	assert.Equal(t, "Stream-1", name)
	assert.False(t, r.Contains("ID-B"))
	assert.Equal(t, 1, r.Len())
}

func TestNew_RejectsEmptyEntries(t *testing.T) {
	_, err := New(map[string]string{"": "Stream-1"})
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	_, err = New(map[string]string{"ID-A": "  "})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}

func TestLookup_Unknown(t *testing.T) {
	r, err := New(nil)
	require.NoError(t, err)

	name, ok := r.Lookup("ID-X")
	assert.False(t, ok)
	assert.Empty(t, name)
	assert.Empty(t, r.Entries())
}

func TestEntries_Sorted(t *testing.T) {
	r, err := New(map[string]string{
		"MuseAEA692BD-3F88-9724-A811-249F4450D2B3": "Muse-FDCA",
		"Muse4958F72E-7C39-0160-BF5F-CF3B502830A9": "Muse-07D2",
	})
	require.NoError(t, err)

	assert.Equal(t, []Entry{
		{SourceID: "Muse4958F72E-7C39-0160-BF5F-CF3B502830A9", NewName: "Muse-07D2"},
		{SourceID: "MuseAEA692BD-3F88-9724-A811-249F4450D2B3", NewName: "Muse-FDCA"},
	}, r.Entries())
}

func TestRequire(t *testing.T) {
	r, err := New(map[string]string{"ID-A": "Stream-1"})
	require.NoError(t, err)

	name, err := r.Require("ID-A")
	require.NoError(t, err)
	assert.Equal(t, "Stream-1", name)

	_, err = r.Require("ID-Z")
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
	assert.ErrorIs(t, err, errors.ErrNotRegistered)
}
