package setsync

import (
	"encoding/json"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestTableRoundtrip(t *testing.T) {
	for _, table := range TrackedTables() {
		parsed, ok := ParseTable(table.String())
		assert.Equal(t, ok, true)
		assert.Equal(t, parsed, table)
	}

	_, ok := ParseTable("not_a_table")
	assert.Equal(t, ok, false)
}

func TestTableStateMergeHighestVersionWins(t *testing.T) {
	state := newTableState()

	row := func(version int64, title string) json.RawMessage {
		return rawRecord(t, &Song{
			Meta:  Meta{Id: "a", Version: version},
			Title: title,
		})
	}

	id, version, err := state.merge(TableSongs, row(2, "newer"))
	assert.Equal(t, err, nil)
	assert.Equal(t, id, "a")
	assert.Equal(t, version, int64(2))

	// an older row for the same id never overwrites
	_, _, err = state.merge(TableSongs, row(1, "older"))
	assert.Equal(t, err, nil)
	assert.Equal(t, state.songs["a"].Title, "newer")
	assert.Equal(t, state.songs["a"].Version, int64(2))

	_, _, err = state.merge(TableSongs, row(3, "newest"))
	assert.Equal(t, err, nil)
	assert.Equal(t, state.songs["a"].Title, "newest")
}

func TestTableStateMergeBadRow(t *testing.T) {
	state := newTableState()

	_, _, err := state.merge(TableSongs, json.RawMessage(`{bad`))
	assert.NotEqual(t, err, nil)

	// a row without an id is rejected, not stored under ""
	_, _, err = state.merge(TableSongs, json.RawMessage(`{"title":"x"}`))
	assert.NotEqual(t, err, nil)
	assert.Equal(t, len(state.songs), 0)
}

func TestTableStateRemove(t *testing.T) {
	state := newTableState()

	_, _, err := state.merge(TableSongs, rawRecord(t, &Song{
		Meta:  Meta{Id: "a", Version: 1},
		Title: "x",
	}))
	assert.Equal(t, err, nil)
	assert.Equal(t, state.size(TableSongs), 1)

	state.remove(TableSongs, "a")
	assert.Equal(t, state.size(TableSongs), 0)

	// removing a missing id is harmless
	state.remove(TableSongs, "a")
}

func TestIdJsonRoundtrip(t *testing.T) {
	id := NewId()

	idBytes, err := json.Marshal(&id)
	assert.Equal(t, err, nil)

	var parsed Id
	assert.Equal(t, json.Unmarshal(idBytes, &parsed), nil)
	assert.Equal(t, parsed, id)
	assert.Equal(t, parsed.String(), id.String())
}

func TestParseId(t *testing.T) {
	id := NewId()
	parsed, err := ParseId(id.String())
	assert.Equal(t, err, nil)
	assert.Equal(t, parsed, id)

	_, err = ParseId("nope")
	assert.NotEqual(t, err, nil)
}
