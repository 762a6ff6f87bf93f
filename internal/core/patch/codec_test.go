package patch

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeBatch(t *testing.T) {
	m, err := DecodeMessage([]byte(`{
		"fromRevision": 10,
		"toRevision": 11,
		"operations": [
			{"op": "replace", "path": ["foo"], "value": 2},
			{"op": "add", "path": ["package-data", "bitcoind", "installed"], "value": null},
			{"op": "remove", "path": ["list", 0]}
		]
	}`))
	require.NoError(t, err)
	require.NotNil(t, m.Batch)
	assert.False(t, m.IsDump())

	b := m.Batch
	assert.Equal(t, Revision(10), b.From)
	assert.Equal(t, Revision(11), b.To)
	require.Len(t, b.Operations, 3)
	assert.Equal(t, Replace(P("foo"), float64(2)), b.Operations[0])
	assert.Equal(t, Add(P("package-data", "bitcoind", "installed"), nil), b.Operations[1])
	assert.Equal(t, Remove(P("list", 0)), b.Operations[2])
}

func TestDecodeDump(t *testing.T) {
	m, err := DecodeMessage([]byte(`{"revision": 42, "tree": {"foo": [1, "two"]}}`))
	require.NoError(t, err)
	require.True(t, m.IsDump())
	assert.Equal(t, Revision(42), m.Dump.Revision)
	assert.Equal(t, map[string]any{"foo": []any{float64(1), "two"}}, m.Dump.Tree)
}

func TestDecodeExplicitType(t *testing.T) {
	m, err := DecodeMessage([]byte(`{"type": "dump", "revision": 3, "tree": null}`))
	require.NoError(t, err)
	require.True(t, m.IsDump())
	assert.Nil(t, m.Dump.Tree)

	m, err = DecodeMessage([]byte(`{"type": "patch", "fromRevision": 3, "toRevision": 4, "operations": []}`))
	require.NoError(t, err)
	require.NotNil(t, m.Batch)
	assert.Empty(t, m.Batch.Operations)
}

func TestDecodeMalformed(t *testing.T) {
	inputs := map[string]string{
		"not json":            `{`,
		"unknown shape":       `{"hello": "world"}`,
		"unknown op":          `{"fromRevision": 1, "toRevision": 2, "operations": [{"op": "move", "path": ["a"]}]}`,
		"missing value":       `{"fromRevision": 1, "toRevision": 2, "operations": [{"op": "add", "path": ["a"]}]}`,
		"missing path":        `{"fromRevision": 1, "toRevision": 2, "operations": [{"op": "remove"}]}`,
		"negative index":      `{"fromRevision": 1, "toRevision": 2, "operations": [{"op": "remove", "path": [-1]}]}`,
		"fractional index":    `{"fromRevision": 1, "toRevision": 2, "operations": [{"op": "remove", "path": [1.5]}]}`,
		"backwards revisions": `{"fromRevision": 5, "toRevision": 4, "operations": []}`,
		"dump without rev":    `{"tree": {}}`,
	}
	for name, input := range inputs {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeMessage([]byte(input))
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestDecodeMalformedBatchNamesTheOperation(t *testing.T) {
	_, err := DecodeMessage([]byte(`{"fromRevision": 10, "toRevision": 11, "operations": [
		{"op": "add", "path": ["ok"], "value": 1},
		{"op": "replace", "path": ["foo"]}
	]}`))
	var batchErr *BatchError
	require.ErrorAs(t, err, &batchErr)
	assert.ErrorIs(t, err, ErrMalformed)
	assert.Equal(t, Revision(10), batchErr.From)
	assert.Equal(t, Revision(11), batchErr.To)
	assert.Equal(t, 1, batchErr.Index)
	assert.Equal(t, "replace", batchErr.Op)
	assert.Equal(t, `["foo"]`, batchErr.Path)

	_, err = DecodeMessage([]byte(`{"fromRevision": 5, "toRevision": 5, "operations": []}`))
	require.ErrorAs(t, err, &batchErr)
	assert.Equal(t, -1, batchErr.Index)

	_, err = DecodeMessages([]byte(`[{"revision": 1, "tree": {}}, {"fromRevision": 1, "toRevision": 2, "operations": [{"op": "move", "path": []}]}]`))
	require.ErrorAs(t, err, &batchErr)
	assert.Equal(t, "move", batchErr.Op)
}

func TestDecodeNoiseIsNotABatchError(t *testing.T) {
	for _, input := range []string{`{`, `{"hello": "world"}`, `{"tree": {}}`} {
		_, err := DecodeMessage([]byte(input))
		require.ErrorIs(t, err, ErrMalformed)
		var batchErr *BatchError
		assert.False(t, errors.As(err, &batchErr), input)
	}
}

func TestDecodeMessagesArray(t *testing.T) {
	ms, err := DecodeMessages([]byte(` [
		{"fromRevision": 1, "toRevision": 2, "operations": []},
		{"revision": 9, "tree": {}}
	]`))
	require.NoError(t, err)
	require.Len(t, ms, 2)
	assert.NotNil(t, ms[0].Batch)
	assert.True(t, ms[1].IsDump())

	_, err = DecodeMessages([]byte(`[{"fromRevision": 1, "toRevision": 2, "operations": []}, {}]`))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestBatchEncodingMatchesWireShape(t *testing.T) {
	data, err := json.Marshal(Batch{From: 10, To: 11, Operations: []Operation{
		Replace(P("foo", 0), 2),
		Remove(P("bar")),
	}})
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"fromRevision": 10,
		"toRevision": 11,
		"operations": [
			{"op": "replace", "path": ["foo", 0], "value": 2},
			{"op": "remove", "path": ["bar"]}
		]
	}`, string(data))

	m, err := DecodeMessage(data)
	require.NoError(t, err)
	assert.Equal(t, P("foo", 0), m.Batch.Operations[0].Path)
}
