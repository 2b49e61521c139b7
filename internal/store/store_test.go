package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeDocument(t *testing.T) {
	doc := []byte(`{"request":{"from":"KTEB"},"analysis":{"pax":4}}`)
	out, err := MergeDocument(doc, []byte(`{"analysis":{"pax":6},"quotes":[]}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"request":{"from":"KTEB"},"analysis":{"pax":6},"quotes":[]}`, string(out))

	// Merging the same patch twice leaves the same document.
	again, err := MergeDocument(out, []byte(`{"analysis":{"pax":6},"quotes":[]}`))
	require.NoError(t, err)
	assert.JSONEq(t, string(out), string(again))
}

func TestMergeDocumentEmptyAndDottedKeys(t *testing.T) {
	out, err := MergeDocument(nil, []byte(`{"a.b":1}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"a.b":1}`, string(out))

	_, err = MergeDocument(nil, []byte(`[1,2]`))
	assert.Error(t, err)
	_, err = MergeDocument([]byte(`"x"`), []byte(`{}`))
	assert.Error(t, err)
}

func TestFillDocumentKeepsExistingKeys(t *testing.T) {
	doc := []byte(`{"quotes":[{"id":"late"}]}`)
	out, err := FillDocument(doc, []byte(`{"quotes":[],"note":"x"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"quotes":[{"id":"late"}],"note":"x"}`, string(out))

	out, err = FillDocument(nil, []byte(`{"quotes":[]}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"quotes":[]}`, string(out))

	_, err = FillDocument(doc, []byte(`[]`))
	assert.Error(t, err)
}

func TestPick(t *testing.T) {
	doc := []byte(`{"request":{"from":"KTEB"},"client":null,"trip":{"id":"t1"}}`)
	assert.JSONEq(t, `{"request":{"from":"KTEB"},"client":null}`, string(Pick(doc, []string{"request", "client", "missing"})))
}
