package normalize

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordCamelCasesNestedKeys(t *testing.T) {
	in := map[string]any{
		"listing_id": json.Number("42"),
		"primary_host": map[string]any{
			"first_name": "Ana",
		},
		"photos": []any{
			map[string]any{"picture_url": "https://a0.muscache.com/1.jpg"},
		},
	}

	out := Record(in)

	assert.Equal(t, json.Number("42"), out["listingId"])
	host, ok := out["primaryHost"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Ana", host["firstName"])

	photos, ok := out["photos"].([]any)
	require.True(t, ok)
	photo, ok := photos[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "https://a0.muscache.com/1.jpg", photo["pictureUrl"])
}

func TestRecordStripsMarkupFromTextFields(t *testing.T) {
	in := map[string]any{
		"comments":   "Great stay!<br/>Would come again &amp; again.",
		"host_about": "<b>kept</b>",
	}

	out := Record(in)

	assert.Equal(t, "Great stay!\nWould come again & again.", out["comments"])
	assert.Equal(t, "<b>kept</b>", out["hostAbout"])
}

func TestRecordNil(t *testing.T) {
	assert.Nil(t, Record(nil))
}

func TestPlainTextWithoutMarkup(t *testing.T) {
	assert.Equal(t, "plain", PlainText("plain"))
}

func TestPlainTextParagraphs(t *testing.T) {
	assert.Equal(t, "one\ntwo", PlainText("<p>one</p><p>two</p>"))
}
