package errors

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProblemDetailsJSON(t *testing.T) {
	p := NewUnknownRecordError("Quote", "/history/Quote/AAPL")
	data, err := json.Marshal(p)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, TypeUnknownRecord, got["type"])
	assert.EqualValues(t, http.StatusNotFound, got["status"])
	assert.Equal(t, "Quote", got["record"])
	assert.Equal(t, "/history/Quote/AAPL", got["instance"])
	assert.Equal(t, "unknown record Quote", p.Error())
}

func TestProblemDetailsExtraCannotOverride(t *testing.T) {
	p := NewValidationError("bad from", "").WithExtra("status", 200)
	data, err := json.Marshal(p)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"status":400`)
	assert.NotContains(t, string(data), "instance")
}
