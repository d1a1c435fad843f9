package diagnostics

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ws2805 "github.com/coreman2200/rpi-ws2805"
)

func TestCatalogCoversEveryFailure(t *testing.T) {
	for _, d := range Catalog() {
		if d.Value == 0 {
			assert.Equal(t, Info, d.Severity)
			continue
		}
		assert.Equal(t, Err, d.Severity, d.Code)
		assert.NotEmpty(t, d.LikelyCauses, d.Code)
		assert.NotEmpty(t, d.SuggestedFixes, d.Code)
	}
}

func TestFromError(t *testing.T) {
	err := errors.Wrap(&ws2805.Error{Code: ws2805.IllegalGpio, Op: "init"}, "start")
	d := FromError(err, map[string]any{"gpio": 2})
	assert.Equal(t, "IllegalGpio", d.Code)
	assert.Equal(t, -11, d.Value)
	assert.Equal(t, "Selected GPIO not possible", d.Summary)
	assert.Contains(t, d.Detail, "start")

	b, jerr := json.Marshal(d)
	require.NoError(t, jerr)
	assert.Contains(t, string(b), `"evidence":{"gpio":2}`)

	unknown := FromError(errors.New("boom"), nil)
	assert.Equal(t, "GenericFailure", unknown.Code)
	assert.Nil(t, unknown.Evidence)
}

func TestZerologObject(t *testing.T) {
	var buf bytes.Buffer
	log := zerolog.New(&buf)
	log.Error().Object("diagnostic", For(ws2805.Mmap)).Msg("init failed")

	var out struct {
		Diagnostic map[string]any `json:"diagnostic"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	assert.Equal(t, "Mmap", out.Diagnostic["code"])
	assert.Equal(t, float64(-5), out.Diagnostic["value"])
	assert.NotEmpty(t, out.Diagnostic["suggested_fixes"])
}
