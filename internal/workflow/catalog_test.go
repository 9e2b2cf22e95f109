package workflow

import (
	"encoding/json"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ghzmwhdk777/ckpts/templates"
)

func TestLoadEmbeddedCatalog(t *testing.T) {
	catalog, err := LoadCatalog(templates.FS)
	require.NoError(t, err)

	assert.Equal(t, []string{"kor2vid", "segmentation", "segmentation_relay"}, catalog.Names())

	kor2vid, err := catalog.Get("kor2vid")
	require.NoError(t, err)
	assert.Equal(t, "24", kor2vid.Roles["translated_text"])
	assert.Equal(t, "25", kor2vid.Roles["generated_prompt"])
	assert.Equal(t, []string{"38.seed", "3.seed", "17.seed", "21.seed"}, kor2vid.Params["seed"])

	overrides, err := kor2vid.Bind(map[string]any{"prompt": "미래도시", "seed": 99, "frames": 16})
	require.NoError(t, err)
	instance, err := kor2vid.Instantiate(overrides)
	require.NoError(t, err)
	for _, p := range kor2vid.Params["seed"] {
		node, input, _ := SplitPath(p)
		v, _ := instance.Input(node, input)
		assert.Equal(t, 99, v.Literal())
	}

	seg, err := catalog.Get("segmentation")
	require.NoError(t, err)
	assert.Equal(t, []string{"image"}, seg.Uploads)
	assert.Equal(t, "12", seg.Roles["primary_image"])
}

func TestKor2vidVideoLength(t *testing.T) {
	catalog, err := LoadCatalog(templates.FS)
	require.NoError(t, err)
	kor2vid, err := catalog.Get("kor2vid")
	require.NoError(t, err)

	frames := func(params map[string]any) any {
		t.Helper()
		overrides, err := kor2vid.Bind(params)
		require.NoError(t, err)
		instance, err := kor2vid.Instantiate(overrides)
		require.NoError(t, err)
		v, ok := instance.Input("17", "frames")
		require.True(t, ok)
		return v.Literal()
	}

	assert.Equal(t, int64(24), frames(map[string]any{"seconds": 3}))
	assert.Equal(t, int64(16), frames(map[string]any{"seconds": json.Number("2")}))
	assert.Equal(t, 10, frames(map[string]any{"frames": 10}))

	_, err = kor2vid.Bind(map[string]any{"seconds": 2, "frames": 16})
	var cfgErr *ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
	_, err = kor2vid.Bind(map[string]any{"seconds": "three"})
	assert.ErrorAs(t, err, &cfgErr)
}

func TestCatalogUnknownTemplate(t *testing.T) {
	catalog, err := LoadCatalog(templates.FS)
	require.NoError(t, err)

	_, err = catalog.Get("txt2img")
	var cfgErr *ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestLoadCatalogRejectsBadMetadata(t *testing.T) {
	fsys := fstest.MapFS{
		"manifest.yaml": {Data: []byte(`
templates:
  - name: broken
    workflow: g.json
    params:
      seed: ["1.seed"]
    roles:
      primary_image: "2"
`)},
		"g.json": {Data: []byte(`{"1": {"inputs": {"seed": 1}, "class_type": "KSampler"}}`)},
	}

	_, err := LoadCatalog(fsys)
	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "primary_image", cfgErr.Path)
}

func TestLoadCatalogMissingWorkflow(t *testing.T) {
	fsys := fstest.MapFS{
		"manifest.yaml": {Data: []byte("templates:\n  - name: lost\n    workflow: nowhere.json\n")},
	}
	_, err := LoadCatalog(fsys)
	assert.Error(t, err)
}
