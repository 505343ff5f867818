package catalog_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"briefloop/internal/catalog"
)

func TestDefaultCatalogHasRestoration(t *testing.T) {
	sectors := catalog.Default().Sectors()
	require.NotEmpty(t, sectors)
	var found bool
	for _, s := range sectors {
		if s.Slug == "restoration-food" {
			found = true
			assert.Equal(t, "Restoration / Food", s.Name)
			assert.NotEmpty(t, s.Questions)
		}
	}
	assert.True(t, found)
}

func TestSlugify(t *testing.T) {
	cases := map[string]string{
		"Restoration / Food":    "restoration-food",
		"  Santé & Bien-être  ": "sante-bien-etre",
		"E-commerce":            "e-commerce",
		"":                      "",
		"///":                   "",
	}
	for in, want := range cases {
		assert.Equal(t, want, catalog.Slugify(in), in)
	}
}

func TestParseFillsSlugAndType(t *testing.T) {
	s, err := catalog.Parse([]byte(`
sectors:
  - name: "Bakery Shops"
    questions:
      - id: breads
        label: "Breads?"
`))
	require.NoError(t, err)
	sec := s.Sectors()[0]
	assert.Equal(t, "bakery-shops", sec.Slug)
	assert.Equal(t, "text", sec.Questions[0].Type)
}

func TestParseRejectsDuplicatesAndMissingIDs(t *testing.T) {
	_, err := catalog.Parse([]byte(`
sectors:
  - name: "A B"
  - name: "a-b"
`))
	require.Error(t, err)

	_, err = catalog.Parse([]byte(`
sectors:
  - name: "A"
    questions:
      - label: "no id"
`))
	require.Error(t, err)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yml")
	require.NoError(t, os.WriteFile(path, []byte("sectors:\n  - name: Florists\n"), 0o644))
	s, err := catalog.Load(path)
	require.NoError(t, err)
	require.Len(t, s.Sectors(), 1)

	s, err = catalog.Load("")
	require.NoError(t, err)
	assert.Greater(t, len(s.Sectors()), 1)
}
