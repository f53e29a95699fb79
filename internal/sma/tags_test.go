package sma

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleCatalog = `# comment line

7310=Status\8214\Operation

7311=Off\0\Off state
`

func TestParseCatalogSkipsBlankAndCommentLines(t *testing.T) {
	cat, err := ParseCatalog(strings.NewReader(sampleCatalog))
	require.NoError(t, err)

	tag, ok := cat.TagByID(7310)
	require.True(t, ok)
	require.Equal(t, "Status", tag.Name)
	require.Equal(t, uint32(8214), tag.LRI)
	require.Equal(t, "Operation", tag.Desc)

	_, ok = cat.TagByID(0)
	require.False(t, ok)
}

func TestCatalogTagByLRIMasksInput(t *testing.T) {
	cat, err := ParseCatalog(strings.NewReader(sampleCatalog))
	require.NoError(t, err)

	tag, ok := cat.TagByLRI(8214 | 0xFF000000)
	require.True(t, ok)
	require.Equal(t, "Status", tag.Name)
}

func TestCatalogDescribeFallsBackToPlaceholder(t *testing.T) {
	cat, err := ParseCatalog(strings.NewReader(sampleCatalog))
	require.NoError(t, err)

	require.Equal(t, "Operation", cat.Describe(7310))
	require.Equal(t, "#9999", cat.Describe(9999))
}

func TestLoadCatalogFallsBackToEnglish(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "TagListEN-US.txt"), []byte(sampleCatalog), 0o644))

	cat, err := LoadCatalog(dir, "DE-DE")
	require.NoError(t, err)

	_, ok := cat.TagByID(7310)
	require.True(t, ok)
}

func TestSubstituteEventTemplateReplacesTokens(t *testing.T) {
	cat, err := ParseCatalog(strings.NewReader(sampleCatalog))
	require.NoError(t, err)

	ev := Event{Group: 3, Tag: 7310, Counter: 5, Code: 0xAB}
	out := SubstituteEventTemplate("|ln04| |tn0| |s0| |xN|", ev, cat)
	require.Equal(t, "0003 Operation 5 AB", out)
}
