package dafsa

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeRaw(t *testing.T) {
	assert.Equal(t, "night's watch", NormalizeRaw("  Night’s   WATCH!"))
	assert.Equal(t, "jon snow", NormalizeRaw("Jon-Snow"))
	assert.Equal(t, "", NormalizeRaw("..."))
}

func TestTokenizeNorm(t *testing.T) {
	assert.Equal(t, []string{"jon", "snow"}, TokenizeNorm("Lord Jon of the Snow"))
	assert.Empty(t, TokenizeNorm("the and of"))
}

func TestCompileAndLookup(t *testing.T) {
	dict := Compile([]RegisteredEntity{
		{ID: "jon", Label: "Jon Snow", Aliases: []string{"Lord Snow"}, Kind: "CHARACTER"},
		{ID: "wf", Label: "Winterfell", Kind: "LOCATION"},
	})

	infos := dict.Lookup("LORD SNOW")
	require.Len(t, infos, 1)
	assert.Equal(t, "jon", infos[0].ID)

	assert.True(t, dict.IsKnownEntity("winterfell"))
	// auto alias from the character's last name
	assert.True(t, dict.IsKnownEntity("snow"))
	assert.False(t, dict.IsKnownEntity("Arya"))
	assert.Equal(t, "Winterfell", dict.GetInfo("wf").Label)
}

func TestScan(t *testing.T) {
	dict := Compile([]RegisteredEntity{
		{ID: "jon", Label: "Jon Snow", Kind: "CHARACTER"},
		{ID: "wf", Label: "Winterfell", Kind: "LOCATION"},
	})

	text := "Jon Snow rode north from Winterfell."
	matches := dict.Scan(text)
	require.Len(t, matches, 2)

	assert.Equal(t, "Jon Snow", matches[0].MatchedText)
	assert.Equal(t, 0, matches[0].Start)
	assert.Equal(t, "jon", matches[0].Entities[0].ID)

	assert.Equal(t, "Winterfell", matches[1].MatchedText)
	assert.Equal(t, text[matches[1].Start:matches[1].End], "Winterfell")
}

func TestScanNormalizesText(t *testing.T) {
	dict := Compile([]RegisteredEntity{
		{ID: "smith", Label: "Mr. Smith", Kind: "CHARACTER"},
		{ID: "eowyn", Label: "Éowyn", Kind: "CHARACTER"},
		{ID: "watch", Label: "Night's Watch", Kind: "FACTION"},
	})

	text := "ÉOWYN met Mr. Smith at the Night’s  Watch."
	matches := dict.Scan(text)
	require.Len(t, matches, 3)

	assert.Equal(t, "ÉOWYN", matches[0].MatchedText)
	assert.Equal(t, 0, matches[0].Start)
	assert.Equal(t, len("ÉOWYN"), matches[0].End)
	assert.Equal(t, "eowyn", matches[0].Entities[0].ID)

	assert.Equal(t, "Mr. Smith", matches[1].MatchedText)
	assert.Equal(t, "smith", matches[1].Entities[0].ID)

	assert.Equal(t, "Night’s  Watch", matches[2].MatchedText)
	assert.Equal(t, text[matches[2].Start:matches[2].End], matches[2].MatchedText)
	assert.Equal(t, "watch", matches[2].Entities[0].ID)
}

func TestScanEmptyDictionary(t *testing.T) {
	dict := Compile(nil)
	assert.Equal(t, 0, dict.Len())
	assert.Empty(t, dict.Scan("anything at all"))
}

func TestSelectBest(t *testing.T) {
	best := SelectBest([]*EntityInfo{
		{ID: "b", Kind: "EVENT"},
		{ID: "a", Kind: "LOCATION"},
		{ID: "c", Kind: "CHARACTER"},
	})
	require.NotNil(t, best)
	assert.Equal(t, "c", best.ID)
	assert.Nil(t, SelectBest(nil))
}

func TestAutoAliases(t *testing.T) {
	assert.Contains(t, generateAutoAliases("Straw Hat Pirates", "FACTION"), "shp")
	assert.Contains(t, generateAutoAliases("Straw Hat Pirates", "FACTION"), "straw hat")
	assert.Contains(t, generateAutoAliases("Castle Black", "LOCATION"), "castle")
	assert.Nil(t, generateAutoAliases("Ghost", "CHARACTER"))
}
