// Package dafsa provides a runtime dictionary using Aho-Corasick.
// Single AC automaton serves as both dictionary lookup AND text scanner.
package dafsa

import (
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/orsinium-labs/stopwords"
	ahocorasick "github.com/petar-dambovaliev/aho-corasick"
)

// ============================================================================
// String Utilities
// ============================================================================

// NormalizeRaw cleans and lowercases text for matching.
func NormalizeRaw(s string) string {
	var out strings.Builder
	out.Grow(len(s))

	for _, ch := range s {
		c := unicode.ToLower(ch)

		// Curly apostrophe -> straight
		if c == '’' {
			out.WriteRune('\'')
			continue
		}

		if unicode.IsLetter(c) || unicode.IsDigit(c) || c == '\'' {
			out.WriteRune(c)
		} else {
			out.WriteRune(' ')
		}
	}

	return strings.Join(strings.Fields(out.String()), " ")
}

// honorifics are dropped in addition to the English stop word list.
var honorifics = map[string]bool{
	"mr": true, "mrs": true, "ms": true, "dr": true, "prof": true,
	"sir": true, "ser": true, "lady": true, "lord": true,
}

var english = stopwords.MustGet("en")

// IsStopWord reports whether a normalized token carries no identity.
func IsStopWord(w string) bool {
	return honorifics[w] || english.Contains(w)
}

// TokenizeNorm splits and normalizes, filtering stop words.
func TokenizeNorm(text string) []string {
	words := strings.Fields(NormalizeRaw(text))

	result := make([]string, 0, len(words))
	for _, w := range words {
		if !IsStopWord(w) {
			result = append(result, w)
		}
	}
	return result
}

// ============================================================================
// Entity Types
// ============================================================================

// Priority returns the matching priority of an entity kind (higher = prefer).
func Priority(kind string) int {
	switch strings.ToUpper(kind) {
	case "CHARACTER", "NPC":
		return 10
	case "LOCATION":
		return 8
	case "FACTION":
		return 7
	case "ITEM":
		return 5
	case "SCENE":
		return 4
	case "CONCEPT":
		return 3
	case "EVENT":
		return 1
	default:
		return 2
	}
}

// EntityInfo holds entity metadata
type EntityInfo struct {
	ID          string
	Label       string
	Kind        string
	NarrativeID string
}

// RegisteredEntity is input for dictionary compilation
type RegisteredEntity struct {
	ID          string
	Label       string
	Aliases     []string
	Kind        string
	NarrativeID string
}

// ============================================================================
// RuntimeDictionary - Dual-Purpose Aho-Corasick
// ============================================================================

// RuntimeDictionary uses AC for both dictionary lookup AND text scanning.
type RuntimeDictionary struct {
	ac ahocorasick.AhoCorasick

	// Pattern index -> Entity IDs (multiple entities may share pattern)
	patternToIDs [][]string

	// Normalized pattern -> pattern index
	patternIndex map[string]int

	idToInfo map[string]*EntityInfo
	patterns []string
}

// NewRuntimeDictionary creates an empty dictionary
func NewRuntimeDictionary() *RuntimeDictionary {
	return &RuntimeDictionary{
		patternToIDs: [][]string{},
		patternIndex: make(map[string]int),
		idToInfo:     make(map[string]*EntityInfo),
		patterns:     []string{},
	}
}

// Compile builds a RuntimeDictionary from registered entities
func Compile(entities []RegisteredEntity) *RuntimeDictionary {
	dict := NewRuntimeDictionary()

	for _, e := range entities {
		dict.idToInfo[e.ID] = &EntityInfo{
			ID:          e.ID,
			Label:       e.Label,
			Kind:        strings.ToUpper(e.Kind),
			NarrativeID: e.NarrativeID,
		}

		surfaces := []string{e.Label}
		surfaces = append(surfaces, e.Aliases...)
		surfaces = append(surfaces, generateAutoAliases(e.Label, e.Kind)...)

		for _, surface := range surfaces {
			key := NormalizeRaw(surface)
			if key == "" {
				continue
			}

			if idx, exists := dict.patternIndex[key]; exists {
				dict.patternToIDs[idx] = appendUnique(dict.patternToIDs[idx], e.ID)
			} else {
				idx := len(dict.patterns)
				dict.patterns = append(dict.patterns, key)
				dict.patternIndex[key] = idx
				dict.patternToIDs = append(dict.patternToIDs, []string{e.ID})
			}
		}
	}

	if len(dict.patterns) == 0 {
		return dict
	}

	builder := ahocorasick.NewAhoCorasickBuilder(ahocorasick.Opts{
		AsciiCaseInsensitive: true,
		MatchOnlyWholeWords:  true,
		MatchKind:            ahocorasick.LeftMostLongestMatch,
	})
	dict.ac = builder.Build(dict.patterns)

	return dict
}

// Len returns the number of distinct surface forms.
func (d *RuntimeDictionary) Len() int {
	return len(d.patterns)
}

// ============================================================================
// Dictionary Lookup
// ============================================================================

// Lookup finds entities matching a surface form (exact dictionary lookup)
func (d *RuntimeDictionary) Lookup(surface string) []*EntityInfo {
	idx, exists := d.patternIndex[NormalizeRaw(surface)]
	if !exists {
		return nil
	}
	return d.infos(d.patternToIDs[idx])
}

// IsKnownEntity checks if a token matches any known entity
func (d *RuntimeDictionary) IsKnownEntity(token string) bool {
	_, exists := d.patternIndex[NormalizeRaw(token)]
	return exists
}

// GetInfo retrieves entity info by ID
func (d *RuntimeDictionary) GetInfo(id string) *EntityInfo {
	return d.idToInfo[id]
}

func (d *RuntimeDictionary) infos(ids []string) []*EntityInfo {
	result := make([]*EntityInfo, 0, len(ids))
	for _, id := range ids {
		if info, ok := d.idToInfo[id]; ok {
			result = append(result, info)
		}
	}
	return result
}

// ============================================================================
// Text Scanning
// ============================================================================

// Match represents a detected entity in text
type Match struct {
	Start       int    // Byte offset start
	End         int    // Byte offset end
	MatchedText string // Original text slice
	Entities    []*EntityInfo
}

// Scan finds all entity mentions in text (O(n) via AC).
// The text is normalized the same way as the patterns; offsets are mapped
// back so Start and End index the original input.
func (d *RuntimeDictionary) Scan(text string) []Match {
	if len(d.patterns) == 0 {
		return nil
	}

	norm, starts, ends := normalizeMapped(text)
	matches := d.ac.FindAll(norm)
	result := make([]Match, 0, len(matches))
	for _, m := range matches {
		start, end := starts[m.Start()], ends[m.End()-1]
		result = append(result, Match{
			Start:       start,
			End:         end,
			MatchedText: text[start:end],
			Entities:    d.infos(d.patternToIDs[m.Pattern()]),
		})
	}
	return result
}

// normalizeMapped is NormalizeRaw that also records, for every output
// byte, the byte span of the input rune it came from.
func normalizeMapped(text string) (string, []int, []int) {
	out := make([]byte, 0, len(text))
	starts := make([]int, 0, len(text))
	ends := make([]int, 0, len(text))
	gap := false

	for i := 0; i < len(text); {
		ch, width := utf8.DecodeRuneInString(text[i:])
		c := unicode.ToLower(ch)
		if c == '’' {
			c = '\''
		}

		if unicode.IsLetter(c) || unicode.IsDigit(c) || c == '\'' {
			if gap && len(out) > 0 {
				out = append(out, ' ')
				starts = append(starts, i)
				ends = append(ends, i)
			}
			gap = false
			before := len(out)
			out = utf8.AppendRune(out, c)
			for range len(out) - before {
				starts = append(starts, i)
				ends = append(ends, i+width)
			}
		} else {
			gap = true
		}
		i += width
	}
	return string(out), starts, ends
}

// SelectBest picks the highest-priority entity, ties broken by id.
func SelectBest(infos []*EntityInfo) *EntityInfo {
	sorted := make([]*EntityInfo, len(infos))
	copy(sorted, infos)
	sort.SliceStable(sorted, func(i, j int) bool {
		pi, pj := Priority(sorted[i].Kind), Priority(sorted[j].Kind)
		if pi != pj {
			return pi > pj
		}
		return sorted[i].ID < sorted[j].ID
	})
	if len(sorted) == 0 {
		return nil
	}
	return sorted[0]
}

// ============================================================================
// Auto-Alias Generation
// ============================================================================

func generateAutoAliases(label, kind string) []string {
	tokens := TokenizeNorm(label)
	if len(tokens) <= 1 {
		return nil
	}

	first := tokens[0]
	last := tokens[len(tokens)-1]
	var out []string

	switch strings.ToUpper(kind) {
	case "CHARACTER", "NPC":
		if len(last) >= 3 {
			out = append(out, last)
		}
		if len(tokens) >= 3 && first != last {
			out = append(out, first+" "+last)
		}
		if len(first) >= 4 && first != last {
			out = append(out, first)
		}

	case "FACTION":
		var acronym strings.Builder
		for _, tok := range tokens {
			acronym.WriteByte(tok[0])
		}
		if acronym.Len() >= 2 && acronym.Len() <= 5 {
			out = append(out, acronym.String())
		}

		suffixes := []string{"pirates", "pirate", "crew", "gang", "guild", "army"}
		for _, suffix := range suffixes {
			if last == suffix {
				out = append(out, strings.Join(tokens[:len(tokens)-1], " "))
				break
			}
		}

	case "LOCATION":
		if len(first) >= 4 {
			out = append(out, first)
		}
	}

	return out
}

func appendUnique(slice []string, item string) []string {
	for _, s := range slice {
		if s == item {
			return slice
		}
	}
	return append(slice, item)
}
