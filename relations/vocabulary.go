// Package relations maps free-text relation annotations onto the closed relation label
// space used by the relation classifier.
package relations

import (
	"fmt"
	"strings"

	"github.com/agnivade/levenshtein"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Vocabulary is an immutable ordered relation label table with constant time lookup.
type Vocabulary struct {
	index  *orderedmap.OrderedMap[string, int]
	labels []string
}

var defaultVocabulary = mustVocabulary(entries[:])

// Default returns the vocabulary the pretrained relation classifier was trained with.
func Default() *Vocabulary {
	return defaultVocabulary
}

// NewVocabulary builds a vocabulary from labels in label order. Labels must be unique.
func NewVocabulary(labels []string) (*Vocabulary, error) {
	v := &Vocabulary{
		index:  orderedmap.New[string, int](),
		labels: make([]string, 0, len(labels)),
	}
	for i, label := range labels {
		if _, present := v.index.Set(label, i); present {
			return nil, fmt.Errorf("duplicate relation label %q at position %d", label, i)
		}
		v.labels = append(v.labels, label)
	}
	return v, nil
}

func mustVocabulary(labels []string) *Vocabulary {
	v, err := NewVocabulary(labels)
	if err != nil {
		panic(err)
	}
	return v
}

// Size is the number of relation labels.
func (v *Vocabulary) Size() int {
	return v.index.Len()
}

// LabelWidth is the length of an encoded label vector. Position 0 is never set.
func (v *Vocabulary) LabelWidth() int {
	return v.Size() + 1
}

// Index returns the 0-based position of an exact label.
func (v *Vocabulary) Index(label string) (int, bool) {
	return v.index.Get(label)
}

// Label returns the label stored at the 0-based position i.
func (v *Vocabulary) Label(i int) (string, bool) {
	if i < 0 || i >= len(v.labels) {
		return "", false
	}
	return v.labels[i], true
}

// Labels returns a copy of the table in label order.
func (v *Vocabulary) Labels() []string {
	out := make([]string, 0, v.Size())
	for pair := v.index.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Key)
	}
	return out
}

// Normalize applies the annotation clean-up done before lookup: exactly one leading
// space or period is dropped and the phrase is lowercased.
func Normalize(phrase string) string {
	if phrase != "" && (phrase[0] == ' ' || phrase[0] == '.') {
		phrase = phrase[1:]
	}
	return strings.ToLower(phrase)
}

// Lookup returns the 0-based position of an annotated phrase after Normalize.
func (v *Vocabulary) Lookup(phrase string) (int, error) {
	normalized := Normalize(phrase)
	if i, ok := v.index.Get(normalized); ok {
		return i, nil
	}
	return 0, &LookupError{Phrase: phrase, Normalized: normalized, Closest: v.closest(normalized)}
}

func (v *Vocabulary) closest(phrase string) string {
	best := ""
	bestDistance := -1
	for _, label := range v.labels {
		d := levenshtein.ComputeDistance(phrase, label)
		if bestDistance < 0 || d < bestDistance {
			best, bestDistance = label, d
		}
	}
	return best
}

// LookupError reports a relation phrase that is not part of the closed vocabulary.
// Closest is a diagnostic hint only; it is never used as a match.
type LookupError struct {
	Phrase     string
	Normalized string
	Closest    string
}

func (e *LookupError) Error() string {
	if e.Closest != "" {
		return fmt.Sprintf("relation %q (normalized %q) is not in the vocabulary, closest entry is %q", e.Phrase, e.Normalized, e.Closest)
	}
	return fmt.Sprintf("relation %q (normalized %q) is not in the vocabulary", e.Phrase, e.Normalized)
}
