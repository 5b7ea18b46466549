package relations

// Encode turns the relation phrases annotated for one track pair into a multi-hot
// label vector of width LabelWidth. Empty phrases are skipped, label k (1-based) is
// set for the k-th vocabulary entry, and repeated phrases set the same position once.
// An unknown phrase fails the whole encoding with a *LookupError.
func (v *Vocabulary) Encode(phrases []string) ([]float32, error) {
	label := make([]float32, v.LabelWidth())
	for _, phrase := range phrases {
		if phrase == "" {
			continue
		}
		i, err := v.Lookup(phrase)
		if err != nil {
			return nil, err
		}
		label[i+1] = 1
	}
	return label, nil
}

// Decode lists the labels whose score reaches threshold, in label order.
// Scores must be laid out like an encoded vector, position 0 is ignored.
func (v *Vocabulary) Decode(scores []float32, threshold float32) []string {
	var out []string
	for k := 1; k < len(scores) && k <= v.Size(); k++ {
		if scores[k] >= threshold {
			out = append(out, v.labels[k-1])
		}
	}
	return out
}

// Encode encodes phrases with the default vocabulary.
func Encode(phrases []string) ([]float32, error) {
	return defaultVocabulary.Encode(phrases)
}

// LabelWidth is the label vector width of the default vocabulary.
func LabelWidth() int {
	return defaultVocabulary.LabelWidth()
}
