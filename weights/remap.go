package weights

import "strings"

// TextDecoderState selects the text decoder parameters of a full detector
// checkpoint and strips their two leading scope segments, so
// "roi_heads.text_decoder.embedding.weight" becomes "embedding.weight".
func TextDecoderState(state State) State {
	out := State{}
	for key, value := range state {
		if !strings.Contains(key, "text_decoder") {
			continue
		}
		parts := strings.SplitN(key, ".", 3)
		if len(parts) < 3 {
			continue
		}
		out[parts[2]] = value
	}
	return out
}
