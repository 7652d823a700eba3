package session

import (
	"strings"

	"github.com/voxgate-ai/voxgate/pkg/provider/llm"
)

// chunkStats summarizes one semantic-chunking pass over a token stream.
type chunkStats struct {
	// Chunks is the number of non-empty chunks handed to the sink.
	Chunks int

	// FallbackUsed reports that the marker never appeared and the final text
	// was split on sentence boundaries instead.
	FallbackUsed bool

	// ForcedFlushes counts buffer-overflow flushes.
	ForcedFlushes int
}

// streamChunks consumes an LLM token stream and delivers speakable chunks to
// sink, splitting on every occurrence of marker. The piece after the last
// marker stays buffered until more tokens arrive. Chunking is independent of
// how the text is sliced into tokens.
//
// If the buffer outgrows maxBuffer it is flushed wholesale, except for a
// trailing partial marker which stays buffered so a marker spanning the
// flush boundary is not lost. When the stream ends without the marker ever
// appearing, the accumulated text is split on sentence boundaries instead.
//
// sink is called synchronously; an error from it, or an error chunk on the
// stream, aborts immediately.
func streamChunks(tokens <-chan llm.Chunk, marker string, maxBuffer int, sink func(text string) error) (chunkStats, error) {
	var (
		stats      chunkStats
		buf        strings.Builder
		markerSeen bool
	)

	deliver := func(text string) error {
		text = strings.TrimSpace(text)
		if text == "" {
			return nil
		}
		if err := sink(text); err != nil {
			return err
		}
		stats.Chunks++
		return nil
	}

	for chunk := range tokens {
		if chunk.Err != nil {
			return stats, chunk.Err
		}
		if chunk.Text == "" {
			continue
		}
		buf.WriteString(chunk.Text)

		if strings.Contains(buf.String(), marker) {
			markerSeen = true
			pieces := strings.Split(buf.String(), marker)
			for _, piece := range pieces[:len(pieces)-1] {
				if err := deliver(piece); err != nil {
					return stats, err
				}
			}
			buf.Reset()
			buf.WriteString(pieces[len(pieces)-1])
		}

		if buf.Len() > maxBuffer {
			text := buf.String()
			// hold back a tail that could be the start of a marker split
			// across token boundaries
			keep := partialMarkerSuffix(text, marker)
			if err := deliver(text[:len(text)-keep]); err != nil {
				return stats, err
			}
			stats.ForcedFlushes++
			buf.Reset()
			buf.WriteString(text[len(text)-keep:])
		}
	}

	rest := buf.String()
	if markerSeen {
		if err := deliver(rest); err != nil {
			return stats, err
		}
		return stats, nil
	}

	if strings.TrimSpace(rest) != "" {
		stats.FallbackUsed = true
		for _, sentence := range splitSentences(rest) {
			if err := deliver(sentence); err != nil {
				return stats, err
			}
		}
	}
	return stats, nil
}

// partialMarkerSuffix returns the length of the longest strict prefix of
// marker that text ends with.
func partialMarkerSuffix(text, marker string) int {
	max := len(marker) - 1
	if max > len(text) {
		max = len(text)
	}
	for k := max; k > 0; k-- {
		if strings.HasSuffix(text, marker[:k]) {
			return k
		}
	}
	return 0
}

// splitSentences splits text after sentence-terminating punctuation followed
// by whitespace or end of input. Text without terminators comes back as one
// piece.
func splitSentences(text string) []string {
	var (
		out   []string
		start int
	)
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case '.', '!', '?':
			if i+1 == len(text) || text[i+1] == ' ' || text[i+1] == '\n' || text[i+1] == '\t' {
				out = append(out, text[start:i+1])
				start = i + 1
			}
		}
	}
	if start < len(text) {
		out = append(out, text[start:])
	}
	return out
}
