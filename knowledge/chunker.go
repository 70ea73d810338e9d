package knowledge

import (
	"strings"
	"unicode/utf8"
)

// Separators are tried in order, from the largest unit to single
// characters. Paragraph breaks are handled before splitting.
var Separators = []string{
	"\n",
	". ",
	"? ",
	"! ",
	"; ",
	", ",
	" ",
	"",
}

// Splitter is a recursive character splitter. Sizes are in bytes.
type Splitter struct {
	ChunkSize    int
	ChunkOverlap int
	MinChunkSize int
}

// DefaultSplitter returns the 1000/200/100 splitter.
func DefaultSplitter() Splitter {
	return Splitter{ChunkSize: 1000, ChunkOverlap: 200, MinChunkSize: 100}
}

func (s Splitter) normalized() Splitter {
	def := DefaultSplitter()
	if s.ChunkSize <= 0 {
		s.ChunkSize = def.ChunkSize
	}
	if s.ChunkOverlap < 0 {
		s.ChunkOverlap = def.ChunkOverlap
	}
	if s.ChunkOverlap >= s.ChunkSize {
		s.ChunkOverlap = s.ChunkSize / 5
	}
	if s.MinChunkSize <= 0 {
		s.MinChunkSize = def.MinChunkSize
	}
	return s
}

// Paragraphs splits text on blank lines and drops empty paragraphs.
func Paragraphs(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	var out []string
	for _, p := range strings.Split(text, "\n\n") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Split cuts one paragraph into chunks of at most ChunkSize plus overlap.
// A paragraph that fits is returned whole, however short. A trailing piece
// under MinChunkSize is folded into the chunk before it.
func (s Splitter) Split(text string) []string {
	s = s.normalized()
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) <= s.ChunkSize {
		return []string{text}
	}

	chunks := s.merge(s.split(text, Separators))
	return s.overlap(chunks)
}

// split breaks text into pieces no longer than ChunkSize, preferring the
// earliest separator present.
func (s Splitter) split(text string, separators []string) []string {
	if len(text) <= s.ChunkSize {
		return []string{text}
	}

	sep, rest := "", []string(nil)
	for i, candidate := range separators {
		if candidate == "" || strings.Contains(text, candidate) {
			sep, rest = candidate, separators[i+1:]
			break
		}
	}

	var parts []string
	if sep == "" {
		for len(text) > 0 {
			n := s.ChunkSize
			if n >= len(text) {
				n = len(text)
			} else {
				for n > 0 && !utf8.RuneStart(text[n]) {
					n--
				}
				if n == 0 {
					_, n = utf8.DecodeRuneInString(text)
				}
			}
			parts = append(parts, text[:n])
			text = text[n:]
		}
		return parts
	}

	pieces := strings.Split(text, sep)
	for i, p := range pieces {
		if i < len(pieces)-1 {
			p += sep
		}
		if len(p) > s.ChunkSize {
			parts = append(parts, s.split(p, rest)...)
			continue
		}
		parts = append(parts, p)
	}
	return parts
}

// merge packs consecutive pieces into chunks up to ChunkSize.
func (s Splitter) merge(pieces []string) []string {
	var out []string
	var cur strings.Builder

	flush := func() {
		c := strings.TrimSpace(cur.String())
		cur.Reset()
		if c == "" {
			return
		}
		if len(c) < s.MinChunkSize && len(out) > 0 {
			out[len(out)-1] += " " + c
			return
		}
		out = append(out, c)
	}

	for _, p := range pieces {
		if cur.Len() > 0 && cur.Len()+len(p) > s.ChunkSize {
			flush()
		}
		cur.WriteString(p)
	}
	flush()
	return out
}

// overlap prefixes each chunk with the tail of the one before it.
func (s Splitter) overlap(chunks []string) []string {
	if len(chunks) <= 1 || s.ChunkOverlap == 0 {
		return chunks
	}

	out := make([]string, len(chunks))
	out[0] = chunks[0]
	for i := 1; i < len(chunks); i++ {
		prev := chunks[i-1]
		start := len(prev) - s.ChunkOverlap
		if start < 0 {
			start = 0
		}
		for start < len(prev) && !utf8.RuneStart(prev[start]) {
			start++
		}
		out[i] = strings.TrimSpace(prev[start:]) + " " + chunks[i]
	}
	return out
}
