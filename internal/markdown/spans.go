package markdown

import "strings"

// spanMatcher tries to match a span starting at src[i]. On success it writes
// the escaped span to the scanner's output and returns the index just past
// the span.
type spanMatcher func(s *scanner, i int) (int, bool)

// spanMatchers are tried in priority order at every scan position; the
// first one that matches wins.
var spanMatchers = []spanMatcher{
	matchLink,
	delimited{open: "**", close: "**"}.match,
	delimited{open: "*", close: "*"}.match,
	delimited{open: "__", close: "__"}.match,
	delimited{open: "_", close: "_"}.match,
	delimited{open: "`", close: "`", code: true, exclusive: true}.match,
	delimited{open: "```", close: "```", code: true, multiline: true, allowEmpty: true}.match,
	matchNewlineEscape,
}

// spanStart marks bytes that can open a span.
var spanStart = [256]bool{'[': true, '*': true, '_': true, '`': true, '\\': true}

type scanner struct {
	src     string
	out     strings.Builder
	lookups map[string]*lookup
}

func newScanner(src string) *scanner {
	s := &scanner{src: src, lookups: make(map[string]*lookup, 8)}
	s.out.Grow(len(src) + len(src)/8)
	return s
}

func (s *scanner) run() string {
	src := s.src
	i := 0
scan:
	for i < len(src) {
		c := src[i]
		if spanStart[c] {
			for _, m := range spanMatchers {
				if end, ok := m(s, i); ok {
					i = end
					continue scan
				}
			}
		}
		if reservedV2[c] {
			s.out.WriteByte('\\')
		}
		s.out.WriteByte(c)
		i++
	}
	return s.out.String()
}

// index returns the first index >= from at which needle occurs, or -1.
func (s *scanner) index(needle string, from int) int {
	l, ok := s.lookups[needle]
	if !ok {
		l = &lookup{from: -1}
		s.lookups[needle] = l
	}
	return l.index(s.src, needle, from)
}

// lookup memoizes the last search for one needle. Scan positions only move
// forward, so a cached hit at or after the new start, or a cached miss from
// an earlier start, is still the answer. This keeps a full scan linear even
// for inputs full of unmatched openers.
type lookup struct {
	from int
	at   int
}

func (l *lookup) index(src, needle string, from int) int {
	if l.from >= 0 && from >= l.from && (l.at < 0 || l.at >= from) {
		return l.at
	}
	at := -1
	if from <= len(src) {
		if idx := strings.Index(src[from:], needle); idx >= 0 {
			at = from + idx
		}
	}
	l.from, l.at = from, at
	return at
}

// delimited matches open + content + close.
type delimited struct {
	open, close string
	// code spans escape only '`' and '\' in their content.
	code bool
	// multiline spans may contain line breaks.
	multiline bool
	// allowEmpty spans may have zero-length content.
	allowEmpty bool
	// exclusive spans cannot contain the close delimiter at all, so the
	// first close after the opener is the only candidate.
	exclusive bool
}

func (d delimited) match(s *scanner, i int) (int, bool) {
	if !strings.HasPrefix(s.src[i:], d.open) {
		return 0, false
	}
	start := i + len(d.open)
	from := start + 1
	if d.allowEmpty || d.exclusive {
		from = start
	}
	end := s.index(d.close, from)
	if end < 0 || (end == start && !d.allowEmpty) {
		return 0, false
	}
	if !d.multiline {
		if nl := s.index("\n", start); nl >= 0 && nl < end {
			return 0, false
		}
	}

	content := s.src[start:end]
	s.out.WriteString(d.open)
	if d.code {
		escapeCode(&s.out, content)
	} else {
		escapeRun(&s.out, content)
	}
	s.out.WriteString(d.close)
	return end + len(d.close), true
}

// matchLink matches [label](url). The label and the URL are escaped
// independently; brackets and parentheses are kept.
func matchLink(s *scanner, i int) (int, bool) {
	src := s.src
	if src[i] != '[' {
		return 0, false
	}
	rb := s.index("]", i+1)
	if rb <= i+1 || rb+1 >= len(src) || src[rb+1] != '(' {
		return 0, false
	}
	rp := s.index(")", rb+2)
	if rp <= rb+2 {
		return 0, false
	}

	s.out.WriteByte('[')
	escapeRun(&s.out, src[i+1:rb])
	s.out.WriteString("](")
	escapeAll(&s.out, src[rb+2:rp])
	s.out.WriteByte(')')
	return rp + 1, true
}

// matchNewlineEscape turns a literal backslash-n into a line break.
func matchNewlineEscape(s *scanner, i int) (int, bool) {
	if s.src[i] == '\\' && i+1 < len(s.src) && s.src[i+1] == 'n' {
		s.out.WriteByte('\n')
		return i + 2, true
	}
	return 0, false
}
