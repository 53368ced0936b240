// Package markdown escapes text for Telegram's MarkdownV2 parse mode while
// keeping the Markdown spans an agent already produced (links, bold, italic,
// underline, inline code, code blocks) intact.
package markdown

import "strings"

// reservedV2 is the set of bytes Telegram requires to be backslash-escaped
// outside of entities.
var reservedV2 = func() [256]bool {
	var t [256]bool
	for _, c := range []byte("\\_*[]()~`>#+-=|{}.!") {
		t[c] = true
	}
	return t
}()

// EscapeV2 escapes text for MarkdownV2. Recognized spans keep their
// delimiters byte-for-byte and only their content is escaped; everything
// else is escaped byte by byte. A literal two-byte "\n" outside code spans
// becomes a real line break.
func EscapeV2(text string) string {
	if text == "" {
		return ""
	}
	s := newScanner(text)
	return s.run()
}

// EscapePlain escapes every reserved byte without recognizing any span.
// Use it for text whose Markdown-looking characters must render literally.
func EscapePlain(text string) string {
	var b strings.Builder
	b.Grow(len(text) + 8)
	escapeAll(&b, text)
	return b.String()
}

// EscapeAround escapes text with EscapeV2 but leaves every occurrence of
// literal untouched, e.g. an @username mention that may contain underscores.
func EscapeAround(text, literal string) string {
	if literal == "" {
		return EscapeV2(text)
	}
	parts := strings.Split(text, literal)
	var b strings.Builder
	for i, part := range parts {
		b.WriteString(EscapeV2(part))
		if i < len(parts)-1 {
			b.WriteString(literal)
		}
	}
	return b.String()
}

// Unescape drops the backslash in front of every reserved byte, turning
// escaped MarkdownV2 back into readable plain text.
func Unescape(text string) string {
	if strings.IndexByte(text, '\\') < 0 {
		return text
	}
	var b strings.Builder
	b.Grow(len(text))
	for i := 0; i < len(text); i++ {
		if text[i] == '\\' && i+1 < len(text) && reservedV2[text[i+1]] {
			i++
		}
		b.WriteByte(text[i])
	}
	return b.String()
}

// escapeRun escapes a run of text that sits outside any span, or inside a
// text span's delimiters.
func escapeRun(b *strings.Builder, run string) {
	for i := 0; i < len(run); i++ {
		c := run[i]
		if c == '\\' && i+1 < len(run) && run[i+1] == 'n' {
			b.WriteByte('\n')
			i++
			continue
		}
		if reservedV2[c] {
			b.WriteByte('\\')
		}
		b.WriteByte(c)
	}
}

// escapeAll escapes every reserved byte and keeps the rest verbatim. Link
// targets go through it, so a backslash in a URL is never read as "\n".
func escapeAll(b *strings.Builder, text string) {
	for i := 0; i < len(text); i++ {
		if reservedV2[text[i]] {
			b.WriteByte('\\')
		}
		b.WriteByte(text[i])
	}
}

// escapeCode escapes the content of code and pre entities, where only the
// backtick and the backslash are special.
func escapeCode(b *strings.Builder, code string) {
	for i := 0; i < len(code); i++ {
		c := code[i]
		if c == '`' || c == '\\' {
			b.WriteByte('\\')
		}
		b.WriteByte(c)
	}
}
