package fetcher

import (
	"bytes"
	"errors"
	"fmt"
	"path"
	"strings"
	"unicode/utf8"
)

var (
	ErrEmpty          = errors.New("script is empty")
	ErrNotUTF8        = errors.New("script is not valid UTF-8")
	ErrBinary         = errors.New("script contains NUL bytes")
	ErrHTML           = errors.New("script looks like an HTML page")
	ErrMarkup         = errors.New("script starts with markup")
	ErrUnbalanced     = errors.New("unterminated triple-quoted string")
	ErrBadShebang     = errors.New("shebang does not name an interpreter path")
	ErrTooLarge       = errors.New("script exceeds size limit")
	ErrUnexpectedCode = errors.New("unexpected HTTP status")
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Validate runs the content checks a script must pass before it may replace
// the cache. name is the cache file name and decides the language checks.
func Validate(data []byte, name string) error {
	data = bytes.TrimPrefix(data, utf8BOM)
	if len(bytes.TrimSpace(data)) == 0 {
		return ErrEmpty
	}
	if bytes.IndexByte(data, 0) >= 0 {
		return ErrBinary
	}
	if !utf8.Valid(data) {
		return ErrNotUTF8
	}
	if looksLikeHTML(data) {
		return ErrHTML
	}

	text := string(data)
	shebang, hasShebang := Shebang(text)
	if hasShebang {
		fields := strings.Fields(shebang)
		if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
			return ErrBadShebang
		}
	}

	if IsPython(name, shebang) {
		if first := firstCodeLine(text); strings.HasPrefix(first, "<") {
			return ErrMarkup
		}
		if err := checkTripleQuotes(text); err != nil {
			return err
		}
	}
	return nil
}

// Shebang returns the interpreter line without "#!", if present
func Shebang(text string) (string, bool) {
	text = strings.TrimPrefix(text, string(utf8BOM))
	if !strings.HasPrefix(text, "#!") {
		return "", false
	}
	line, _, _ := strings.Cut(text[2:], "\n")
	return strings.TrimSpace(line), true
}

// IsPython reports whether a script is Python by file extension or shebang
func IsPython(name, shebang string) bool {
	if strings.EqualFold(path.Ext(name), ".py") {
		return true
	}
	return strings.Contains(shebang, "python")
}

func looksLikeHTML(data []byte) bool {
	head := data
	if len(head) > 512 {
		head = head[:512]
	}
	head = bytes.ToLower(bytes.TrimSpace(head))
	return bytes.HasPrefix(head, []byte("<!doctype html")) || bytes.HasPrefix(head, []byte("<html"))
}

func firstCodeLine(text string) string {
	for _, line := range strings.Split(text, "\n") {
		if l := strings.TrimSpace(line); l != "" {
			return l
		}
	}
	return ""
}

// checkTripleQuotes scans Python source for unterminated triple-quoted
// strings. Comments and single-line strings are skipped.
func checkTripleQuotes(text string) error {
	i := 0
	line := 1
	for i < len(text) {
		c := text[i]
		switch {
		case c == '\n':
			line++
			i++
		case c == '#':
			for i < len(text) && text[i] != '\n' {
				i++
			}
		case c == '"' || c == '\'':
			delim := text[i : i+1]
			if strings.HasPrefix(text[i:], strings.Repeat(delim, 3)) {
				triple := strings.Repeat(delim, 3)
				start := line
				i += 3
				closed := false
				for i < len(text) {
					if text[i] == '\\' {
						i += 2
						continue
					}
					if text[i] == '\n' {
						line++
					}
					if strings.HasPrefix(text[i:], triple) {
						i += 3
						closed = true
						break
					}
					i++
				}
				if !closed {
					return fmt.Errorf("%w starting on line %d", ErrUnbalanced, start)
				}
				continue
			}
			i++
			for i < len(text) && text[i] != c && text[i] != '\n' {
				if text[i] == '\\' {
					i++
				}
				i++
			}
			if i < len(text) && text[i] == c {
				i++
			}
		default:
			i++
		}
	}
	return nil
}
