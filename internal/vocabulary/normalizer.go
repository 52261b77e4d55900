// Package vocabulary rewrites transcripts with clinic-specific term
// substitutions before they are sent for note generation.
package vocabulary

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// ErrUnstable is returned when substitutions keep rewriting each other.
var ErrUnstable = errors.New("vocabulary substitutions did not settle")

// Term maps a spoken form to its canonical spelling.
type Term struct {
	From string
	To   string
}

type substitution struct {
	re *regexp.Regexp
	to string
}

// Normalizer applies whole-word, case-insensitive term substitutions until
// the text stops changing.
type Normalizer struct {
	subs      []substitution
	passLimit int
}

// New compiles terms followed by any terms read from path. A missing file is
// treated as empty.
func New(terms []Term, path string, passLimit int) (*Normalizer, error) {
	if passLimit <= 0 {
		passLimit = 30
	}

	fileTerms, err := readTerms(path)
	if err != nil {
		return nil, err
	}

	all := append(append([]Term(nil), terms...), fileTerms...)
	subs := make([]substitution, 0, len(all))
	for i, term := range all {
		sub, err := compile(term)
		if err != nil {
			return nil, fmt.Errorf("term %d: %w", i+1, err)
		}
		subs = append(subs, sub)
	}
	return &Normalizer{subs: subs, passLimit: passLimit}, nil
}

// Len reports how many substitutions are loaded.
func (n *Normalizer) Len() int {
	return len(n.subs)
}

// Apply rewrites text. ErrUnstable is returned with the last rewrite when
// the pass limit is reached.
func (n *Normalizer) Apply(text string) (string, error) {
	if len(n.subs) == 0 || strings.TrimSpace(text) == "" {
		return text, nil
	}

	current := text
	for pass := 0; pass < n.passLimit; pass++ {
		next := current
		for _, sub := range n.subs {
			next = sub.re.ReplaceAllLiteralString(next, sub.to)
		}
		if next == current {
			return current, nil
		}
		current = next
	}
	return current, fmt.Errorf("%w after %d passes", ErrUnstable, n.passLimit)
}

func compile(term Term) (substitution, error) {
	from := strings.TrimSpace(term.From)
	if from == "" {
		return substitution{}, errors.New("term source cannot be empty")
	}

	pattern := regexp.QuoteMeta(from)
	pattern = strings.Join(strings.Fields(pattern), `\s+`)
	if first, _ := utf8.DecodeRuneInString(from); isWordRune(first) {
		pattern = `\b` + pattern
	}
	if last, _ := utf8.DecodeLastRuneInString(from); isWordRune(last) {
		pattern += `\b`
	}

	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return substitution{}, fmt.Errorf("invalid term %q: %w", from, err)
	}
	return substitution{re: re, to: strings.TrimSpace(term.To)}, nil
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

// readTerms parses "spoken => canonical" lines; blank lines and # comments
// are skipped.
func readTerms(path string) ([]Term, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open vocabulary file %q: %w", path, err)
	}
	defer f.Close()

	var terms []Term
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		from, to, ok := strings.Cut(line, "=>")
		if !ok {
			return nil, fmt.Errorf("vocabulary file %q line %d: expected \"term => replacement\"", path, lineNo)
		}
		terms = append(terms, Term{From: from, To: to})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read vocabulary file %q: %w", path, err)
	}
	return terms, nil
}
