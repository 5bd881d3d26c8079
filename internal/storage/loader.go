package storage

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/dreamware/overlap/internal/interval"
)

// ErrSyntax is returned for schedule lines that do not follow
// "username;[[s1,e1],[s2,e2],...]".
var ErrSyntax = errors.New("syntax error")

// LoadError reports the line of a schedule file that failed validation.
type LoadError struct {
	Line int
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

var (
	listRE = regexp.MustCompile(`^\[(\[\d+,\d+\](,\[\d+,\d+\])*)?\]$`)
	pairRE = regexp.MustCompile(`\[(\d+),(\d+)\]`)
)

// LoadFile reads a schedule file. See Load.
func LoadFile(path string) (*MemoryStore, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return Load(f)
}

// Load parses one "username;[[s1,e1],...]" entry per line. Whitespace around
// the username and anywhere in the interval list is ignored, as are blank
// lines. The first invalid line aborts loading with a *LoadError; nothing is
// repaired.
func Load(r io.Reader) (*MemoryStore, error) {
	store := NewMemoryStore()
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := sc.Text()
		if strings.TrimSpace(text) == "" {
			continue
		}
		name, set, err := ParseLine(text)
		if err == nil {
			err = store.Put(name, set)
		}
		if err != nil {
			return nil, &LoadError{Line: line, Err: err}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return store, nil
}

// ParseLine parses a single schedule entry without checking the interval
// invariant; MemoryStore.Put does that.
func ParseLine(text string) (string, interval.Set, error) {
	name, list, ok := strings.Cut(text, ";")
	if !ok {
		return "", nil, fmt.Errorf("%w: missing ';'", ErrSyntax)
	}
	name = strings.TrimSpace(name)
	if strings.ContainsFunc(name, unicode.IsSpace) {
		return "", nil, fmt.Errorf("%w: %q contains a space", ErrInvalidUsername, name)
	}
	if err := ValidateUsername(name); err != nil {
		return "", nil, err
	}

	list = strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, list)
	if !listRE.MatchString(list) {
		return "", nil, fmt.Errorf("%w: interval list %q", ErrSyntax, list)
	}

	var set interval.Set
	for _, m := range pairRE.FindAllStringSubmatch(list, -1) {
		start, err := strconv.Atoi(m[1])
		if err != nil {
			return "", nil, fmt.Errorf("%w: %v", ErrSyntax, err)
		}
		end, err := strconv.Atoi(m[2])
		if err != nil {
			return "", nil, fmt.Errorf("%w: %v", ErrSyntax, err)
		}
		set = append(set, interval.Interval{Start: start, End: end})
	}
	return name, set, nil
}
