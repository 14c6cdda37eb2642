package ruleset

import (
	"errors"
	"fmt"
	"net"
	"regexp"
	"sort"
	"strings"
)

// AssetReference is a matched image URL split into the origin prefix
// (scheme and host), the asset path and the trailing query or fragment.
type AssetReference struct {
	OriginPrefix string
	AssetPath    string
	Trailing     string
}

func (a AssetReference) String() string {
	return a.OriginPrefix + a.AssetPath + a.Trailing
}

// Match is an AssetReference together with the span it was found at.
type Match struct {
	AssetReference
	Start int
	End   int
}

type pattern struct {
	re      *regexp.Regexp
	domains []string
}

// Matcher finds every rewritable asset URL in a string for one theme profile.
// A Matcher is immutable once built and safe for concurrent use.
type Matcher struct {
	patterns []pattern
}

// Table holds one compiled Matcher per theme profile.
type Table struct {
	rules    RuleSet
	matchers map[ThemeProfile]*Matcher
}

// NewTable compiles the built-in rules, with every profile named in
// overrides replaced by the override rules. Rules that name no domains are
// limited to defaultDomains; a nil defaultDomains leaves them open to any host.
func NewTable(overrides RuleSet, defaultDomains []string) (*Table, error) {
	rules := overrides.Merge()
	t := &Table{
		matchers: make(map[ThemeProfile]*Matcher),
	}

	for _, r := range rules {
		if len(r.Domains) == 0 && len(defaultDomains) > 0 {
			r.Domains = append([]string(nil), defaultDomains...)
		}
		t.rules = append(t.rules, r)

		p, err := compileRule(r)
		if err != nil {
			return nil, fmt.Errorf("invalid rule for theme %s: %w", r.Theme, err)
		}

		m := t.matchers[r.Theme]
		if m == nil {
			m = &Matcher{}
			t.matchers[r.Theme] = m
		}
		m.patterns = append(m.patterns, p)
	}

	return t, nil
}

// Matcher returns the matcher of the given profile. Unknown profiles get a
// matcher that never matches.
func (t *Table) Matcher(p ThemeProfile) *Matcher {
	if m, ok := t.matchers[p]; ok {
		return m
	}
	return &Matcher{}
}

// Rules returns the effective rules the table was compiled from.
func (t *Table) Rules() RuleSet {
	return append(RuleSet(nil), t.rules...)
}

func compileRule(r Rule) (pattern, error) {
	if len(r.Directories) == 0 {
		return pattern{}, errors.New("no directories")
	}

	dirs := make([]string, 0, len(r.Directories))
	for _, d := range r.Directories {
		d = strings.TrimPrefix(strings.TrimSpace(d), "/")
		if d == "" {
			return pattern{}, errors.New("empty directory")
		}
		dirs = append(dirs, "(?:"+d+")")
	}

	extensions := r.Extensions
	if len(extensions) == 0 {
		extensions = defaultExtensions
	}
	exts := make([]string, 0, len(extensions))
	for _, e := range extensions {
		exts = append(exts, regexp.QuoteMeta(strings.TrimPrefix(strings.TrimSpace(e), ".")))
	}

	expr := `(https?://[^/\s'"()<>]+)` +
		`(/(?:` + strings.Join(dirs, "|") + `)[^\s'"()<>?#]*\.(?i:` + strings.Join(exts, "|") + `))` +
		`([?#][^\s'"()<>]*)?`

	re, err := regexp.Compile(expr)
	if err != nil {
		return pattern{}, err
	}
	if re.NumSubexp() != 3 {
		return pattern{}, errors.New("directories must not contain capture groups")
	}

	domains := make([]string, 0, len(r.Domains))
	for _, d := range r.Domains {
		domains = append(domains, strings.ToLower(strings.TrimSpace(d)))
	}

	return pattern{re: re, domains: domains}, nil
}

// FindAll returns every non-overlapping match in s, in order of appearance.
func (m *Matcher) FindAll(s string) []Match {
	var matches []Match
	for _, p := range m.patterns {
		for _, loc := range p.re.FindAllStringSubmatchIndex(s, -1) {
			if loc[7] < 0 && continuesPath(s, loc[5]) {
				continue
			}

			ref := AssetReference{
				OriginPrefix: s[loc[2]:loc[3]],
				AssetPath:    s[loc[4]:loc[5]],
			}
			if loc[6] >= 0 {
				ref.Trailing = s[loc[6]:loc[7]]
			}
			if !p.allowsHost(ref.OriginPrefix) {
				continue
			}

			matches = append(matches, Match{AssetReference: ref, Start: loc[0], End: loc[1]})
		}
	}

	if len(m.patterns) < 2 {
		return matches
	}

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Start < matches[j].Start })
	out := matches[:0]
	end := -1
	for _, mt := range matches {
		if mt.Start < end {
			continue
		}
		out = append(out, mt)
		end = mt.End
	}
	return out
}

// Replace substitutes every match in s with the result of fn. The second
// return value is false, and s is returned as is, when nothing matched.
func (m *Matcher) Replace(s string, fn func(Match) string) (string, bool) {
	matches := m.FindAll(s)
	if len(matches) == 0 {
		return s, false
	}

	var b strings.Builder
	last := 0
	for _, mt := range matches {
		b.WriteString(s[last:mt.Start])
		b.WriteString(fn(mt))
		last = mt.End
	}
	b.WriteString(s[last:])
	return b.String(), true
}

func (p pattern) allowsHost(originPrefix string) bool {
	if len(p.domains) == 0 {
		return true
	}

	host := originPrefix[strings.Index(originPrefix, "://")+3:]
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(host)

	for _, d := range p.domains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// continuesPath reports whether the asset path ending at i runs on into more
// path characters, e.g. "a.png" inside "a.pngx".
func continuesPath(s string, i int) bool {
	if i >= len(s) {
		return false
	}
	c := s[i]
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' ||
		c == '_' || c == '-' || c == '.' || c == '/' || c == '%' || c == '~'
}
