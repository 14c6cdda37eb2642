// Package directive builds the resize directives understood by the image
// resizing path of the CDN.
package directive

import (
	"strconv"
	"strings"

	"github.com/andesco/imgladder/pkg/config"
)

// Root is the path prefix that marks a request as handled by the resizer.
const Root = "/cdn-cgi/image/"

// SizeHint carries the declared dimensions of an element.
type SizeHint struct {
	Width  string
	Height string
}

// NewSizeHint returns a hint only when both dimensions are usable.
func NewSizeHint(width, height string) *SizeHint {
	width, height = strings.TrimSpace(width), strings.TrimSpace(height)
	if !usable(width) || !usable(height) {
		return nil
	}
	return &SizeHint{Width: width, Height: height}
}

// usable rejects empty values and values that would split the directive segment.
func usable(v string) bool {
	return v != "" && !strings.ContainsAny(v, ",/?# \t\r\n")
}

// Clause is one key=value token of a directive.
type Clause struct {
	Key   string
	Value string
}

func (c Clause) String() string {
	return c.Key + "=" + c.Value
}

// Directive is an ordered list of clauses.
type Directive []Clause

// Build returns the directive for an element. Dimensions and fit=crop are
// included only when hint is not nil.
func Build(hint *SizeHint, cfg config.RewriteConfig) Directive {
	d := make(Directive, 0, 7)
	if hint != nil {
		d = append(d,
			Clause{"width", hint.Width},
			Clause{"height", hint.Height},
			Clause{"fit", "crop"},
		)
	}
	return append(d,
		Clause{"quality", strconv.Itoa(cfg.Quality)},
		Clause{"format", "auto"},
		// the resizer redirects to the original asset when it cannot produce a derivative
		Clause{"onerror", "redirect"},
		Clause{"metadata", "none"},
	)
}

// Get returns the value of the clause named key.
func (d Directive) Get(key string) (string, bool) {
	for _, c := range d {
		if c.Key == key {
			return c.Value, true
		}
	}
	return "", false
}

// String joins the clauses with commas.
func (d Directive) String() string {
	parts := make([]string, len(d))
	for i, c := range d {
		parts[i] = c.String()
	}
	return strings.Join(parts, ",")
}

// Path returns the directive as a path prefix: Root followed by the clauses.
// The asset path, which starts with '/', is appended to it as is.
func (d Directive) Path() string {
	return Root + d.String()
}

// URL rebuilds an asset URL so that it is served through the resizer.
func (d Directive) URL(originPrefix, assetPath, trailing string) string {
	return originPrefix + d.Path() + assetPath + trailing
}
