package rewriter

import (
	"strings"

	"github.com/andesco/imgladder/pkg/config"
	"github.com/andesco/imgladder/pkg/directive"
	"github.com/andesco/imgladder/pkg/ruleset"
)

// NewImageRewriter returns a Rewriter with the image-source visitor bound to
// img and the inline-style visitor bound to li. obs may be nil.
func NewImageRewriter(cfg config.RewriteConfig, table *ruleset.Table, obs Observer) *Rewriter {
	matcher := table.Matcher(cfg.Theme)

	rw := NewRewriter()
	// both selectors are constant and always compile
	_ = rw.On("img", &ImageSourceVisitor{Config: cfg, Matcher: matcher, Observer: obs})
	_ = rw.On("li", &InlineStyleVisitor{Config: cfg, Matcher: matcher, Observer: obs})
	return rw
}

// ImageSourceVisitor routes the src of image tags through the resizer, sized
// by the element's own width and height attributes. With LazyLoad set, every
// img without a loading attribute gets loading="lazy", whatever became of src.
type ImageSourceVisitor struct {
	Config   config.RewriteConfig
	Matcher  *ruleset.Matcher
	Observer Observer
}

func (v *ImageSourceVisitor) OnElement(e *Element) {
	if src, ok := e.GetAttribute("src"); ok {
		width, _ := e.GetAttribute("width")
		height, _ := e.GetAttribute("height")
		d := directive.Build(directive.NewSizeHint(width, height), v.Config)

		decision := decide(src, d, v.Matcher)
		decision.Apply(e, "src")
		observe(v.Observer, e, "src", decision)
	}

	if v.Config.LazyLoad && !e.HasAttribute("loading") {
		e.SetAttribute("loading", "lazy")
	}
}

// InlineStyleVisitor rewrites url(...) references in the style attribute of
// list items, as used by background-image sliders.
type InlineStyleVisitor struct {
	Config   config.RewriteConfig
	Matcher  *ruleset.Matcher
	Observer Observer
}

func (v *InlineStyleVisitor) OnElement(e *Element) {
	style, ok := e.GetAttribute("style")
	if !ok {
		return
	}

	decision := decide(style, directive.Build(nil, v.Config), v.Matcher)
	decision.Apply(e, "style")
	observe(v.Observer, e, "style", decision)
}

// decide rewrites every asset URL in value. Embedded data and values already
// pointing at the resizer are never handed to the matcher.
func decide(value string, d directive.Directive, m *ruleset.Matcher) Decision {
	switch {
	case value == "":
		return Unchanged(value)
	case isEmbedded(value):
		return Skipped(ReasonEmbedded, value)
	case strings.Contains(value, directive.Root):
		return Skipped(ReasonProxied, value)
	}

	out, ok := m.Replace(value, func(mt ruleset.Match) string {
		return d.URL(mt.OriginPrefix, mt.AssetPath, mt.Trailing)
	})
	if !ok {
		return Skipped(ReasonNoMatch, value)
	}
	return Rewritten(out)
}

func isEmbedded(value string) bool {
	return strings.Contains(value, "base64") ||
		strings.HasPrefix(strings.ToLower(strings.TrimSpace(value)), "data:")
}

func observe(obs Observer, e *Element, attr string, d Decision) {
	if obs != nil {
		obs.ObserveDecision(e.TagName(), attr, d)
	}
}
