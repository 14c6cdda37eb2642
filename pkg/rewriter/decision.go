package rewriter

// DecisionKind tells what happened to one attribute value.
type DecisionKind int

const (
	KindUnchanged DecisionKind = iota
	KindRewritten
	KindSkipped
)

func (k DecisionKind) String() string {
	switch k {
	case KindRewritten:
		return "rewritten"
	case KindSkipped:
		return "skipped"
	default:
		return "unchanged"
	}
}

// SkipReason explains a skipped attribute.
type SkipReason string

const (
	ReasonEmbedded SkipReason = "embedded"
	ReasonProxied  SkipReason = "already-proxied"
	ReasonNoMatch  SkipReason = "no-match"
)

// Decision is the outcome of attempting to rewrite one attribute value.
// Value is the new value when rewritten and the original value otherwise.
type Decision struct {
	Kind   DecisionKind
	Value  string
	Reason SkipReason
}

func Rewritten(v string) Decision {
	return Decision{Kind: KindRewritten, Value: v}
}

func Unchanged(v string) Decision {
	return Decision{Kind: KindUnchanged, Value: v}
}

func Skipped(reason SkipReason, original string) Decision {
	return Decision{Kind: KindSkipped, Value: original, Reason: reason}
}

// Apply writes the value back onto the element only when it was rewritten.
func (d Decision) Apply(e *Element, attr string) {
	if d.Kind == KindRewritten {
		e.SetAttribute(attr, d.Value)
	}
}

// Observer receives every decision taken on a present attribute.
type Observer interface {
	ObserveDecision(tag, attr string, d Decision)
}
