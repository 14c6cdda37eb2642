package rewriter

import (
	"bytes"
	"strings"

	nethtml "golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

type attribute struct {
	name     string
	nameEnd  int
	valStart int
	valEnd   int
	quote    byte
	hasValue bool
	value    string
}

// Element is a start tag as it streams past. Only the spans of attributes that
// are set change; every other byte of the tag is kept as read.
type Element struct {
	raw     []byte
	name    string
	attrs   []attribute
	tail    int
	version int
}

func newElement(raw []byte) *Element {
	e := &Element{raw: raw}
	e.parse()
	return e
}

// TagName returns the lower-cased tag name.
func (e *Element) TagName() string {
	return e.name
}

func (e *Element) HasAttribute(name string) bool {
	return e.find(name) >= 0
}

// GetAttribute returns the unescaped value of the first attribute called name.
func (e *Element) GetAttribute(name string) (string, bool) {
	i := e.find(name)
	if i < 0 {
		return "", false
	}
	return e.attrs[i].value, true
}

// SetAttribute replaces the value of name, keeping its quote character, or
// appends the attribute before the end of the tag when it is missing.
func (e *Element) SetAttribute(name, value string) {
	name = strings.ToLower(name)
	i := e.find(name)

	if i < 0 {
		e.splice(e.tail, e.tail, " "+name+`="`+escapeAttr(value, '"')+`"`)
		return
	}

	a := e.attrs[i]
	if a.hasValue && a.value == value {
		return
	}

	q := a.quote
	if q == 0 {
		q = '"'
	}
	text := string(q) + escapeAttr(value, q) + string(q)
	if !a.hasValue {
		text = "=" + text
	}
	e.splice(a.valStart, a.valEnd, text)
}

// Bytes returns the tag as it should be written out.
func (e *Element) Bytes() []byte {
	return e.raw
}

// Changed reports whether any attribute has been set to a new value.
func (e *Element) Changed() bool {
	return e.version > 0
}

func (e *Element) find(name string) int {
	name = strings.ToLower(name)
	for i := range e.attrs {
		if e.attrs[i].name == name {
			return i
		}
	}
	return -1
}

func (e *Element) splice(start, end int, text string) {
	raw := make([]byte, 0, len(e.raw)-(end-start)+len(text))
	raw = append(raw, e.raw[:start]...)
	raw = append(raw, text...)
	raw = append(raw, e.raw[end:]...)
	e.raw = raw
	e.version++
	e.parse()
}

// node returns a detached html.Node for selector matching.
func (e *Element) node() *nethtml.Node {
	n := &nethtml.Node{
		Type:     nethtml.ElementNode,
		Data:     e.name,
		DataAtom: atom.Lookup([]byte(e.name)),
		Attr:     make([]nethtml.Attribute, 0, len(e.attrs)),
	}
	for _, a := range e.attrs {
		n.Attr = append(n.Attr, nethtml.Attribute{Key: a.name, Val: a.value})
	}
	return n
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f'
}

// parse scans the raw start tag, following the attribute states of the HTML
// tokenizer closely enough to find every attribute span.
func (e *Element) parse() {
	raw := e.raw
	e.attrs = e.attrs[:0]

	i := 1
	for i < len(raw) && !isSpace(raw[i]) && raw[i] != '/' && raw[i] != '>' {
		i++
	}
	e.name = strings.ToLower(string(raw[1:i]))
	e.tail = len(raw)

	for i < len(raw) {
		for i < len(raw) && isSpace(raw[i]) {
			i++
		}
		if i >= len(raw) {
			break
		}
		if raw[i] == '>' {
			e.tail = i
			break
		}
		if raw[i] == '/' {
			if i+1 < len(raw) && raw[i+1] == '>' {
				e.tail = i
				break
			}
			i++
			continue
		}

		start := i
		i++
		for i < len(raw) && !isSpace(raw[i]) && raw[i] != '/' && raw[i] != '>' && raw[i] != '=' {
			i++
		}
		a := attribute{name: strings.ToLower(string(raw[start:i])), nameEnd: i, valStart: i, valEnd: i}

		j := i
		for j < len(raw) && isSpace(raw[j]) {
			j++
		}
		if j < len(raw) && raw[j] == '=' {
			j++
			for j < len(raw) && isSpace(raw[j]) {
				j++
			}
			a.hasValue = true
			a.valStart = j
			switch {
			case j < len(raw) && (raw[j] == '"' || raw[j] == '\''):
				a.quote = raw[j]
				k := bytes.IndexByte(raw[j+1:], a.quote)
				if k < 0 {
					a.value = string(raw[j+1:])
					j = len(raw)
				} else {
					a.value = string(raw[j+1 : j+1+k])
					j += k + 2
				}
			default:
				for j < len(raw) && !isSpace(raw[j]) && raw[j] != '>' {
					j++
				}
				a.value = string(raw[a.valStart:j])
			}
			a.valEnd = j
			a.value = nethtml.UnescapeString(a.value)
			i = j
		}

		e.attrs = append(e.attrs, a)
	}
}

func escapeAttr(v string, quote byte) string {
	r := strings.NewReplacer("&", "&amp;", `"`, "&quot;")
	if quote == '\'' {
		r = strings.NewReplacer("&", "&amp;", "'", "&#39;")
	}
	return r.Replace(v)
}
