// Package rewriter mutates selected HTML elements of a document in a single
// streaming pass. Everything the registered visitors leave alone is copied
// through byte for byte.
package rewriter

import (
	"errors"
	"fmt"
	"io"

	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"
)

// TagVisitor is called once for every start tag matching the selector it was
// registered with, in document order.
type TagVisitor interface {
	OnElement(e *Element)
}

// VisitorFunc adapts a function to a TagVisitor.
type VisitorFunc func(e *Element)

func (f VisitorFunc) OnElement(e *Element) {
	f(e)
}

type binding struct {
	selector cascadia.Selector
	visitor  TagVisitor
}

// Rewriter holds the visitor registrations. Register everything before the
// first call to Transform; afterwards a Rewriter is read-only and can be
// shared by concurrent requests.
type Rewriter struct {
	bindings []binding
}

func NewRewriter() *Rewriter {
	return &Rewriter{}
}

// On registers v for the start tags matching selector. Only selectors that can
// be decided on the tag alone (name, attributes) ever match.
func (rw *Rewriter) On(selector string, v TagVisitor) error {
	sel, err := cascadia.Compile(selector)
	if err != nil {
		return fmt.Errorf("invalid selector '%s': %w", selector, err)
	}
	rw.bindings = append(rw.bindings, binding{selector: sel, visitor: v})
	return nil
}

// Transform returns a reader producing src with the visitors applied. Closing
// it closes src when src is an io.Closer.
func (rw *Rewriter) Transform(src io.Reader) io.ReadCloser {
	return &stream{
		source:    src,
		tokenizer: html.NewTokenizer(src),
		bindings:  rw.bindings,
	}
}

var ErrClosed = errors.New("reader closed")

type stream struct {
	source    io.Reader
	tokenizer *html.Tokenizer
	bindings  []binding
	buf       []byte
	ready     []byte
	err       error
	closed    bool
}

func (s *stream) Read(p []byte) (int, error) {
	if s.closed {
		return 0, ErrClosed
	}

	for len(s.ready) == 0 {
		if s.err != nil {
			return 0, s.err
		}
		s.next()
	}

	n := copy(p, s.ready)
	s.ready = s.ready[n:]
	return n, nil
}

// next moves the tokenizer one token forward and queues its bytes.
func (s *stream) next() {
	tt := s.tokenizer.Next()
	raw := s.tokenizer.Raw()

	switch tt {
	case html.ErrorToken:
		s.err = s.tokenizer.Err()
	case html.StartTagToken, html.SelfClosingTagToken:
		raw = s.visit(raw)
	}

	s.buf = append(s.buf[:0], raw...)
	s.ready = s.buf
}

func (s *stream) visit(raw []byte) []byte {
	if len(s.bindings) == 0 {
		return raw
	}

	e := newElement(raw)
	n, version := e.node(), e.version
	for _, b := range s.bindings {
		if e.version != version {
			n, version = e.node(), e.version
		}
		if b.selector.Match(n) {
			b.visitor.OnElement(e)
		}
	}
	return e.Bytes()
}

func (s *stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.ready = nil

	if c, ok := s.source.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
