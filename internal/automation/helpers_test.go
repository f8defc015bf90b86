package automation

import (
	"context"
	"errors"
)

// fakeElement implements Element in memory for the matching and engine
// tests.
type fakeElement struct {
	text    string
	attrs   map[string]string
	visible bool
	hidden  bool // shorthand: visible is ignored when set

	parent   *fakeElement
	children []*fakeElement

	clicks  int
	typed   []string
	cleared int
	files   []string

	onClick func()
	failOps bool
}

func newFakeElement(text string) *fakeElement {
	return &fakeElement{text: text, visible: true}
}

func (e *fakeElement) Text(context.Context) (string, error) {
	if e.failOps {
		return "", errors.New("element gone")
	}
	return e.text, nil
}

func (e *fakeElement) Attribute(_ context.Context, name string) (string, error) {
	return e.attrs[name], nil
}

func (e *fakeElement) Visible(context.Context) (bool, error) {
	if e.hidden {
		return false, nil
	}
	return e.visible, nil
}

func (e *fakeElement) Click(context.Context) error {
	if e.failOps {
		return errors.New("element gone")
	}
	e.clicks++
	if e.onClick != nil {
		e.onClick()
	}
	return nil
}

func (e *fakeElement) Type(_ context.Context, text string) error {
	if e.failOps {
		return errors.New("element gone")
	}
	e.typed = append(e.typed, text)
	return nil
}

func (e *fakeElement) Clear(context.Context) error {
	if e.failOps {
		return errors.New("element gone")
	}
	e.cleared++
	e.typed = nil
	return nil
}

func (e *fakeElement) Parent(context.Context) (Element, bool, error) {
	if e.parent == nil {
		return nil, false, nil
	}
	return e.parent, true, nil
}

func (e *fakeElement) Find(_ context.Context, selector string) ([]Element, error) {
	if selector != controlSelector {
		return nil, nil
	}
	out := make([]Element, 0, len(e.children))
	for _, c := range e.children {
		out = append(out, c)
	}
	return out, nil
}

func (e *fakeElement) SetFiles(_ context.Context, paths []string) error {
	if e.failOps {
		return errors.New("element gone")
	}
	e.files = append([]string(nil), paths...)
	return nil
}

func (e *fakeElement) Excerpt(context.Context) (string, error) {
	return "<div>" + e.text + "</div>", nil
}

// fakePage hands out element groups keyed by the selectors the engine
// actually uses.
type fakePage struct {
	labels     []*fakeElement
	controls   []*fakeElement
	options    []*fakeElement
	buttons    []*fakeElement
	fileInputs []*fakeElement

	bySelector map[string][]*fakeElement
	navigated  []string
	url        string
	html       string
}

func (p *fakePage) Navigate(_ context.Context, url string) error {
	p.navigated = append(p.navigated, url)
	p.url = url
	return nil
}

func (p *fakePage) Elements(_ context.Context, selector string) ([]Element, error) {
	var group []*fakeElement
	switch selector {
	case labelSelector:
		group = p.labels
	case controlSelector:
		group = p.controls
	case optionSelector:
		group = p.options
	case buttonSelector:
		group = p.buttons
	case fileInputSelector:
		group = p.fileInputs
	default:
		group = p.bySelector[selector]
	}
	out := make([]Element, 0, len(group))
	for _, e := range group {
		out = append(out, e)
	}
	return out, nil
}

func (p *fakePage) URL(context.Context) (string, error) { return p.url, nil }

func (p *fakePage) HTML(context.Context) (string, error) { return p.html, nil }

// addField wires a labeled control into the page: a caption element whose
// shared container holds the control, matching how the resolver walks the
// form.
func (p *fakePage) addField(label string, control *fakeElement) {
	caption := newFakeElement(label)
	container := newFakeElement("")
	container.children = []*fakeElement{control}
	caption.parent = container
	p.labels = append(p.labels, caption)
	p.controls = append(p.controls, control)
}

// setDropdownOptions makes the control toggle a panel with the given texts
// when clicked, the way the marketplace comboboxes behave.
func (p *fakePage) setDropdownOptions(control *fakeElement, texts ...string) []*fakeElement {
	open := false
	opts := make([]*fakeElement, 0, len(texts))
	for _, text := range texts {
		opt := newFakeElement(text)
		opt.onClick = func() { // panel closes on pick
			p.options = nil
			open = false
		}
		opts = append(opts, opt)
	}
	control.onClick = func() {
		if open {
			p.options = nil
			open = false
			return
		}
		p.options = opts
		open = true
	}
	return opts
}
