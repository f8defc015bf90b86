package automation

import (
	"context"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// rodPage binds the engine's Page interface to a live rod page. All
// pointer and keyboard interaction goes through the humanizer.
type rodPage struct {
	page  *rod.Page
	human *Humanizer
}

// NewRodPage wraps a rod page for the engine. A nil humanizer gets a
// time-seeded one.
func NewRodPage(page *rod.Page, human *Humanizer) Page {
	if human == nil {
		human = NewHumanizer(nil)
	}
	return &rodPage{page: page, human: human}
}

func (p *rodPage) Navigate(ctx context.Context, url string) error {
	pg := p.page.Context(ctx)
	if err := pg.Navigate(url); err != nil {
		return err
	}
	return pg.WaitLoad()
}

func (p *rodPage) Elements(ctx context.Context, selector string) ([]Element, error) {
	els, err := p.page.Context(ctx).Elements(selector)
	if err != nil {
		return nil, err
	}
	out := make([]Element, 0, len(els))
	for _, el := range els {
		out = append(out, &rodElement{el: el, page: p})
	}
	return out, nil
}

func (p *rodPage) URL(ctx context.Context) (string, error) {
	info, err := p.page.Context(ctx).Info()
	if err != nil {
		return "", err
	}
	return info.URL, nil
}

func (p *rodPage) HTML(ctx context.Context) (string, error) {
	return p.page.Context(ctx).HTML()
}

type rodElement struct {
	el   *rod.Element
	page *rodPage
}

func (e *rodElement) Text(ctx context.Context) (string, error) {
	return e.el.Context(ctx).Text()
}

func (e *rodElement) Attribute(ctx context.Context, name string) (string, error) {
	v, err := e.el.Context(ctx).Attribute(name)
	if err != nil || v == nil {
		return "", err
	}
	return *v, nil
}

func (e *rodElement) Visible(ctx context.Context) (bool, error) {
	return e.el.Context(ctx).Visible()
}

// Click idles, moves the pointer to a jittered point inside the element,
// settles, then presses. Every pause and the offset come from the
// humanizer so no two clicks land identically.
func (e *rodElement) Click(ctx context.Context) error {
	el := e.el.Context(ctx)
	if err := sleep(ctx, e.page.human.StepPause()); err != nil {
		return err
	}
	if err := el.ScrollIntoView(); err != nil {
		return err
	}
	box, err := el.Shape()
	if err != nil {
		return err
	}
	if len(box.Quads) == 0 {
		return fmt.Errorf("element has no visible area")
	}
	quad := box.Quads[0]
	x := (quad[0] + quad[2] + quad[4] + quad[6]) / 4
	y := (quad[1] + quad[3] + quad[5] + quad[7]) / 4
	// Keep the jitter inside the hitbox even for small controls.
	dx, dy := e.page.human.ClickOffset()
	dx = clampOffset(dx, (quad[2]-quad[0])/4)
	dy = clampOffset(dy, (quad[5]-quad[1])/4)

	mouse := e.page.page.Context(ctx).Mouse
	if err := mouse.MoveTo(proto.Point{X: x + dx, Y: y + dy}); err != nil {
		return err
	}
	if err := sleep(ctx, e.page.human.HoverPause()); err != nil {
		return err
	}
	if err := mouse.Down(proto.InputMouseButtonLeft, 1); err != nil {
		return err
	}
	if err := sleep(ctx, e.page.human.ClickPause()); err != nil {
		return err
	}
	return mouse.Up(proto.InputMouseButtonLeft, 1)
}

// Type inputs text one rune at a time with per-digraph delays. The
// element must already hold focus; Click provides that.
func (e *rodElement) Type(ctx context.Context, text string) error {
	pg := e.page.page.Context(ctx)
	var prev rune
	for _, r := range text {
		if err := sleep(ctx, e.page.human.KeyDelay(prev, r)); err != nil {
			return err
		}
		if err := pg.InsertText(string(r)); err != nil {
			return err
		}
		prev = r
	}
	return nil
}

func (e *rodElement) Clear(ctx context.Context) error {
	el := e.el.Context(ctx)
	if err := el.SelectAllText(); err != nil {
		return err
	}
	return el.Input("")
}

func (e *rodElement) Parent(ctx context.Context) (Element, bool, error) {
	parent, err := e.el.Context(ctx).Parent()
	if err != nil {
		return nil, false, nil
	}
	return &rodElement{el: parent, page: e.page}, true, nil
}

func (e *rodElement) Find(ctx context.Context, selector string) ([]Element, error) {
	els, err := e.el.Context(ctx).Elements(selector)
	if err != nil {
		return nil, err
	}
	out := make([]Element, 0, len(els))
	for _, el := range els {
		out = append(out, &rodElement{el: el, page: e.page})
	}
	return out, nil
}

func (e *rodElement) SetFiles(ctx context.Context, paths []string) error {
	return e.el.Context(ctx).SetFiles(paths)
}

func (e *rodElement) Excerpt(ctx context.Context) (string, error) {
	html, err := e.el.Context(ctx).HTML()
	if err != nil {
		return "", err
	}
	return truncate(html, 512), nil
}

func sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
