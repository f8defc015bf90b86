package automation

import "context"

// Page is the slice of a live browser page the engine needs. The rod
// driver satisfies it; tests use in-memory fakes.
type Page interface {
	// Navigate loads a URL and blocks until the document settles.
	Navigate(ctx context.Context, url string) error
	// Elements returns every element matching a CSS selector.
	Elements(ctx context.Context, selector string) ([]Element, error)
	// URL reports the current document location.
	URL(ctx context.Context) (string, error)
	// HTML returns the current document markup.
	HTML(ctx context.Context) (string, error)
}

// Element is one node on the page.
type Element interface {
	Text(ctx context.Context) (string, error)
	Attribute(ctx context.Context, name string) (string, error)
	Visible(ctx context.Context) (bool, error)
	// Click performs a humanized pointer interaction.
	Click(ctx context.Context) error
	// Type performs humanized per-character input.
	Type(ctx context.Context, text string) error
	Clear(ctx context.Context) error
	Parent(ctx context.Context) (Element, bool, error)
	// Find returns descendant elements matching a CSS selector.
	Find(ctx context.Context, selector string) ([]Element, error)
	// SetFiles attaches local files to a file input.
	SetFiles(ctx context.Context, paths []string) error
	// Excerpt returns a short outer-HTML snippet for diagnostics and the
	// remote resolver.
	Excerpt(ctx context.Context) (string, error)
}
