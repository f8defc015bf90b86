package automation

import (
	"context"
	"fmt"
	"os"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"

	"dealer-posting-engine/internal/config"
	"dealer-posting-engine/internal/media"
	"dealer-posting-engine/internal/models"
)

// BrowserExecutor runs posting attempts against a connected browser. Each
// attempt gets a fresh page with the account's session injected, so
// attempts never leak state into each other.
type BrowserExecutor struct {
	browser *rod.Browser
	remote  *RemoteResolver
	photos  *media.Fetcher
	cfg     config.Config
	log     *zap.Logger
}

// NewBrowserExecutor wires an executor. remote may be nil.
func NewBrowserExecutor(browser *rod.Browser, remote *RemoteResolver, photos *media.Fetcher, cfg config.Config, log *zap.Logger) *BrowserExecutor {
	return &BrowserExecutor{
		browser: browser,
		remote:  remote,
		photos:  photos,
		cfg:     cfg,
		log:     log,
	}
}

// Execute runs one task end to end: materialize photos, open a page,
// inject the session, and drive the listing form.
func (x *BrowserExecutor) Execute(ctx context.Context, task models.PostingTask, bundle models.SessionBundle) (Outcome, error) {
	var photoPaths []string
	if len(task.Payload.Photos) > 0 {
		dir, err := os.MkdirTemp("", "listing-photos-")
		if err != nil {
			return Outcome{}, fmt.Errorf("photo workspace: %w", err)
		}
		defer os.RemoveAll(dir)

		photoPaths, err = x.photos.Fetch(ctx, task.Payload.Photos, dir)
		if err != nil {
			// Photos are not critical fields; the attempt proceeds and
			// the risk assessment already flagged listings without media.
			x.log.Warn("photo fetch failed, posting without media",
				zap.String("task_id", task.ID),
				zap.Error(err))
			photoPaths = nil
		}
	}

	page, err := x.browser.Page(proto.TargetCreateTarget{})
	if err != nil {
		return Outcome{}, fmt.Errorf("open page: %w", err)
	}
	defer page.Close()

	if err := InjectSession(page, bundle); err != nil {
		return Outcome{}, err
	}

	engine := NewEngine(NewRodPage(page, NewHumanizer(nil)), x.remote, x.cfg, x.log)
	return engine.Run(ctx, task.Payload, photoPaths)
}
