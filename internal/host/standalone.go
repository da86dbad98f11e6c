package host

import (
	"context"
	"fmt"
	"html/template"

	"github.com/google/uuid"
	"github.com/zot/ui-compose/internal/component"
	"github.com/zot/ui-compose/internal/config"
	"github.com/zot/ui-compose/internal/loader"
	"github.com/zot/ui-compose/internal/mount"
	"github.com/zot/ui-compose/internal/tree"
)

const standaloneAnchor = "standalone"

// Standalone renders one module outside any host page, the way it looks
// when served on its own. Resources it claims are released before returning.
func Standalone(ctx context.Context, l Loader, name string, props component.Props, cfg *config.Config) (template.HTML, error) {
	state := l.Begin(ctx, name)
	if err := state.Wait(ctx); err != nil {
		return "", err
	}
	if state.Status() != loader.Loaded {
		return "", state.Err()
	}

	t := tree.New()
	if err := t.CreateAnchor(standaloneAnchor); err != nil {
		return "", err
	}
	a := mount.New(t, cfg)
	owner := mount.Owner("standalone-" + uuid.NewString())
	h, err := a.Mount(ctx, owner, state, standaloneAnchor, props)
	if err != nil {
		return "", err
	}
	html, ok := t.Content(standaloneAnchor)
	if err := a.Unmount(owner, h); err != nil {
		return "", fmt.Errorf("standalone %s: unmount: %w", name, err)
	}
	if !ok {
		return "", fmt.Errorf("standalone %s: %w", name, tree.ErrNoAnchor)
	}
	return html, nil
}
