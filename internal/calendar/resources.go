package calendar

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gosimple/slug"

	"calconnect-go/internal/apperr"
	"calconnect-go/internal/storage"
)

// Resource is a schedulable library item as seen by the caller.
type Resource struct {
	ID    string
	Title string
	URL   string
}

// ResourceCatalog resolves resource references and builds their public links.
type ResourceCatalog struct {
	store   storage.ResourceStore
	baseURL string
}

// NewResourceCatalog creates a catalog. baseURL is the library's public root.
func NewResourceCatalog(store storage.ResourceStore, baseURL string) *ResourceCatalog {
	return &ResourceCatalog{store: store, baseURL: strings.TrimRight(baseURL, "/")}
}

// Resolve returns the resource if the caller may schedule it. Unpublished
// resources are reported as missing.
func (c *ResourceCatalog) Resolve(ctx context.Context, id string) (*Resource, error) {
	r, err := c.store.GetResource(ctx, id)
	switch {
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrInvalidInput):
		return nil, apperr.New(apperr.KindNotFound, "resource not found", err)
	case err != nil:
		return nil, apperr.New(apperr.KindPersistenceFailed, "failed to load resource", err)
	case !r.IsPublished:
		return nil, apperr.New(apperr.KindNotFound, "resource not found", nil)
	}
	return &Resource{ID: r.ID, Title: r.Title, URL: c.Link(r.ID, r.Title)}, nil
}

// Link builds the resource page URL, e.g. {base}/techniques/{id}/acl-reconstruction.
func (c *ResourceCatalog) Link(id, title string) string {
	if c.baseURL == "" {
		return ""
	}
	return fmt.Sprintf("%s/techniques/%s/%s", c.baseURL, id, slug.Make(title))
}
