package strategy

import (
	"context"
	"net/http"
	"net/url"

	"github.com/saiset-co/sai-offline/types"
)

// CachedDocument looks up a fixed document, normally the root page, in the
// given partitions in order.
type CachedDocument struct {
	storage    types.CacheStorage
	key        string
	partitions []string
}

func NewCachedDocument(storage types.CacheStorage, origin, path string, partitions ...string) (*CachedDocument, error) {
	base, err := url.Parse(origin)
	if err != nil {
		return nil, types.Errorf(types.ErrConfigValidateFailed, "origin: %v", err)
	}

	ref, err := url.Parse(path)
	if err != nil {
		return nil, types.Errorf(types.ErrConfigValidateFailed, "fallback path: %v", err)
	}

	req := &types.Request{Method: http.MethodGet, URL: base.ResolveReference(ref)}

	return &CachedDocument{
		storage:    storage,
		key:        req.Key(),
		partitions: partitions,
	}, nil
}

func (d *CachedDocument) Key() string {
	return d.key
}

// Navigation returns nil without error when no partition holds the document.
func (d *CachedDocument) Navigation(ctx context.Context) (*types.Response, error) {
	for _, name := range d.partitions {
		has, err := d.storage.Has(ctx, name)
		if err != nil {
			return nil, err
		}
		if !has {
			continue
		}

		partition, err := d.storage.Open(ctx, name)
		if err != nil {
			return nil, err
		}

		entry, err := partition.Match(ctx, d.key)
		if err != nil {
			return nil, err
		}

		if entry != nil {
			return &types.Response{
				StatusCode: entry.StatusCode,
				StatusText: entry.StatusText,
				Header:     entry.Header.Clone(),
				Body:       entry.Body,
				Source:     types.SourceCache,
			}, nil
		}
	}

	return nil, nil
}
