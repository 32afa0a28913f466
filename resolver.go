package reshare

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/mvayngrib/reshare/node"
	"github.com/mvayngrib/reshare/wire"
)

// resolver fronts the keeper with an LRU cache. Bodies are immutable,
// so cached entries never invalidate.
type resolver struct {
	keeper node.Keeper
	run    context.Context
	cache  *lru.Cache[string, *wire.Body]
}

func newResolver(run context.Context, keeper node.Keeper, size int) (*resolver, error) {
	cache, err := lru.New[string, *wire.Body](size)
	if err != nil {
		return nil, err
	}
	return &resolver{keeper: keeper, run: run, cache: cache}, nil
}

func (r *resolver) Get(ctx context.Context, permalink string) (*wire.Body, error) {
	if r.run.Err() != nil {
		return nil, ErrClosed
	}
	if body, ok := r.cache.Get(permalink); ok {
		return body, nil
	}
	body, err := r.keeper.Get(ctx, permalink)
	if err != nil {
		return nil, err
	}
	r.cache.Add(permalink, body)
	return body, nil
}
