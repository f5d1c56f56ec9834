package query

import (
	"context"

	"github.com/roach88/synq/internal/sharing"
)

// InfiniteData is the data of an infinite query: fetched pages in order and
// the param each page was fetched with.
type InfiniteData struct {
	Pages      []any `json:"pages"`
	PageParams []any `json:"pageParams"`
}

// asInfiniteData accepts *InfiniteData as well as the generic shape a
// snapshot decodes to.
func asInfiniteData(v any) (*InfiniteData, bool) {
	switch d := v.(type) {
	case *InfiniteData:
		return d, d != nil
	case InfiniteData:
		return &d, true
	case map[string]any:
		pages, ok := d["pages"].([]any)
		if !ok {
			return nil, false
		}
		params, _ := d["pageParams"].([]any)
		return &InfiniteData{Pages: pages, PageParams: params}, true
	}
	return nil, false
}

func shareInfiniteData(prev, next *InfiniteData) *InfiniteData {
	if prev == nil || next == nil {
		return next
	}
	pages := shareList(prev.Pages, next.Pages)
	params := shareList(prev.PageParams, next.PageParams)
	if sharing.Same(pages, prev.Pages) && sharing.Same(params, prev.PageParams) {
		return prev
	}
	return &InfiniteData{Pages: pages, PageParams: params}
}

func shareList(prev, next []any) []any {
	if out, ok := sharing.ReplaceEqualDeep(prev, next).([]any); ok {
		return out
	}
	return next
}

// InfiniteBehavior returns the behavior of infinite queries. Set it as
// QueryOptions.Behavior; FetchInfiniteQuery and InfiniteObserver do so.
func InfiniteBehavior() QueryBehavior {
	return infiniteBehavior{}
}

type infiniteBehavior struct{}

func (infiniteBehavior) OnFetch(fc *FetchContext, _ *Query) {
	opts := fc.Options

	var direction FetchDirection
	if m := fc.FetchOptions.Meta; m != nil && m.FetchMore != nil {
		direction = m.FetchMore.Direction
	}

	old := &InfiniteData{}
	if d, ok := asInfiniteData(fc.State.Data); ok {
		old = d
	}

	fetchPage := func(ctx context.Context, data *InfiniteData, param any, previous bool) (*InfiniteData, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if param == nil && len(data.Pages) > 0 {
			return data, nil
		}
		dir := DirectionForward
		if previous {
			dir = DirectionBackward
		}
		page, err := fc.CallQueryFn(ctx, param, dir)
		if err != nil {
			return nil, err
		}
		add := addToEnd
		if previous {
			add = addToStart
		}
		return &InfiniteData{
			Pages:      add(data.Pages, page, opts.MaxPages),
			PageParams: add(data.PageParams, param, opts.MaxPages),
		}, nil
	}

	fc.FetchFn = func(ctx context.Context) (any, error) {
		if direction != "" && len(old.Pages) > 0 {
			previous := direction == DirectionBackward
			var param any
			if previous {
				param = previousPageParam(opts, old)
			} else {
				param = nextPageParam(opts, old)
			}
			return fetchPage(ctx, old, param, previous)
		}

		remaining := len(old.Pages)
		if opts.Pages > 0 {
			remaining = opts.Pages
		}

		result := &InfiniteData{}
		for current := 0; ; {
			var param any
			if current == 0 {
				param = opts.InitialPageParam
				if len(old.PageParams) > 0 && old.PageParams[0] != nil {
					param = old.PageParams[0]
				}
			} else {
				param = nextPageParam(opts, result)
				if param == nil {
					break
				}
			}
			next, err := fetchPage(ctx, result, param, false)
			if err != nil {
				return nil, err
			}
			result = next
			current++
			if current >= remaining {
				break
			}
		}
		return result, nil
	}
}

func addToEnd(items []any, item any, maxItems int) []any {
	out := make([]any, 0, len(items)+1)
	out = append(out, items...)
	out = append(out, item)
	if maxItems > 0 && len(out) > maxItems {
		return out[1:]
	}
	return out
}

func addToStart(items []any, item any, maxItems int) []any {
	out := make([]any, 0, len(items)+1)
	out = append(out, item)
	out = append(out, items...)
	if maxItems > 0 && len(out) > maxItems {
		return out[:len(out)-1]
	}
	return out
}

func nextPageParam(opts QueryOptions, d *InfiniteData) any {
	if opts.GetNextPageParam == nil || len(d.Pages) == 0 {
		return nil
	}
	last := len(d.Pages) - 1
	return opts.GetNextPageParam(d.Pages[last], d.Pages, pageParamAt(d, last), d.PageParams)
}

func previousPageParam(opts QueryOptions, d *InfiniteData) any {
	if opts.GetPreviousPageParam == nil || len(d.Pages) == 0 {
		return nil
	}
	return opts.GetPreviousPageParam(d.Pages[0], d.Pages, pageParamAt(d, 0), d.PageParams)
}

func pageParamAt(d *InfiniteData, i int) any {
	if i < len(d.PageParams) {
		return d.PageParams[i]
	}
	return nil
}

func hasNextPage(opts QueryOptions, data any) bool {
	d, ok := asInfiniteData(data)
	if !ok {
		return false
	}
	return nextPageParam(opts, d) != nil
}

func hasPreviousPage(opts QueryOptions, data any) bool {
	d, ok := asInfiniteData(data)
	if !ok {
		return false
	}
	return previousPageParam(opts, d) != nil
}
