package parallel

import (
	"context"

	"golang.org/x/sync/errgroup"
)

type item[T any] struct {
	input T
	index int
}

// Process runs f over inputs on nWorkers goroutines. Output i is the result
// for input i regardless of completion order. The first error cancels the
// context handed to f and is returned once all workers exit.
func Process[S, T any](ctx context.Context, nWorkers int, inputs []S, f func(context.Context, S) (T, error)) ([]T, error) {
	if nWorkers < 1 {
		nWorkers = 1
	}
	if nWorkers > len(inputs) {
		nWorkers = len(inputs)
	}
	g, ctx := errgroup.WithContext(ctx)
	itemCh := make(chan item[S])
	g.Go(func() error {
		defer close(itemCh)
		for i := range inputs {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case itemCh <- item[S]{inputs[i], i}:
			}
		}
		return nil
	})
	ret := make([]T, len(inputs))
	for i := 0; i < nWorkers; i++ {
		g.Go(func() error {
			for item := range itemCh {
				select {
				case <-ctx.Done():
					return ctx.Err()
				default:
					var err error
					if ret[item.index], err = f(ctx, item.input); err != nil {
						return err
					}
				}
			}
			return nil
		})
	}
	return ret, g.Wait()
}
