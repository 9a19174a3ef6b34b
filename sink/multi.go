package sink

import (
	"context"
	"errors"
)

// Multi publishes every event to all of its publishers in order. A failing
// publisher does not stop the others; their errors are joined.
type Multi []Publisher

var _ Publisher = Multi(nil)

// Publish sends evt to every publisher, even after one fails, and joins
// their errors.
func (m Multi) Publish(ctx context.Context, evt Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
