package reservation

import (
	"context"
	"errors"

	"github.com/kirinyoku/tix-reserve/internal/domain"
)

// Notifiers publishes every event to each of its members.
type Notifiers []Notifier

func (ns Notifiers) Publish(ctx context.Context, ev domain.LifecycleEvent) error {
	var errs []error
	for _, n := range ns {
		if err := n.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
