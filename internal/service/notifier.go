package service

import (
	"context"

	"github.com/iliyamo/cylinder-booking/internal/model"
)

// Notifier delivers balance-change events to the notification service.
// Delivery failures never undo a committed change.
type Notifier interface {
	NotifyBalanceChanged(ctx context.Context, n model.BalanceNotification) error
}

type nopNotifier struct{}

func (nopNotifier) NotifyBalanceChanged(context.Context, model.BalanceNotification) error { return nil }
