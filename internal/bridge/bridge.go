// Package bridge defines the boundary between a session and the host that
// owns the base.
package bridge

import (
	"context"

	"github.com/zot/basekit/internal/delta"
	"github.com/zot/basekit/internal/mutation"
)

// PermissionCheckResult is the answer to a permission pre-check.
type PermissionCheckResult struct {
	HasPermission       bool   `json:"hasPermission"`
	ReasonDisplayString string `json:"reasonDisplayString,omitempty"`
}

// UpdateHandler receives batches of changes in delivery order.
type UpdateHandler func(changes []delta.Change)

// Host is the host side of a session.
//
// FetchAndSubscribe methods return the current snapshot of the subtree and
// keep the caller subscribed to later changes of it, which arrive through the
// handler given to SubscribeToModelUpdates. Subscribing again while
// subscribed does not duplicate deliveries. Unsubscribe methods are safe to
// call when not subscribed.
type Host interface {
	// FetchBaseData returns the base snapshot without table record data,
	// view data or cursor data.
	FetchBaseData(ctx context.Context) (map[string]any, error)

	// FetchAndSubscribeToTableData returns the records of a table, keyed by
	// record id.
	FetchAndSubscribeToTableData(ctx context.Context, tableID string) (map[string]any, error)
	UnsubscribeFromTableData(tableID string)

	// FetchAndSubscribeToViewData returns the view's fieldOrder and
	// visibleRecordIds.
	FetchAndSubscribeToViewData(ctx context.Context, tableID, viewID string) (map[string]any, error)
	UnsubscribeFromViewData(tableID, viewID string)

	// FetchAndSubscribeToCursorData returns the cursor subtree.
	FetchAndSubscribeToCursorData(ctx context.Context) (map[string]any, error)
	UnsubscribeFromCursorData()

	// SubscribeToModelUpdates registers the handler for change batches and
	// returns a function that removes it.
	SubscribeToModelUpdates(handler UpdateHandler) (unsubscribe func())

	// ApplyMutation asks the host to perform m. It returns once the host
	// has accepted or rejected it.
	ApplyMutation(ctx context.Context, m mutation.Mutation) error

	// CheckPermissionsForMutation evaluates m against the cached session
	// permissions without contacting the host.
	CheckPermissionsForMutation(m mutation.Mutation) PermissionCheckResult
}
