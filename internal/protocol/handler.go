package protocol

import (
	"context"
	"fmt"

	"github.com/golang/glog"

	"github.com/zot/basekit/internal/bridge"
	"github.com/zot/basekit/internal/mutation"
)

// Handler answers requests by calling a host.
type Handler struct {
	host bridge.Host
}

// NewHandler creates a handler serving host.
func NewHandler(host bridge.Host) *Handler {
	return &Handler{host: host}
}

// HandleMessage processes one request and returns its response. Every
// request gets a response, unsubscribes included, so a client can keep its
// requests ordered.
func (h *Handler) HandleMessage(ctx context.Context, msg *Message) *Message {
	glog.V(2).Infof("protocol: %s %s", msg.Type, msg.ID)
	result, err := h.handle(ctx, msg)
	if err != nil {
		glog.V(1).Infof("protocol: %s %s failed: %v", msg.Type, msg.ID, err)
		return NewError(msg.ID, err)
	}
	resp, err := NewResult(msg.ID, result)
	if err != nil {
		return NewError(msg.ID, err)
	}
	return resp
}

func (h *Handler) handle(ctx context.Context, msg *Message) (any, error) {
	switch msg.Type {
	case MsgFetchBase:
		return h.host.FetchBaseData(ctx)

	case MsgFetchTable, MsgUnsubscribeTable:
		var req TableRequest
		if err := msg.Decode(&req); err != nil {
			return nil, err
		}
		if msg.Type == MsgUnsubscribeTable {
			h.host.UnsubscribeFromTableData(req.TableID)
			return nil, nil
		}
		return h.host.FetchAndSubscribeToTableData(ctx, req.TableID)

	case MsgFetchView, MsgUnsubscribeView:
		var req ViewRequest
		if err := msg.Decode(&req); err != nil {
			return nil, err
		}
		if msg.Type == MsgUnsubscribeView {
			h.host.UnsubscribeFromViewData(req.TableID, req.ViewID)
			return nil, nil
		}
		return h.host.FetchAndSubscribeToViewData(ctx, req.TableID, req.ViewID)

	case MsgFetchCursor:
		return h.host.FetchAndSubscribeToCursorData(ctx)

	case MsgUnsubscribeCursor:
		h.host.UnsubscribeFromCursorData()
		return nil, nil

	case MsgApplyMutation, MsgCheckPermission:
		var env mutation.Envelope
		if err := msg.Decode(&env); err != nil {
			return nil, err
		}
		m, err := mutation.Decode(&env)
		if err != nil {
			return nil, err
		}
		if msg.Type == MsgCheckPermission {
			return h.host.CheckPermissionsForMutation(m), nil
		}
		return nil, h.host.ApplyMutation(ctx, m)
	}
	return nil, fmt.Errorf("unknown message type: %s", msg.Type)
}
