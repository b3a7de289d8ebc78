package jsonrpc

import (
	"context"
	"log/slog"

	"github.com/ethereum/go-ethereum/rpc"

	"evmindex/internal/application"
	"evmindex/internal/domain"
)

// FilterAPI serves eth_subscribe over websocket and in-process transports.
type FilterAPI struct {
	fanout *application.Fanout
}

func NewFilterAPI(backend Backend) *FilterAPI {
	return &FilterAPI{fanout: backend.Fanout}
}

// NewHeads sends a header for every committed block.
func (api *FilterAPI) NewHeads(ctx context.Context) (*rpc.Subscription, error) {
	notifier, supported := rpc.NotifierFromContext(ctx)
	if !supported {
		return &rpc.Subscription{}, rpc.ErrNotificationsUnsupported
	}
	rpcSub := notifier.CreateSubscription()
	sub := api.fanout.Subscribe(application.SubscribeNewHeads, domain.LogFilter{})

	go api.forward(rpcSub, sub, func(n application.Notification) []interface{} {
		if n.Header == nil {
			return nil
		}
		return []interface{}{marshalHeader(*n.Header)}
	}, notifier)

	return rpcSub, nil
}

// NewBlockHeaders is the legacy name of NewHeads.
func (api *FilterAPI) NewBlockHeaders(ctx context.Context) (*rpc.Subscription, error) {
	return api.NewHeads(ctx)
}

// Logs sends every log matching crit once its block is committed, one
// notification per log.
func (api *FilterAPI) Logs(ctx context.Context, crit FilterArgs) (*rpc.Subscription, error) {
	notifier, supported := rpc.NotifierFromContext(ctx)
	if !supported {
		return &rpc.Subscription{}, rpc.ErrNotificationsUnsupported
	}
	if crit.BlockHash != nil {
		return nil, &invalidParamsError{message: "blockHash is not supported for log subscriptions"}
	}
	filter := domain.LogFilter{Addresses: crit.Addresses, Topics: crit.Topics}
	rpcSub := notifier.CreateSubscription()
	sub := api.fanout.Subscribe(application.SubscribeLogs, filter)

	go api.forward(rpcSub, sub, func(n application.Notification) []interface{} {
		out := make([]interface{}, 0, len(n.Logs))
		for _, log := range n.Logs {
			out = append(out, newRPCLog(log))
		}
		return out
	}, notifier)

	return rpcSub, nil
}

// forward pumps fanout notifications into the RPC subscription until the
// client goes away or the fanout closes the queue.
func (api *FilterAPI) forward(rpcSub *rpc.Subscription, sub *application.Subscription, render func(application.Notification) []interface{}, notifier *rpc.Notifier) {
	defer sub.Unsubscribe()
	for {
		select {
		case n, ok := <-sub.C():
			if !ok {
				slog.Debug("subscription closed by fanout", "id", rpcSub.ID, "kind", sub.Kind().String(), "dropped", sub.Dropped())
				return
			}
			for _, item := range render(n) {
				if err := notifier.Notify(rpcSub.ID, item); err != nil {
					slog.Debug("subscription notify failed", "id", rpcSub.ID, "error", err)
					return
				}
			}
		case <-rpcSub.Err():
			return
		}
	}
}
