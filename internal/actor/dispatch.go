package actor

import (
	"context"
	"encoding/json"

	"github.com/rivetkit-go/rivetkit/internal/riveterrors"
	"github.com/rivetkit-go/rivetkit/internal/wire"
)

// Dispatch invokes one named action on the instance's single executor
// (§4.D "Action dispatch"), enforcing ActionTimeout if configured and
// flushing persisted state when the handler marked it dirty.
func (i *Instance) Dispatch(ctx context.Context, conn *Conn, actionName string, args json.RawMessage, req *RawRequest) (any, error) {
	if i.Status() == StatusDestroyed {
		return nil, riveterrors.New(riveterrors.GroupActor, riveterrors.CodeDestroyed, "actor "+i.actorID+" has been destroyed")
	}
	handler, ok := i.def.Actions[actionName]
	if !ok {
		return nil, riveterrors.New(riveterrors.GroupUser, riveterrors.CodeValidationFailed,
			"action \""+actionName+"\" is not registered")
	}

	dctx := ctx
	var cancel context.CancelFunc
	if timeout := i.def.Options.ActionTimeout; timeout > 0 {
		dctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var output any
	var handlerErr error
	submitErr := i.Submit(dctx, func() {
		ac := i.newActionContext(withAbortSignal(dctx, i.abortCtx), conn, req)
		output, handlerErr = handler(ac, args)
		i.flushIfDirty(dctx, ac)
		i.touch()
	})
	if submitErr != nil {
		if dctx.Err() != nil {
			return nil, riveterrors.Timeout(riveterrors.CodeActionTimeout, "action \""+actionName+"\"")
		}
		return nil, submitErr
	}
	return output, handlerErr
}

// DispatchEnvelope is Dispatch wrapped for WS/HTTP callers that want a
// ready-to-encode wire.ToClient response, tagged with the request's
// correlation id (§4.A ActionResponse/Error envelopes).
func (i *Instance) DispatchEnvelope(ctx context.Context, conn *Conn, actionID int64, actionName string, args json.RawMessage, req *RawRequest) *wire.ToClient {
	output, err := i.Dispatch(ctx, conn, actionName, args, req)
	if err != nil {
		rerr, ok := riveterrors.As(err)
		if !ok {
			rerr = riveterrors.Internal(err)
		}
		return wire.NewErrorEnvelope(rerr.WithActionID(actionID))
	}
	return wire.NewActionResponse(actionID, output)
}
