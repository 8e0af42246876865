package actor

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/rivetkit-go/rivetkit/internal/riveterrors"
)

// QueueMessage is one FIFO entry (§3 "queues"). Complete can be called on
// every message; it only delivers a response when the message was sent
// with wait on a completable queue, and is a no-op otherwise.
type QueueMessage struct {
	ID   string
	Body any

	completable bool
	replyCh     chan any
}

// Complete delivers response back to the sender of a completable message
// (§4.D Queues "Completable messages expose complete(response) on the
// consumer side").
func (m *QueueMessage) Complete(response any) {
	if !m.completable {
		return
	}
	select {
	case m.replyCh <- response:
	default:
	}
}

// QueueSendResult is what queue.send resolves with for a waiting sender.
type QueueSendResult struct {
	TimedOut bool
	Response any
}

type waiter struct {
	names   map[string]bool
	resultC chan *QueueMessage
}

type queueState struct {
	def      QueueDef
	messages []*QueueMessage
	waiters  []*waiter
}

// queueFor returns (creating if needed) the state for a named queue.
// Callers must hold i.queueMu.
func (i *Instance) queueFor(name string) *queueState {
	q, ok := i.queues[name]
	if !ok {
		def := i.def.Queues[name]
		q = &queueState{def: def}
		i.queues[name] = q
	}
	return q
}

// queueSend enqueues body on name (§4.D Queues). An action handler's
// ctx.Queue.Send runs this on the instance's executor; internal/workflow's
// queueNext (below) parks on its own goroutine off the executor, so the
// queues map and each queueState's messages/waiters are guarded by
// i.queueMu rather than relying on single-executor discipline, the same
// way EmitEvent/waitForEvent guard eventWaiters with eventMu. Only the
// map/slice bookkeeping is locked; the wait-for-reply below happens with
// the lock released so other sends and receives can proceed.
func (i *Instance) queueSend(ctx context.Context, name string, body any, wait bool, timeout time.Duration) (QueueSendResult, error) {
	msg := &QueueMessage{ID: uuid.NewString(), Body: body}

	var replyCh chan any
	completable := i.def.Queues[name].Completable
	if wait && completable {
		msg.completable = true
		replyCh = make(chan any, 1)
		msg.replyCh = replyCh
	}

	i.queueMu.Lock()
	var resultC chan *QueueMessage
	q := i.queueFor(name)
	if len(q.waiters) > 0 {
		w := q.waiters[0]
		if w.names[name] || len(w.names) == 0 {
			q.waiters = q.waiters[1:]
			resultC = w.resultC
		}
	}
	if resultC == nil && name != "" {
		if shared, ok := i.queues[""]; ok {
			for idx, w := range shared.waiters {
				if w.names[name] || len(w.names) == 0 {
					shared.waiters = append(shared.waiters[:idx], shared.waiters[idx+1:]...)
					resultC = w.resultC
					break
				}
			}
		}
	}
	if resultC != nil {
		resultC <- msg
	} else {
		q.messages = append(q.messages, msg)
	}
	i.queueMu.Unlock()

	if !wait || !completable {
		return QueueSendResult{}, nil
	}

	select {
	case resp := <-replyCh:
		return QueueSendResult{Response: resp}, nil
	case <-time.After(timeout):
		return QueueSendResult{TimedOut: true}, nil
	case <-ctx.Done():
		return QueueSendResult{}, ctx.Err()
	}
}

// queueNext returns the next message matching any of names, or
// (nil,false,nil) after timeout (§4.D "queue.next ... returns the next
// matching message or null on timeout"). Called directly from
// internal/workflow's run-handler goroutine, off the executor — see
// queueSend's comment on i.queueMu.
func (i *Instance) queueNext(ctx context.Context, names []string, timeout time.Duration) (*QueueMessage, bool, error) {
	if timeout <= 0 {
		timeout = 0
	}

	nameSet := make(map[string]bool, len(names))
	for _, n := range names {
		nameSet[n] = true
	}

	i.queueMu.Lock()
	var found *QueueMessage
	var foundQueue string
	for qname, q := range i.queues {
		if len(nameSet) > 0 && !nameSet[qname] {
			continue
		}
		if len(q.messages) > 0 {
			found = q.messages[0]
			foundQueue = qname
			break
		}
	}
	if found != nil {
		i.queues[foundQueue].messages = i.queues[foundQueue].messages[1:]
		i.queueMu.Unlock()
		return found, true, nil
	}

	targetName := ""
	if len(names) == 1 {
		targetName = names[0]
	}
	q := i.queueFor(targetName)
	w := &waiter{names: nameSet, resultC: make(chan *QueueMessage, 1)}
	q.waiters = append(q.waiters, w)
	i.queueMu.Unlock()

	if timeout == 0 {
		select {
		case msg := <-w.resultC:
			return msg, true, nil
		default:
			i.removeWaiter(q, w)
			return nil, false, nil
		}
	}

	select {
	case msg := <-w.resultC:
		return msg, true, nil
	case <-time.After(timeout):
		i.removeWaiter(q, w)
		return nil, false, nil
	case <-ctx.Done():
		i.removeWaiter(q, w)
		return nil, false, ctx.Err()
	}
}

func (i *Instance) removeWaiter(q *queueState, w *waiter) {
	i.queueMu.Lock()
	defer i.queueMu.Unlock()
	for idx, cand := range q.waiters {
		if cand == w {
			q.waiters = append(q.waiters[:idx], q.waiters[idx+1:]...)
			return
		}
	}
}

var errQueueNotCompletable = riveterrors.New(riveterrors.GroupUser, riveterrors.CodeValidationFailed,
	"queue is not completable")
