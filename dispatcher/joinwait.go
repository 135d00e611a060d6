package dispatcher

import (
	"context"

	"github.com/incursa/platform-sub008/outbox"
	"github.com/incursa/platform-sub008/perr"
)

// NewJoinWaitHandler builds the built-in "join.wait" outbox handler (spec
// §4.2.1, described only in prose there): its message payload is the
// join ID it is waiting on. While the join still has outstanding
// members it abandons itself for a later retry; once
// Completed+Failed==Expected it finalizes the join (Failed if any step
// failed, Completed otherwise) and enqueues the onFail follow-up message
// if it finalized to Failed, or the onComplete one if it finalized to
// Completed, skipping the enqueue when that metadata is empty.
func NewJoinWaitHandler(store outbox.Store) Handler[*outbox.Message] {
	return func(ctx context.Context, item *outbox.Message) HandlerResult {
		joinID := string(item.Payload)

		join, err := store.GetJoin(ctx, joinID)
		if err != nil {
			if perr.IsInvalidArgument(err) {
				return HandlerResult{Outcome: Permanent, LastError: "unknown join: " + joinID}
			}
			return HandlerResult{Outcome: Retry, LastError: err.Error()}
		}
		if join == nil {
			return HandlerResult{Outcome: Permanent, LastError: "unknown join: " + joinID}
		}

		if join.Completed+join.Failed < join.Expected {
			return HandlerResult{Outcome: Retry, LastError: "join still has outstanding members"}
		}

		finalStatus := outbox.JoinCompleted
		if join.Failed > 0 {
			finalStatus = outbox.JoinFailed
		}

		finalized, err := store.FinalizeJoin(ctx, joinID, finalStatus)
		if err != nil {
			return HandlerResult{Outcome: Retry, LastError: err.Error()}
		}

		followUpTopic := join.OnCompleteMetadata
		if finalStatus == outbox.JoinFailed {
			followUpTopic = join.OnFailMetadata
		}
		if finalized && followUpTopic != "" {
			if _, err := store.Enqueue(ctx, followUpTopic, nil, item.CorrelationID, nil); err != nil {
				return HandlerResult{Outcome: Retry, LastError: err.Error()}
			}
		}

		return HandlerResult{Outcome: Success}
	}
}
