package outbox

import "github.com/incursa/platform-sub008/perr"

func invalidArgument(msg string) error {
	return perr.New(perr.KindInvalidArgument, msg)
}

func conflictRetry(cause error) error {
	return perr.Wrap(perr.KindConflictRetry, "outbox row changed concurrently", cause)
}

func transientIO(cause error) error {
	return perr.Wrap(perr.KindTransientIO, "outbox store I/O failure", cause)
}
