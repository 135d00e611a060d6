package scheduler

import "github.com/incursa/platform-sub008/perr"

func invalidArgument(msg string) error {
	return perr.New(perr.KindInvalidArgument, msg)
}

func leaseLost(msg string) error {
	return perr.New(perr.KindLeaseLost, msg)
}

func conflictRetry(cause error) error {
	return perr.Wrap(perr.KindConflictRetry, "scheduler row changed concurrently", cause)
}

func transientIO(cause error) error {
	return perr.Wrap(perr.KindTransientIO, "scheduler store I/O failure", cause)
}
