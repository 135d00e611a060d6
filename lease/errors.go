package lease

import "github.com/incursa/platform-sub008/perr"

func invalidArgument(msg string) error {
	return perr.New(perr.KindInvalidArgument, msg)
}

func leaseLost(key string) error {
	return perr.New(perr.KindLeaseLost, "lease lost for key "+key)
}

func conflictRetry(cause error) error {
	return perr.Wrap(perr.KindConflictRetry, "lease row changed concurrently", cause)
}

func transientIO(cause error) error {
	return perr.Wrap(perr.KindTransientIO, "lease store I/O failure", cause)
}
