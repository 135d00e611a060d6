package sideeffect

import "github.com/incursa/platform-sub008/perr"

func invalidArgument(msg string) error {
	return perr.New(perr.KindInvalidArgument, msg)
}

func transientIO(cause error) error {
	return perr.Wrap(perr.KindTransientIO, "side-effect store I/O failure", cause)
}
