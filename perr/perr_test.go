package perr_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/incursa/platform-sub008/perr"
)

func TestClassify(t *testing.T) {
	err := perr.New(perr.KindInvalidArgument, "batch size must be positive")
	assert.Equal(t, perr.KindInvalidArgument, perr.Classify(err))
	assert.True(t, perr.IsInvalidArgument(err))
	assert.True(t, errors.Is(err, perr.InvalidArgument))
	assert.False(t, errors.Is(err, perr.NotOwner))
}

func TestClassifyUnknown(t *testing.T) {
	assert.Equal(t, perr.KindUnknown, perr.Classify(errors.New("boom")))
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := perr.Wrap(perr.KindTransientIO, "claim due", cause)
	require.True(t, errors.Is(err, perr.TransientIO))
	assert.ErrorIs(t, err, cause)
}

func TestPermanentMarker(t *testing.T) {
	cause := errors.New("poison message")
	err := perr.Permanent(cause)
	assert.True(t, perr.IsPermanent(err))
	assert.ErrorIs(t, err, cause)

	assert.False(t, perr.IsPermanent(errors.New("not a marker")))
}
