package panicerr

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kazz187/reviewcrew/pkg/cerr"
)

func TestSafe(t *testing.T) {
	assert.NoError(t, Safe(func() error { return nil })())

	sentinel := errors.New("boom")
	assert.Same(t, sentinel, Safe(func() error { return sentinel })())

	err := Safe(func() error { panic("oops") })()
	require.Error(t, err)
	assert.True(t, cerr.IsCode(err, cerr.Internal))
	assert.Contains(t, err.Error(), "oops")

	var cErr *cerr.Error
	require.ErrorAs(t, err, &cErr)
	assert.NotEmpty(t, cErr.Stack)
}

func TestCall(t *testing.T) {
	ctx := context.Background()

	n, err := Call(ctx, func(context.Context) (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, n)

	n, err = Call(ctx, func(context.Context) (int, error) { panic("nope") })
	require.Error(t, err)
	assert.Equal(t, 0, n)
	assert.True(t, cerr.IsCode(err, cerr.Internal))
}
