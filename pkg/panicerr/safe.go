// Package panicerr turns panics in review work into ordinary errors so a
// misbehaving executor cannot take the whole process down.
package panicerr

import (
	"context"

	"github.com/sourcegraph/conc/panics"

	"github.com/kazz187/reviewcrew/pkg/cerr"
)

// Safe wraps fn so that a panic is returned as an Internal error.
func Safe(fn func() error) func() error {
	return func() error {
		return SafeContext(func(context.Context) error { return fn() })(context.Background())
	}
}

// SafeContext is Safe for functions that take a context.
func SafeContext(fn func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) error {
		var (
			catcher panics.Catcher
			err     error
		)
		catcher.Try(func() {
			err = fn(ctx)
		})
		if err != nil {
			return err
		}
		if r := catcher.Recovered(); r != nil {
			e := cerr.NewError(cerr.Internal, "recovered from panic", r.AsError())
			e.Stack = string(r.Stack)
			return e
		}
		return nil
	}
}

// Call runs fn and returns its result, converting a panic into an error.
func Call[T any](ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := SafeContext(func(ctx context.Context) error {
		var err error
		out, err = fn(ctx)
		return err
	})(ctx)
	return out, err
}
