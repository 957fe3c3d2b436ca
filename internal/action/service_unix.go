//go:build !windows

package action

import (
	"context"
	"fmt"
)

// runService is only meaningful on Windows, where the "service" verb
// drives the Service Control Manager. Elsewhere the verb always fails
// with a structural error; manifests that use it are not rejected when
// they are loaded.
func (e *Executor) runService(_ context.Context, a Action) Result {
	return Result{Err: fmt.Errorf("service: verb %q is only supported on windows", a.Arg)}
}
