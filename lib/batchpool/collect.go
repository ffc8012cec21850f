/*
Copyright 2018 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package batchpool

import (
	"context"

	"github.com/gravitational/trace"
)

// collectErrors exhausts errChan up to its capacity and returns the
// aggregate error, if any, honoring ctx cancellation. Generalized from
// gravity's utils.CollectErrors (lib/utils/collecterrors.go), which the FSM
// engine uses to barrier-join concurrently executed sub-phases.
func collectErrors(ctx context.Context, errChan chan error) error {
	var errs []error
	left := cap(errChan)
	for left > 0 {
		select {
		case <-ctx.Done():
			return trace.Wrap(ctx.Err())
		case err := <-errChan:
			left--
			if err != nil {
				errs = append(errs, err)
			}
		}
	}
	return trace.NewAggregate(errs...)
}
