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

package redistribute

import (
	"context"
	"fmt"

	"github.com/gravitational/trace"

	"github.com/segmentdb/expandctl/lib/constants"
	"github.com/segmentdb/expandctl/lib/dbclient"
	"github.com/segmentdb/expandctl/lib/errkind"
)

// DropSchema drops the expand schema and its contents, the inverse of
// ApplySchema dispatched by RollbackController when it walks back past
// SCHEMA_STARTED: "after a restricted restart, drop the expand
// schema."
func DropSchema(ctx context.Context, control dbclient.Client) error {
	err := control.Exec(ctx, fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", constants.ExpandSchema))
	return errkind.Wrap(trace.Wrap(err), errkind.Expansion)
}
