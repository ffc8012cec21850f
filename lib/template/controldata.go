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

package template

import (
	"strings"

	"github.com/gravitational/trace"

	"github.com/segmentdb/expandctl/lib/errkind"
)

const controlDataStateField = "Database cluster state:"

// ShutDownState is the control-data value expected once the cluster has
// stopped cleanly.
const ShutDownState = "shut down"

// ParseControlDataState extracts the "Database cluster state" value from
// the output of a control-data utility (step 3), tolerating the
// column alignment that utility pads its output with.
func ParseControlDataState(output string) (string, error) {
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, controlDataStateField) {
			return strings.TrimSpace(strings.TrimPrefix(line, controlDataStateField)), nil
		}
	}
	return "", trace.NotFound("control-data output has no %q field", controlDataStateField)
}

// VerifyStopped fails unless the control-data output reports "shut down".
func VerifyStopped(output string) error {
	state, err := ParseControlDataState(output)
	if err != nil {
		return errkind.Wrap(err, errkind.Expansion)
	}
	if state != ShutDownState {
		return errkind.Wrap(
			trace.BadParameter("cluster is not stopped: control data reports state %q, want %q", state, ShutDownState),
			errkind.Expansion)
	}
	return nil
}
