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

package lifecycle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/segmentdb/expandctl/lib/config"
)

func TestRouteMatchesStateRoutingMatrix(t *testing.T) {
	tests := []struct {
		name       string
		dbStatus   DBStatus
		logPresent bool
		opts       config.Options
		want       Action
		wantErr    bool
	}{
		{
			name:       "absent with rollback flag and log present runs rollback",
			dbStatus:   StatusAbsent,
			logPresent: true,
			opts:       config.Options{Rollback: true},
			want:       ActionRollback,
		},
		{
			name:       "absent with rollback flag and no log refuses",
			dbStatus:   StatusAbsent,
			logPresent: false,
			opts:       config.Options{Rollback: true},
			wantErr:    true,
		},
		{
			name:       "absent with input file and no log runs prepare pipeline",
			dbStatus:   StatusAbsent,
			logPresent: false,
			opts:       config.Options{InputFile: "/tmp/input"},
			want:       ActionPreparePipeline,
		},
		{
			name:       "setup done runs redistribution engine",
			dbStatus:   StatusSetupDone,
			logPresent: false,
			opts:       config.Options{},
			want:       ActionRedistributionEngine,
		},
		{
			name:       "expansion stopped runs redistribution engine",
			dbStatus:   StatusExpansionStopped,
			logPresent: false,
			opts:       config.Options{},
			want:       ActionRedistributionEngine,
		},
		{
			name:       "expansion started resumes redistribution engine",
			dbStatus:   StatusExpansionStarted,
			logPresent: false,
			opts:       config.Options{},
			want:       ActionResumeRedistributionEngine,
		},
		{
			name:       "expansion complete refuses pending clean",
			dbStatus:   StatusExpansionComplete,
			logPresent: false,
			opts:       config.Options{},
			want:       ActionRefuseNeedsClean,
		},
		{
			name:       "absent with no input and no log enters interview",
			dbStatus:   StatusAbsent,
			logPresent: false,
			opts:       config.Options{},
			want:       ActionInterview,
		},
		{
			name:       "clean flag wins regardless of status",
			dbStatus:   StatusExpansionComplete,
			logPresent: true,
			opts:       config.Options{Clean: true},
			want:       ActionCleanSchema,
		},
		{
			name:       "clean flag wins even during an active run",
			dbStatus:   StatusExpansionStarted,
			logPresent: false,
			opts:       config.Options{Clean: true},
			want:       ActionCleanSchema,
		},
		{
			name:       "absent with log present resumes the prepare pipeline",
			dbStatus:   StatusAbsent,
			logPresent: true,
			opts:       config.Options{},
			want:       ActionResumePreparePipeline,
		},
		{
			name:       "rollback requested while expansion is live refuses",
			dbStatus:   StatusExpansionStarted,
			logPresent: false,
			opts:       config.Options{Rollback: true},
			wantErr:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := route(tt.dbStatus, tt.logPresent, &tt.opts)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
