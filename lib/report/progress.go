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

package report

import (
	"io"

	"github.com/schollz/progressbar/v3"
)

// Progress wraps a schollz/progressbar/v3 bar with Add/Finish methods for
// counting drained queue rows; RedistributionEngine.Drain does not call
// them. A nil *Progress is always safe to call methods on, so a caller that
// wants no bar (non-TTY) can hold a nil one.
type Progress struct {
	bar *progressbar.ProgressBar
}

// NewProgress creates a bar over total queue rows, writing to w. Callers
// typically pass os.Stderr only when report.IsInteractive(os.Stderr) is
// true; a plain pipe gets no bar at all.
func NewProgress(w io.Writer, total int64, description string) *Progress {
	return &Progress{bar: progressbar.NewOptions64(total,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription(description),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)}
}

// Add advances the bar by n completed rows.
func (p *Progress) Add(n int) {
	if p == nil || p.bar == nil {
		return
	}
	_ = p.bar.Add(n)
}

// Finish completes the bar, clearing it from the terminal.
func (p *Progress) Finish() {
	if p == nil || p.bar == nil {
		return
	}
	_ = p.bar.Finish()
}
