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

import "context"

// Remote is the out-of-scope "remote command execution primitive": a
// batch-capable worker pool that runs shell/file operations on a named
// remote host and reports success/failure. SegmentTemplate depends
// only on this narrow contract; lib/sshremote supplies a concrete
// implementation backed by the system ssh/scp binaries.
type Remote interface {
	// CopyFile copies the local file at localPath to remotePath on host.
	CopyFile(ctx context.Context, host, localPath, remotePath string) error
	// RunShell runs script on host via a login shell and returns its
	// combined output and any execution error.
	RunShell(ctx context.Context, host, script string) (output string, err error)
	// Remove deletes path on host. Missing paths are not an error.
	Remove(ctx context.Context, host, path string) error
}
