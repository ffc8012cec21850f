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

package errkind

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrapNilReturnsNil(t *testing.T) {
	assert.NoError(t, Wrap(nil, Validation))
}

func TestWrapAttachesKindRecoverableByOf(t *testing.T) {
	err := Wrap(errors.New("bad input file"), Validation, "parsing %s", "input")

	kind, ok := Of(err)
	require := assert.New(t)
	require.True(ok)
	require.Equal(Validation, kind)
	require.Contains(err.Error(), "bad input file")
}

func TestOfFalseForUntaggedError(t *testing.T) {
	_, ok := Of(errors.New("plain"))
	assert.False(t, ok)
}

func TestOfFalseForNilError(t *testing.T) {
	_, ok := Of(nil)
	assert.False(t, ok)
}

func TestExitCodeMapping(t *testing.T) {
	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, 1, ExitCode(Wrap(errors.New("x"), Validation)))
	assert.Equal(t, 3, ExitCode(Wrap(errors.New("x"), Expansion)))
	assert.Equal(t, 3, ExitCode(Wrap(errors.New("x"), PastPointOfNoReturn)))
	assert.Equal(t, 3, ExitCode(errors.New("untagged")))
}

func TestExitCodeCancelledMatchesSuccess(t *testing.T) {
	assert.Equal(t, 0, ExitCode(Wrap(errors.New("deadline reached"), Cancelled)))
}
