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

package sshremote

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShellQuoteEscapesSingleQuotes(t *testing.T) {
	assert.Equal(t, `'/data/gpseg0'`, shellQuote("/data/gpseg0"))
	assert.Equal(t, `'it'\''s'`, shellQuote("it's"))
}

func TestNewRequiresUser(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestSSHArgsIncludesIdentityAndTimeout(t *testing.T) {
	r, err := New(Config{User: "gpadmin", IdentityFile: "/home/gpadmin/.ssh/id_rsa", ConnectTimeout: 5})
	require.NoError(t, err)

	args := r.sshArgs("sdw1")
	assert.Contains(t, args, "-i")
	assert.Contains(t, args, "/home/gpadmin/.ssh/id_rsa")
	assert.Contains(t, args, "ConnectTimeout=5")
	assert.Equal(t, "gpadmin@sdw1", args[len(args)-1])
}

func TestSSHArgsOmitsIdentityWhenUnset(t *testing.T) {
	r, err := New(Config{User: "gpadmin"})
	require.NoError(t, err)

	args := r.sshArgs("sdw1")
	assert.NotContains(t, args, "-i")
}
