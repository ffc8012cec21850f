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
	"context"
	"fmt"
	"net"
	"sort"

	"github.com/gravitational/trace"
)

// Resolver resolves a hostname to its addresses. Production code uses
// net.DefaultResolver; tests substitute a fixed table so address resolution
// order and dedupe logic can be asserted without DNS.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// NetResolver adapts net.DefaultResolver to Resolver.
type NetResolver struct{}

// LookupIPAddr implements Resolver.
func (NetResolver) LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error) {
	return net.DefaultResolver.LookupIPAddr(ctx, host)
}

// TrustLinesFor resolves hosts (deduped, in the order first seen) and
// returns one "host all all <addr>/<masklen> trust" line per resolved
// address (step 8): IPv4 addresses get /32, IPv6 get /128.
func TrustLinesFor(ctx context.Context, resolver Resolver, hosts []string) ([]string, error) {
	seen := map[string]bool{}
	var lines []string
	for _, host := range hosts {
		addrs, err := resolver.LookupIPAddr(ctx, host)
		if err != nil {
			return nil, trace.Wrap(err, "failed to resolve host %q", host)
		}
		var hostLines []string
		for _, addr := range addrs {
			mask := 32
			if addr.IP.To4() == nil {
				mask = 128
			}
			line := fmt.Sprintf("host all all %s/%d trust", addr.IP.String(), mask)
			if !seen[line] {
				seen[line] = true
				hostLines = append(hostLines, line)
			}
		}
		sort.Strings(hostLines)
		lines = append(lines, hostLines...)
	}
	return lines, nil
}
