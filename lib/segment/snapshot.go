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

package segment

import (
	"os"

	"github.com/gravitational/trace"
	"gopkg.in/yaml.v2"
)

// wireSet is the serialized form of Set. A dedicated wire type (rather than
// yaml tags directly on Set) keeps the domain type free of marshaling
// concerns, the way gravity keeps storage.Server a plain tagged struct
// but composes it through a handful of dedicated (de)serialization helpers.
type wireSet struct {
	Coordinator Spec           `yaml:"coordinator"`
	Standby     *Spec          `yaml:"standby,omitempty"`
	Tuples      []ContentTuple `yaml:"tuples"`
	Filespaces  []string       `yaml:"filespaces,omitempty"`
}

// SaveToFile serializes s to path as YAML. Used both for the catalog
// snapshot file and for template-building.
func (s Set) SaveToFile(path string) error {
	data, err := yaml.Marshal(wireSet(s))
	if err != nil {
		return trace.Wrap(err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return trace.ConvertSystemError(err)
	}
	return nil
}

// LoadFromFile deserializes a Set previously written by SaveToFile. Round-
// tripping through SaveToFile/LoadFromFile is identity.
func LoadFromFile(path string) (*Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	var w wireSet
	if err := yaml.Unmarshal(data, &w); err != nil {
		return nil, trace.Wrap(err)
	}
	set := Set(w)
	return &set, nil
}

// IDs returns every dbid/contentId pair present in the set, used by
// CatalogMutator.restoreFromSnapshot to determine which rows to delete.
type IDs struct {
	// DBIDs is every dbid across coordinator, standby and all tuple members.
	DBIDs map[int]bool
	// ContentIDs is every content id across all tuples.
	ContentIDs map[int]bool
}

// CollectIDs returns the ids present in s, keyed the way restoreFromSnapshot
// needs them.
func (s Set) CollectIDs(dbidOf func(Spec) int) IDs {
	ids := IDs{DBIDs: map[int]bool{}, ContentIDs: map[int]bool{}}
	ids.DBIDs[dbidOf(s.Coordinator)] = true
	if s.Standby != nil {
		ids.DBIDs[dbidOf(*s.Standby)] = true
	}
	for _, t := range s.Tuples {
		ids.ContentIDs[t.ContentID] = true
		ids.DBIDs[dbidOf(t.Primary)] = true
		for _, m := range t.Mirrors {
			ids.DBIDs[dbidOf(m)] = true
		}
	}
	return ids
}

// Count returns the total number of distinct ids tracked by this snapshot
// (coordinator + standby + every tuple member), used by the restore safety
// rail's "at least 2 ids" sanity check.
func (ids IDs) Count() int {
	return len(ids.DBIDs)
}
