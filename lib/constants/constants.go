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

// Package constants contains global constants shared between packages.
package constants

const (
	// ComponentLifecycle is the top-level controller logging component.
	ComponentLifecycle = "lifecycle"
	// ComponentPhaseLog is the phase log logging component.
	ComponentPhaseLog = "phaselog"
	// ComponentTemplate is the segment template logging component.
	ComponentTemplate = "template"
	// ComponentCatalog is the catalog mutator logging component.
	ComponentCatalog = "catalog"
	// ComponentRedistribute is the redistribution planner/engine component.
	ComponentRedistribute = "redistribute"
	// ComponentRollback is the rollback controller component.
	ComponentRollback = "rollback"
	// ComponentBatchPool is the remote batch pool component.
	ComponentBatchPool = "batchpool"

	// RoleP is the primary segment role.
	RoleP = "p"
	// RoleM is the mirror segment role.
	RoleM = "m"

	// ExpandSchema is the name of the catalog schema that owns the
	// redistribution work queue.
	ExpandSchema = "expand"

	// StatusTable is the name of the append-only global status log table;
	// its most recent row is the current status.
	StatusTable = "status"
	// StatusDetailTable is the name of the per-table work item queue.
	StatusDetailTable = "status_detail"
)
