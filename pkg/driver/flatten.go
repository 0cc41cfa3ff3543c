/*
Copyright 2024 Alexandre Mahdhaoui

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

package driver

import (
	"strings"

	"github.com/alexandremahdhaoui/vmlauncher/pkg/hypervisor"
)

// Flatten expands machine records into one entry per machine followed by one entry per
// snapshot, depth first. The returned entries share no memory with records.
func Flatten(records []hypervisor.MachineRecord) []MachineInfo {
	out := make([]MachineInfo, 0, len(records))

	for _, r := range records {
		out = append(out, MachineInfo{
			ID:          r.ID,
			Name:        r.Name,
			DisplayName: r.Name,
		})

		out = flattenSnapshots(out, r, r.Snapshots, nil)
	}

	return out
}

func flattenSnapshots(
	out []MachineInfo,
	r hypervisor.MachineRecord,
	nodes []*hypervisor.SnapshotNode,
	parents []string,
) []MachineInfo {
	for _, node := range nodes {
		if node == nil {
			continue
		}

		path := append(parents[:len(parents):len(parents)], node.Name)
		snapshotPath := strings.Join(path, "/")

		out = append(out, MachineInfo{
			ID:           r.ID,
			Name:         r.Name,
			DisplayName:  r.Name + "/" + snapshotPath,
			SnapshotID:   node.ID,
			SnapshotPath: snapshotPath,
		})

		out = flattenSnapshots(out, r, node.Children, path)
	}

	return out
}
