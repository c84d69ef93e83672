// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 The procflow Authors
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package definition

import "fmt"

// FindInitialActivity returns the unique activity reached by the start
// event's outgoing flow. Execution cannot begin without it, so absence is an
// error rather than an empty result.
func (d *Definition) FindInitialActivity() (*Activity, error) {
	start := d.StartEvent()
	if start == nil {
		return nil, fmt.Errorf("definition %s has no start event", d.ID)
	}

	for _, seq := range d.outgoing(start.ID) {
		if a := d.FindActivity(seq.Target); a != nil {
			return a, nil
		}
	}

	return nil, fmt.Errorf("definition %s: start event %s does not lead to an activity", d.ID, start.ID)
}

// IsStartingActivity reports whether the start event flows directly to id.
func (d *Definition) IsStartingActivity(id string) bool {
	start := d.StartEvent()
	if start == nil {
		return false
	}
	for _, seq := range d.outgoing(start.ID) {
		if seq.Target == id {
			return true
		}
	}
	return false
}

// FindEndActivity returns an activity whose outgoing flow targets an end
// event, or nil.
func (d *Definition) FindEndActivity() *Activity {
	for _, a := range d.Activities {
		for _, seq := range d.outgoing(a.ID) {
			if g := d.FindGateway(seq.Target); g != nil && g.IsEndEvent() {
				return a
			}
		}
	}
	return nil
}

// FindPrevActivities returns the full transitive set of upstream activities
// and sub-processes, skipping gateways and events. Cycle-safe.
func (d *Definition) FindPrevActivities(id string) []Node {
	visited := map[string]bool{id: true}
	var result []Node
	seen := map[string]bool{}

	queue := []string{id}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		for _, seq := range d.incoming(current) {
			src := seq.Source
			if visited[src] {
				continue
			}
			visited[src] = true

			switch node := d.nodes[src].(type) {
			case *Activity:
				if !seen[src] {
					seen[src] = true
					result = append(result, node)
				}
			case *SubProcess:
				if !seen[src] {
					seen[src] = true
					result = append(result, node)
				}
			}
			queue = append(queue, src)
		}
	}

	return result
}

// FindImmediatePrevActivities returns the direct predecessors of id. When the
// immediate source is a gateway or event, the activities feeding into it are
// returned instead, expanding through chained routing nodes.
func (d *Definition) FindImmediatePrevActivities(id string) []Node {
	var result []Node
	seen := map[string]bool{}
	visited := map[string]bool{id: true}

	var walk func(nodeID string)
	walk = func(nodeID string) {
		for _, seq := range d.incoming(nodeID) {
			src := seq.Source
			if visited[src] {
				continue
			}
			visited[src] = true

			switch node := d.nodes[src].(type) {
			case *Activity:
				if !seen[src] {
					seen[src] = true
					result = append(result, node)
				}
			case *SubProcess:
				if !seen[src] {
					seen[src] = true
					result = append(result, node)
				}
			case *Gateway:
				walk(src)
			}
		}
	}

	walk(id)
	return result
}

// FindNextActivities computes the forward expansion from id.
//
// Gateways are never returned; they are expansion-only. Event-based gateways
// expand only to the events directly connected to them. All other gateways
// expand through every outgoing branch. Activities and sub-processes are
// returned as-is, without entering sub-process internals. When includeEvents
// is set, intermediate/boundary events are returned as nodes and the attached
// boundary events of returned activities are appended at the same level.
// Start and end events are never part of the result.
func (d *Definition) FindNextActivities(id string, includeEvents bool) []Node {
	var result []Node
	seen := map[string]bool{}

	add := func(n Node) {
		if seen[n.NodeID()] {
			return
		}
		seen[n.NodeID()] = true
		result = append(result, n)
	}

	addWithBoundary := func(n Node) {
		add(n)
		if !includeEvents {
			return
		}
		var attached []string
		switch node := n.(type) {
		case *Activity:
			attached = node.AttachedEvents
		case *SubProcess:
			attached = node.AttachedEvents
		}
		for _, eventID := range attached {
			if g := d.FindGateway(eventID); g != nil && g.IsEvent() {
				add(g)
			}
		}
	}

	visited := map[string]bool{}
	var expand func(nodeID string, eventBasedSource bool)
	expand = func(nodeID string, eventBasedSource bool) {
		if visited[nodeID] {
			return
		}
		visited[nodeID] = true

		for _, seq := range d.outgoing(nodeID) {
			switch node := d.nodes[seq.Target].(type) {
			case *Activity:
				if eventBasedSource {
					continue // event-based gateways lead to events only
				}
				addWithBoundary(node)
			case *SubProcess:
				if eventBasedSource {
					continue
				}
				addWithBoundary(node)
			case *Gateway:
				switch {
				case node.IsStartEvent() || node.IsEndEvent():
					// never returned, never expanded through
				case node.IsTrueGateway():
					expand(node.ID, node.Type == TypeEventBasedGateway)
				default: // unified event
					if eventBasedSource || includeEvents {
						add(node)
					} else {
						expand(node.ID, false)
					}
				}
			}
		}
	}

	expand(id, false)
	return result
}

// FindAllFollowingActivities returns the transitive forward closure of
// activities and sub-processes downstream of id.
func (d *Definition) FindAllFollowingActivities(id string) []Node {
	var result []Node
	seen := map[string]bool{}
	visited := map[string]bool{id: true}

	queue := []string{id}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		for _, seq := range d.outgoing(current) {
			target := seq.Target
			if visited[target] {
				continue
			}
			visited[target] = true

			switch node := d.nodes[target].(type) {
			case *Activity:
				if !seen[target] {
					seen[target] = true
					result = append(result, node)
				}
			case *SubProcess:
				if !seen[target] {
					seen[target] = true
					result = append(result, node)
				}
			}
			queue = append(queue, target)
		}
	}

	return result
}

// FindSequences returns flows matching the given endpoints. Empty arguments
// match everything, so FindSequences("", "") returns all flows.
func (d *Definition) FindSequences(source, target string) []*Sequence {
	var result []*Sequence
	for _, seq := range d.Sequences {
		if source != "" && seq.Source != source {
			continue
		}
		if target != "" && seq.Target != target {
			continue
		}
		result = append(result, seq)
	}
	return result
}

// FindAttachedActivity returns the activity or sub-process owning the given
// boundary event, or nil.
func (d *Definition) FindAttachedActivity(eventID string) Node {
	for _, a := range d.Activities {
		for _, id := range a.AttachedEvents {
			if id == eventID {
				return a
			}
		}
	}
	for _, s := range d.SubProcesses {
		for _, id := range s.AttachedEvents {
			if id == eventID {
				return s
			}
		}
	}
	return nil
}
