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

import "sort"

// FeedbackStrategy selects how back-edges are inferred in cyclic definitions.
type FeedbackStrategy string

const (
	// StrategyStable is the default: BFS levels from the start event, then
	// confirm each level candidate by checking it closes a cycle. Candidates
	// are processed in source-id order for determinism.
	StrategyStable FeedbackStrategy = "stable"

	// StrategySingleBest marks only the best confirmed candidate.
	StrategySingleBest FeedbackStrategy = "single_best"

	// StrategyIterativeBreak repeatedly marks the best confirmed candidate
	// and recomputes levels until the graph is acyclic.
	StrategyIterativeBreak FeedbackStrategy = "iterative_break"

	// StrategyAllBackEdges marks every level candidate without cycle
	// confirmation.
	StrategyAllBackEdges FeedbackStrategy = "all_back_edges"
)

// InferFeedback runs back-edge inference, replacing any previously inferred
// marks. Authored "feedback" hints are always respected and never cleared.
func (d *Definition) InferFeedback(strategy FeedbackStrategy) {
	for _, seq := range d.Sequences {
		seq.clearInferredFeedback()
	}

	switch strategy {
	case StrategySingleBest:
		if best := d.bestCandidate(); best != nil {
			best.markInferredFeedback()
		}
	case StrategyIterativeBreak:
		// Each round breaks one cycle; bounded by the flow count.
		for range d.Sequences {
			if d.IsAcyclic() {
				break
			}
			best := d.bestCandidate()
			if best == nil {
				break
			}
			best.markInferredFeedback()
		}
	case StrategyAllBackEdges:
		for _, seq := range d.levelCandidates() {
			seq.markInferredFeedback()
		}
	default: // StrategyStable
		for _, seq := range d.levelCandidates() {
			if d.closesCycle(seq) {
				seq.markInferredFeedback()
			}
		}
	}
}

// IsAcyclic reports whether the graph without feedback flows has no cycles.
func (d *Definition) IsAcyclic() bool {
	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	state := make(map[string]int, len(d.nodes))

	var visit func(id string) bool
	visit = func(id string) bool {
		state[id] = inStack
		for _, seq := range d.outgoing(id) {
			if seq.IsFeedback() {
				continue
			}
			switch state[seq.Target] {
			case inStack:
				return false
			case unvisited:
				if !visit(seq.Target) {
					return false
				}
			}
		}
		state[id] = done
		return true
	}

	for id := range d.nodes {
		if state[id] == unvisited && !visit(id) {
			return false
		}
	}
	return true
}

// levels assigns a BFS level to every node reachable from the start events,
// ignoring flows already marked feedback. When no start event exists the BFS
// roots are the nodes with no non-feedback incoming flows; failing that, the
// smallest node id, so inference stays deterministic on degenerate graphs.
func (d *Definition) levels() map[string]int {
	var roots []string
	for _, g := range d.Gateways {
		if g.IsStartEvent() {
			roots = append(roots, g.ID)
		}
	}

	if len(roots) == 0 {
		for id := range d.nodes {
			hasIncoming := false
			for _, seq := range d.incoming(id) {
				if !seq.IsFeedback() {
					hasIncoming = true
					break
				}
			}
			if !hasIncoming {
				roots = append(roots, id)
			}
		}
	}

	if len(roots) == 0 {
		all := make([]string, 0, len(d.nodes))
		for id := range d.nodes {
			all = append(all, id)
		}
		sort.Strings(all)
		if len(all) > 0 {
			roots = all[:1]
		}
	}

	sort.Strings(roots)

	levels := make(map[string]int, len(d.nodes))
	queue := make([]string, 0, len(roots))
	for _, r := range roots {
		levels[r] = 0
		queue = append(queue, r)
	}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		for _, seq := range d.outgoing(current) {
			if seq.IsFeedback() {
				continue
			}
			if _, ok := levels[seq.Target]; ok {
				continue
			}
			levels[seq.Target] = levels[current] + 1
			queue = append(queue, seq.Target)
		}
	}

	return levels
}

// levelCandidates returns flows s→t with level(s) >= level(t), the back-edge
// candidates, sorted by source id (then target, then flow id) for stability.
func (d *Definition) levelCandidates() []*Sequence {
	levels := d.levels()

	var candidates []*Sequence
	for _, seq := range d.Sequences {
		if seq.IsFeedback() {
			continue
		}
		srcLevel, srcOK := levels[seq.Source]
		dstLevel, dstOK := levels[seq.Target]
		if srcOK && dstOK && srcLevel >= dstLevel {
			candidates = append(candidates, seq)
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Source != candidates[j].Source {
			return candidates[i].Source < candidates[j].Source
		}
		if candidates[i].Target != candidates[j].Target {
			return candidates[i].Target < candidates[j].Target
		}
		return candidates[i].ID < candidates[j].ID
	})

	return candidates
}

// closesCycle confirms a candidate: the flow is a back-edge iff its target
// can still reach its source once the flow itself is removed.
func (d *Definition) closesCycle(candidate *Sequence) bool {
	visited := map[string]bool{candidate.Target: true}
	queue := []string{candidate.Target}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if current == candidate.Source {
			return true
		}
		for _, seq := range d.outgoing(current) {
			if seq == candidate || seq.IsFeedback() {
				continue
			}
			if !visited[seq.Target] {
				visited[seq.Target] = true
				queue = append(queue, seq.Target)
			}
		}
	}

	return false
}

// bestCandidate returns the confirmed candidate spanning the largest level
// gap, breaking ties by source id.
func (d *Definition) bestCandidate() *Sequence {
	levels := d.levels()

	var best *Sequence
	bestGap := -1
	for _, seq := range d.levelCandidates() {
		if !d.closesCycle(seq) {
			continue
		}
		gap := levels[seq.Source] - levels[seq.Target]
		if gap > bestGap {
			best = seq
			bestGap = gap
		}
	}
	return best
}
