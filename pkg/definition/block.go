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

// Block is the sub-graph between a split gateway and its matching join,
// discovered from the join side. When no split can be identified, Split is
// empty and the member lists are empty, but End and BranchCount are always
// populated.
type Block struct {
	End             string
	Split           string
	BranchCount     int
	Members         []string
	PossibleMembers []string
}

// FindBlock identifies the split matching the join and the nodes between
// them. Feedback flows are ignored throughout, so loops cannot cause
// unbounded traversal. A join that owns an outgoing feedback flow is a loop
// gateway: the back edge counts as one joined branch and the loop header (the
// back edge's target) serves as the split when no explicit one exists.
func (d *Definition) FindBlock(joinID string) *Block {
	block := &Block{End: joinID}

	var nonFeedbackIn []*Sequence
	for _, seq := range d.incoming(joinID) {
		if !seq.IsFeedback() {
			nonFeedbackIn = append(nonFeedbackIn, seq)
		}
	}

	branchCount := len(nonFeedbackIn)
	if branchCount == 1 {
		if pred := d.FindGateway(nonFeedbackIn[0].Source); pred != nil && pred.IsTrueGateway() {
			branchCount = d.nonFeedbackInDegree(pred.ID)
		}
	}

	var loopHeaders []string
	for _, seq := range d.outgoing(joinID) {
		if seq.IsFeedback() {
			loopHeaders = append(loopHeaders, seq.Target)
		}
	}
	sort.Strings(loopHeaders)
	branchCount += len(loopHeaders)

	block.BranchCount = branchCount

	split := d.findSplit(joinID, branchCount)
	if split == "" && len(loopHeaders) > 0 {
		split = loopHeaders[0]
	}
	if split == "" {
		return block
	}

	block.Split = split
	block.Members = d.membersBetween(split, joinID)
	block.PossibleMembers = d.possibleMembers(split, joinID)
	return block
}

// nonFeedbackInDegree counts the incoming non-feedback flows of a node.
func (d *Definition) nonFeedbackInDegree(id string) int {
	count := 0
	for _, seq := range d.incoming(id) {
		if !seq.IsFeedback() {
			count++
		}
	}
	return count
}

// canReach reports whether `to` is reachable from `from` over non-feedback
// flows. from == to counts as reachable.
func (d *Definition) canReach(from, to string) bool {
	if from == to {
		return true
	}
	visited := map[string]bool{from: true}
	queue := []string{from}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, seq := range d.outgoing(current) {
			if seq.IsFeedback() {
				continue
			}
			if seq.Target == to {
				return true
			}
			if !visited[seq.Target] {
				visited[seq.Target] = true
				queue = append(queue, seq.Target)
			}
		}
	}
	return false
}

// findSplit walks backwards from the join, BFS over non-feedback flows, and
// returns the nearest node whose count of join-reaching outgoing branches
// equals branchCount. Equal-distance candidates resolve by smallest id.
func (d *Definition) findSplit(joinID string, branchCount int) string {
	type frontier struct {
		id   string
		dist int
	}

	visited := map[string]bool{joinID: true}
	queue := []frontier{{joinID, 0}}

	bestDist := -1
	best := ""

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		if bestDist >= 0 && current.dist > bestDist {
			break
		}

		for _, seq := range d.incoming(current.id) {
			if seq.IsFeedback() || visited[seq.Source] {
				continue
			}
			visited[seq.Source] = true

			branches := 0
			for _, out := range d.outgoing(seq.Source) {
				if !out.IsFeedback() && d.canReach(out.Target, joinID) {
					branches++
				}
			}
			if branches == branchCount {
				dist := current.dist + 1
				if bestDist < 0 || dist < bestDist || (dist == bestDist && seq.Source < best) {
					bestDist = dist
					best = seq.Source
				}
			}

			queue = append(queue, frontier{seq.Source, current.dist + 1})
		}
	}

	return best
}

// membersBetween collects every node forward-reachable from the split that
// can still reach the join, excluding the split, the join itself, and
// start/end events.
func (d *Definition) membersBetween(splitID, joinID string) []string {
	visited := map[string]bool{splitID: true}
	queue := []string{splitID}
	var members []string

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		for _, seq := range d.outgoing(current) {
			if seq.IsFeedback() || visited[seq.Target] {
				continue
			}
			visited[seq.Target] = true

			target := seq.Target
			if target != joinID && d.canReach(target, joinID) {
				if g := d.FindGateway(target); g == nil || (!g.IsStartEvent() && !g.IsEndEvent()) {
					members = append(members, target)
				}
				queue = append(queue, target)
			}
		}
	}

	sort.Strings(members)
	return members
}

// possibleMembers returns the immediate non-gateway children of the split
// that can reach the join.
func (d *Definition) possibleMembers(splitID, joinID string) []string {
	var members []string
	for _, seq := range d.outgoing(splitID) {
		if seq.IsFeedback() {
			continue
		}
		if d.IsGateway(seq.Target) {
			continue
		}
		if seq.Target != joinID && d.canReach(seq.Target, joinID) {
			members = append(members, seq.Target)
		}
	}
	sort.Strings(members)
	return members
}
