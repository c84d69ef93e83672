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

// Package definition models a BPMN-style process definition as a typed graph
// and answers the graph queries the engine needs: predecessors, successors
// through gateways, attached boundary events, block discovery around joins,
// and feedback (back-edge) inference for cyclic definitions.
//
// Events are unified into the gateway collection at load time; a Gateway's
// Type tag distinguishes true routing gateways from start/end/boundary/timer
// events. All queries are pure and cycle-safe via explicit visited sets.
package definition

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Gateway type tags. True gateways route flow; the remaining tags are events
// folded into the gateway collection at load time.
const (
	TypeExclusiveGateway  = "exclusiveGateway"
	TypeInclusiveGateway  = "inclusiveGateway"
	TypeParallelGateway   = "parallelGateway"
	TypeEventBasedGateway = "eventBasedGateway"
	TypeStartEvent        = "startEvent"
	TypeEndEvent          = "endEvent"
)

// InferredFeedbackProp marks a sequence the feedback inference confirmed as a
// back-edge. The authoring tool's own hint uses the "feedback" property.
const InferredFeedbackProp = "__inferredFeedback"

// Node is any process-graph node: activity, gateway, event, or sub-process.
type Node interface {
	NodeID() string
	NodeName() string
}

// Activity is a unit of work: human task, script task, service task,
// send/receive, or manual task.
type Activity struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Type           string   `json:"type"`
	Role           string   `json:"role"`
	Duration       int      `json:"duration"`
	Tool           string   `json:"tool"`
	AgentMode      string   `json:"agentMode"`
	Checkpoints    []string `json:"checkpoints"`
	InputData      []string `json:"inputData"`
	Instruction    string   `json:"instruction"`
	AttachedEvents []string `json:"attachedEvents"`
	// SrcTrg is the id of the single immediate predecessor recorded when the
	// node was authored, enabling O(1) lookups in linear regions.
	SrcTrg string `json:"srcTrg"`
}

func (a *Activity) NodeID() string   { return a.ID }
func (a *Activity) NodeName() string { return a.Name }

// IsScriptTask reports whether the activity runs in the external sandbox.
func (a *Activity) IsScriptTask() bool { return a.Type == "scriptTask" }

// IsServiceTask reports whether the activity is machine-executed and should
// be auto-submitted on creation.
func (a *Activity) IsServiceTask() bool { return a.Type == "serviceTask" }

// FormID extracts the form id from a formHandler tool descriptor, or "".
func (a *Activity) FormID() string {
	if strings.HasPrefix(a.Tool, "formHandler:") {
		return strings.TrimPrefix(a.Tool, "formHandler:")
	}
	return ""
}

// Gateway is a routing node or, after load-time unification, an event.
type Gateway struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Type          string         `json:"type"`
	ConditionData []string       `json:"conditionData"`
	Properties    map[string]any `json:"properties"`
	SrcTrg        string         `json:"srcTrg"`
}

func (g *Gateway) NodeID() string   { return g.ID }
func (g *Gateway) NodeName() string { return g.Name }

// IsTrueGateway reports whether this is a routing gateway rather than an
// event folded into the collection.
func (g *Gateway) IsTrueGateway() bool {
	switch g.Type {
	case TypeExclusiveGateway, TypeInclusiveGateway, TypeParallelGateway, TypeEventBasedGateway:
		return true
	}
	return false
}

// IsEvent reports whether this entry is a unified event.
func (g *Gateway) IsEvent() bool { return !g.IsTrueGateway() }

// IsStartEvent reports whether this is a start event.
func (g *Gateway) IsStartEvent() bool { return strings.HasPrefix(g.Type, TypeStartEvent) }

// IsEndEvent reports whether this is an end event.
func (g *Gateway) IsEndEvent() bool { return strings.HasPrefix(g.Type, TypeEndEvent) }

// SubProcess is an embedded process returned opaquely by forward expansion;
// traversal never enters its internals.
type SubProcess struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Role           string   `json:"role"`
	AttachedEvents []string `json:"attachedEvents"`
	SrcTrg         string   `json:"srcTrg"`
}

func (s *SubProcess) NodeID() string   { return s.ID }
func (s *SubProcess) NodeName() string { return s.Name }

// Sequence is a directed flow between two nodes. Condition is evaluated when
// the source is a conditional gateway branch; Properties keeps free-form
// authoring hints, including the "feedback" back-edge hint.
type Sequence struct {
	ID         string         `json:"id"`
	Source     string         `json:"source"`
	Target     string         `json:"target"`
	Condition  string         `json:"condition"`
	Properties map[string]any `json:"properties"`
}

// IsFeedback reports whether the flow is a back-edge, either authored or
// confirmed by inference.
func (s *Sequence) IsFeedback() bool {
	if s.Properties == nil {
		return false
	}
	if v, ok := s.Properties["feedback"].(bool); ok && v {
		return true
	}
	if v, ok := s.Properties["feedback"].(string); ok && strings.EqualFold(v, "true") {
		return true
	}
	if v, ok := s.Properties[InferredFeedbackProp].(bool); ok && v {
		return true
	}
	return false
}

func (s *Sequence) markInferredFeedback() {
	if s.Properties == nil {
		s.Properties = make(map[string]any)
	}
	s.Properties[InferredFeedbackProp] = true
}

func (s *Sequence) clearInferredFeedback() {
	if s.Properties != nil {
		delete(s.Properties, InferredFeedbackProp)
	}
}

// Role is a process-level participant declaration.
type Role struct {
	Name       string `json:"name"`
	Resolution string `json:"resolution"`
	Default    any    `json:"default"`
}

// DataDecl is a process-level data declaration; variable values follow it.
type DataDecl struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
}

// rawDefinition is the on-disk JSON shape; events are a separate collection
// before unification.
type rawDefinition struct {
	ID           string        `json:"processDefinitionId"`
	Name         string        `json:"processDefinitionName"`
	Description  string        `json:"description"`
	Activities   []*Activity   `json:"activities"`
	Gateways     []*Gateway    `json:"gateways"`
	Events       []*Gateway    `json:"events"`
	SubProcesses []*SubProcess `json:"subProcesses"`
	Sequences    []*Sequence   `json:"sequences"`
	Roles        []Role        `json:"roles"`
	Data         []DataDecl    `json:"data"`
}

// Definition is the loaded, query-ready process graph.
type Definition struct {
	ID           string
	Name         string
	Description  string
	Activities   []*Activity
	Gateways     []*Gateway
	SubProcesses []*SubProcess
	Sequences    []*Sequence
	Roles        []Role
	Data         []DataDecl

	nodes map[string]Node
}

// Load parses a JSON process definition, unifies events into the gateway
// collection, validates referential integrity, and infers feedback edges
// with the default strategy.
func Load(data []byte) (*Definition, error) {
	var raw rawDefinition
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse process definition: %w", err)
	}

	def := &Definition{
		ID:           raw.ID,
		Name:         raw.Name,
		Description:  raw.Description,
		Activities:   raw.Activities,
		Gateways:     append(raw.Gateways, raw.Events...),
		SubProcesses: raw.SubProcesses,
		Sequences:    raw.Sequences,
		Roles:        raw.Roles,
		Data:         raw.Data,
	}

	if err := def.index(); err != nil {
		return nil, err
	}

	def.InferFeedback(StrategyStable)

	return def, nil
}

// index builds the id lookup and validates structural invariants.
func (d *Definition) index() error {
	d.nodes = make(map[string]Node)
	for _, a := range d.Activities {
		d.nodes[a.ID] = a
	}
	for _, g := range d.Gateways {
		d.nodes[g.ID] = g
	}
	for _, s := range d.SubProcesses {
		d.nodes[s.ID] = s
	}

	var starts, ends int
	for _, g := range d.Gateways {
		if g.IsStartEvent() {
			starts++
		}
		if g.IsEndEvent() {
			ends++
		}
	}
	if starts != 1 {
		return fmt.Errorf("definition %s must have exactly one start event, found %d", d.ID, starts)
	}
	if ends < 1 {
		return fmt.Errorf("definition %s must have at least one end event", d.ID)
	}

	for _, seq := range d.Sequences {
		if _, ok := d.nodes[seq.Source]; !ok {
			return fmt.Errorf("sequence %s references unknown source %q", seq.ID, seq.Source)
		}
		if _, ok := d.nodes[seq.Target]; !ok {
			return fmt.Errorf("sequence %s references unknown target %q", seq.ID, seq.Target)
		}
	}

	for _, g := range d.Gateways {
		if g.IsEndEvent() && len(d.outgoing(g.ID)) > 0 {
			return fmt.Errorf("end event %s must not have outgoing flows", g.ID)
		}
	}

	// Boundary references must point at events or sub-processes, never gateways.
	checkAttached := func(owner string, eventIDs []string) error {
		for _, id := range eventIDs {
			node, ok := d.nodes[id]
			if !ok {
				return fmt.Errorf("%s references unknown attached event %q", owner, id)
			}
			if g, isGateway := node.(*Gateway); isGateway && g.IsTrueGateway() {
				return fmt.Errorf("%s attaches gateway %q; boundary references must be events", owner, id)
			}
			if _, isActivity := node.(*Activity); isActivity {
				return fmt.Errorf("%s attaches activity %q; boundary references must be events", owner, id)
			}
		}
		return nil
	}
	for _, a := range d.Activities {
		if err := checkAttached(a.ID, a.AttachedEvents); err != nil {
			return err
		}
	}
	for _, s := range d.SubProcesses {
		if err := checkAttached(s.ID, s.AttachedEvents); err != nil {
			return err
		}
	}

	return nil
}

// Node returns the node with the given id, or nil.
func (d *Definition) Node(id string) Node {
	return d.nodes[id]
}

// FindActivity returns the activity with the given id, or nil.
func (d *Definition) FindActivity(id string) *Activity {
	a, _ := d.nodes[id].(*Activity)
	return a
}

// FindGateway returns the gateway or unified event with the given id, or nil.
func (d *Definition) FindGateway(id string) *Gateway {
	g, _ := d.nodes[id].(*Gateway)
	return g
}

// FindSubProcess returns the sub-process with the given id, or nil.
func (d *Definition) FindSubProcess(id string) *SubProcess {
	s, _ := d.nodes[id].(*SubProcess)
	return s
}

// IsGateway reports whether id names a true routing gateway.
func (d *Definition) IsGateway(id string) bool {
	g := d.FindGateway(id)
	return g != nil && g.IsTrueGateway()
}

// IsEvent reports whether id names a unified event node.
func (d *Definition) IsEvent(id string) bool {
	g := d.FindGateway(id)
	return g != nil && g.IsEvent()
}

// StartEvent returns the unique start event.
func (d *Definition) StartEvent() *Gateway {
	for _, g := range d.Gateways {
		if g.IsStartEvent() {
			return g
		}
	}
	return nil
}

// Marshal serializes the definition back to its JSON document shape.
// Unified events stay in the gateway collection; a reload yields a graph
// isomorphic under id.
func (d *Definition) Marshal() ([]byte, error) {
	raw := rawDefinition{
		ID:           d.ID,
		Name:         d.Name,
		Description:  d.Description,
		Activities:   d.Activities,
		Gateways:     d.Gateways,
		SubProcesses: d.SubProcesses,
		Sequences:    d.Sequences,
		Roles:        d.Roles,
		Data:         d.Data,
	}
	return json.Marshal(raw)
}

// outgoing returns all flows whose source is id.
func (d *Definition) outgoing(id string) []*Sequence {
	var out []*Sequence
	for _, s := range d.Sequences {
		if s.Source == id {
			out = append(out, s)
		}
	}
	return out
}

// incoming returns all flows whose target is id.
func (d *Definition) incoming(id string) []*Sequence {
	var in []*Sequence
	for _, s := range d.Sequences {
		if s.Target == id {
			in = append(in, s)
		}
	}
	return in
}
