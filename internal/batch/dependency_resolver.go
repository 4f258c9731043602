/*******************************************************************************
* Copyright (C) 2025 the OpenFoundry Authors
*
* Permission is hereby granted, free of charge, to any person obtaining
* a copy of this software and associated documentation files (the
* "Software"), to deal in the Software without restriction, including
* without limitation the rights to use, copy, modify, merge, publish,
* distribute, sublicense, and/or sell copies of the Software, and to
* permit persons to whom the Software is furnished to do so, subject to
* the following conditions:
*
* The above copyright notice and this permission notice shall be
* included in all copies or substantial portions of the Software.
*
* THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND,
* EXPRESS OR IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF
* MERCHANTABILITY, FITNESS FOR A PARTICULAR PURPOSE AND
* NONINFRINGEMENT. IN NO EVENT SHALL THE AUTHORS OR COPYRIGHT HOLDERS BE
* LIABLE FOR ANY CLAIM, DAMAGES OR OTHER LIABILITY, WHETHER IN AN ACTION
* OF CONTRACT, TORT OR OTHERWISE, ARISING FROM, OUT OF OR IN CONNECTION
* WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE SOFTWARE.
*
* SPDX-License-Identifier: MIT
******************************************************************************/

package batch

import (
	"sort"
	"strings"

	"github.com/openfoundry/query-gateway-go/internal/common"
)

// dependenciesOf merges the declared depends_on entries with the implicit
// dependencies the step's parameter references create.
func dependenciesOf(step *Step) []string {
	seen := map[string]bool{}
	var deps []string
	for _, dep := range step.DependsOn {
		if !seen[dep] {
			seen[dep] = true
			deps = append(deps, dep)
		}
	}
	for _, dep := range referencedIDs(step.QueryParams, step.StoreParams) {
		if !seen[dep] {
			seen[dep] = true
			deps = append(deps, dep)
		}
	}
	return deps
}

// executionOrder topologically sorts the steps. Ties break by document
// order, so independent operations run in the order the client wrote them.
// A cycle reports the operations forming it.
func executionOrder(request *Request) ([]*Step, error) {
	position := map[string]int{}
	byID := map[string]*Step{}
	for i, step := range request.Operations {
		position[step.ID] = i
		byID[step.ID] = step
	}

	indegree := map[string]int{}
	dependents := map[string][]string{}
	deps := map[string][]string{}
	for _, step := range request.Operations {
		stepDeps := dependenciesOf(step)
		for _, dep := range stepDeps {
			if _, ok := byID[dep]; !ok {
				return nil, common.NewErrBadRequest("operation %q references unknown operation %q", step.ID, dep)
			}
		}
		deps[step.ID] = stepDeps
		indegree[step.ID] = len(stepDeps)
		for _, dep := range stepDeps {
			dependents[dep] = append(dependents[dep], step.ID)
		}
	}

	var ready []string
	for _, step := range request.Operations {
		if indegree[step.ID] == 0 {
			ready = append(ready, step.ID)
		}
	}

	ordered := make([]*Step, 0, len(request.Operations))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return position[ready[i]] < position[ready[j]] })
		id := ready[0]
		ready = ready[1:]
		ordered = append(ordered, byID[id])
		for _, dependent := range dependents[id] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}

	if len(ordered) < len(request.Operations) {
		return nil, common.NewErrBadRequest("operations form a dependency cycle: %s", cyclePath(request, deps, position))
	}
	return ordered, nil
}

// cyclePath walks the unresolved subgraph from its first member in document
// order until an operation repeats, naming the cycle for the error message.
func cyclePath(request *Request, deps map[string][]string, position map[string]int) string {
	resolved := map[string]bool{}
	remaining := map[string]bool{}
	for _, step := range request.Operations {
		remaining[step.ID] = true
	}
	// Peel off everything that is not part of a cycle.
	for changed := true; changed; {
		changed = false
		for id := range remaining {
			blocked := false
			for _, dep := range deps[id] {
				if remaining[dep] && !resolved[dep] {
					blocked = true
					break
				}
			}
			if !blocked {
				resolved[id] = true
				delete(remaining, id)
				changed = true
			}
		}
	}

	start := ""
	for id := range remaining {
		if start == "" || position[id] < position[start] {
			start = id
		}
	}
	if start == "" {
		return "unknown"
	}

	path := []string{start}
	visited := map[string]bool{start: true}
	current := start
	for {
		next := ""
		for _, dep := range deps[current] {
			if remaining[dep] {
				next = dep
				break
			}
		}
		if next == "" {
			break
		}
		path = append(path, next)
		if visited[next] {
			break
		}
		visited[next] = true
		current = next
	}
	return strings.Join(path, " -> ")
}
