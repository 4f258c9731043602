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

// Package batch executes a list of dependent operations as one unit of
// work: references between operations resolve against earlier results, the
// dependency graph orders execution, and transaction semantics follow the
// request's atomic and continue-on-error settings.
package batch

import (
	"fmt"

	"github.com/openfoundry/query-gateway-go/internal/common"
	"github.com/openfoundry/query-gateway-go/internal/operation"
)

// MaxOperations bounds a batch request.
const MaxOperations = 100

var validActions = map[string]bool{
	operation.ActionRead:   true,
	operation.ActionCreate: true,
	operation.ActionUpdate: true,
	operation.ActionDelete: true,
	operation.ActionCustom: true,
}

// Request is a validated batch document.
type Request struct {
	Atomic          bool
	ContinueOnError bool
	Operations      []*Step
}

// Step is one contained operation, keeping its document order.
type Step struct {
	ID             string
	Entity         string
	Action         string
	Custom         string
	QueryParams    map[string]any
	StoreParams    map[string]any
	MetadataParams map[string]string
	DependsOn      []string
}

// ParseRequest validates the batch document carried in the operation's
// store parameters. Execution settings live in the nested options object;
// operations without an id get "op_N" by zero-based position, every id must
// be unique and every depends_on entry must name a declared operation.
func ParseRequest(op *operation.Operation) (*Request, error) {
	rawOperations, ok := op.StoreParams["operations"].([]any)
	if !ok || len(rawOperations) == 0 {
		return nil, common.NewErrBadRequest("batch request requires a non-empty operations list")
	}
	if len(rawOperations) > MaxOperations {
		return nil, common.NewErrBadRequest("batch request exceeds %d operations", MaxOperations)
	}

	request := &Request{Atomic: true}
	if raw, ok := op.StoreParams["options"]; ok {
		options, ok := raw.(map[string]any)
		if !ok {
			return nil, common.NewErrBadRequest("options must be an object")
		}
		if atomic, ok := options["atomic"].(bool); ok {
			request.Atomic = atomic
		}
		if continueOnError, ok := options["continue_on_error"].(bool); ok {
			request.ContinueOnError = continueOnError
		}
	}

	seen := map[string]bool{}
	for i, raw := range rawOperations {
		def, ok := raw.(map[string]any)
		if !ok {
			return nil, common.NewErrBadRequest("operation %d is not an object", i+1)
		}
		step, err := parseStep(i, def)
		if err != nil {
			return nil, err
		}
		if seen[step.ID] {
			return nil, common.NewErrBadRequest("duplicate operation id %q", step.ID)
		}
		seen[step.ID] = true
		request.Operations = append(request.Operations, step)
	}

	for _, step := range request.Operations {
		for _, dep := range step.DependsOn {
			if !seen[dep] {
				return nil, common.NewErrBadRequest("operation %q depends on unknown operation %q", step.ID, dep)
			}
			if dep == step.ID {
				return nil, common.NewErrBadRequest("operation %q depends on itself", step.ID)
			}
		}
	}
	return request, nil
}

func parseStep(index int, def map[string]any) (*Step, error) {
	step := &Step{
		ID:             fmt.Sprintf("op_%d", index),
		QueryParams:    map[string]any{},
		StoreParams:    map[string]any{},
		MetadataParams: map[string]string{},
	}
	if id, ok := def["id"].(string); ok && id != "" {
		step.ID = id
	}

	entity, _ := def["entity"].(string)
	if entity == "" {
		return nil, common.NewErrBadRequest("operation %q requires an entity", step.ID)
	}
	if entity == operation.BatchEntity {
		return nil, common.NewErrBadRequest("operation %q: batch requests do not nest", step.ID)
	}
	step.Entity = entity

	action, _ := def["action"].(string)
	if !validActions[action] {
		return nil, common.NewErrBadRequest("operation %q has unknown action %q", step.ID, action)
	}
	step.Action = action
	if action == operation.ActionCustom {
		custom, _ := def["operation"].(string)
		if custom == "" {
			custom = entity
		}
		step.Custom = custom
	}

	if raw, ok := def["query_params"]; ok {
		params, ok := raw.(map[string]any)
		if !ok {
			return nil, common.NewErrBadRequest("operation %q: query_params must be an object", step.ID)
		}
		step.QueryParams = params
	}
	if raw, ok := def["store_params"]; ok {
		params, ok := raw.(map[string]any)
		if !ok {
			return nil, common.NewErrBadRequest("operation %q: store_params must be an object", step.ID)
		}
		step.StoreParams = params
	}
	if raw, ok := def["metadata_params"]; ok {
		params, ok := raw.(map[string]any)
		if !ok {
			return nil, common.NewErrBadRequest("operation %q: metadata_params must be an object", step.ID)
		}
		for key, value := range params {
			step.MetadataParams[key] = fmt.Sprintf("%v", value)
		}
	}

	if raw, ok := def["depends_on"]; ok {
		list, ok := raw.([]any)
		if !ok {
			return nil, common.NewErrBadRequest("operation %q: depends_on must be a list", step.ID)
		}
		for _, item := range list {
			dep, ok := item.(string)
			if !ok {
				return nil, common.NewErrBadRequest("operation %q: depends_on entries must be strings", step.ID)
			}
			step.DependsOn = append(step.DependsOn, dep)
		}
	}
	return step, nil
}
