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

package apimodel

import (
	"sync/atomic"

	"github.com/openfoundry/query-gateway-go/internal/common"
)

// Registry is the process-wide source of truth for the API model. Reads are
// lock-free; Load publishes a complete new snapshot atomically, so hot
// reloads never expose a half-built model.
type Registry struct {
	current atomic.Pointer[API]
}

// NewRegistry returns an empty registry. Get fails until a document loads.
func NewRegistry() *Registry {
	return &Registry{}
}

// Load parses and validates the document and replaces the current snapshot.
// On validation failure the prior snapshot stays in place.
func (r *Registry) Load(doc map[string]any) error {
	api, err := Load(doc)
	if err != nil {
		return err
	}
	r.current.Store(api)
	return nil
}

// LoadFile is Load for a document on disk.
func (r *Registry) LoadFile(path string) error {
	api, err := LoadFile(path)
	if err != nil {
		return err
	}
	r.current.Store(api)
	return nil
}

// Snapshot returns the current immutable API model, or nil before any load.
func (r *Registry) Snapshot() *API {
	return r.current.Load()
}

// Get returns the schema for the named entity.
func (r *Registry) Get(entity string) (*SchemaObject, error) {
	api := r.current.Load()
	if api == nil {
		return nil, common.NewSpecError("api model is not loaded")
	}
	schemaObject, ok := api.SchemaObjects[entity]
	if !ok {
		return nil, common.NewErrBadRequest("unknown entity %q", entity)
	}
	return schemaObject, nil
}

// GetPathOperation returns the named path operation.
func (r *Registry) GetPathOperation(name string) (*PathOperation, error) {
	api := r.current.Load()
	if api == nil {
		return nil, common.NewSpecError("api model is not loaded")
	}
	pathOperation, ok := api.PathOperations[name]
	if !ok {
		return nil, common.NewErrBadRequest("unknown path operation %q", name)
	}
	return pathOperation, nil
}
