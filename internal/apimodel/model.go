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

// Package apimodel holds the parsed, normalized schema and permission
// metadata the gateway consults on every request. The model is built once
// from a declarative document and is immutable afterwards; hot reloads swap
// in a complete new snapshot.
package apimodel

import (
	"fmt"
	"regexp"

	"github.com/openfoundry/query-gateway-go/internal/common"
)

// Key generation strategies for primary keys.
const (
	KeyGenerationAuto     = "auto"
	KeyGenerationManual   = "manual"
	KeyGenerationUUID     = "uuid"
	KeyGenerationSequence = "sequence"
)

// DefaultProvider is the permission provider consulted when rules are
// resolved for a request.
const DefaultProvider = "default"

// API is one immutable snapshot of the loaded document.
type API struct {
	SchemaObjects  map[string]*SchemaObject
	PathOperations map[string]*PathOperation
}

// SchemaObject describes one entity: its table binding, key handling,
// properties, relations, and permission table.
type SchemaObject struct {
	APIName             string
	Database            string
	TableName           string
	PrimaryKey          string
	KeyGeneration       string
	SequenceName        string
	ConcurrencyProperty string
	Properties          map[string]*Property
	Relations           map[string]*Relation
	Permissions         PermissionTable
}

// Property describes one entity property and its column binding.
type Property struct {
	APIName    string
	ColumnName string
	Type       string // integer | number | string | boolean | date-time | uuid
	MaxLength  int
	Required   bool
	PrimaryKey bool
	Concurrency bool
}

// Relation describes an association to another entity.
//
// For cardinality "object" the parent property on this entity holds the
// foreign key to the referenced entity's primary key. For cardinality
// "array" the parent property is the key this entity exposes, and the child
// property is the foreign key column on the referenced entity.
type Relation struct {
	APIName        string
	Cardinality    string // object | array
	Schema         string // referenced entity name
	ParentProperty string
	ChildProperty  string
}

// PermissionTable is keyed provider -> action -> role -> rule. Actions are
// normalized to read, write and delete at load time.
type PermissionTable map[string]map[string]map[string]*Rule

// Rule is the normalized object form of a permission entry. The concise
// document forms decompress at load: a bare regex string becomes
// {Properties: regex}, a bare boolean becomes {Allow: bool, AllowOnly: true}.
type Rule struct {
	Allow      bool
	AllowOnly  bool // rule was declared as a plain boolean
	Properties string
	Where      string
	Pattern    *regexp.Regexp
}

// Permits reports whether the rule grants access to the named property.
// Allow-only rules grant every property when allowed.
func (r *Rule) Permits(property string) bool {
	if r.AllowOnly {
		return r.Allow
	}
	if r.Pattern == nil {
		return false
	}
	return r.Pattern.MatchString(property)
}

// Allowed reports whether the rule grants the action at all. Rules declared
// with properties or a where clause grant by existence.
func (r *Rule) Allowed() bool {
	if r.AllowOnly {
		return r.Allow
	}
	return true
}

// PathOperation is a pre-declared named SQL template with typed inputs and
// output column aliasing.
type PathOperation struct {
	APIName     string
	SQL         string
	Inputs      map[string]*OperationInput
	Outputs     map[string]*OperationOutput
	Permissions PermissionTable
}

// OperationInput declares one named bind parameter of a path operation.
type OperationInput struct {
	APIName  string
	Type     string
	Required bool
	Default  any
}

// OperationOutput maps a result column onto a declared output field.
type OperationOutput struct {
	APIName string
	Column  string
	Type    string
}

// Property returns the named property or a BadRequest error naming it.
func (s *SchemaObject) Property(name string) (*Property, error) {
	p, ok := s.Properties[name]
	if !ok {
		return nil, common.NewErrBadRequest("unknown property %q on %s", name, s.APIName)
	}
	return p, nil
}

// PrimaryKeyProperty returns the descriptor of the primary key. Load
// validation guarantees it exists.
func (s *SchemaObject) PrimaryKeyProperty() *Property {
	return s.Properties[s.PrimaryKey]
}

// ConcurrencyProp returns the concurrency-control property, or nil when the
// entity does not declare one.
func (s *SchemaObject) ConcurrencyProp() *Property {
	if s.ConcurrencyProperty == "" {
		return nil
	}
	return s.Properties[s.ConcurrencyProperty]
}

// QualifiedTable returns the table expression, prefixed with the configured
// database schema when one is set.
func (s *SchemaObject) QualifiedTable(schema string) string {
	if schema == "" {
		return s.TableName
	}
	return fmt.Sprintf("%s.%s", schema, s.TableName)
}
