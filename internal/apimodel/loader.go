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
	"fmt"
	"os"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/openfoundry/query-gateway-go/internal/common"
)

var validTypes = map[string]bool{
	"integer":   true,
	"number":    true,
	"string":    true,
	"boolean":   true,
	"date-time": true,
	"uuid":      true,
}

var validKeyGenerations = map[string]bool{
	KeyGenerationAuto:     true,
	KeyGenerationManual:   true,
	KeyGenerationUUID:     true,
	KeyGenerationSequence: true,
}

// LoadFile reads a YAML (or JSON — YAML is a superset) document from disk
// and builds the API model.
func LoadFile(path string) (*API, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, common.NewSpecError("read api document %q: %v", path, err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, common.NewSpecError("parse api document %q: %v", path, err)
	}
	return Load(doc)
}

// Load builds and validates an API snapshot from a declarative object tree
// with top-level schema_objects and path_operations maps.
//
// Validation failures return a SpecError naming the offending entity. The
// returned snapshot is complete or nil — a partially valid document never
// loads.
func Load(doc map[string]any) (*API, error) {
	api := &API{
		SchemaObjects:  map[string]*SchemaObject{},
		PathOperations: map[string]*PathOperation{},
	}

	schemaObjects, err := asMap(doc["schema_objects"], "schema_objects")
	if err != nil {
		return nil, err
	}
	for name, def := range schemaObjects {
		entityDef, err := asMap(def, "schema_objects."+name)
		if err != nil {
			return nil, err
		}
		schemaObject, err := loadSchemaObject(name, entityDef)
		if err != nil {
			return nil, err
		}
		api.SchemaObjects[name] = schemaObject
	}

	if rawOps, ok := doc["path_operations"]; ok && rawOps != nil {
		pathOperations, err := asMap(rawOps, "path_operations")
		if err != nil {
			return nil, err
		}
		for name, def := range pathOperations {
			opDef, err := asMap(def, "path_operations."+name)
			if err != nil {
				return nil, err
			}
			pathOperation, err := loadPathOperation(name, opDef)
			if err != nil {
				return nil, err
			}
			api.PathOperations[name] = pathOperation
		}
	}

	if err := validate(api); err != nil {
		return nil, err
	}
	return api, nil
}

func loadSchemaObject(name string, def map[string]any) (*SchemaObject, error) {
	schemaObject := &SchemaObject{
		APIName:             name,
		Database:            stringOr(def["database"], ""),
		TableName:           stringOr(def["table"], name),
		PrimaryKey:          stringOr(def["primary-key"], ""),
		KeyGeneration:       stringOr(def["key-generation"], KeyGenerationManual),
		SequenceName:        stringOr(def["sequence-name"], ""),
		ConcurrencyProperty: stringOr(def["concurrency-control"], ""),
		Properties:          map[string]*Property{},
		Relations:           map[string]*Relation{},
		Permissions:         PermissionTable{},
	}

	propsDef, err := asMap(def["properties"], name+".properties")
	if err != nil {
		return nil, err
	}
	for propName, rawProp := range propsDef {
		propDef, err := asMap(rawProp, name+".properties."+propName)
		if err != nil {
			return nil, err
		}
		prop, err := loadProperty(name, propName, propDef)
		if err != nil {
			return nil, err
		}
		prop.PrimaryKey = propName == schemaObject.PrimaryKey
		prop.Concurrency = propName != "" && propName == schemaObject.ConcurrencyProperty
		schemaObject.Properties[propName] = prop
	}

	if rawRels, ok := def["relations"]; ok && rawRels != nil {
		relsDef, err := asMap(rawRels, name+".relations")
		if err != nil {
			return nil, err
		}
		for relName, rawRel := range relsDef {
			relDef, err := asMap(rawRel, name+".relations."+relName)
			if err != nil {
				return nil, err
			}
			schemaObject.Relations[relName] = &Relation{
				APIName:        relName,
				Cardinality:    stringOr(relDef["cardinality"], "object"),
				Schema:         stringOr(relDef["schema"], ""),
				ParentProperty: stringOr(relDef["parent-property"], ""),
				ChildProperty:  stringOr(relDef["child-property"], ""),
			}
		}
	}

	if rawPerms, ok := def["permissions"]; ok && rawPerms != nil {
		table, err := loadPermissionTable(name, rawPerms)
		if err != nil {
			return nil, err
		}
		schemaObject.Permissions = table
	}

	return schemaObject, nil
}

func loadProperty(entity, name string, def map[string]any) (*Property, error) {
	propType := stringOr(def["type"], "string")
	// OpenAPI-style "string" + format narrows to the semantic type.
	if format := stringOr(def["format"], ""); format != "" && propType == "string" {
		propType = format
	}
	if !validTypes[propType] {
		return nil, common.NewSpecError("%s.%s: unsupported type %q", entity, name, propType)
	}
	return &Property{
		APIName:    name,
		ColumnName: stringOr(def["column"], name),
		Type:       propType,
		MaxLength:  intOr(def["max-length"], 0),
		Required:   boolOr(def["required"], false),
	}, nil
}

// loadPermissionTable normalizes the three rule forms into the object form.
// Actions create and update collapse into write; rules under both merge.
func loadPermissionTable(entity string, raw any) (PermissionTable, error) {
	table := PermissionTable{}
	providers, err := asMap(raw, entity+".permissions")
	if err != nil {
		return nil, err
	}
	for providerName, rawActions := range providers {
		actions, err := asMap(rawActions, entity+".permissions."+providerName)
		if err != nil {
			return nil, err
		}
		normalized := map[string]map[string]*Rule{}
		for actionName, rawRoles := range actions {
			action := NormalizeAction(actionName)
			if action != "read" && action != "write" && action != "delete" {
				return nil, common.NewSpecError("%s: unknown permission action %q", entity, actionName)
			}
			roles, err := asMap(rawRoles, entity+".permissions."+providerName+"."+actionName)
			if err != nil {
				return nil, err
			}
			if normalized[action] == nil {
				normalized[action] = map[string]*Rule{}
			}
			for roleName, rawRule := range roles {
				rule, err := loadRule(entity, roleName, rawRule)
				if err != nil {
					return nil, err
				}
				normalized[action][roleName] = rule
			}
		}
		table[providerName] = normalized
	}
	return table, nil
}

func loadRule(entity, role string, raw any) (*Rule, error) {
	switch v := raw.(type) {
	case bool:
		return &Rule{Allow: v, AllowOnly: true}, nil
	case string:
		pattern, err := compileAnchored(v)
		if err != nil {
			return nil, common.NewSpecError("%s: role %q: invalid property pattern %q: %v", entity, role, v, err)
		}
		return &Rule{Properties: v, Pattern: pattern}, nil
	case map[string]any:
		properties := stringOr(v["properties"], ".*")
		pattern, err := compileAnchored(properties)
		if err != nil {
			return nil, common.NewSpecError("%s: role %q: invalid property pattern %q: %v", entity, role, properties, err)
		}
		return &Rule{
			Properties: properties,
			Where:      stringOr(v["where"], ""),
			Pattern:    pattern,
		}, nil
	default:
		return nil, common.NewSpecError("%s: role %q: unsupported rule form %T", entity, role, raw)
	}
}

func loadPathOperation(name string, def map[string]any) (*PathOperation, error) {
	sqlText := stringOr(def["sql"], "")
	if sqlText == "" {
		return nil, common.NewSpecError("path_operations.%s: missing sql", name)
	}
	pathOperation := &PathOperation{
		APIName: name,
		SQL:     sqlText,
		Inputs:  map[string]*OperationInput{},
		Outputs: map[string]*OperationOutput{},
	}

	if rawInputs, ok := def["inputs"]; ok && rawInputs != nil {
		inputs, err := asMap(rawInputs, "path_operations."+name+".inputs")
		if err != nil {
			return nil, err
		}
		for inputName, rawInput := range inputs {
			inputDef, err := asMap(rawInput, "path_operations."+name+".inputs."+inputName)
			if err != nil {
				return nil, err
			}
			pathOperation.Inputs[inputName] = &OperationInput{
				APIName:  inputName,
				Type:     stringOr(inputDef["type"], "string"),
				Required: boolOr(inputDef["required"], false),
				Default:  inputDef["default"],
			}
		}
	}

	if rawOutputs, ok := def["outputs"]; ok && rawOutputs != nil {
		outputs, err := asMap(rawOutputs, "path_operations."+name+".outputs")
		if err != nil {
			return nil, err
		}
		for outputName, rawOutput := range outputs {
			outputDef, err := asMap(rawOutput, "path_operations."+name+".outputs."+outputName)
			if err != nil {
				return nil, err
			}
			pathOperation.Outputs[outputName] = &OperationOutput{
				APIName: outputName,
				Column:  stringOr(outputDef["column"], outputName),
				Type:    stringOr(outputDef["type"], "string"),
			}
		}
	}

	if rawPerms, ok := def["permissions"]; ok && rawPerms != nil {
		table, err := loadPermissionTable("path_operations."+name, rawPerms)
		if err != nil {
			return nil, err
		}
		pathOperation.Permissions = table
	}

	return pathOperation, nil
}

// validate enforces the cross-entity invariants: primary keys exist and are
// unique, concurrency properties exist, relations point at loaded entities
// and real properties on both sides.
func validate(api *API) error {
	names := make([]string, 0, len(api.SchemaObjects))
	for name := range api.SchemaObjects {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		schemaObject := api.SchemaObjects[name]

		if schemaObject.PrimaryKey == "" {
			return common.NewSpecError("%s: missing primary-key", name)
		}
		if _, ok := schemaObject.Properties[schemaObject.PrimaryKey]; !ok {
			return common.NewSpecError("%s: primary-key %q is not a declared property", name, schemaObject.PrimaryKey)
		}
		if !validKeyGenerations[schemaObject.KeyGeneration] {
			return common.NewSpecError("%s: unknown key-generation %q", name, schemaObject.KeyGeneration)
		}
		if schemaObject.KeyGeneration == KeyGenerationSequence && schemaObject.SequenceName == "" {
			return common.NewSpecError("%s: key-generation sequence requires sequence-name", name)
		}
		if schemaObject.ConcurrencyProperty != "" {
			if _, ok := schemaObject.Properties[schemaObject.ConcurrencyProperty]; !ok {
				return common.NewSpecError("%s: concurrency-control %q is not a declared property", name, schemaObject.ConcurrencyProperty)
			}
		}

		for relName, relation := range schemaObject.Relations {
			if relation.Cardinality != "object" && relation.Cardinality != "array" {
				return common.NewSpecError("%s.%s: unknown cardinality %q", name, relName, relation.Cardinality)
			}
			referenced, ok := api.SchemaObjects[relation.Schema]
			if !ok {
				return common.NewSpecError("%s.%s: references unknown entity %q", name, relName, relation.Schema)
			}
			if relation.ParentProperty == "" {
				return common.NewSpecError("%s.%s: missing parent-property", name, relName)
			}
			if _, ok := schemaObject.Properties[relation.ParentProperty]; !ok {
				return common.NewSpecError("%s.%s: parent-property %q is not a property of %s", name, relName, relation.ParentProperty, name)
			}
			if relation.Cardinality == "array" {
				if relation.ChildProperty == "" {
					return common.NewSpecError("%s.%s: array relation requires child-property", name, relName)
				}
				if _, ok := referenced.Properties[relation.ChildProperty]; !ok {
					return common.NewSpecError("%s.%s: child-property %q is not a property of %s", name, relName, relation.ChildProperty, relation.Schema)
				}
			}
		}
	}
	return nil
}

// NormalizeAction collapses create and update onto write; read and delete
// pass through unchanged.
func NormalizeAction(action string) string {
	switch action {
	case "create", "update", "write":
		return "write"
	default:
		return action
	}
}

func compileAnchored(pattern string) (*regexp.Regexp, error) {
	return regexp.Compile("^(?:" + pattern + ")$")
}

func asMap(v any, path string) (map[string]any, error) {
	if v == nil {
		return nil, common.NewSpecError("%s: missing section", path)
	}
	switch m := v.(type) {
	case map[string]any:
		return m, nil
	case map[any]any:
		out := make(map[string]any, len(m))
		for key, inner := range m {
			out[fmt.Sprintf("%v", key)] = inner
		}
		return out, nil
	default:
		return nil, common.NewSpecError("%s: expected a mapping, got %T", path, v)
	}
}

func stringOr(v any, fallback string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return fallback
}

func boolOr(v any, fallback bool) bool {
	if b, ok := v.(bool); ok {
		return b
	}
	return fallback
}

func intOr(v any, fallback int) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return fallback
	}
}
