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
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/openfoundry/query-gateway-go/internal/common"
)

// References use the form "$ref:operation_id.path". A parameter value that
// is exactly one reference substitutes type-preserving; a reference
// embedded in a longer string interpolates as text.
var referencePattern = regexp.MustCompile(`\$ref:([A-Za-z0-9_\-]+)\.([A-Za-z0-9_.\-]+)`)

// referencedIDs collects the operation ids a step's parameters point at.
// These become implicit dependencies alongside depends_on.
func referencedIDs(params ...map[string]any) []string {
	seen := map[string]bool{}
	var ids []string
	var walk func(value any)
	walk = func(value any) {
		switch v := value.(type) {
		case string:
			for _, match := range referencePattern.FindAllStringSubmatch(v, -1) {
				if !seen[match[1]] {
					seen[match[1]] = true
					ids = append(ids, match[1])
				}
			}
		case map[string]any:
			keys := make([]string, 0, len(v))
			for key := range v {
				keys = append(keys, key)
			}
			sort.Strings(keys)
			for _, key := range keys {
				walk(v[key])
			}
		case []any:
			for _, item := range v {
				walk(item)
			}
		}
	}
	for _, p := range params {
		walk(p)
	}
	return ids
}

// resolveParams returns a copy of the parameter tree with every reference
// replaced by the addressed value from completed results. The input tree is
// never mutated.
func resolveParams(params map[string]any, results map[string]any) (map[string]any, error) {
	resolved, err := resolveValue(params, results)
	if err != nil {
		return nil, err
	}
	return resolved.(map[string]any), nil
}

func resolveValue(value any, results map[string]any) (any, error) {
	switch v := value.(type) {
	case string:
		return resolveString(v, results)
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, inner := range v {
			resolved, err := resolveValue(inner, results)
			if err != nil {
				return nil, err
			}
			out[key] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, inner := range v {
			resolved, err := resolveValue(inner, results)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return value, nil
	}
}

func resolveString(value string, results map[string]any) (any, error) {
	match := referencePattern.FindStringSubmatch(value)
	if match == nil {
		return value, nil
	}

	// Exact-token references keep the referenced value's type.
	if match[0] == value {
		return lookup(match[1], match[2], results)
	}

	var resolveErr error
	interpolated := referencePattern.ReplaceAllStringFunc(value, func(token string) string {
		m := referencePattern.FindStringSubmatch(token)
		resolved, err := lookup(m[1], m[2], results)
		if err != nil {
			resolveErr = err
			return token
		}
		return fmt.Sprintf("%v", resolved)
	})
	if resolveErr != nil {
		return nil, resolveErr
	}
	return interpolated, nil
}

// lookup walks the dotted path into a completed result. Numeric segments
// index into lists; a read result with a single row may omit the index.
// A failed lookup names the keys that were available.
func lookup(id, path string, results map[string]any) (any, error) {
	current, ok := results[id]
	if !ok {
		return nil, common.NewErrBadRequest("reference to operation %q which has no result", id)
	}

	for _, segment := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]any:
			value, ok := node[segment]
			if !ok {
				return nil, common.NewErrBadRequest("reference %s.%s: no key %q, available: %s",
					id, path, segment, strings.Join(sortedKeys(node), ", "))
			}
			current = value
		case []map[string]any:
			current, ok = indexInto(len(node), segment, func(i int) any { return node[i] })
			if !ok {
				// Single-row results address through without an index.
				if len(node) == 1 {
					value, exists := node[0][segment]
					if !exists {
						return nil, common.NewErrBadRequest("reference %s.%s: no key %q, available: %s",
							id, path, segment, strings.Join(sortedKeys(node[0]), ", "))
					}
					current = value
					continue
				}
				return nil, common.NewErrBadRequest("reference %s.%s: %q is not a valid index into %d rows",
					id, path, segment, len(node))
			}
		case []any:
			current, ok = indexInto(len(node), segment, func(i int) any { return node[i] })
			if !ok {
				return nil, common.NewErrBadRequest("reference %s.%s: %q is not a valid index into %d rows",
					id, path, segment, len(node))
			}
		default:
			return nil, common.NewErrBadRequest("reference %s.%s: %q does not address an object", id, path, segment)
		}
	}
	return current, nil
}

func indexInto(length int, segment string, at func(int) any) (any, bool) {
	index, err := strconv.Atoi(segment)
	if err != nil || index < 0 || index >= length {
		return nil, false
	}
	return at(index), true
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
