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
	"testing"

	"github.com/stretchr/testify/require"
)

func albumDocument() map[string]any {
	return map[string]any{
		"schema_objects": map[string]any{
			"album": map[string]any{
				"database":            "chinook",
				"primary-key":         "album_id",
				"key-generation":      "auto",
				"concurrency-control": "row_version",
				"properties": map[string]any{
					"album_id":    map[string]any{"type": "integer"},
					"title":       map[string]any{"type": "string", "required": true, "max-length": 160},
					"artist_id":   map[string]any{"type": "integer", "required": true},
					"released":    map[string]any{"type": "string", "format": "date-time"},
					"row_version": map[string]any{"type": "integer"},
				},
				"relations": map[string]any{
					"artist": map[string]any{
						"cardinality":     "object",
						"schema":          "artist",
						"parent-property": "artist_id",
					},
				},
				"permissions": map[string]any{
					"default": map[string]any{
						"read":   map[string]any{"*": ".*"},
						"create": map[string]any{"editor": "title|artist_id"},
						"update": map[string]any{"admin": ".*"},
						"delete": map[string]any{"admin": true},
					},
				},
			},
			"artist": map[string]any{
				"database":       "chinook",
				"primary-key":    "artist_id",
				"key-generation": "auto",
				"properties": map[string]any{
					"artist_id": map[string]any{"type": "integer"},
					"name":      map[string]any{"type": "string", "required": true},
				},
			},
		},
		"path_operations": map[string]any{
			"top_albums": map[string]any{
				"sql": "SELECT album_id, title FROM album LIMIT :limit",
				"inputs": map[string]any{
					"limit": map[string]any{"type": "integer", "default": 10},
				},
				"outputs": map[string]any{
					"title": map[string]any{"column": "title", "type": "string"},
				},
			},
		},
	}
}

func TestLoadBuildsNormalizedModelFromDocument(t *testing.T) {
	t.Parallel()
	api, err := Load(albumDocument())
	require.NoError(t, err)

	album := api.SchemaObjects["album"]
	require.NotNil(t, album)
	require.Equal(t, "album", album.TableName)
	require.Equal(t, "album_id", album.PrimaryKey)
	require.True(t, album.Properties["album_id"].PrimaryKey)
	require.True(t, album.Properties["row_version"].Concurrency)

	// OpenAPI format narrows the declared string type.
	require.Equal(t, "date-time", album.Properties["released"].Type)

	rel := album.Relations["artist"]
	require.Equal(t, "object", rel.Cardinality)
	require.Equal(t, "artist", rel.Schema)

	op := api.PathOperations["top_albums"]
	require.NotNil(t, op)
	require.Equal(t, 10, op.Inputs["limit"].Default)
	require.Equal(t, "title", op.Outputs["title"].Column)
}

func TestLoadCollapsesCreateAndUpdateRulesOntoWrite(t *testing.T) {
	t.Parallel()
	api, err := Load(albumDocument())
	require.NoError(t, err)

	write := api.SchemaObjects["album"].Permissions["default"]["write"]
	require.Len(t, write, 2)
	require.True(t, write["editor"].Permits("title"))
	require.False(t, write["editor"].Permits("row_version"))
	require.True(t, write["admin"].Permits("row_version"))

	deleteRule := api.SchemaObjects["album"].Permissions["default"]["delete"]["admin"]
	require.True(t, deleteRule.AllowOnly)
	require.True(t, deleteRule.Allowed())
}

func TestLoadAnchorsPropertyPatterns(t *testing.T) {
	t.Parallel()
	api, err := Load(albumDocument())
	require.NoError(t, err)

	editor := api.SchemaObjects["album"].Permissions["default"]["write"]["editor"]
	// "title|artist_id" must not match "title_extra" by prefix.
	require.False(t, editor.Permits("title_extra"))
	require.True(t, editor.Permits("artist_id"))
}

func TestLoadRejectsInvalidDocuments(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		mutate func(doc map[string]any)
		want   string
	}{
		{
			name: "unsupported property type",
			mutate: func(doc map[string]any) {
				entity(doc, "album")["properties"].(map[string]any)["title"] = map[string]any{"type": "blob"}
			},
			want: "unsupported type",
		},
		{
			name: "missing primary key declaration",
			mutate: func(doc map[string]any) {
				delete(entity(doc, "artist"), "primary-key")
			},
			want: "missing primary-key",
		},
		{
			name: "primary key is not a property",
			mutate: func(doc map[string]any) {
				entity(doc, "artist")["primary-key"] = "nope"
			},
			want: "not a declared property",
		},
		{
			name: "sequence generation without sequence name",
			mutate: func(doc map[string]any) {
				entity(doc, "artist")["key-generation"] = "sequence"
			},
			want: "requires sequence-name",
		},
		{
			name: "relation to unknown entity",
			mutate: func(doc map[string]any) {
				delete(doc["schema_objects"].(map[string]any), "artist")
			},
			want: "unknown entity",
		},
		{
			name: "unknown permission action",
			mutate: func(doc map[string]any) {
				perms := entity(doc, "album")["permissions"].(map[string]any)["default"].(map[string]any)
				perms["browse"] = map[string]any{"*": ".*"}
			},
			want: "unknown permission action",
		},
		{
			name: "path operation without sql",
			mutate: func(doc map[string]any) {
				doc["path_operations"].(map[string]any)["top_albums"] = map[string]any{}
			},
			want: "missing sql",
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			doc := albumDocument()
			tc.mutate(doc)
			_, err := Load(doc)
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestRegistryKeepsPriorSnapshotWhenReloadFails(t *testing.T) {
	t.Parallel()
	registry := NewRegistry()
	require.NoError(t, registry.Load(albumDocument()))

	broken := albumDocument()
	entity(broken, "artist")["primary-key"] = "nope"
	require.Error(t, registry.Load(broken))

	album, err := registry.Get("album")
	require.NoError(t, err)
	require.Equal(t, "album_id", album.PrimaryKey)
}

func entity(doc map[string]any, name string) map[string]any {
	return doc["schema_objects"].(map[string]any)[name].(map[string]any)
}
