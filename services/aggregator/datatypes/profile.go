// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes defines the wire shapes used by the relationship aggregator.
//
// # Description
//
// Two families of types live here:
//   - Upstream shapes read from Murmurations profile documents and the
//     index search API (Profile, Relationship, SearchResponse, DirectoryNode).
//   - Output shapes of the Kumu graph document (Element, Connection,
//     GraphDocument).
//
// MapProfile converts the former into the latter.
package datatypes

import "encoding/json"

// ElementType is the Kumu element type assigned to every mapped profile.
const ElementType = "organization"

// =============================================================================
// Upstream Shapes
// =============================================================================

// Relationship is one entry of a profile's relationships list.
type Relationship struct {
	PredicateURL string `json:"predicate_url,omitempty"`
	ObjectURL    string `json:"object_url"`
}

// Profile is a Murmurations organizations_schema profile document.
//
// Only the fields the graph needs are decoded; everything else in the
// document is ignored. Fields copied into the graph keep their raw JSON
// so any value type passes through unchanged.
type Profile struct {
	ID            json.RawMessage `json:"id,omitempty"`
	Name          json.RawMessage `json:"name,omitempty"`
	Description   json.RawMessage `json:"description,omitempty"`
	Image         json.RawMessage `json:"image,omitempty"`
	FullAddress   json.RawMessage `json:"full_address,omitempty"`
	Mission       json.RawMessage `json:"mission,omitempty"`
	PrimaryURL    string          `json:"primary_url,omitempty"`
	Relationships []Relationship  `json:"relationships,omitempty"`
}

// RelationshipURLs returns the object_url of every relationship, in order.
//
// Entries with an empty object_url are kept so callers can report them.
// A profile without relationships yields an empty, non-nil slice.
func (p Profile) RelationshipURLs() []string {
	urls := make([]string, 0, len(p.Relationships))
	for _, rel := range p.Relationships {
		urls = append(urls, rel.ObjectURL)
	}
	return urls
}

// DirectoryNode is one entry in an index search response.
type DirectoryNode struct {
	ProfileURL string `json:"profile_url"`
	PrimaryURL string `json:"primary_url,omitempty"`
	Status     string `json:"status,omitempty"`
	Name       string `json:"name,omitempty"`
}

// NodeStatusDeleted marks an index entry whose profile has been removed.
const NodeStatusDeleted = "deleted"

// SearchResponse is the body returned by GET /v2/nodes.
type SearchResponse struct {
	Data []DirectoryNode `json:"data"`
}

// =============================================================================
// Graph Shapes
// =============================================================================

// Element is a Kumu graph node.
type Element struct {
	ID          json.RawMessage `json:"id,omitempty"`
	Label       json.RawMessage `json:"label,omitempty"`
	Description json.RawMessage `json:"description,omitempty"`
	Image       json.RawMessage `json:"image,omitempty"`
	Location    json.RawMessage `json:"location,omitempty"`
	Mission     json.RawMessage `json:"mission,omitempty"`
	URL         string          `json:"url,omitempty"`
	Type        string          `json:"type"`
}

// LabelText returns the label for display: the string value when the label
// is a JSON string, otherwise its raw JSON.
func (e Element) LabelText() string {
	var s string
	if err := json.Unmarshal(e.Label, &s); err == nil {
		return s
	}
	return string(e.Label)
}

// Connection is a Kumu graph edge between two element labels.
// A missing label serializes as null.
type Connection struct {
	From json.RawMessage `json:"from"`
	To   json.RawMessage `json:"to"`
}

// Text encodes s as a JSON string value.
func Text(s string) json.RawMessage {
	raw, _ := json.Marshal(s)
	return raw
}

// GraphDocument is the response body of a graph build.
//
// Loops is always serialized as an empty array.
type GraphDocument struct {
	Elements    []Element    `json:"elements"`
	Connections []Connection `json:"connections"`
	Loops       []any        `json:"loops"`
}

// MapProfile converts an upstream profile into a graph element.
//
// The mapping is total: values are copied as-is whatever their JSON type,
// and absent fields stay absent.
func MapProfile(p Profile) Element {
	return Element{
		ID:          p.ID,
		Label:       p.Name,
		Description: p.Description,
		Image:       p.Image,
		Location:    p.FullAddress,
		Mission:     p.Mission,
		URL:         p.PrimaryURL,
		Type:        ElementType,
	}
}

// NewGraphDocument assembles a document from elements, origin first.
//
// One connection is emitted for every element after the first, pointing
// at the origin's label. An empty input yields an empty document.
func NewGraphDocument(elements []Element) *GraphDocument {
	if elements == nil {
		elements = []Element{}
	}
	connections := make([]Connection, 0, max(len(elements)-1, 0))
	if len(elements) > 0 {
		origin := elements[0].Label
		for _, el := range elements[1:] {
			connections = append(connections, Connection{From: el.Label, To: origin})
		}
	}
	return &GraphDocument{
		Elements:    elements,
		Connections: connections,
		Loops:       []any{},
	}
}
