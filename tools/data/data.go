// Package data provides structured data tools for CSV/JSON processing.
// The model composes parse, reshape, and aggregate as building blocks
// for data work without shelling out to a script.
package data

import (
	"context"
	"encoding/json"

	dazee "github.com/malue-ai/dazee-small-sub000"
)

const (
	defaultLimit   = 1000
	maxOutputBytes = 32 * 1024
)

// Tool provides structured data transform functions.
type Tool struct{}

var _ dazee.Tool = (*Tool)(nil)

// New creates a data tool.
func New() *Tool { return &Tool{} }

func (t *Tool) Definitions() []dazee.ToolDefinition {
	return []dazee.ToolDefinition{
		{
			Name:        "data_parse",
			Description: "Parse raw CSV, JSON, or JSONL text into structured records. Returns an array of objects with column names as keys, ready for data_reshape and data_aggregate.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"content": {
						"type": "string",
						"description": "Raw text content to parse (CSV, JSON array, or JSONL)"
					},
					"format": {
						"type": "string",
						"enum": ["csv", "json", "jsonl"],
						"description": "Data format. Auto-detected if omitted."
					},
					"limit": {
						"type": "integer",
						"description": "Max records to return (default 1000)"
					}
				},
				"required": ["content"]
			}`),
		},
		{
			Name:        "data_reshape",
			Description: "Filter, select, rename, sort, and limit records in one pass. Conditions are AND-ed; operators: ==, !=, >, <, >=, <=, contains (case-insensitive substring), in (value in array). Numeric strings are auto-coerced for comparisons. Sorting is numeric-aware.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"records": {
						"type": "array",
						"description": "Array of record objects to reshape"
					},
					"where": {
						"type": "array",
						"description": "Optional conditions: [{column, op, value}, ...]",
						"items": {
							"type": "object",
							"properties": {
								"column": {"type": "string"},
								"op": {"type": "string", "enum": ["==", "!=", ">", "<", ">=", "<=", "contains", "in"]},
								"value": {}
							},
							"required": ["column", "op", "value"]
						}
					},
					"select": {
						"type": "array",
						"items": {"type": "string"},
						"description": "Columns to keep (omit to keep all)"
					},
					"rename": {
						"type": "object",
						"description": "Column rename map: {old_name: new_name, ...}"
					},
					"sort_by": {
						"type": "string",
						"description": "Column to sort by"
					},
					"sort_desc": {
						"type": "boolean",
						"description": "Sort descending (default false)"
					},
					"limit": {
						"type": "integer",
						"description": "Max records to return"
					}
				},
				"required": ["records"]
			}`),
		},
		{
			Name:        "data_aggregate",
			Description: "Group records and compute aggregate metrics. Operations: sum, count, avg, min, max. Without group_by, aggregates over all records. Non-numeric values are skipped for sum/avg/min/max.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"records": {
						"type": "array",
						"description": "Array of record objects to aggregate"
					},
					"group_by": {
						"type": "array",
						"items": {"type": "string"},
						"description": "Columns to group by (omit to aggregate all records)"
					},
					"metrics": {
						"type": "array",
						"description": "Aggregation metrics: [{column, op}, ...]",
						"items": {
							"type": "object",
							"properties": {
								"column": {"type": "string"},
								"op": {"type": "string", "enum": ["sum", "count", "avg", "min", "max"]}
							},
							"required": ["column", "op"]
						}
					}
				},
				"required": ["records", "metrics"]
			}`),
		},
	}
}

func (t *Tool) Execute(ctx context.Context, name string, args json.RawMessage) (dazee.ToolResult, error) {
	switch name {
	case "data_parse":
		return dataParse(args)
	case "data_reshape":
		return dataReshape(args)
	case "data_aggregate":
		return dataAggregate(args)
	default:
		return dazee.ToolResult{Error: "unknown data tool: " + name}, nil
	}
}

// marshalResult encodes the payload, halving the record set until it fits
// the output cap.
func marshalResult(v map[string]any) (dazee.ToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return dazee.ToolResult{Error: "marshal error: " + err.Error()}, nil
	}
	content := string(data)
	if len(content) > maxOutputBytes {
		if records, ok := v["records"].([]map[string]any); ok {
			for len(records) > 1 {
				records = records[:len(records)/2]
				v["records"] = records
				v["count"] = len(records)
				data, _ = json.Marshal(v)
				if len(data) <= maxOutputBytes {
					break
				}
			}
			content = string(data)
		}
	}
	return dazee.ToolResult{Content: content}, nil
}
