// Package genplan consumes an opaque plan-generation service and inserts
// the records it returns into a board. Prompt construction belongs to the
// service; this package only validates the returned shape and feeds the
// optimistic store.
package genplan

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/planrelay/planrelay/internal/board"
)

var ErrInvalidPlan = errors.New("invalid plan payload")

// Request describes what to plan. The generator decides how to interpret it.
type Request struct {
	Goal    string   `json:"goal"`
	Buckets []string `json:"buckets,omitempty"`
	Notes   string   `json:"notes,omitempty"`
}

// Generator produces a structured plan for a request. The returned bytes
// must decode to the planned-items shape; anything else is rejected before
// any record is inserted.
type Generator func(ctx context.Context, req Request) ([]byte, error)

type plannedItem struct {
	Bucket string            `json:"bucket"`
	Title  string            `json:"title"`
	Status string            `json:"status,omitempty"`
	Fields map[string]string `json:"fields,omitempty"`
}

type planPayload struct {
	Items []plannedItem `json:"items"`
}

const planSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["items"],
	"properties": {
		"items": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["bucket", "title"],
				"properties": {
					"bucket": {"type": "string", "minLength": 1},
					"title": {"type": "string", "minLength": 1},
					"status": {"type": "string", "enum": ["planned", "active", "done", "skipped"]},
					"fields": {
						"type": "object",
						"additionalProperties": {"type": "string"}
					}
				},
				"additionalProperties": false
			}
		}
	},
	"additionalProperties": false
}`

type Options struct {
	Logger zerolog.Logger
}

// Client validates generator output and inserts the planned records.
type Client struct {
	generate Generator
	store    *board.Store
	schema   *jsonschema.Schema
	logger   zerolog.Logger
}

func NewClient(generate Generator, store *board.Store, opts Options) (*Client, error) {
	if generate == nil || store == nil {
		return nil, fmt.Errorf("generator and store are required")
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(planSchema)))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("plan.json", doc); err != nil {
		return nil, err
	}
	schema, err := compiler.Compile("plan.json")
	if err != nil {
		return nil, err
	}
	return &Client{
		generate: generate,
		store:    store,
		schema:   schema,
		logger:   opts.Logger,
	}, nil
}

// Plan runs the generator, validates the result, and inserts every planned
// item at the tail of its bucket. An invalid payload inserts nothing.
func (c *Client) Plan(ctx context.Context, req Request) ([]board.Record, error) {
	raw, err := c.generate(ctx, req)
	if err != nil {
		return nil, err
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}
	if err := c.schema.Validate(instance); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}
	var payload planPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}

	inserted := make([]board.Record, 0, len(payload.Items))
	for _, item := range payload.Items {
		status := board.Status(item.Status)
		if item.Status == "" {
			status = board.StatusPlanned
		}
		rec, err := c.store.Add(board.Record{
			Bucket: item.Bucket,
			Title:  item.Title,
			Status: status,
			Fields: item.Fields,
		})
		if err != nil {
			return inserted, err
		}
		inserted = append(inserted, rec)
	}
	c.logger.Info().Int("records", len(inserted)).Str("goal", req.Goal).Msg("plan inserted")
	return inserted, nil
}
