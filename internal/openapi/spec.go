// Package openapi builds the OpenAPI 3.1 document describing the probe's
// HTTP surface. The surface is fixed, so the document is assembled once and
// served as-is.
package openapi

import (
	"encoding/json"
	"net/http"

	"github.com/getkin/kin-openapi/openapi3"
)

// Spec builds the OpenAPI document for the probe API.
func Spec() *openapi3.T {
	doc := &openapi3.T{
		OpenAPI: "3.1.0",
		Info: &openapi3.Info{
			Title:       "pgprobe API",
			Description: "Test-support workload driver for PostgreSQL clusters: continuous writes, ad-hoc SQL, and TLS probes.",
			Version:     "1.0.0",
		},
		Servers: openapi3.Servers{
			{URL: "/"},
		},
	}

	components := openapi3.NewComponents()
	components.Schemas = openapi3.Schemas{}
	components.SecuritySchemes = openapi3.SecuritySchemes{}
	doc.Components = &components

	doc.Components.SecuritySchemes["apiKey"] = &openapi3.SecuritySchemeRef{
		Value: &openapi3.SecurityScheme{
			Type: "apiKey",
			In:   "header",
			Name: "X-API-Key",
		},
	}
	doc.Components.SecuritySchemes["bearerAuth"] = &openapi3.SecuritySchemeRef{
		Value: &openapi3.SecurityScheme{
			Type:         "http",
			Scheme:       "bearer",
			BearerFormat: "JWT",
		},
	}
	doc.Security = openapi3.SecurityRequirements{
		{"apiKey": {}},
		{"bearerAuth": {}},
	}

	doc.Components.Schemas["ErrorResponse"] = &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type: &openapi3.Types{"object"},
			Properties: openapi3.Schemas{
				"error": &openapi3.SchemaRef{
					Value: &openapi3.Schema{
						Type: &openapi3.Types{"object"},
						Properties: openapi3.Schemas{
							"code":    &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"integer"}, Format: "int32"}},
							"message": &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string"}}},
							"context": &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"object"}}},
						},
					},
				},
			},
		},
	}
	doc.Components.Schemas["ActionResult"] = objectSchema(map[string]*openapi3.Schema{
		"result": {Type: &openapi3.Types{"boolean"}},
	})
	doc.Components.Schemas["WritesResult"] = objectSchema(map[string]*openapi3.Schema{
		"writes": {Type: &openapi3.Types{"integer"}, Format: "int64", Description: "-1 when the value could not be determined"},
	})
	doc.Components.Schemas["RunSQLRequest"] = objectSchema(map[string]*openapi3.Schema{
		"dbname":        {Type: &openapi3.Types{"string"}},
		"query":         {Type: &openapi3.Types{"string"}},
		"relation-name": {Type: &openapi3.Types{"string"}, Description: "database or second-database"},
		"readonly":      {Type: &openapi3.Types{"boolean"}},
	})
	doc.Components.Schemas["RunSQLResult"] = objectSchema(map[string]*openapi3.Schema{
		"results": {Type: &openapi3.Types{"string"}, Description: "JSON-encoded result rows, or a one-element list holding a query error"},
	})
	doc.Components.Schemas["TestTLSRequest"] = objectSchema(map[string]*openapi3.Schema{
		"dbname":        {Type: &openapi3.Types{"string"}},
		"relation-name": {Type: &openapi3.Types{"string"}},
		"readonly":      {Type: &openapi3.Types{"boolean"}},
	})
	doc.Components.Schemas["TestTLSResult"] = objectSchema(map[string]*openapi3.Schema{
		"results": {Type: &openapi3.Types{"string"}, Description: `"true" or "false"`},
	})
	doc.Components.Schemas["Relation"] = objectSchema(map[string]*openapi3.Schema{
		"name":                {Type: &openapi3.Types{"string"}},
		"alias":               {Type: &openapi3.Types{"string"}},
		"database":            {Type: &openapi3.Types{"string"}},
		"username":            {Type: &openapi3.Types{"string"}},
		"endpoints":           {Type: &openapi3.Types{"string"}, Description: "comma-separated host:port list, primary first"},
		"read_only_endpoints": {Type: &openapi3.Types{"string"}},
		"extra_user_roles":    {Type: &openapi3.Types{"string"}},
	})

	doc.Paths = openapi3.NewPaths()

	addActionPost(doc, "/v1/actions/start-continuous-writes", "start_continuous_writes",
		"Start the continuous-writes workload from 1", nil, "ActionResult")
	addActionPost(doc, "/v1/actions/stop-continuous-writes", "stop_continuous_writes",
		"Stop the workload and report the last number written", nil, "WritesResult")
	addActionPost(doc, "/v1/actions/clear-continuous-writes", "clear_continuous_writes",
		"Stop the workload and drop its table", nil, "ActionResult")
	addActionGet(doc, "/v1/actions/show-continuous-writes", "show_continuous_writes",
		"Count the rows the workload has committed", "WritesResult")
	addActionPost(doc, "/v1/actions/run-sql", "run_sql",
		"Execute an arbitrary statement over a database relation", refSchema("RunSQLRequest"), "RunSQLResult")
	addActionPost(doc, "/v1/actions/test-tls", "test_tls",
		"Check whether the relation endpoint accepts a TLS connection", refSchema("TestTLSRequest"), "TestTLSResult")

	doc.Paths.Set("/v1/relations", &openapi3.PathItem{
		Get: &openapi3.Operation{
			Tags:        []string{"relations"},
			Summary:     "List relation databags",
			OperationID: "list_relations",
			Responses: newResponses("200", "Relation databags", &openapi3.SchemaRef{
				Value: &openapi3.Schema{
					Type: &openapi3.Types{"object"},
					Properties: openapi3.Schemas{
						"relations": {
							Value: &openapi3.Schema{
								Type:  &openapi3.Types{"array"},
								Items: openapi3.NewSchemaRef("#/components/schemas/Relation", nil),
							},
						},
						"count": {Value: &openapi3.Schema{Type: &openapi3.Types{"integer"}}},
					},
				},
			}),
		},
	})

	return doc
}

// ServeSpec writes the probe's OpenAPI document as JSON.
// GET /openapi.json
func ServeSpec(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(Spec())
}

func objectSchema(props map[string]*openapi3.Schema) *openapi3.SchemaRef {
	schemas := openapi3.Schemas{}
	for name, s := range props {
		schemas[name] = &openapi3.SchemaRef{Value: s}
	}
	return &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type:       &openapi3.Types{"object"},
			Properties: schemas,
		},
	}
}

func refSchema(name string) *openapi3.SchemaRef {
	return openapi3.NewSchemaRef("#/components/schemas/"+name, nil)
}

func addActionPost(doc *openapi3.T, path, opID, summary string, reqSchema *openapi3.SchemaRef, respSchemaName string) {
	op := &openapi3.Operation{
		Tags:        []string{"actions"},
		Summary:     summary,
		OperationID: opID,
		Responses:   newResponses("200", summary, refSchema(respSchemaName)),
	}
	if reqSchema != nil {
		op.RequestBody = &openapi3.RequestBodyRef{
			Value: &openapi3.RequestBody{
				Content: openapi3.NewContentWithJSONSchemaRef(reqSchema),
			},
		}
	}
	doc.Paths.Set(path, &openapi3.PathItem{Post: op})
}

func addActionGet(doc *openapi3.T, path, opID, summary, respSchemaName string) {
	doc.Paths.Set(path, &openapi3.PathItem{
		Get: &openapi3.Operation{
			Tags:        []string{"actions"},
			Summary:     summary,
			OperationID: opID,
			Responses:   newResponses("200", summary, refSchema(respSchemaName)),
		},
	})
}

func newResponses(statusCode, description string, schema *openapi3.SchemaRef) *openapi3.Responses {
	responses := openapi3.NewResponses()

	successDesc := description
	responses.Set(statusCode, &openapi3.ResponseRef{
		Value: &openapi3.Response{
			Description: &successDesc,
			Content:     openapi3.NewContentWithJSONSchemaRef(schema),
		},
	})

	errorRef := openapi3.NewSchemaRef("#/components/schemas/ErrorResponse", nil)

	badReqDesc := "Bad request"
	responses.Set("400", &openapi3.ResponseRef{
		Value: &openapi3.Response{
			Description: &badReqDesc,
			Content:     openapi3.NewContentWithJSONSchemaRef(errorRef),
		},
	})

	unauthDesc := "Unauthorized"
	responses.Set("401", &openapi3.ResponseRef{
		Value: &openapi3.Response{
			Description: &unauthDesc,
			Content:     openapi3.NewContentWithJSONSchemaRef(errorRef),
		},
	})

	return responses
}
