package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/mattjoyce/hapiq/internal/protocol"
)

var workTypeSummaries = map[protocol.WorkType]string{
	protocol.WorkEcho:                  "Return the arguments unchanged",
	protocol.WorkFetch:                 "Download lines into a table",
	protocol.WorkGetTable:              "Return every line of a table",
	protocol.WorkSaveTable:             "Store lines as a table",
	protocol.WorkSelect:                "Copy filtered lines into a new table",
	protocol.WorkTableNames:            "List stored tables",
	protocol.WorkTableMetaData:         "Describe a stored table",
	protocol.WorkAbsorptionCoefficient: "Compute an absorption coefficient spectrum",
	protocol.WorkTransmittance:         "Compute a transmittance spectrum",
}

func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, buildOpenAPIDoc(protocol.WorkTypes()))
}

// buildOpenAPIDoc returns an OpenAPI 3.1 document with one submit operation
// per work type.
func buildOpenAPIDoc(workTypes []protocol.WorkType) map[string]any {
	paths := map[string]any{}
	for _, wt := range workTypes {
		paths["/work/"+string(wt)] = map[string]any{"post": submitOperation(wt)}
	}

	paths["/jobs/{jobID}"] = map[string]any{
		"get": map[string]any{
			"operationId": "get_job",
			"summary":     "Claim the result of a detached job",
			"parameters": []any{
				map[string]any{"name": "jobID", "in": "path", "required": true, "schema": map[string]any{"type": "integer"}},
				pathParameter(),
			},
			"responses": map[string]any{
				"200": map[string]any{"description": "Result claimed"},
				"202": map[string]any{"description": "Still running"},
				"404": map[string]any{"description": "Unknown or already claimed"},
				"409": map[string]any{"description": "Held by a waiting caller"},
			},
			"security": []any{map[string]any{"BearerAuth": []string{}}},
		},
	}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "hapiq",
			"version": "1.0",
		},
		"paths": paths,
		"components": map[string]any{
			"securitySchemes": map[string]any{
				"BearerAuth": map[string]any{
					"type":   "http",
					"scheme": "bearer",
				},
			},
		},
	}
}

func submitOperation(wt protocol.WorkType) map[string]any {
	summary, ok := workTypeSummaries[wt]
	if !ok {
		summary = fmt.Sprintf("Submit %s", wt)
	}
	return map[string]any{
		"operationId": strings.ToLower(string(wt)),
		"summary":     summary,
		"tags":        []string{"work"},
		"parameters": []any{
			map[string]any{"name": "wait", "in": "query", "schema": map[string]any{"type": "boolean", "default": true}},
			map[string]any{"name": "timeout", "in": "query", "schema": map[string]any{"type": "string"}},
			pathParameter(),
		},
		"requestBody": map[string]any{
			"required": false,
			"content": map[string]any{
				"application/json": map[string]any{
					"schema": map[string]any{"type": "object"},
				},
			},
		},
		"responses": map[string]any{
			"200": map[string]any{"description": "Job finished"},
			"202": map[string]any{"description": "Job submitted detached"},
			"400": map[string]any{"description": "Bad request"},
			"403": map[string]any{"description": "Insufficient scope"},
			"422": map[string]any{"description": "Job failed"},
			"503": map[string]any{"description": "Computation unavailable"},
			"504": map[string]any{"description": "Job did not finish in time"},
		},
		"security": []any{map[string]any{"BearerAuth": []string{}}},
	}
}

func pathParameter() map[string]any {
	return map[string]any{
		"name":        "path",
		"in":          "query",
		"description": "JSONPath applied to the result value",
		"schema":      map[string]any{"type": "string"},
	}
}
