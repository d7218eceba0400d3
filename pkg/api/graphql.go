package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/graphql-go/graphql"
	"github.com/graphql-go/graphql/language/ast"

	"github.com/noetl/noetl/pkg/service"
)

// GraphQL serves a small schema mirroring the run/status REST endpoints:
//
//	mutation { executePlaybook(path, version, workload) { executionId status } }
//	query    { executionStatus(executionId) { status result } }
func (s *Server) GraphQL(c *gin.Context) {
	var req struct {
		Query         string         `json:"query"`
		OperationName string         `json:"operationName"`
		Variables     map[string]any `json:"variables"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	result := graphql.Do(graphql.Params{
		Context:        c.Request.Context(),
		Schema:         s.graphqlSchema(),
		RequestString:  req.Query,
		OperationName:  req.OperationName,
		VariableValues: req.Variables,
	})
	c.JSON(http.StatusOK, result)
}

// graphqlSchema builds the schema lazily once; graphql-go schemas are
// immutable after construction.
func (s *Server) graphqlSchema() graphql.Schema {
	s.graphqlOnce.Do(func() {
		executionType := graphql.NewObject(graphql.ObjectConfig{
			Name: "Execution",
			Fields: graphql.Fields{
				// IDs are int64; GraphQL Int is 32-bit, so they travel as strings.
				"executionId": &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
				"path":        &graphql.Field{Type: graphql.String},
				"version":     &graphql.Field{Type: graphql.Int},
				"status":      &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
				"result":      &graphql.Field{Type: jsonScalar},
			},
		})

		query := graphql.NewObject(graphql.ObjectConfig{
			Name: "Query",
			Fields: graphql.Fields{
				"executionStatus": &graphql.Field{
					Type: executionType,
					Args: graphql.FieldConfigArgument{
						"executionId": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
					},
					Resolve: func(p graphql.ResolveParams) (any, error) {
						id, err := strconv.ParseInt(p.Args["executionId"].(string), 10, 64)
						if err != nil {
							return nil, fmt.Errorf("invalid executionId: %w", err)
						}
						view, err := s.execs.Get(p.Context, id)
						if err != nil {
							return nil, err
						}
						return map[string]any{
							"executionId": strconv.FormatInt(view.ID, 10),
							"path":        view.Path,
							"version":     view.Version,
							"status":      string(view.Status),
							"result":      view.Result,
						}, nil
					},
				},
			},
		})

		mutation := graphql.NewObject(graphql.ObjectConfig{
			Name: "Mutation",
			Fields: graphql.Fields{
				"executePlaybook": &graphql.Field{
					Type: executionType,
					Args: graphql.FieldConfigArgument{
						"path":     &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
						"version":  &graphql.ArgumentConfig{Type: graphql.Int},
						"workload": &graphql.ArgumentConfig{Type: jsonScalar},
					},
					Resolve: func(p graphql.ResolveParams) (any, error) {
						input := service.RunInput{Path: p.Args["path"].(string)}
						if v, ok := p.Args["version"].(int); ok {
							input.Version = v
						}
						if w, ok := p.Args["workload"].(map[string]any); ok {
							input.Workload = w
						}
						ex, err := s.runs.Run(p.Context, input)
						if err != nil {
							return nil, err
						}
						return map[string]any{
							"executionId": strconv.FormatInt(ex.ID, 10),
							"path":        ex.Path,
							"version":     ex.Version,
							"status":      string(ex.Status),
						}, nil
					},
				},
			},
		})

		schema, err := graphql.NewSchema(graphql.SchemaConfig{Query: query, Mutation: mutation})
		if err != nil {
			panic(fmt.Sprintf("graphql schema: %v", err))
		}
		s.graphqlCache = schema
	})
	return s.graphqlCache
}

// jsonScalar passes arbitrary JSON objects through unvalidated.
var jsonScalar = graphql.NewScalar(graphql.ScalarConfig{
	Name:         "JSON",
	Description:  "Arbitrary JSON value",
	Serialize:    func(value any) any { return value },
	ParseValue:   func(value any) any { return value },
	ParseLiteral: parseLiteral,
})

func parseLiteral(valueAST ast.Value) any {
	switch v := valueAST.(type) {
	case *ast.StringValue:
		return v.Value
	case *ast.BooleanValue:
		return v.Value
	case *ast.IntValue:
		n, _ := strconv.ParseInt(v.Value, 10, 64)
		return n
	case *ast.FloatValue:
		f, _ := strconv.ParseFloat(v.Value, 64)
		return f
	case *ast.ObjectValue:
		out := make(map[string]any, len(v.Fields))
		for _, f := range v.Fields {
			out[f.Name.Value] = parseLiteral(f.Value)
		}
		return out
	case *ast.ListValue:
		out := make([]any, 0, len(v.Values))
		for _, item := range v.Values {
			out = append(out, parseLiteral(item))
		}
		return out
	default:
		return nil
	}
}
