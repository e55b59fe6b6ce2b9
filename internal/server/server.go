package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/danielgtaylor/huma/v2/sse"
	"github.com/go-chi/chi/v5"

	"github.com/queso/the-ai-team-plugin-sub002/internal/domain"
	"github.com/queso/the-ai-team-plugin-sub002/internal/engine"
	"github.com/queso/the-ai-team-plugin-sub002/internal/notify"
	"github.com/queso/the-ai-team-plugin-sub002/internal/repo"
	"github.com/queso/the-ai-team-plugin-sub002/internal/waves"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"ITEM_CLAIMED"`
	Message string         `json:"message" example:"work item WI-004 is already claimed"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"holder\":\"murdock\"}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the coordinator API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope above.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBuf, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBuf))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBuf)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("A-Team Coordinator API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerStatus(group, cfg.Engine)
	registerItems(group, cfg.Engine)
	registerWaves(group, cfg.Engine)
	registerMissions(group, cfg.Engine)
	registerActivity(group, cfg.Engine)
	registerFeed(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ee *engine.Error
	if errors.As(err, &ee) {
		return newAPIError(statusForCode(ee.Code), string(ee.Code), ee.Message, ee.Details)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func statusForCode(code engine.Code) int {
	switch code {
	case engine.CodeItemNotFound, engine.CodeMissionNotFound:
		return http.StatusNotFound
	case engine.CodeInvalidTransition, engine.CodeInvalidStage,
		engine.CodeItemClaimed, engine.CodeNotClaimed, engine.CodeMissionActive:
		return http.StatusConflict
	case engine.CodeWIPLimitExceeded:
		return http.StatusTooManyRequests
	case engine.CodeBadRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusTooManyRequests:
		return "wip_limit_exceeded"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// resolveProject maps the literal path segment "default" to the configured
// project so single-project clients never need to know the id.
func resolveProject(pathID string, e engine.Engine) string {
	if pathID == "default" && e.Config != nil && e.Config.Project.ID != "" {
		return e.Config.Project.ID
	}
	return pathID
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["agentHeader"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Agent-Id",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"agentHeader": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>A-Team Coordinator API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Agent-Id.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerStatus(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/status",
		Summary:     "Pipeline status",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body StatusResponse `json:"body"`
	}, error) {
		projectID := resolveProject(input.ProjectID, e)
		counts, err := e.Repo.CountItemsByStage(ctx, projectID)
		if err != nil {
			return nil, handleError(err)
		}
		inFlight := 0
		for _, st := range []domain.Stage{domain.StageTesting, domain.StageImplementing, domain.StageReview, domain.StageProbing} {
			inFlight += counts[string(st)]
		}
		resp := StatusResponse{
			ProjectID: projectID,
			Stages:    counts,
			InFlight:  inFlight,
			WIPLimit:  e.Config.Pipeline.WIPLimit,
		}
		mission, err := e.CurrentMission(ctx, projectID)
		if err != nil {
			return nil, handleError(err)
		}
		if mission != nil {
			mr := missionResponse(*mission)
			resp.Mission = &mr
		}
		return &struct {
			Body StatusResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerItems(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-item",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/items",
		Summary:       "Create work item",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string            `path:"project_id"`
		Body      CreateItemRequest `json:"body"`
	}) (*struct {
		Body ItemResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		agent, authErr := agentFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.ItemCreateOptions{
			ProjectID: resolveProject(input.ProjectID, e),
			Title:     input.Body.Title,
			Kind:      input.Body.Kind,
			DependsOn: input.Body.DependsOn,
			Actor:     agent,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		if input.Body.ConflictGroup != nil {
			opts.ConflictGroup = *input.Body.ConflictGroup
		}
		it, err := e.CreateItem(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ItemResponse `json:"body"`
		}{Body: itemResponse(it)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-items",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/items",
		Summary:     "List work items",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Stage     string `query:"stage" enum:"briefings,ready,testing,implementing,review,probing,done,blocked"`
		MissionID string `query:"mission_id"`
		Agent     string `query:"agent"`
	}) (*struct {
		Body ItemListResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListItems(ctx, repo.ItemFilters{
			ProjectID: resolveProject(input.ProjectID, e),
			Stage:     input.Stage,
			MissionID: input.MissionID,
			Agent:     input.Agent,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ItemListResponse `json:"body"`
		}{Body: ItemListResponse{Items: mapItems(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-item",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/items/{item_id}",
		Summary:     "Get work item",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		ItemID    string `path:"item_id"`
	}) (*struct {
		Body ItemDetailResponse `json:"body"`
	}, error) {
		projectID := resolveProject(input.ProjectID, e)
		it, err := e.Repo.GetItem(ctx, input.ItemID)
		if err != nil {
			return nil, handleError(err)
		}
		if it.ProjectID != projectID {
			return nil, handleError(repo.ErrNotFound)
		}
		rejections, err := e.Repo.ListRejections(ctx, it.ID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := ItemDetailResponse{ItemResponse: itemResponse(it)}
		for _, r := range rejections {
			resp.Rejections = append(resp.Rejections, rejectionResponse(r))
		}
		return &struct {
			Body ItemDetailResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "move-item",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/items/{item_id}/move",
		Summary:     "Move item to a stage",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusTooManyRequests,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string          `path:"project_id"`
		ItemID    string          `path:"item_id"`
		Body      MoveItemRequest `json:"body"`
	}) (*struct {
		Body MoveResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.To == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "to is required", nil)
		}
		agent := ""
		if input.Body.Agent != nil {
			agent = *input.Body.Agent
		}
		res, err := e.Move(ctx, resolveProject(input.ProjectID, e), input.ItemID, domain.Stage(input.Body.To), agent)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MoveResponse `json:"body"`
		}{Body: MoveResponse{Item: itemResponse(res.Item), FinalReviewReady: res.FinalReviewReady}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "claim-item",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/items/{item_id}/claim",
		Summary:     "Claim item for an agent",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		ItemID    string `path:"item_id"`
		Body      struct {
			Agent string `json:"agent,omitempty"`
		} `json:"body"`
	}) (*struct {
		Body ClaimResponse `json:"body"`
	}, error) {
		agent := input.Body.Agent
		if agent == "" {
			principal, authErr := agentFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			agent = principal
		}
		claim, err := e.Claim(ctx, resolveProject(input.ProjectID, e), input.ItemID, agent)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ClaimResponse `json:"body"`
		}{Body: ClaimResponse{ItemID: claim.ItemID, Agent: claim.Agent, ClaimedAt: claim.ClaimedAt}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "release-item",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/items/{item_id}/release",
		Summary:     "Release item claim",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		ItemID    string `path:"item_id"`
	}) (*struct {
		Body ReleaseResponse `json:"body"`
	}, error) {
		holder, err := e.Release(ctx, resolveProject(input.ProjectID, e), input.ItemID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReleaseResponse `json:"body"`
		}{Body: ReleaseResponse{Released: true, Agent: holder}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-item",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/items/{item_id}/reject",
		Summary:     "Reject item and route it back or escalate",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string            `path:"project_id"`
		ItemID    string            `path:"item_id"`
		Body      RejectItemRequest `json:"body"`
	}) (*struct {
		Body RejectResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Reason == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "reason is required", nil)
		}
		agent := strPtrValue(input.Body.Agent)
		if agent == "" {
			if principal, authErr := agentFromContext(ctx); authErr == nil {
				agent = principal
			}
		}
		res, err := e.Reject(ctx, resolveProject(input.ProjectID, e), input.ItemID, input.Body.Reason, agent, strPtrValue(input.Body.Diagnosis))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RejectResponse `json:"body"`
		}{Body: RejectResponse{
			Item:           itemResponse(res.Item),
			RejectionCount: res.RejectionCount,
			MovedTo:        string(res.MovedTo),
			Escalate:       res.Escalate,
		}}, nil
	})
}

func registerWaves(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "resolve-waves",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/waves",
		Summary:     "Resolve dependency waves",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body WavesResponse `json:"body"`
	}, error) {
		res, items, err := e.ResolveWaves(ctx, resolveProject(input.ProjectID, e))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WavesResponse `json:"body"`
		}{Body: wavesResponse(res, waves.FinalReviewReady(items))}, nil
	})
}

func registerMissions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "start-mission",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/missions",
		Summary:       "Start a mission",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string              `path:"project_id"`
		Body      StartMissionRequest `json:"body"`
	}) (*struct {
		Body MissionResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Name == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		agent, authErr := agentFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.StartMission(ctx, resolveProject(input.ProjectID, e), input.Body.Name, strPtrValue(input.Body.SpecPath), agent)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MissionResponse `json:"body"`
		}{Body: missionResponse(m)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "current-mission",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/missions/current",
		Summary:     "Get current mission",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body CurrentMissionResponse `json:"body"`
	}, error) {
		m, err := e.CurrentMission(ctx, resolveProject(input.ProjectID, e))
		if err != nil {
			return nil, handleError(err)
		}
		resp := CurrentMissionResponse{}
		if m != nil {
			mr := missionResponse(*m)
			resp.Mission = &mr
		}
		return &struct {
			Body CurrentMissionResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-missions",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/missions",
		Summary:     "List missions",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body []MissionResponse `json:"body"`
	}, error) {
		missions, err := e.Repo.ListMissions(ctx, resolveProject(input.ProjectID, e))
		if err != nil {
			return nil, handleError(err)
		}
		resp := make([]MissionResponse, 0, len(missions))
		for _, m := range missions {
			resp = append(resp, missionResponse(m))
		}
		return &struct {
			Body []MissionResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "advance-mission",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/missions/advance",
		Summary:     "Advance the current mission's state",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string                `path:"project_id"`
		Body      AdvanceMissionRequest `json:"body"`
	}) (*struct {
		Body MissionResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		agent, authErr := agentFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.AdvanceMission(ctx, resolveProject(input.ProjectID, e), input.Body.State, agent)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MissionResponse `json:"body"`
		}{Body: missionResponse(m)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "archive-mission",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/missions/archive",
		Summary:     "Archive the current mission",
		Errors: []int{
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body ArchiveMissionResponse `json:"body"`
	}, error) {
		agent, authErr := agentFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.ArchiveMission(ctx, resolveProject(input.ProjectID, e), agent)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ArchiveMissionResponse `json:"body"`
		}{Body: ArchiveMissionResponse{Mission: missionResponse(res.Mission), ItemCount: res.ItemCount}}, nil
	})
}

func registerActivity(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-activity",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/activity",
		Summary:     "List activity log entries",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Limit     int    `query:"limit" default:"50"`
		Cursor    string `query:"cursor"`
	}) (*struct {
		Body ActivityListResponse `json:"body"`
	}, error) {
		projectID := resolveProject(input.ProjectID, e)
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		entries, err := e.Repo.ActivityAfter(ctx, projectID, cursorID, limit+1)
		if err != nil {
			return nil, handleError(err)
		}
		resp := ActivityListResponse{Items: []ActivityResponse{}}
		if len(entries) > limit {
			entries = entries[:limit]
			resp.NextCursor = fmt.Sprintf("%d", entries[limit-1].ID)
		}
		for _, entry := range entries {
			resp.Items = append(resp.Items, activityResponse(entry))
		}
		return &struct {
			Body ActivityListResponse `json:"body"`
		}{Body: resp}, nil
	})
}

// feedStore adapts the engine's read surface to the notifier.
type feedStore struct {
	e engine.Engine
}

func (s feedStore) ListItems(ctx context.Context, projectID string) ([]domain.WorkItem, error) {
	return s.e.Repo.ListItems(ctx, repo.ItemFilters{ProjectID: projectID})
}

func (s feedStore) CurrentMission(ctx context.Context, projectID string) (*domain.Mission, error) {
	return s.e.CurrentMission(ctx, projectID)
}

func (s feedStore) ActivityAfter(ctx context.Context, projectID string, cursor int64, limit int) ([]domain.ActivityEntry, error) {
	return s.e.Repo.ActivityAfter(ctx, projectID, cursor, limit)
}

func registerFeed(api huma.API, e engine.Engine) {
	sse.Register(api, huma.Operation{
		OperationID: "feed",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/feed",
		Summary:     "Live event feed",
	}, map[string]any{
		"item":      notify.ItemSnapshot{},
		"mission":   notify.MissionSnapshot{},
		"activity":  notify.ActivityEvent{},
		"heartbeat": notify.Heartbeat{},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Since     int64  `query:"since"`
	}, send sse.Sender) {
		projectID := resolveProject(input.ProjectID, e)
		n := notify.New(feedStore{e: e}, func(evt notify.Event) error {
			return send(sse.Message{ID: int(evt.ID), Data: evt.Data})
		}, notify.Options{
			ProjectID:         projectID,
			PollInterval:      e.Config.PollInterval(),
			HeartbeatInterval: e.Config.HeartbeatInterval(),
			BreakerThreshold:  e.Config.Feed.BreakerThreshold,
			Cursor:            input.Since,
		})
		// Run blocks until the client disconnects or the breaker trips.
		_ = n.Run(ctx)
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func strPtrValue(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
