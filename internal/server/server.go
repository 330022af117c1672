package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"acceptgate/internal/domain"
	"acceptgate/internal/gate"
	"acceptgate/internal/repo"
	"acceptgate/internal/worker"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   gate.Engine
	BasePath string
	Auth     AuthConfig
	Pool     *worker.Pool
	Logger   zerolog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"criteria_incomplete"`
	Message string         `json:"message" example:"mandatory acceptance criteria incomplete"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the acceptance gate API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Acceptance Gate API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerCriteriaItems(group, cfg)
	registerAcceptanceCriteria(group, cfg)
	registerEffectiveCriteria(group, cfg.Engine)
	registerSignOffs(group, cfg.Engine)
	registerCommits(group, cfg)
	registerEvents(group, cfg.Engine)
	registerAPIKeys(group, cfg)
	registerOpenAPI(router, api, basePath)

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
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var fe gate.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), nil)
	}
	var ie gate.InvalidError
	if errors.As(err, &ie) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	var ce gate.IncompleteCriteriaError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusConflict, "criteria_incomplete", err.Error(), map[string]any{
			"branch_path":       ce.BranchPath,
			"criteria_item_ids": ce.ItemIDs,
		})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrConflict) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var once sync.Once
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			spec, _ = json.Marshal(api.OpenAPI())
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Acceptance Gate API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
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

func registerCriteriaItems(api huma.API, cfg Config) {
	e := cfg.Engine
	huma.Register(api, huma.Operation{
		OperationID: "list-criteria-items",
		Method:      http.MethodGet,
		Path:        "/criteria-items",
		Summary:     "List criteria catalog",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.CriteriaItem `json:"body"`
	}, error) {
		items, err := e.Repo.ListCriteriaItems(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.CriteriaItem `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-criteria-item",
		Method:        http.MethodPost,
		Path:          "/criteria-items",
		Summary:       "Create criteria item",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CriteriaItemRequest `json:"body"`
	}) (*struct {
		Body domain.CriteriaItem `json:"body"`
	}, error) {
		if authErr := requireAdmin(ctx, cfg.Auth); authErr != nil {
			return nil, authErr
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		item, err := e.CreateCriteriaItem(ctx, input.Body.toDomain(""), actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.CriteriaItem `json:"body"`
		}{Body: item}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-criteria-item",
		Method:      http.MethodGet,
		Path:        "/criteria-items/{item_id}",
		Summary:     "Get criteria item",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ItemID string `path:"item_id"`
	}) (*struct {
		Body domain.CriteriaItem `json:"body"`
	}, error) {
		item, err := e.Repo.GetCriteriaItem(ctx, input.ItemID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.CriteriaItem `json:"body"`
		}{Body: item}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-criteria-item",
		Method:      http.MethodPut,
		Path:        "/criteria-items/{item_id}",
		Summary:     "Update criteria item",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ItemID string              `path:"item_id"`
		Body   CriteriaItemRequest `json:"body"`
	}) (*struct {
		Body domain.CriteriaItem `json:"body"`
	}, error) {
		if authErr := requireAdmin(ctx, cfg.Auth); authErr != nil {
			return nil, authErr
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		item, err := e.UpdateCriteriaItem(ctx, input.Body.toDomain(input.ItemID), actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.CriteriaItem `json:"body"`
		}{Body: item}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-criteria-item",
		Method:      http.MethodDelete,
		Path:        "/criteria-items/{item_id}",
		Summary:     "Delete criteria item",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ItemID string `path:"item_id"`
	}) (*struct{}, error) {
		if authErr := requireAdmin(ctx, cfg.Auth); authErr != nil {
			return nil, authErr
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteCriteriaItem(ctx, input.ItemID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

// Branch paths contain '/' so they travel as query parameters, never as
// path segments.
func registerAcceptanceCriteria(api huma.API, cfg Config) {
	e := cfg.Engine
	huma.Register(api, huma.Operation{
		OperationID: "list-acceptance-criteria",
		Method:      http.MethodGet,
		Path:        "/acceptance-criteria",
		Summary:     "List criteria assignments for a project branch",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Branch string `query:"branch" required:"true" example:"MAIN/PROJECT-A"`
	}) (*struct {
		Body []domain.AcceptanceCriteria `json:"body"`
	}, error) {
		if input.Branch == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "branch is required", nil)
		}
		assignments, err := e.Repo.ListAssignments(ctx, input.Branch)
		if err != nil {
			return nil, handleError(err)
		}
		if len(assignments) == 0 {
			return nil, newAPIError(http.StatusNotFound, "not_found", "no acceptance criteria for branch "+input.Branch, nil)
		}
		return &struct {
			Body []domain.AcceptanceCriteria `json:"body"`
		}{Body: assignments}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-acceptance-criteria",
		Method:      http.MethodPut,
		Path:        "/acceptance-criteria",
		Summary:     "Create or replace a criteria assignment",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body SetCriteriaRequest `json:"body"`
	}) (*struct {
		Body domain.AcceptanceCriteria `json:"body"`
	}, error) {
		if authErr := requireAdmin(ctx, cfg.Auth); authErr != nil {
			return nil, authErr
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.SetCriteria(ctx, domain.AcceptanceCriteria{
			BranchPath:         input.Body.BranchPath,
			ProjectIteration:   input.Body.ProjectIteration,
			SelectedProjectIDs: input.Body.SelectedProjectIDs,
			SelectedTaskIDs:    input.Body.SelectedTaskIDs,
		}, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AcceptanceCriteria `json:"body"`
		}{Body: a}, nil
	})
}

func registerEffectiveCriteria(api huma.API, e gate.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "effective-criteria",
		Method:      http.MethodGet,
		Path:        "/effective-criteria",
		Summary:     "Resolve the criteria governing a branch, with completeness",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Branch string `query:"branch" required:"true" example:"MAIN/PROJECT-A/TASK-10"`
	}) (*struct {
		Body []domain.CriteriaItem `json:"body"`
	}, error) {
		if input.Branch == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "branch is required", nil)
		}
		items, err := e.EffectiveCriteria(ctx, input.Branch)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return nil, newAPIError(http.StatusNotFound, "not_found", "no acceptance criteria for branch "+input.Branch, nil)
			}
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.CriteriaItem `json:"body"`
		}{Body: items}, nil
	})
}

func registerSignOffs(api huma.API, e gate.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-sign-offs",
		Method:      http.MethodGet,
		Path:        "/sign-offs",
		Summary:     "List ledger entries for a branch",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Branch    string `query:"branch" required:"true"`
		Iteration string `query:"iteration"`
	}) (*struct {
		Body []domain.SignOff `json:"body"`
	}, error) {
		if input.Branch == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "branch is required", nil)
		}
		var iteration *int
		if input.Iteration != "" {
			v, err := strconv.Atoi(input.Iteration)
			if err != nil || v < 0 {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "iteration must be a non-negative integer", nil)
			}
			iteration = &v
		}
		signOffs, err := e.Repo.ListSignOffs(ctx, input.Branch, iteration, nil)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.SignOff `json:"body"`
		}{Body: signOffs}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "accept-criteria-item",
		Method:        http.MethodPost,
		Path:          "/sign-offs/accept",
		Summary:       "Manually accept a criteria item for a branch",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		Body SignOffRequest `json:"body"`
	}) (*struct {
		Body domain.SignOff `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.Branch == "" || input.Body.CriteriaItemID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "branch and criteria_item_id are required", nil)
		}
		s, err := e.Accept(ctx, input.Body.Branch, input.Body.CriteriaItemID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.SignOff `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-criteria-item",
		Method:      http.MethodPost,
		Path:        "/sign-offs/reject",
		Summary:     "Revoke a manual acceptance for a branch",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		Body SignOffRequest `json:"body"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.Branch == "" || input.Body.CriteriaItemID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "branch and criteria_item_id are required", nil)
		}
		if err := e.Reject(ctx, input.Body.Branch, input.Body.CriteriaItemID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerCommits(api huma.API, cfg Config) {
	e := cfg.Engine
	huma.Register(api, huma.Operation{
		OperationID:   "notify-commit",
		Method:        http.MethodPost,
		Path:          "/commits",
		Summary:       "Notify a branch commit",
		Description:   "Promotions are gated synchronously; ledger reconciliation runs asynchronously.",
		DefaultStatus: http.StatusAccepted,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		Body domain.CommitInformation `json:"body"`
	}) (*struct {
		Body CommitAccepted `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		info := input.Body
		if info.Path == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "path is required", nil)
		}
		switch info.CommitType {
		case domain.CommitContent, domain.CommitRebase, domain.CommitPromotion:
		default:
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid commit_type "+info.CommitType, nil)
		}

		out := CommitAccepted{Status: "accepted"}
		if info.CommitType == domain.CommitPromotion {
			if err := e.ValidatePromotion(ctx, info.Path); err != nil {
				return nil, handleError(err)
			}
			a, err := e.Repo.LatestAssignment(ctx, info.Path)
			switch {
			case err == nil && a.BranchPath == info.Path:
				next, err := e.AdvanceIteration(ctx, info.Path, actorID)
				if err != nil {
					return nil, handleError(err)
				}
				out.NextAssignment = &next
			case err != nil && !errors.Is(err, repo.ErrNotFound):
				return nil, handleError(err)
			}
		}

		job := func(jobCtx context.Context) {
			if err := e.ProcessCommit(jobCtx, info, actorID); err != nil {
				cfg.Logger.Error().Err(err).
					Str("branch", info.Path).
					Str("commit_type", info.CommitType).
					Msg("commit reconciliation failed")
			}
		}
		if cfg.Pool != nil {
			if err := cfg.Pool.Submit(job); err != nil {
				return nil, newAPIError(http.StatusServiceUnavailable, "overloaded", "commit queue full", nil)
			}
			out.ReconcileQueued = true
		} else {
			job(ctx)
		}
		return &struct {
			Body CommitAccepted `json:"body"`
		}{Body: out}, nil
	})
}

func registerEvents(api huma.API, e gate.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List events, newest first",
	}, func(ctx context.Context, input *struct {
		Branch string `query:"branch"`
		Type   string `query:"type"`
		Cursor int64  `query:"cursor"`
		Limit  int    `query:"limit"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		events, err := e.Repo.LatestEvents(ctx, input.Limit, input.Cursor, input.Branch, input.Type)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: events}, nil
	})
}

func registerAPIKeys(api huma.API, cfg Config) {
	e := cfg.Engine
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/api-keys",
		Summary:       "Create API key",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body CreateAPIKeyResponse `json:"body"`
	}, error) {
		if authErr := requireAdmin(ctx, cfg.Auth); authErr != nil {
			return nil, authErr
		}
		if input.Body.ActorID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		plaintext := uuid.New().String()
		key := domain.APIKey{
			ID:      uuid.New().String(),
			ActorID: input.Body.ActorID,
			Name:    input.Body.Name,
			KeyHash: repo.HashAPIKey(plaintext),
		}
		if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CreateAPIKeyResponse `json:"body"`
		}{Body: CreateAPIKeyResponse{
			ID:      key.ID,
			ActorID: key.ActorID,
			Name:    key.Name,
			Key:     plaintext,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/api-keys",
		Summary:     "List API keys",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ActorID string `query:"actor_id"`
	}) (*struct {
		Body []APIKeySummary `json:"body"`
	}, error) {
		if authErr := requireAdmin(ctx, cfg.Auth); authErr != nil {
			return nil, authErr
		}
		keys, err := e.Repo.ListAPIKeys(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]APIKeySummary, 0, len(keys))
		for _, k := range keys {
			out = append(out, APIKeySummary{ID: k.ID, ActorID: k.ActorID, Name: k.Name, CreatedAt: k.CreatedAt})
		}
		return &struct {
			Body []APIKeySummary `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-api-key",
		Method:      http.MethodDelete,
		Path:        "/api-keys/{key_id}",
		Summary:     "Delete API key",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		if authErr := requireAdmin(ctx, cfg.Auth); authErr != nil {
			return nil, authErr
		}
		if err := e.Repo.DeleteAPIKey(ctx, input.KeyID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}
