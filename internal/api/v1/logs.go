package v1

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/gosuda/toolaudit/internal/domain"
	"github.com/gosuda/toolaudit/internal/server/middleware"
)

type CreateLogInput struct {
	Body struct {
		User         string         `json:"user,omitempty" maxLength:"256" doc:"Caller identity; replaced by the token subject when authenticated"`
		Action       string         `json:"action" minLength:"1" maxLength:"256" doc:"Tool operation name"`
		Parameters   map[string]any `json:"parameters,omitempty" doc:"Tool arguments; sensitive keys are redacted"`
		Result       string         `json:"result" enum:"success,error" doc:"Call outcome"`
		ErrorMessage string         `json:"error_message,omitempty" doc:"Failure description, kept only for error results"`
		SessionID    string         `json:"session_id,omitempty" doc:"Conversation id; defaults to the process session"`
		Model        string         `json:"model,omitempty" doc:"Model name; defaults to the configured model"`
		Prompt       string         `json:"prompt,omitempty" doc:"Prompt text; only its SHA-256 digest is stored"`
	}
}

type CreateLogOutput struct {
	Body *domain.AuditLogEntry
}

// RegisterLogRoutes lets out-of-process connectors record entries through
// this process's buffer.
func RegisterLogRoutes(api huma.API, logger EntryLogger) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-log",
		Method:        http.MethodPost,
		Path:          "/logs",
		Summary:       "Record one audit entry",
		Tags:          []string{"Logs"},
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *CreateLogInput) (*CreateLogOutput, error) {
		user := input.Body.User
		if sub, ok := middleware.SubjectFromContext(ctx); ok {
			user = sub
		}

		entry, err := logger.Log(ctx, domain.PartialEntry{
			User:         user,
			Action:       input.Body.Action,
			Parameters:   input.Body.Parameters,
			Result:       domain.Result(input.Body.Result),
			ErrorMessage: input.Body.ErrorMessage,
			Context: domain.CallContext{
				SessionID: input.Body.SessionID,
				Model:     input.Body.Model,
			},
			Prompt: input.Body.Prompt,
		})
		if errors.Is(err, domain.ErrInvalidEntry) {
			return nil, huma.Error422UnprocessableEntity(err.Error())
		}
		if err != nil {
			return nil, huma.Error500InternalServerError("failed to record entry", err)
		}

		return &CreateLogOutput{Body: entry}, nil
	})
}
