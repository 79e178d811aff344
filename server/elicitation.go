package server

import (
	"context"
	"fmt"
	"time"

	"github.com/dedalus-labs/openmcp-go/protocol"
	"github.com/dedalus-labs/openmcp-go/schema"
)

// DefaultElicitationTimeout bounds one elicitation round trip.
const DefaultElicitationTimeout = 60 * time.Second

// ElicitRequest is the elicitation/create request payload.
type ElicitRequest struct {
	Message         string         `json:"message"`
	RequestedSchema *schema.Schema `json:"requestedSchema"`
}

// ElicitAction is the client's disposition of an elicitation request.
type ElicitAction string

const (
	ElicitAccept  ElicitAction = "accept"
	ElicitDecline ElicitAction = "decline"
	ElicitCancel  ElicitAction = "cancel"
)

// ElicitResult is the elicitation/create result payload.
type ElicitResult struct {
	Action  ElicitAction   `json:"action"`
	Content map[string]any `json:"content,omitempty"`
}

// Elicit asks the client to collect user input matching a flat JSON Schema.
// The schema is validated before the request is sent; on accept, the
// returned content is checked for required keys and type compatibility.
func (s *Session) Elicit(ctx context.Context, message string, requested *schema.Schema) (*ElicitResult, error) {
	if !s.SupportsElicitation() {
		return nil, protocol.NewMethodNotFound("client does not support elicitation")
	}
	if err := schema.CheckFlatObject(requested); err != nil {
		return nil, protocol.NewInvalidParams(fmt.Sprintf("invalid elicitation schema: %v", err)).WithData(map[string]any{
			"constraint": err.Error(),
		})
	}

	callCtx, cancel := context.WithTimeout(ctx, s.elicitTimeout)
	defer cancel()

	resp, err := s.Request(callCtx, protocol.MethodElicitationCreate, ElicitRequest{
		Message:         message,
		RequestedSchema: requested,
	})
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			return nil, protocol.NewServiceUnavailable("elicitation request timed out")
		}
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}

	result, err := decodeResult[ElicitResult](resp.Result)
	if err != nil {
		return nil, fmt.Errorf("decode elicitation result: %w", err)
	}

	switch result.Action {
	case ElicitAccept:
		if err := requested.ValidateValue(anyMap(result.Content)); err != nil {
			return nil, protocol.NewInternalError(fmt.Sprintf("elicitation content does not match schema: %v", err))
		}
	case ElicitDecline, ElicitCancel:
	default:
		return nil, protocol.NewInternalError(fmt.Sprintf("unknown elicitation action %q", result.Action))
	}
	return result, nil
}

// anyMap widens a typed content map for schema validation.
func anyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
