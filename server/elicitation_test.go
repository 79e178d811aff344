package server

import (
	"context"
	"errors"
	"testing"

	"github.com/dedalus-labs/openmcp-go/protocol"
	"github.com/dedalus-labs/openmcp-go/schema"
)

// elicitSession builds a session advertising elicitation.
func elicitSession(t *testing.T) (*Session, *fakeConn) {
	t.Helper()
	sess, conn := newTestSession(t)
	sess.SetHandshake(PeerInfo{Name: "test-client"}, ClientCapabilities{Elicitation: &struct{}{}}, protocol.MCPVersion)
	return sess, conn
}

func flatSchema() *schema.Schema {
	return schema.Object(map[string]*schema.Schema{
		"name": schema.String("user name"),
		"age":  schema.Integer("age in years"),
	}, "name")
}

func TestElicit(t *testing.T) {
	t.Run("requires the elicitation capability", func(t *testing.T) {
		sess, _ := newTestSession(t)
		_, err := sess.Elicit(context.Background(), "who are you", flatSchema())
		var perr *protocol.Error
		if !errors.As(err, &perr) || perr.Code != protocol.CodeMethodNotFound {
			t.Fatalf("err = %v, want method not found", err)
		}
	})

	t.Run("rejects nested schemas before sending", func(t *testing.T) {
		sess, conn := elicitSession(t)
		nested := schema.Object(map[string]*schema.Schema{
			"address": schema.Object(map[string]*schema.Schema{
				"street": schema.String(""),
			}),
		})

		_, err := sess.Elicit(context.Background(), "where do you live", nested)
		var perr *protocol.Error
		if !errors.As(err, &perr) || perr.Code != protocol.CodeInvalidParams {
			t.Fatalf("err = %v, want invalid params", err)
		}
		if len(conn.frames) != 0 {
			t.Fatal("invalid schema must not reach the wire")
		}
	})

	t.Run("accept verifies content against the schema", func(t *testing.T) {
		sess, conn := elicitSession(t)
		conn.respond = func(r *protocol.Request) *protocol.Response {
			return protocol.NewResponse(r.ID, ElicitResult{
				Action:  ElicitAccept,
				Content: map[string]any{"name": "alice", "age": float64(30)},
			})
		}

		result, err := sess.Elicit(context.Background(), "who are you", flatSchema())
		if err != nil {
			t.Fatalf("Elicit: %v", err)
		}
		if result.Action != ElicitAccept || result.Content["name"] != "alice" {
			t.Fatalf("result = %+v", result)
		}
	})

	t.Run("accept with missing required key fails", func(t *testing.T) {
		sess, conn := elicitSession(t)
		conn.respond = func(r *protocol.Request) *protocol.Response {
			return protocol.NewResponse(r.ID, ElicitResult{
				Action:  ElicitAccept,
				Content: map[string]any{"age": float64(30)},
			})
		}

		if _, err := sess.Elicit(context.Background(), "who are you", flatSchema()); err == nil {
			t.Fatal("expected validation error")
		}
	})

	t.Run("decline passes through without content checks", func(t *testing.T) {
		sess, conn := elicitSession(t)
		conn.respond = func(r *protocol.Request) *protocol.Response {
			return protocol.NewResponse(r.ID, ElicitResult{Action: ElicitDecline})
		}

		result, err := sess.Elicit(context.Background(), "who are you", flatSchema())
		if err != nil {
			t.Fatalf("Elicit: %v", err)
		}
		if result.Action != ElicitDecline {
			t.Fatalf("action = %q", result.Action)
		}
	})
}
