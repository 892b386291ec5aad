package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/cobehq/cobe/pkg/registry"
)

// maxRPCBody caps one /rpc request body.
const maxRPCBody = 4 << 20

// Request is the JSON-RPC 2.0 request envelope. ID must be a string or an
// integer; a request without an ID is a notification and gets no response.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  map[string]any  `json:"params,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

// Response is the JSON-RPC 2.0 response envelope.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  any             `json:"result,omitempty"`
	Error   *registry.Error `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

func resultResponse(id json.RawMessage, result any) *Response {
	return &Response{JSONRPC: "2.0", Result: result, ID: id}
}

func errorResponse(id json.RawMessage, rpcErr *registry.Error) *Response {
	if id == nil {
		id = json.RawMessage("null")
	}
	return &Response{JSONRPC: "2.0", Error: rpcErr, ID: id}
}

// validID accepts string and integer ids per the envelope contract.
func validID(id json.RawMessage) bool {
	if id == nil {
		return true
	}
	var v any
	if err := json.Unmarshal(id, &v); err != nil {
		return false
	}
	switch n := v.(type) {
	case string:
		return true
	case float64:
		return n == float64(int64(n))
	}
	return false
}

// checkRequest validates the envelope fields, not the params.
func checkRequest(req *Request) *registry.Error {
	if req.JSONRPC != "2.0" {
		return registry.NewError(registry.CodeInvalidRequest, "jsonrpc must be \"2.0\"")
	}
	if req.Method == "" {
		return registry.NewError(registry.CodeInvalidRequest, "method is required")
	}
	if !validID(req.ID) {
		return registry.NewError(registry.CodeInvalidRequest, "id must be a string or an integer")
	}
	return nil
}

// rpcHandler serves POST /rpc: one envelope or a batch array.
func (s *Server) rpcHandler(c *echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxRPCBody))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to read request body")
	}

	ctx := c.Request().Context()
	client := clientID(c)

	if isBatch(body) {
		var reqs []Request
		if err := json.Unmarshal(body, &reqs); err != nil {
			return c.JSON(http.StatusOK, errorResponse(nil,
				registry.NewError(registry.CodeParseError, "invalid JSON")))
		}
		if len(reqs) == 0 {
			return c.JSON(http.StatusOK, errorResponse(nil,
				registry.NewError(registry.CodeInvalidRequest, "batch must not be empty")))
		}
		responses := make([]*Response, 0, len(reqs))
		for i := range reqs {
			if resp := s.serveOne(ctx, client, &reqs[i]); resp != nil {
				responses = append(responses, resp)
			}
		}
		if len(responses) == 0 {
			// All notifications.
			return c.NoContent(http.StatusNoContent)
		}
		return c.JSON(http.StatusOK, responses)
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return c.JSON(http.StatusOK, errorResponse(nil,
			registry.NewError(registry.CodeParseError, "invalid JSON")))
	}
	resp := s.serveOne(ctx, client, &req)
	if resp == nil {
		return c.NoContent(http.StatusNoContent)
	}
	return c.JSON(http.StatusOK, resp)
}

// serveOne dispatches one envelope. Notifications return nil.
func (s *Server) serveOne(ctx context.Context, client string, req *Request) *Response {
	if rpcErr := checkRequest(req); rpcErr != nil {
		return errorResponse(req.ID, rpcErr)
	}
	result, rpcErr := s.registry.Dispatch(ctx, req.Method, client, req.Params)
	if req.ID == nil {
		return nil
	}
	if rpcErr != nil {
		return errorResponse(req.ID, rpcErr)
	}
	return resultResponse(req.ID, result)
}

// dispatchWSEnvelope is the ConnectionManager's RPC hook: same envelope as
// /rpc, one frame per request, connection id as the rate-limit principal.
func (s *Server) dispatchWSEnvelope(ctx context.Context, connID string, data []byte) []byte {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		blob, _ := json.Marshal(errorResponse(nil,
			registry.NewError(registry.CodeParseError, "invalid JSON")))
		return blob
	}
	resp := s.serveOne(ctx, connID, &req)
	if resp == nil {
		return nil
	}
	blob, err := json.Marshal(resp)
	if err != nil {
		blob, _ = json.Marshal(errorResponse(req.ID,
			registry.NewError(registry.CodeInternalError, "failed to encode response")))
	}
	return blob
}

// isBatch reports whether the body opens a JSON array.
func isBatch(body []byte) bool {
	trimmed := bytes.TrimLeft(body, " \t\r\n")
	return len(trimmed) > 0 && trimmed[0] == '['
}
