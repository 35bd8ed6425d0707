package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
)

func writeBadRequest(c *echo.Context, msg string) error {
	return writeError(c, http.StatusBadRequest, "invalid_request_error", msg, "", "")
}

func writeError(c *echo.Context, status int, errType, msg, param, code string) error {
	return c.JSON(status, map[string]any{
		"error": ResponseError{
			Message: msg,
			Type:    errType,
			Code:    code,
			Param:   param,
		},
	})
}

// writeEngineError renders err in the error envelope with the status its
// cause maps to.
func writeEngineError(c *echo.Context, err error) error {
	status, errType, code := errorStatus(err)
	var param string
	var ire invalidRequestError
	if errors.As(err, &ire) {
		param = ire.param
	}
	return writeError(c, status, errType, err.Error(), param, code)
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	dec := json.NewDecoder(r)
	if err := dec.Decode(&out); err != nil {
		return out, newInvalidRequest("", fmt.Sprintf("invalid JSON body: %v", err))
	}
	return out, nil
}

// normalizeEmbeddingInput accepts a string or an array of strings.
func normalizeEmbeddingInput(input any) ([]string, error) {
	switch v := input.(type) {
	case nil:
		return nil, newInvalidRequest("input", "input is required")
	case string:
		if v == "" {
			return nil, newInvalidRequest("input", "input must not be empty")
		}
		return []string{v}, nil
	case []any:
		if len(v) == 0 {
			return nil, newInvalidRequest("input", "input must not be empty")
		}
		out := make([]string, 0, len(v))
		for i, raw := range v {
			s, ok := raw.(string)
			if !ok {
				return nil, newInvalidRequest("input", fmt.Sprintf("input[%d] is not a string", i))
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, newInvalidRequest("input", "expected string or array of strings")
	}
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}
