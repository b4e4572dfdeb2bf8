package web

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Param returns the web call parameters from the request.
func Param(r *http.Request, key string) string {
	return chi.URLParam(r, key)
}

type validator interface {
	Validate() error
}

// Decode reads the body of an HTTP request and decodes the JSON into v. If v
// implements a Validate method it is executed.
func Decode(r *http.Request, v any) error {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return fmt.Errorf("request: unable to read payload: %w", err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("request: decode: %w", err)
	}

	if val, ok := v.(validator); ok {
		if err := val.Validate(); err != nil {
			return err
		}
	}

	return nil
}
