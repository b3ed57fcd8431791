package api

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/legacy"

	"github.com/gaspardpetit/fleetwatch/internal/logx"
)

//go:embed openapi.yaml
var openapiYAML []byte

var (
	specOnce   sync.Once
	specDoc    *openapi3.T
	specRouter routers.Router
	specJSON   []byte
	specErr    error
)

// Spec returns the parsed OpenAPI document describing the reporting API.
func Spec() (*openapi3.T, error) {
	loadSpec()
	return specDoc, specErr
}

func loadSpec() {
	specOnce.Do(func() {
		loader := openapi3.NewLoader()
		doc, err := loader.LoadFromData(openapiYAML)
		if err != nil {
			specErr = fmt.Errorf("load openapi: %w", err)
			return
		}
		if err := doc.Validate(context.Background()); err != nil {
			specErr = fmt.Errorf("validate openapi: %w", err)
			return
		}
		rt, err := legacy.NewRouter(doc)
		if err != nil {
			specErr = fmt.Errorf("openapi router: %w", err)
			return
		}
		b, err := doc.MarshalJSON()
		if err != nil {
			specErr = fmt.Errorf("encode openapi: %w", err)
			return
		}
		specDoc, specRouter, specJSON = doc, rt, b
	})
}

// OpenAPIHandler serves the OpenAPI document as JSON.
func OpenAPIHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		loadSpec()
		if specErr != nil {
			writeError(w, http.StatusInternalServerError, specErr.Error())
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if _, err := w.Write(specJSON); err != nil {
			logx.Log.Error().Err(err).Msg("write openapi")
		}
	}
}

// ValidateRequest rejects requests that do not match the OpenAPI document
// with 400 and a one-line reason. Requests for paths the document does not
// describe pass through.
func ValidateRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		loadSpec()
		if specErr != nil {
			next.ServeHTTP(w, r)
			return
		}
		route, params, err := specRouter.FindRoute(r)
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}
		in := &openapi3filter.RequestValidationInput{
			Request:    r,
			PathParams: params,
			Route:      route,
			Options: &openapi3filter.Options{
				AuthenticationFunc: openapi3filter.NoopAuthenticationFunc,
				MultiError:         false,
			},
		}
		if err := openapi3filter.ValidateRequest(r.Context(), in); err != nil {
			writeError(w, http.StatusBadRequest, validationMessage(err))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func validationMessage(err error) string {
	var re *openapi3filter.RequestError
	if errors.As(err, &re) {
		if re.Parameter != nil {
			return fmt.Sprintf("parameter %q: %v", re.Parameter.Name, re.Err)
		}
		if re.Err != nil {
			return fmt.Sprintf("request body: %v", re.Err)
		}
		return re.Reason
	}
	return err.Error()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logx.Log.Error().Err(err).Msg("encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
