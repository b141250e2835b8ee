// Package azure implements the adapter for Azure OpenAI deployments.
// Azure speaks the OpenAI wire protocol behind a deployment-scoped URL
// and an api-key header, so the adapter wraps the shared compat
// implementation.
package azure

import (
	"net/http"
	"net/url"

	"github.com/blueberrycongee/modelgate/internal/provider"
	"github.com/blueberrycongee/modelgate/internal/provider/openai"
	"github.com/blueberrycongee/modelgate/internal/secret"
	"github.com/blueberrycongee/modelgate/pkg/types"
)

const (
	// ProviderName is the identifier for this provider.
	ProviderName = "azure"

	// DefaultAPIVersion is used when the credential carries none.
	DefaultAPIVersion = "2024-06-01"
)

// New creates an Azure OpenAI adapter. The credential's Extra map
// supplies "deployment" (defaults to the model ID) and "api_version".
func New(cfg provider.Config) *openai.Compat {
	return openai.NewCompat(ProviderName, cfg,
		func(baseURL string, model *types.ModelDefinition, cred secret.Credential) string {
			deployment := cred.Extra["deployment"]
			if deployment == "" {
				deployment = model.ModelID
			}
			apiVersion := cred.Extra["api_version"]
			if apiVersion == "" {
				apiVersion = DefaultAPIVersion
			}
			return baseURL + "/openai/deployments/" + url.PathEscape(deployment) +
				"/chat/completions?api-version=" + url.QueryEscape(apiVersion)
		},
		func(req *http.Request, cred secret.Credential) {
			req.Header.Set("api-key", cred.APIKey)
		},
	)
}
