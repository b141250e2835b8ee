// Package selfhosted implements the adapter for OpenAI-compatible
// self-hosted inference servers (vLLM, TGI, Ollama with the compat
// endpoint). The API key is optional; many in-cluster deployments run
// without one.
package selfhosted

import (
	"net/http"

	"github.com/blueberrycongee/modelgate/internal/provider"
	"github.com/blueberrycongee/modelgate/internal/provider/openai"
	"github.com/blueberrycongee/modelgate/internal/secret"
	"github.com/blueberrycongee/modelgate/pkg/types"
)

// ProviderName is the identifier for this provider.
const ProviderName = "selfhosted"

// New creates a self-hosted adapter pointed at cfg.BaseURL, which must
// be set (there is no sensible default for in-cluster endpoints).
func New(cfg provider.Config) *openai.Compat {
	return openai.NewCompat(ProviderName, cfg,
		func(baseURL string, _ *types.ModelDefinition, _ secret.Credential) string {
			return baseURL + "/chat/completions"
		},
		func(req *http.Request, cred secret.Credential) {
			if cred.APIKey != "" {
				req.Header.Set("Authorization", "Bearer "+cred.APIKey)
			}
		},
	)
}
