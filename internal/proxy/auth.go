package proxy

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/KikuAI-Lab/reliapi/internal/gwconfig"
	"github.com/KikuAI-Lab/reliapi/internal/gwerr"
	"github.com/KikuAI-Lab/reliapi/internal/keypool"
)

// Authenticate resolves the calling tenant and client profile from the
// request's X-API-Key and X-Client headers, per §6's "Authentication
// header: X-API-Key. Profile selection header: X-Client." A tenant may own
// several profiles (separate apps sharing one billing identity); X-Client
// disambiguates when more than one profile matches the same key.
func (e *Engine) Authenticate(r *http.Request) (*gwconfig.ClientProfile, *gwconfig.Tenant, *gwerr.Error) {
	apiKey := r.Header.Get("X-API-Key")
	if apiKey == "" {
		return nil, nil, gwerr.New(gwerr.Unauthorized, "missing X-API-Key header").WithSource(gwerr.SourceReliAPI)
	}

	var candidates []gwconfig.ClientProfile
	for _, p := range e.cfg.ClientProfiles {
		if p.APIKey == apiKey {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		e.logger.Warn("rejected unknown api key", zap.String("key", keypool.Mask(apiKey)))
		return nil, nil, gwerr.New(gwerr.Unauthorized, "invalid API key").WithSource(gwerr.SourceReliAPI)
	}

	profile := candidates[0]
	clientName := r.Header.Get("X-Client")

	if len(candidates) > 1 {
		if clientName == "" {
			return nil, nil, gwerr.New(gwerr.Unauthorized, "ambiguous API key: X-Client header required").WithSource(gwerr.SourceReliAPI)
		}
		found := false
		for _, c := range candidates {
			if c.Name == clientName {
				profile = c
				found = true
				break
			}
		}
		if !found {
			return nil, nil, gwerr.New(gwerr.Unauthorized, "unknown client profile").WithSource(gwerr.SourceReliAPI)
		}
	} else if clientName != "" && clientName != profile.Name {
		return nil, nil, gwerr.New(gwerr.Unauthorized, "client profile mismatch").WithSource(gwerr.SourceReliAPI)
	}

	tenant, ok := e.cfg.Tenants[profile.Tenant]
	if !ok {
		return nil, nil, gwerr.New(gwerr.Unauthorized, "tenant not configured").WithSource(gwerr.SourceReliAPI)
	}

	return &profile, &tenant, nil
}
