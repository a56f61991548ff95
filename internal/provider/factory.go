package provider

import (
	"sort"

	"ai-workflows/backend/internal/apperr"
	"ai-workflows/backend/internal/config"
)

// FromConfig builds one adapter per configured provider, in name order.
func FromConfig(cfgs map[string]config.Provider) ([]Provider, []GatewayOption, error) {
	names := make([]string, 0, len(cfgs))
	for name := range cfgs {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []Provider
	var opts []GatewayOption
	for _, name := range names {
		c := cfgs[name]
		switch c.Kind {
		case "openai":
			out = append(out, NewOpenAI(name, OpenAIOptions{
				Model: c.Model, APIKey: c.APIKey, BaseURL: c.BaseURL, Temperature: c.Temperature, MaxTokens: c.MaxTokens,
			}))
		case "anthropic":
			out = append(out, NewAnthropic(name, AnthropicOptions{
				Model: c.Model, APIKey: c.APIKey, BaseURL: c.BaseURL, Temperature: c.Temperature, MaxTokens: c.MaxTokens,
			}))
		case "echo":
			out = append(out, NewEcho(name))
		default:
			return nil, nil, apperr.New(apperr.KindMissingComponent, "provider %q has unknown kind %q", name, c.Kind).
				WithDetail("known", []string{"anthropic", "echo", "openai"})
		}
		if c.Timeout > 0 {
			opts = append(opts, WithProviderTimeout(name, c.Timeout))
		}
	}
	return out, opts, nil
}

// HubServers converts configured MCP servers.
func HubServers(cfgs map[string]config.MCPServer) map[string]MCPServer {
	out := make(map[string]MCPServer, len(cfgs))
	for label, c := range cfgs {
		out[label] = MCPServer{URL: c.URL, ApprovalMode: c.ApprovalMode}
	}
	return out
}
