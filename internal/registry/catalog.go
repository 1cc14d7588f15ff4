package registry

import "github.com/modelrelay/relay/pkg/models"

// builtin is the embedded model catalog. Pricing is cents per token.
// Deployments extend or override it at runtime via Registry.Override.
var builtin = []models.ModelDescriptor{
	// ── OpenAI ──────────────────────────────────────────────
	{
		Provider: "openai", ID: "gpt-4o", DisplayName: "GPT-4o",
		Capabilities:  []string{"chat", "tools", "vision"},
		ContextWindow: 128000,
		Pricing:       &models.Pricing{InputPerToken: 0.00025, OutputPerToken: 0.001},
		Known:         true,
	},
	{
		Provider: "openai", ID: "gpt-4o-mini", DisplayName: "GPT-4o mini",
		Capabilities:  []string{"chat", "tools", "vision"},
		ContextWindow: 128000,
		Pricing:       &models.Pricing{InputPerToken: 0.000015, OutputPerToken: 0.00006},
		Known:         true,
	},
	{
		Provider: "openai", ID: "gpt-4.1", DisplayName: "GPT-4.1",
		Capabilities:  []string{"chat", "tools", "vision"},
		ContextWindow: 1000000,
		Pricing:       &models.Pricing{InputPerToken: 0.0002, OutputPerToken: 0.0008},
		Known:         true,
	},
	{
		Provider: "openai", ID: "gpt-4.1-mini", DisplayName: "GPT-4.1 mini",
		Capabilities:  []string{"chat", "tools", "vision"},
		ContextWindow: 1000000,
		Pricing:       &models.Pricing{InputPerToken: 0.00004, OutputPerToken: 0.00016},
		Known:         true,
	},
	{
		Provider: "openai", ID: "o3-mini", DisplayName: "o3-mini",
		Capabilities:  []string{"chat", "tools", "reasoning"},
		ContextWindow: 200000,
		Pricing:       &models.Pricing{InputPerToken: 0.00011, OutputPerToken: 0.00044},
		Known:         true,
	},
	{
		Provider: "openai", ID: "gpt-4-turbo", DisplayName: "GPT-4 Turbo",
		Capabilities:  []string{"chat", "tools", "vision"},
		ContextWindow: 128000,
		Deprecated:    true, Replacement: "gpt-4o",
		Pricing: &models.Pricing{InputPerToken: 0.001, OutputPerToken: 0.003},
		Known:   true,
	},
	{
		Provider: "openai", ID: "gpt-3.5-turbo", DisplayName: "GPT-3.5 Turbo",
		Capabilities:  []string{"chat", "tools"},
		ContextWindow: 16385,
		Deprecated:    true, Replacement: "gpt-4o-mini",
		Pricing: &models.Pricing{InputPerToken: 0.00005, OutputPerToken: 0.00015},
		Known:   true,
	},

	// ── Anthropic ───────────────────────────────────────────
	{
		Provider: "anthropic", ID: "claude-sonnet-4-20250514", DisplayName: "Claude Sonnet 4",
		Capabilities:  []string{"chat", "tools", "vision", "web_search"},
		ContextWindow: 200000,
		Pricing:       &models.Pricing{InputPerToken: 0.0003, OutputPerToken: 0.0015},
		Known:         true,
	},
	{
		Provider: "anthropic", ID: "claude-opus-4-20250514", DisplayName: "Claude Opus 4",
		Capabilities:  []string{"chat", "tools", "vision", "web_search"},
		ContextWindow: 200000,
		Pricing:       &models.Pricing{InputPerToken: 0.0015, OutputPerToken: 0.0075},
		Known:         true,
	},
	{
		Provider: "anthropic", ID: "claude-3-5-haiku-20241022", DisplayName: "Claude 3.5 Haiku",
		Capabilities:  []string{"chat", "tools"},
		ContextWindow: 200000,
		Pricing:       &models.Pricing{InputPerToken: 0.00008, OutputPerToken: 0.0004},
		Known:         true,
	},
	{
		Provider: "anthropic", ID: "claude-3-opus-20240229", DisplayName: "Claude 3 Opus",
		Capabilities:  []string{"chat", "tools", "vision"},
		ContextWindow: 200000,
		Deprecated:    true, Replacement: "claude-opus-4-20250514",
		Pricing: &models.Pricing{InputPerToken: 0.0015, OutputPerToken: 0.0075},
		Known:   true,
	},

	// ── Google ──────────────────────────────────────────────
	{
		Provider: "google", ID: "models/gemini-2.5-pro", DisplayName: "Gemini 2.5 Pro",
		Capabilities:  []string{"chat", "tools", "vision", "web_search"},
		ContextWindow: 1048576,
		Pricing:       &models.Pricing{InputPerToken: 0.000125, OutputPerToken: 0.001},
		Known:         true,
	},
	{
		Provider: "google", ID: "models/gemini-2.5-flash", DisplayName: "Gemini 2.5 Flash",
		Capabilities:  []string{"chat", "tools", "vision", "web_search"},
		ContextWindow: 1048576,
		Pricing:       &models.Pricing{InputPerToken: 0.00003, OutputPerToken: 0.00025},
		Known:         true,
	},
	{
		Provider: "google", ID: "models/gemini-1.5-pro", DisplayName: "Gemini 1.5 Pro",
		Capabilities:  []string{"chat", "tools", "vision"},
		ContextWindow: 2097152,
		Deprecated:    true, Replacement: "models/gemini-2.5-pro",
		Pricing: &models.Pricing{InputPerToken: 0.000125, OutputPerToken: 0.0005},
		Known:   true,
	},

	// ── Ollama (local, free) ────────────────────────────────
	{
		Provider: "ollama", ID: "llama3.2", DisplayName: "Llama 3.2",
		Capabilities:  []string{"chat", "tools"},
		ContextWindow: 131072,
		Known:         true,
	},
	{
		Provider: "ollama", ID: "qwen2.5-coder", DisplayName: "Qwen 2.5 Coder",
		Capabilities:  []string{"chat", "tools"},
		ContextWindow: 32768,
		Known:         true,
	},
}
