package intercept

import (
	"strings"

	"github.com/costlens/costlens/span"
)

// Rule maps an outbound destination to a provider classification. Matching
// is substring-on-hostname, case-insensitive.
type Rule struct {
	HostContains string
	Provider     string
	Kind         span.Kind
	// Parser names the providers.Registry entry that understands this
	// destination's response shape. Empty means usage is not extracted.
	Parser string
	// DefaultModel is the pricing key used when the response carries no
	// model identifier. Vector databases bill per operation tier, not
	// per model, so their rules name the tier here.
	DefaultModel string
}

// DefaultRules covers the providers with built-in parsers. Destinations
// matching no rule still produce a span, classified http_fallback.
func DefaultRules() []Rule {
	return []Rule{
		{HostContains: "openai.com", Provider: "openai", Kind: span.KindLLMCall, Parser: "openai"},
		{HostContains: "openai.azure.com", Provider: "azure_openai", Kind: span.KindLLMCall, Parser: "openai"},
		{HostContains: "anthropic.com", Provider: "anthropic", Kind: span.KindLLMCall, Parser: "anthropic"},
		{HostContains: "generativelanguage.googleapis.com", Provider: "google", Kind: span.KindLLMCall, Parser: "openai"},
		{HostContains: "pinecone.io", Provider: "pinecone", Kind: span.KindVectorDBCall, Parser: "pinecone", DefaultModel: "serverless"},
		{HostContains: "weaviate.network", Provider: "weaviate", Kind: span.KindVectorDBCall, Parser: "pinecone", DefaultModel: "serverless"},
		{HostContains: "cohere.com", Provider: "cohere", Kind: span.KindLLMCall, Parser: "openai"},
	}
}

func classify(rules []Rule, host string) (Rule, bool) {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return Rule{}, false
	}
	for _, rule := range rules {
		if rule.HostContains != "" && strings.Contains(host, strings.ToLower(rule.HostContains)) {
			return rule, true
		}
	}
	return Rule{}, false
}
