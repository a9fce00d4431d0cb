package providers

import "sort"

type Registry struct {
	parsers map[string]Parser
}

func NewRegistry(parsers ...Parser) *Registry {
	registry := &Registry{parsers: make(map[string]Parser, len(parsers))}
	for _, parser := range parsers {
		registry.parsers[parser.Name()] = parser
	}
	return registry
}

func DefaultRegistry() *Registry {
	return NewRegistry(OpenAIParser{}, AnthropicParser{}, PineconeParser{})
}

func (r *Registry) Get(name string) (Parser, bool) {
	parser, ok := r.parsers[name]
	return parser, ok
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.parsers))
	for name := range r.parsers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
