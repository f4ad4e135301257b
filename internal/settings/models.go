package settings

import "strings"

// DefaultModels is used when the site has no "models" setting.
const DefaultModels = `gpt-5.2, chat
gpt-5.1, chat
gpt-5, chat
gpt-5-mini, chat
gpt-5-nano, chat
gpt-4.1, chat
gpt-4.1-mini, chat
gpt-4.1-nano, chat
gpt-4o, chat
gpt-4o-mini, chat
o3, chat
o3-mini, chat
o4-mini, chat`

// ParseModels reads "model, type" lines into a model -> strategy type map.
func ParseModels(block string) map[string]string {
	if strings.TrimSpace(block) == "" {
		block = DefaultModels
	}
	models := map[string]string{}
	for _, line := range strings.Split(strings.TrimSpace(block), "\n") {
		parts := strings.Split(line, ",")
		if len(parts) != 2 {
			continue
		}
		model := strings.TrimSpace(parts[0])
		kind := strings.TrimSpace(parts[1])
		if model == "" || kind == "" {
			continue
		}
		models[model] = kind
	}
	return models
}
