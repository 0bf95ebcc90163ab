package llm

import (
	"embed"
	"encoding/json"
	"fmt"
)

//go:embed prompts/*.json
var promptFS embed.FS

// Few-shot prompt names.
const (
	PromptBrand    = "brand"
	PromptCRP      = "crp"
	PromptIndustry = "industry"
)

// FewShot returns a fresh copy of the named few-shot conversation.
func FewShot(name string) ([]Message, error) {
	data, err := promptFS.ReadFile("prompts/" + name + ".json")
	if err != nil {
		return nil, fmt.Errorf("loading prompt %s: %w", name, err)
	}
	var msgs []Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil, fmt.Errorf("parsing prompt %s: %w", name, err)
	}
	return msgs, nil
}
