package pipeline

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/vardasoft/antfarm/pkg/models"
)

// keyLinePattern matches a KEY: line starting at column 0 (spec.md §6:
// "one or more KEY: value lines... continue until the next KEY: at
// column 0").
var keyLinePattern = regexp.MustCompile(`^([A-Z_]+):(.*)$`)

// StoriesJSONKey is the reserved key whose value is a JSON array rather
// than a plain string, and which is never merged into the run context
// (spec.md §4.4 step 2).
const StoriesJSONKey = "STORIES_JSON"

// ParsedOutput is the result of splitting a worker's KEY:value output into
// its plain fields and, if present, its raw STORIES_JSON payload.
type ParsedOutput struct {
	Fields      map[string]string // lowercased keys, trimmed values
	StoriesJSON string            // raw JSON array text, empty if absent
}

// ParseOutput splits a worker's reported output into KEY:value fields plus
// an optional STORIES_JSON block (spec.md §4.4 step 2-3, §6).
func ParseOutput(output string) ParsedOutput {
	lines := strings.Split(output, "\n")

	result := ParsedOutput{Fields: make(map[string]string)}
	var curKey string
	var curValue []string

	flush := func() {
		if curKey == "" {
			return
		}
		value := strings.TrimSpace(strings.Join(curValue, "\n"))
		if curKey == StoriesJSONKey {
			result.StoriesJSON = value
		} else {
			result.Fields[strings.ToLower(curKey)] = value
		}
	}

	for _, line := range lines {
		if m := keyLinePattern.FindStringSubmatch(line); m != nil {
			flush()
			curKey = m[1]
			curValue = []string{strings.TrimSpace(m[2])}
			continue
		}
		if curKey != "" {
			curValue = append(curValue, line)
		}
	}
	flush()

	return result
}

// ParseStoriesJSON decodes and validates a STORIES_JSON payload extracted
// by ParseOutput. Returns models.ValidateStoryPayloads' error unchanged on
// a rule violation (spec.md §4.4 step 3: "On validation failure, raise").
func ParseStoriesJSON(raw string) ([]models.StoryPayload, error) {
	var payloads []models.StoryPayload
	if err := json.Unmarshal([]byte(raw), &payloads); err != nil {
		return nil, fmt.Errorf("STORIES_JSON: invalid JSON: %w", err)
	}
	if err := models.ValidateStoryPayloads(payloads); err != nil {
		return nil, err
	}
	return payloads, nil
}
