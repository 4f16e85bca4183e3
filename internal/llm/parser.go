package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// cleanMarkdownWrapper removes ```json fences and any prose around the outermost JSON object.
func cleanMarkdownWrapper(content string) string {
	content = strings.TrimSpace(content)

	if strings.HasPrefix(content, "```") {
		content = strings.TrimPrefix(content, "```json")
		content = strings.TrimPrefix(content, "```")
		content = strings.TrimSuffix(strings.TrimSpace(content), "```")
		content = strings.TrimSpace(content)
	}

	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start >= 0 && end > start {
		content = content[start : end+1]
	}

	return content
}

// Decode unmarshals a completion into v.
func Decode(resp Response, v any) error {
	content := cleanMarkdownWrapper(resp.Content)
	if content == "" {
		return fmt.Errorf("empty completion")
	}
	if err := json.Unmarshal([]byte(content), v); err != nil {
		return fmt.Errorf("failed to parse JSON response: %w", err)
	}
	return nil
}

// RankedCode is one code proposed by the model.
type RankedCode struct {
	Code          string  `json:"code"`
	Confidence    float64 `json:"confidence"`
	Justification string  `json:"justification"`
}

// RankingResponse is the structured shape returned for ranking prompts.
type RankingResponse struct {
	Rankings []RankedCode `json:"rankings"`
}

// JudgmentResponse is the structured shape returned for confirmation prompts.
type JudgmentResponse struct {
	Consistent    bool    `json:"consistent"`
	Confidence    float64 `json:"confidence"`
	Justification string  `json:"justification"`
}

// ParseRankings decodes and sanity-checks a ranking completion. Scores given
// as percentages are scaled into [0,1]; entries without a code are dropped.
func ParseRankings(resp Response) ([]RankedCode, error) {
	var parsed RankingResponse
	if err := Decode(resp, &parsed); err != nil {
		return nil, err
	}

	rankings := make([]RankedCode, 0, len(parsed.Rankings))
	for _, r := range parsed.Rankings {
		r.Code = strings.TrimSpace(r.Code)
		if r.Code == "" {
			continue
		}
		r.Confidence = clampScore(r.Confidence)
		rankings = append(rankings, r)
	}
	if len(rankings) == 0 {
		return nil, fmt.Errorf("no rankings found in response")
	}
	return rankings, nil
}

// ParseJudgment decodes a confirmation completion.
func ParseJudgment(resp Response) (JudgmentResponse, error) {
	var parsed JudgmentResponse
	if err := Decode(resp, &parsed); err != nil {
		return JudgmentResponse{}, err
	}
	parsed.Confidence = clampScore(parsed.Confidence)
	return parsed, nil
}

func clampScore(score float64) float64 {
	if score > 1.0 && score <= 100.0 {
		score /= 100.0
	}
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}
