package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// Gemini implements Extractor and the PDF side of layout parsing on top of
// the Gemini API.
type Gemini struct {
	client *genai.Client
	model  string
}

// NewGemini creates the Gemini-backed extractor. Credentials come from the
// environment (GEMINI_API_KEY or application default credentials).
func NewGemini(ctx context.Context, model string) (*Gemini, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		HTTPOptions: genai.HTTPOptions{APIVersion: "v1"},
	})
	if err != nil {
		return nil, fmt.Errorf("extract: create genai client: %w", err)
	}
	return &Gemini{client: client, model: model}, nil
}

// Extract asks the model for the schema's fields as strict JSON.
func (g *Gemini) Extract(ctx context.Context, content string, schema Schema) (*Result, error) {
	prompt := buildSchemaPrompt(schema)

	contents := []*genai.Content{
		{
			Role: "user",
			Parts: []*genai.Part{
				{Text: prompt},
				{Text: "INPUT:\n" + content},
			},
		},
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, nil)
	if err != nil {
		return nil, fmt.Errorf("extract: generate content: %w", err)
	}

	rawText := resp.Text()
	if rawText == "" {
		return nil, fmt.Errorf("extract: empty response from model")
	}

	clean := cleanModelJSON(rawText)

	var parsed struct {
		Fields     map[string]interface{} `json:"fields"`
		Confidence float64                `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(clean), &parsed); err != nil {
		return nil, fmt.Errorf("extract: unmarshal JSON: %w\nraw response: %s", err, rawText)
	}
	if parsed.Fields == nil {
		return nil, fmt.Errorf("extract: model output missing 'fields' object")
	}
	if parsed.Confidence < 0 || parsed.Confidence > 1 {
		return nil, fmt.Errorf("extract: confidence %v out of range", parsed.Confidence)
	}

	return &Result{Fields: parsed.Fields, Confidence: parsed.Confidence}, nil
}

func buildSchemaPrompt(schema Schema) string {
	var b strings.Builder
	b.WriteString("You are a structured data extractor for financial documents.\n\n")
	b.WriteString("Task:\n")
	fmt.Fprintf(&b, "- Extract the %q fields listed below from the INPUT.\n", schema.Name)
	b.WriteString("- Output STRICT JSON only (no comments, no trailing commas, no extra text).\n")
	b.WriteString("- Output a single JSON object with exactly two keys:\n")
	b.WriteString("  \"fields\": object with the extracted values\n")
	b.WriteString("  \"confidence\": number between 0 and 1 for the extraction overall\n\n")
	b.WriteString("Fields:\n")
	for _, f := range schema.Fields {
		opt := "optional, null when absent"
		if f.Required {
			opt = "required"
		}
		fmt.Fprintf(&b, "- %q: %s (%s) %s\n", f.Name, f.Type, opt, f.Description)
	}
	b.WriteString("\nRules:\n")
	b.WriteString("- Dates use ISO format \"YYYY-MM-DD\".\n")
	b.WriteString("- Amounts are plain numbers, no currency symbols or thousands separators.\n")
	b.WriteString("- Never invent values; use null when the input does not contain a field.\n")
	b.WriteString("- Return ONLY valid raw JSON.\n")
	b.WriteString("- Do NOT wrap the response in code fences.\n")
	b.WriteString("- Output must begin with \"{\" and end with \"}\".\n")
	return b.String()
}

// cleanModelJSON strips Markdown fences and surrounding junk the model may
// emit despite instructions.
func cleanModelJSON(raw string) string {
	s := strings.TrimSpace(raw)

	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx != -1 {
			s = s[idx+1:]
		} else {
			return s
		}
		s = strings.TrimSpace(s)
	}
	if idx := strings.LastIndex(s, "```"); idx != -1 {
		s = s[:idx]
	}
	s = strings.TrimSpace(s)

	// Keep only from the first opening brace/bracket to the matching end.
	start := strings.IndexAny(s, "{[")
	if start == -1 {
		return s
	}
	var endByte byte = '}'
	if s[start] == '[' {
		endByte = ']'
	}
	if end := strings.LastIndexByte(s, endByte); end > start {
		s = strings.TrimSpace(s[start : end+1])
	}
	return s
}
