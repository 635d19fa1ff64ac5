package extract

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/genai"
)

// LayoutParse sends a PDF to the model and asks for its tabular structure
// as strict JSON. Implements LayoutParser for PDF inputs.
func (g *Gemini) LayoutParse(ctx context.Context, file File) (*Layout, error) {
	prompt := "You are a document layout extractor for financial PDFs.\n\n" +
		"Task:\n" +
		"- Identify every table in the attached document and transcribe it cell by cell.\n" +
		"- Collect any non-tabular text into text blocks.\n" +
		"- Output STRICT JSON only (no comments, no trailing commas, no extra text).\n\n" +
		"Output a single JSON object with these keys:\n" +
		"- \"tables\": array of {\"name\": string, \"header\": [string], \"rows\": [[string]]}\n" +
		"- \"text_blocks\": array of strings\n" +
		"- \"quality_confidence\": number between 0 and 1\n\n" +
		"Rules:\n" +
		"- Preserve cell text exactly; do not reformat dates or amounts.\n" +
		"- Lower quality_confidence when the scan is noisy or cells are ambiguous.\n" +
		"- Return ONLY valid raw JSON, beginning with \"{\" and ending with \"}\".\n" +
		"- Do NOT wrap the response in code fences.\n"

	contents := []*genai.Content{
		{
			Role: "user",
			Parts: []*genai.Part{
				{Text: prompt},
				{
					InlineData: &genai.Blob{
						MIMEType: "application/pdf",
						Data:     file.Data,
					},
				},
			},
		},
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, nil)
	if err != nil {
		return nil, fmt.Errorf("layout: generate content: %w", err)
	}

	rawText := resp.Text()
	if rawText == "" {
		return nil, fmt.Errorf("layout: empty response from model")
	}

	var parsed struct {
		Tables []struct {
			Name   string     `json:"name"`
			Header []string   `json:"header"`
			Rows   [][]string `json:"rows"`
		} `json:"tables"`
		TextBlocks        []string `json:"text_blocks"`
		QualityConfidence float64  `json:"quality_confidence"`
	}
	if err := json.Unmarshal([]byte(cleanModelJSON(rawText)), &parsed); err != nil {
		return nil, fmt.Errorf("layout: unmarshal JSON: %w\nraw response: %s", err, rawText)
	}

	layout := &Layout{
		TextBlocks:        parsed.TextBlocks,
		QualityConfidence: parsed.QualityConfidence,
	}
	for _, t := range parsed.Tables {
		layout.Tables = append(layout.Tables, Table{Name: t.Name, Header: t.Header, Rows: t.Rows})
	}
	return layout, nil
}

var _ LayoutParser = (*Gemini)(nil)
