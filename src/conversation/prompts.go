package conversation

import (
	"fmt"
	"strings"
	"text/template"
)

const ClarifyPolicy = "CLARIFY_POLICY: If user input is unclear, ask one short clarifying question naming the unclear part and offer up to two brief interpretations to confirm."

// DefaultFriendlyName is used in the greeting when the job carries no name.
const DefaultFriendlyName = "there"

// FirstQuestion is the fixed first question of every session.
const FirstQuestion = "What is the project and which room or area are we working on?"

const AssistantInstructions = `You are a professional, concise voice AI consultant for building and renovation projects.

Rules:
- Reply in one short sentence (optionally add one clarifying line). Max 200 characters. Never use lists.
- Ask only one focused question at a time.
- If the user's reply is unclear, ask one short clarifying question naming the unclear part, offering up to two brief interpretations to confirm (e.g., "Do you mean A or B?").
- Stop follow-ups only when you have enough details to produce a short plan, materials list, rough estimate, and contractor-ready job summary.

Tone & Voice:
- Professional, approachable, and clear.
- Encourage users to provide concise, relevant details.
- Keep conversation natural but goal-focused to gather project scope, location, rooms, building info, utilities, finishes, budget, permits, hazards, access, and drawings.

Goal:
Lead a smooth, guided conversation to understand the full project scope for producing a proposal and connecting with the right contractors.`

// DefaultOpeningTemplate is the scripted greeting instruction. {{.Name}} is
// the friendly name and {{.Question}} the fixed first question.
const DefaultOpeningTemplate = `Greet the user by name ("{{.Name}}") in one short, friendly sentence. Keep all replies under 200 characters and never use lists.
Say in one short sentence that you help with planning, estimating, and advising on building and renovation projects.
State in one short sentence that you will ask one short question at a time and then produce a short plan, materials list, rough estimate, and job summary.
Then ask the first focused question (one short sentence): "{{.Question}}"`

// FriendlyName returns the first whitespace separated token of username, or
// DefaultFriendlyName when there is none.
func FriendlyName(username string) string {
	fields := strings.Fields(username)
	if len(fields) == 0 {
		return DefaultFriendlyName
	}
	return fields[0]
}

// FriendlyNameFact is the assistant turn that records the user's name.
func FriendlyNameFact(name string) string {
	return "The user's friendly name is " + name
}

// MemoryContextInstruction wraps a retrieved memory block as a system turn.
func MemoryContextInstruction(block string) string {
	return "MEMORY_CONTEXT: " + strings.TrimSpace(block)
}

// OpeningTemplate renders the scripted first turn.
type OpeningTemplate struct {
	tmpl *template.Template
}

// ParseOpeningTemplate compiles text; an empty string selects
// DefaultOpeningTemplate.
func ParseOpeningTemplate(text string) (*OpeningTemplate, error) {
	if strings.TrimSpace(text) == "" {
		text = DefaultOpeningTemplate
	}
	tmpl, err := template.New("opening").Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse opening template: %w", err)
	}
	return &OpeningTemplate{tmpl: tmpl}, nil
}

// Render substitutes the friendly name.
func (t *OpeningTemplate) Render(name string) (string, error) {
	var sb strings.Builder
	data := map[string]string{"Name": name, "Question": FirstQuestion}
	if err := t.tmpl.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("render opening template: %w", err)
	}
	return sb.String(), nil
}
