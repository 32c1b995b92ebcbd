package conversation

import (
	"bytes"
	"encoding/json"
)

// Goal is one category of information the agent must elicit before it can
// write a job summary.
type Goal struct {
	Key         string
	Description string
}

// InternalGoals is the checklist injected into every conversation. The order
// is the order the keys are rendered in.
var InternalGoals = []Goal{
	{Key: "project", Description: "type, scope, structural changes"},
	{Key: "location", Description: "city, country, building type, access/constraints"},
	{Key: "areas", Description: "which rooms and rough size"},
	{Key: "building", Description: "age, construction type, structural constraints"},
	{Key: "utilities", Description: "electrical panel, gas, plumbing layout, HVAC"},
	{Key: "finishes", Description: "cabinetry, countertops, fixtures, appliances, paint"},
	{Key: "budget_timeline", Description: "budget range and target completion date"},
	{Key: "occupancy", Description: "occupied during work? tenant/time constraints"},
	{Key: "permits", Description: "permits required/planned, code constraints"},
	{Key: "access_waste", Description: "site access, parking, deliveries, waste removal"},
	{Key: "hazards", Description: "asbestos, lead, mold, other risks"},
	{Key: "drawings", Description: "photos, plans, sketches"},
}

// GoalsInstruction renders goals as the system instruction
// `INTERNAL_GOALS: {"key":"description",...}` keeping declaration order.
func GoalsInstruction(goals []Goal) string {
	var buf bytes.Buffer
	buf.WriteString("INTERNAL_GOALS: {")
	for i, g := range goals {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, _ := json.Marshal(g.Key)
		v, _ := json.Marshal(g.Description)
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.String()
}
