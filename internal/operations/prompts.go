package operations

import (
	"fmt"
	"time"
)

const extractionPrompt = `Extract every holding from this brokerage statement.
Reply with JSON: {"positions": [{"symbol": string, "quantity": number, "value": number}]}.
Use an empty list when the document has no holdings.`

func insightPrompt(question string) string {
	return fmt.Sprintf(`You are a personal finance assistant.
Answer the question below with short, concrete insights.
Reply with JSON: {"insights": [{"title": string, "detail": string}]}.

Question: %s`, question)
}

func actionPlanPrompt(horizon string) string {
	if horizon == "" {
		horizon = "the next 3 months"
	}

	return fmt.Sprintf(`You are a personal finance assistant.
Write an action plan for %s.
Reply with JSON: {"title": string, "steps": [{"action": string, "priority": "high"|"medium"|"low"}]}.`, horizon)
}

func defaultPlan(now time.Time) ActionPlan {
	return ActionPlan{
		Title: "Getting started",
		Steps: []Step{
			{Action: "Upload your latest account statement", Priority: "high"},
			{Action: "Review recurring expenses", Priority: "medium"},
			{Action: "Set a monthly savings target", Priority: "medium"},
		},
		Source:      "default",
		GeneratedAt: now,
	}
}
