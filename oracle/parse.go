package oracle

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/nickyhof/ForkDB/sql"
)

const (
	roleGuardrail = "guardrail"
	roleRouter    = "router"
	rolePlanner   = "planner"
	roleGenerator = "generator"
	roleRepair    = "repair"
	roleEvaluator = "evaluator"
)

const defaultPrimaryMetric = "total_revenue"

var recommendationPattern = regexp.MustCompile(`(?i)recommended_world_id:\s*(\S+)`)

// unwrapJSON strips code fences and anything outside the outermost braces.
func unwrapJSON(response string) string {
	text := sql.StripCodeFences(response)
	start := strings.IndexAny(text, "{[")
	end := strings.LastIndexAny(text, "}]")
	if start < 0 || end < start {
		return text
	}
	return text[start : end+1]
}

// ParseScope reads a guardrail response {"in_scope": bool, "reason": "..."}.
func ParseScope(response string) (bool, string, error) {
	var data struct {
		InScope *bool  `json:"in_scope"`
		Reason  string `json:"reason"`
	}
	if err := json.Unmarshal([]byte(unwrapJSON(response)), &data); err != nil {
		return true, "", &MalformedResponseError{Role: roleGuardrail, Response: response, Err: err}
	}
	if data.InScope == nil {
		return true, data.Reason, &MalformedResponseError{Role: roleGuardrail, Response: response, Err: errors.New("missing in_scope")}
	}
	return *data.InScope, strings.TrimSpace(data.Reason), nil
}

// ParseClassification reads a router response. Both the JSON form and the
// "intent: X" line form are accepted. Unknown intents fall back to
// READ_ONLY together with a MalformedResponseError.
func ParseClassification(response string) (Classification, error) {
	var data struct {
		Intent string `json:"intent"`
		Reason string `json:"reason"`
	}

	if err := json.Unmarshal([]byte(unwrapJSON(response)), &data); err != nil {
		data.Intent, data.Reason = parseIntentLines(response)
		if data.Intent == "" {
			return Classification{Intent: ReadOnly, Reason: "unparseable router response"},
				&MalformedResponseError{Role: roleRouter, Response: response, Err: err}
		}
	}

	intent := Intent(strings.ToUpper(strings.TrimSpace(data.Intent)))
	switch intent {
	case ReadOnly, SchemaChange, ExperimentStart, OutOfScope:
		return Classification{Intent: intent, Reason: strings.TrimSpace(data.Reason)}, nil
	default:
		return Classification{Intent: ReadOnly, Reason: fmt.Sprintf("invalid intent %q", data.Intent)},
			&MalformedResponseError{Role: roleRouter, Response: response, Err: fmt.Errorf("invalid intent %q", data.Intent)}
	}
}

func parseIntentLines(response string) (intent, reason string) {
	for _, line := range strings.Split(response, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "intent":
			intent = strings.TrimSpace(value)
		case "reason":
			reason = strings.TrimSpace(value)
		}
	}
	return intent, reason
}

// ParsePlan reads a planner response. A plan needs at least one branch with
// an id; the primary metric defaults to total_revenue.
func ParsePlan(response string) (Plan, error) {
	var plan Plan
	if err := json.Unmarshal([]byte(unwrapJSON(response)), &plan); err != nil {
		return Plan{}, &MalformedResponseError{Role: rolePlanner, Response: response, Err: err}
	}

	branches := plan.Branches[:0]
	for _, branch := range plan.Branches {
		if strings.TrimSpace(branch.BranchID) == "" {
			continue
		}
		branches = append(branches, branch)
	}
	plan.Branches = branches

	if len(plan.Branches) == 0 {
		return Plan{}, &MalformedResponseError{Role: rolePlanner, Response: response, Err: errors.New("no valid branches")}
	}
	if plan.PrimaryMetric == "" {
		plan.PrimaryMetric = defaultPrimaryMetric
	}
	if plan.SecondaryMetrics == nil {
		plan.SecondaryMetrics = []string{}
	}
	return plan, nil
}

// ParseStatements reads a generator response: {"sql": [...]}, a bare JSON
// array, or plain statement text split on semicolons. A JSON reply without
// usable statements is malformed.
func ParseStatements(response string) ([]string, error) {
	text := strings.TrimSpace(sql.StripCodeFences(response))
	body := unwrapJSON(response)

	leadsWithJSON := strings.HasPrefix(text, "{") || strings.HasPrefix(text, "[")
	if (leadsWithJSON || strings.HasPrefix(body, "{")) && json.Valid([]byte(body)) {
		return parseStatementsJSON(response, body)
	}

	statements := sql.Split(text)
	if len(statements) == 0 {
		return nil, &MalformedResponseError{Role: roleGenerator, Response: response, Err: errors.New("no statements")}
	}
	return statements, nil
}

func parseStatementsJSON(response, body string) ([]string, error) {
	var raw []string
	if strings.HasPrefix(body, "[") {
		if err := json.Unmarshal([]byte(body), &raw); err != nil {
			return nil, &MalformedResponseError{Role: roleGenerator, Response: response, Err: err}
		}
	} else {
		var wrapped struct {
			SQL []string `json:"sql"`
		}
		if err := json.Unmarshal([]byte(body), &wrapped); err != nil {
			return nil, &MalformedResponseError{Role: roleGenerator, Response: response, Err: err}
		}
		raw = wrapped.SQL
	}

	statements := cleanStatements(raw)
	if len(statements) == 0 {
		return nil, &MalformedResponseError{Role: roleGenerator, Response: response, Err: errors.New(`no statements under "sql"`)}
	}
	return statements, nil
}

func cleanStatements(raw []string) []string {
	statements := make([]string, 0, len(raw))
	for _, s := range raw {
		s = strings.TrimSpace(sql.StripCodeFences(s))
		if s != "" {
			statements = append(statements, s)
		}
	}
	return statements
}

// ParseRepair cleans a repair response. Impossible is returned verbatim.
func ParseRepair(response string) string {
	text := sql.StripCodeFences(response)
	if IsImpossible(text) {
		return Impossible
	}
	return strings.TrimSpace(text)
}

// ParseRecommendation reads the "recommended_world_id: <id|NONE>" line.
func ParseRecommendation(response string) (Recommendation, error) {
	matches := recommendationPattern.FindAllStringSubmatch(response, -1)
	if len(matches) == 0 {
		return Recommendation{Rationale: strings.TrimSpace(response)},
			&MalformedResponseError{Role: roleEvaluator, Response: response, Err: errors.New("missing recommended_world_id")}
	}

	id := strings.Trim(matches[len(matches)-1][1], "`'\".,")
	if strings.EqualFold(id, "NONE") {
		id = ""
	}

	rationale := strings.TrimSpace(recommendationPattern.ReplaceAllString(response, ""))
	return Recommendation{WorldID: id, Rationale: rationale}, nil
}
