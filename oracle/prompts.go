package oracle

import (
	"fmt"
	"strings"
)

const guardrailPrompt = `You are the guardrail for a SQL assistant working on a single database.

Decide whether the user's question can be answered or simulated using ONLY the
database described below: queries, schema changes, data changes, or
what-if experiments run in isolated branches that may later be committed.

Questions needing external or real-time data, unrelated chit-chat, or work
that cannot be approximated with SQL on this database are out of scope.
Do not mark a question out of scope just because it mentions strategies,
branches, experiments or commits.

Database schema:
%s

Reply ONLY in JSON:
{"in_scope": true or false, "reason": "<short explanation>"}`

const routerPrompt = `You are the router for a SQL assistant.

Classify the user's question into EXACTLY ONE intent:
  READ_ONLY        - pure analysis, SELECT queries only.
  SCHEMA_CHANGE    - create, alter or drop tables or columns.
  EXPERIMENT_START - compare several hypothetical strategies, each run in its
                     own speculative branch of the database.

Database schema:
%s

Do NOT write SQL. Reply ONLY in JSON:
{"intent": "READ_ONLY" | "SCHEMA_CHANGE" | "EXPERIMENT_START", "reason": "<short explanation>"}`

const plannerPrompt = `You are the experiment planner for a SQL assistant.

Design exactly %d distinct branches (strategies) that explore different
what-if hypotheses for the user's request on this database:

%s

For each branch give a short "branch_id" (b1, b2, ...), a human readable
"name", its "hypothesis" and an ordered list of natural-language
"operations" that will later be turned into SQL. Choose one global
"primary_metric" used to compare branches and optional "secondary_metrics".
Every branch must be feasible with the schema above. Do NOT write SQL.

Reply ONLY in JSON:
{"branches": [{"branch_id": "b1", "name": "...", "hypothesis": "...", "operations": ["..."]}],
 "primary_metric": "...", "secondary_metrics": ["..."]}`

const generatorPrompt = `You are the SQL generator for a %s database.

Database schema:
%s

Rules:
- Use only tables and columns that exist in the schema.
- Each element you return is executed on its own and MUST be a complete
  statement. Keep every WITH clause and its final SELECT in one statement.
- In HAVING clauses repeat the aggregate expression instead of a SELECT alias.
%s
Reply ONLY in JSON: {"sql": ["<statement 1>", "<statement 2>"]}`

const readOnlyRules = `- Generate ONLY SELECT statements.`

const schemaChangeRules = `- Generate the CREATE, ALTER or DROP statements that implement the request.
- The statements run in an isolated branch that is committed when all succeed.`

const experimentRules = `- Materialize the strategy with CREATE TABLE, INSERT, UPDATE or DELETE
  statements; they run in an isolated branch, never on the mainline.
- Do not put discount or scaling arithmetic inside the final SELECT; update the
  data first and select the resulting columns.
- END with a single SELECT that computes the primary metric "%s" (and any
  secondary metrics) as named numeric columns.`

const repairPrompt = `You fix SQL statements that failed on a %s database.

You receive the failed statement and the error returned by the engine.
Identify the cause (wrong column or table name, alias, syntax, GROUP BY) and
return a corrected statement that keeps the original intent and only uses
this schema:

%s

Return ONLY the corrected SQL, without explanation. If the statement is
fundamentally impossible with this schema, return exactly:
` + Impossible

const evaluatorPrompt = `You evaluate speculative branches (worlds) of a database experiment.

Each branch tested a different strategy and reports numeric metrics. Compare
the branches on the primary metric "%s" and note important trade-offs on the
secondary metrics. Branches with status "failed" are not candidates.

Write a brief bullet-point comparison, then end with exactly one line:
recommended_world_id: <world_id or NONE>`

func generatorSystemPrompt(dialect string, req GenerationRequest) string {
	var rules string
	switch req.Intent {
	case ReadOnly:
		rules = readOnlyRules
	case SchemaChange:
		rules = schemaChangeRules
	case ExperimentStart, OutOfScope:
		metric := req.PrimaryMetric
		if metric == "" {
			metric = defaultPrimaryMetric
		}
		rules = fmt.Sprintf(experimentRules, metric)
	}
	return fmt.Sprintf(generatorPrompt, dialect, req.Schema, rules)
}

func generatorUserPrompt(req GenerationRequest) string {
	if req.Branch == nil {
		return req.Question
	}

	var b strings.Builder
	fmt.Fprintf(&b, "User question:\n%s\n\n", req.Question)
	fmt.Fprintf(&b, "Generate SQL for this experiment branch:\n- branch_id: %s\n- name: %s\n- hypothesis: %s\n\n",
		req.Branch.BranchID, req.Branch.Name, req.Branch.Hypothesis)
	b.WriteString("Operations to implement, in order:\n")
	for _, op := range req.Branch.Operations {
		fmt.Fprintf(&b, "- %s\n", op)
	}
	b.WriteString("\nThe statements run in a fresh copy of the mainline database and must end by computing the metrics used to evaluate this strategy.")
	return b.String()
}

func repairUserPrompt(statement, rawError string) string {
	return fmt.Sprintf("Failed statement:\n%s\n\nError:\n%s", statement, rawError)
}
