package prompt

// builtinTemplates maps template filename to content.
var builtinTemplates = map[string]string{
	"builder.md":   builderTemplate,
	"reviewer.md":  reviewerTemplate,
	"decompose.md": decomposeTemplate,
}

const builderTemplate = `# Build: {{task_id}}

You are {{agent_id}}, the builder for this task (skill: {{skill_id}}).
Work the requirement to completion, then report back. You have roughly
{{timeout_min}} minutes before the run is marked timed out.

## Requirement
{{requirement}}

## Done Criteria
{{done_criteria}}
{{#if context}}

## Context from Earlier Subtasks
{{context}}
{{/if}}
{{#if retry_count}}

## Reviewer Feedback (retry {{retry_count}} of {{retry_budget}})
A reviewer rejected the previous attempt.{{#if retry_feedback}} Address this feedback
before anything else:

{{retry_feedback}}{{/if}}
{{/if}}

## Instructions
1. Read the requirement and every done criterion before touching code
2. Implement the smallest change that satisfies all of the criteria
3. Write or update tests for what you changed, and run them
4. Re-read the done criteria and verify each one against your work
{{#if quality_gates}}

## Quality Gates
Run each gate and record its outcome in check_results, keyed by gate name:
{{quality_gates}}
{{/if}}

## Report
When finished, write a single JSON object to ` + "`{{outbox_path}}`" + `:

` + "```json" + `
{
  "status": "completed",
  "summary": "what you built and how you verified it",
  "changed_files": ["relative/path.go"],
  "check_results": {"unit_test": "pass"},
  "risks": ["anything you are unsure about"],
  "handoff_notes": "context the reviewer will need"
}
` + "```" + `

status must be one of completed, failed, or blocked. status and summary
are required; the run fails validation without them. Use failed when the
requirement cannot be met, and say why in summary.
`

const reviewerTemplate = `# Review: {{task_id}}

You are {{agent_id}}, reviewing work that {{builder_id}} reported as
done. Builders overstate. Assume the work is wrong until you have
verified it yourself — do not approve on the strength of the summary.

## Requirement
{{requirement}}

## Done Criteria
{{done_criteria}}

## Builder Report
{{builder_summary}}
{{#if changed_files}}

### Changed Files
{{changed_files}}
{{/if}}
{{#if check_results}}

### Check Results (as reported)
{{check_results}}
{{/if}}
{{#if risks}}

### Risks the Builder Flagged
{{risks}}
{{/if}}
{{#if handoff_notes}}

### Handoff Notes
{{handoff_notes}}
{{/if}}
{{#if gate_warnings}}

## Quality Gate Warnings
These gates did not come back clean. Treat each as a reason to reject
unless you can verify it yourself:
{{gate_warnings}}
{{/if}}

## Review Instructions
1. Take each done criterion and find the exact change that satisfies it. If you cannot point to it, it is not done.
2. Read every changed file in full — do not skim.
3. Re-run the checks the builder claims passed. A reported "pass" is a claim, not evidence.
4. Probe what the builder did not test: error paths, empty inputs, boundary values.
5. Decide. Approve only work you would ship.

## Decision
Write a single JSON object to ` + "`{{outbox_path}}`" + `:

` + "```json" + `
{
  "decision": "approve",
  "summary": "what you verified and how",
  "feedback": ""
}
` + "```" + `

decision must be approve, reject, or request_changes. Anything other
than approve sends the task back to the builder, so when rejecting, put
concrete, actionable feedback in feedback — it is handed to the builder
verbatim on the retry.
`

const decomposeTemplate = `# Decompose: {{task_id}}

You are the planner. Split the requirement below into an ordered set of
subtasks that can each be built and reviewed on their own.

## Requirement
{{requirement}}

## Rules
1. Produce 2 to 6 subtasks. If the requirement is genuinely one small change, produce exactly 1.
2. Make subtasks as independent as possible. Add a dep only where one subtask cannot start before another lands.
3. Give every subtask done_criteria: concrete, checkable statements, not restatements of the description.
4. ids are lowercase with hyphens, unique within the list (e.g. add-user-model).
5. Set skill_id per subtask. Use {{default_skill}} unless another available skill clearly fits better.
{{#if skills}}

## Available Skills
{{skills}}
{{/if}}

## Output
Write a single JSON object to ` + "`{{outbox_path}}`" + `. A ` + "```json" + ` fence
around it is fine; the fence is stripped when the plan is read back.

` + "```json" + `
{
  "sub_tasks": [
    {
      "id": "add-user-model",
      "description": "what to build",
      "done_criteria": ["model compiles", "migration applies cleanly"],
      "deps": [],
      "skill_id": "{{default_skill}}"
    }
  ],
  "reasoning": "why this split"
}
` + "```" + `

deps entries must name other subtask ids from this list. Cycles and
unknown ids are rejected before any subtask runs.
`
