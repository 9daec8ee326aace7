package llm

import (
	"strings"
	"text/template"
)

const systemPrompt = `You are a quantitative researcher mining alpha factors for daily equity panels.
Factors are written in a small expression language over the fields $open, $high, $low, $close, $volume, $vwap and $return.
Always answer with a single JSON object and nothing else.`

var funcs = template.FuncMap{
	"join": strings.Join,
}

var hypothesisTemplate = template.Must(template.New("hypothesis").Funcs(funcs).Parse(`
{{- if .Direction}}Research direction: {{.Direction}}
{{end}}
{{- if .History}}Previous iterations, oldest first:
{{range .History}}
- Iteration {{.Iteration}}{{if .Hypothesis}}: "{{.Hypothesis.Theme}}"{{end}}{{if .Skipped}} (skipped){{end}}
{{- range .Evaluations}}
  * {{.Task}} = {{.Expression}} -> {{.Metrics.Summary}}{{if .Accepted}} ACCEPTED{{else if .Reason}} rejected: {{.Reason}}{{end}}
{{- end}}
{{- range .Failures}}
  ! {{.}}
{{- end}}
{{end}}
{{else}}This is the first iteration.
{{end}}
{{- if .Known}}Factors already in the library for related themes:
{{range .Known}}- {{.Entry.Name}} = {{.Entry.Expression}} ({{.Entry.Metrics.Summary}})
{{end}}{{end}}
Propose the next market hypothesis worth testing. Build on what worked and move away from what failed.
Reply as {"theme": "...", "rationale": "...", "fields": ["close", ...], "observations": "...", "justification": "..."}`))

var constructTemplate = template.Must(template.New("construct").Funcs(funcs).Parse(`Hypothesis: {{.Hypothesis.Theme}}
Rationale: {{.Hypothesis.Rationale}}
{{- if .Hypothesis.Fields}}
Relevant fields: {{join .Hypothesis.Fields ", "}}{{end}}

Available functions (n is an integer window):
{{.Functions}}
Operators: + - * / > < >= <= == != && || and unary - !

{{- if .Known}}

Do not repeat these existing factors:
{{range .Known}}- {{.Entry.Expression}}
{{end}}{{end}}
{{- if .Failures}}
Avoid the mistakes of the previous iteration:
{{range .Failures}}- {{.}}
{{end}}{{end}}
Write {{.Count}} distinct factors implementing the hypothesis. Keep each expression short.
Reply as {"factors": [{"name": "snake_case_name", "description": "...", "expression": "..."}]}`))

var summaryTemplate = template.Must(template.New("summary").Funcs(funcs).Parse(`Factor {{.Task.Name}}: {{.Task.Description}}
Attempt {{.Round}} is about to start. The last expression was:
{{.PreviousExpression}}

Errors so far:
{{range .Causes}}- {{.}}
{{end}}
Explain in one sentence what the errors have in common and in one sentence how to avoid them.
Reply as {"cause": "...", "fix": "..."}`))

var rewriteTemplate = template.Must(template.New("rewrite").Funcs(funcs).Parse(`Factor {{.Task.Name}}: {{.Task.Description}}
Attempt {{.Round}} failed.

Previous expression:
{{.PreviousExpression}}

Error:
{{.Error}}
{{- if .History}}

Earlier attempts:
{{range .History}}- round {{.Round}}: {{.Expression}} -> {{.Outcome}}{{if .Error}} ({{.Error}}){{end}}
{{end}}{{end}}
{{- if .Summary}}
Diagnosis: {{.Summary.Cause}}
Suggested fix: {{.Summary.Fix}}
{{end}}
{{- if .Known}}
Nearest factors already accepted in the library:
{{range .Known}}- {{.Entry.Name}} = {{.Entry.Expression}} ({{.Entry.Metrics.Summary}})
{{end}}{{end}}
Available functions (n is an integer window):
{{.Functions}}
Rewrite the expression so it parses, uses only the functions and fields above and produces values for most dates.
Keep the economic idea of the factor and do not copy a library factor.
Reply as {"expression": "..."}`))

func render(t *template.Template, data any) (string, error) {
	var b strings.Builder
	if err := t.Execute(&b, data); err != nil {
		return "", err
	}
	return b.String(), nil
}
