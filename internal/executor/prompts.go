package executor

import (
	"fmt"
	"strings"

	"github.com/mohammad-safakhou/researcher/internal/tools"
)

func (e *Executor) decisionPrompt(st *runState, available []tools.Descriptor) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Sub-question: %q\n", st.sq.Text)
	if e.opts.RootQuery != "" && e.opts.RootQuery != st.sq.Text {
		fmt.Fprintf(&b, "It is part of the research task: %q\n", e.opts.RootQuery)
	}
	if len(e.opts.Domains) > 0 {
		fmt.Fprintf(&b, "Prefer sources from: %s\n", strings.Join(e.opts.Domains, ", "))
	}
	if len(e.opts.SourceURLs) > 0 {
		fmt.Fprintf(&b, "User supplied sources worth reading: %s\n", strings.Join(e.opts.SourceURLs, ", "))
	}
	if e.opts.Background != "" {
		fmt.Fprintf(&b, "\nBackground for the whole task:\n%s\n", e.opts.Background)
	}
	b.WriteString("\nAvailable tools:\n")
	for _, d := range available {
		schema := "{}"
		if len(d.InputSchema) > 0 {
			schema = string(d.InputSchema)
		}
		fmt.Fprintf(&b, "- %s: %s\n  arguments: %s\n", d.Name, d.Description, schema)
	}
	b.WriteString("\nEvidence so far:\n")
	b.WriteString(st.context(e.opts.ContextBudget))
	b.WriteString("\n\nReply with action \"tool\", a tool name and its arguments to gather more evidence, ")
	b.WriteString("or action \"answer\" once the evidence is sufficient. Do not repeat a call that already succeeded.")
	return b.String()
}

func (e *Executor) synthesisPrompt(st *runState, forced bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Answer the sub-question %q using only the evidence below.\n", st.sq.Text)
	if e.opts.Tone != "" {
		fmt.Fprintf(&b, "Write in a %s tone.\n", e.opts.Tone.Instruction())
	}
	if forced {
		b.WriteString("The research budget is exhausted; answer as well as the evidence allows and say what remains uncertain.\n")
	}
	b.WriteString("\nEvidence:\n")
	b.WriteString(st.context(e.opts.ContextBudget))
	if e.opts.Background != "" {
		fmt.Fprintf(&b, "\n\nBackground for the whole task:\n%s", e.opts.Background)
	}
	if len(st.sources) > 0 {
		b.WriteString("\n\nCandidate sources:\n")
		for _, s := range st.sources {
			fmt.Fprintf(&b, "- %s %s\n", s.URL, s.Title)
		}
	}
	b.WriteString("\nList in sources the URLs your answer actually relies on.")
	return b.String()
}
