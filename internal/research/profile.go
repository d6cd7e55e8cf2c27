package research

import (
	"fmt"
	"strings"
)

// ReportType selects the structure and verbosity of a report.
type ReportType string

const (
	ReportResearch   ReportType = "research_report"
	ReportDetailed   ReportType = "detailed_report"
	ReportDeep       ReportType = "deep"
	ReportMultiAgent ReportType = "multi_agents"
	ReportResource   ReportType = "resource_report"
)

// Profile holds the knobs a report type implies.
type Profile struct {
	Type            ReportType
	MaxSubquestions int
	// ExtraIterations is added to the executor's iteration ceiling.
	ExtraIterations int
	SkipPlanning    bool
	SkipNarrative   bool
	Critique        bool
}

var profiles = map[ReportType]Profile{
	ReportResearch:   {Type: ReportResearch, MaxSubquestions: 3},
	ReportDetailed:   {Type: ReportDetailed, MaxSubquestions: 5},
	ReportDeep:       {Type: ReportDeep, MaxSubquestions: 7, ExtraIterations: 2},
	ReportMultiAgent: {Type: ReportMultiAgent, MaxSubquestions: 5, Critique: true},
	ReportResource:   {Type: ReportResource, MaxSubquestions: 1, SkipPlanning: true, SkipNarrative: true},
}

var reportAliases = map[string]ReportType{
	"":              ReportResearch,
	"quick":         ReportResearch,
	"research":      ReportResearch,
	"detailed":      ReportDetailed,
	"deep_research": ReportDeep,
	"multi-agent":   ReportMultiAgent,
	"multi_agent":   ReportMultiAgent,
	"sources":       ReportResource,
	"sources-only":  ReportResource,
	"resource":      ReportResource,
}

// ParseReportType accepts canonical names and the common short aliases.
func ParseReportType(s string) (ReportType, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	if rt, ok := reportAliases[key]; ok {
		return rt, nil
	}
	if _, ok := profiles[ReportType(key)]; ok {
		return ReportType(key), nil
	}
	return "", fmt.Errorf("unknown report type %q", s)
}

// Profile returns the settings for rt, falling back to research_report.
func (rt ReportType) Profile() Profile {
	if p, ok := profiles[rt]; ok {
		return p
	}
	return profiles[ReportResearch]
}

// Tone is the voice the report is written in.
type Tone string

const (
	ToneObjective   Tone = "objective"
	ToneFormal      Tone = "formal"
	ToneAnalytical  Tone = "analytical"
	TonePersuasive  Tone = "persuasive"
	ToneInformative Tone = "informative"
	ToneExplanatory Tone = "explanatory"
	ToneDescriptive Tone = "descriptive"
	ToneCritical    Tone = "critical"
	ToneComparative Tone = "comparative"
	ToneSpeculative Tone = "speculative"
	ToneReflective  Tone = "reflective"
	ToneNarrative   Tone = "narrative"
	ToneHumorous    Tone = "humorous"
	ToneOptimistic  Tone = "optimistic"
	TonePessimistic Tone = "pessimistic"
)

var toneInstructions = map[Tone]string{
	ToneObjective:   "impartial and unbiased presentation of facts and findings",
	ToneFormal:      "adheres to academic standards with a sophisticated language and structure",
	ToneAnalytical:  "critical evaluation and detailed examination of data and theories",
	TonePersuasive:  "convincing the audience of a particular viewpoint or argument",
	ToneInformative: "providing clear and comprehensive information on a topic",
	ToneExplanatory: "clarifying complex concepts and processes",
	ToneDescriptive: "detailed depiction of phenomena, experiments, or case studies",
	ToneCritical:    "judging the validity and relevance of the research and its conclusions",
	ToneComparative: "juxtaposing different theories, data, or methods to highlight differences and similarities",
	ToneSpeculative: "exploring hypotheses and potential implications or future research directions",
	ToneReflective:  "considering the research process and personal insights or experiences",
	ToneNarrative:   "telling a story to illustrate research findings or methodologies",
	ToneHumorous:    "light-hearted and engaging, usually to make the content more relatable",
	ToneOptimistic:  "highlighting positive findings and potential benefits",
	TonePessimistic: "focusing on limitations, challenges, or negative outcomes",
}

// ParseTone resolves s to a known tone; empty means objective.
func ParseTone(s string) (Tone, error) {
	t := Tone(strings.ToLower(strings.TrimSpace(s)))
	if t == "" {
		return ToneObjective, nil
	}
	if _, ok := toneInstructions[t]; !ok {
		return "", fmt.Errorf("unknown tone %q", s)
	}
	return t, nil
}

// Instruction is the prompt fragment describing the tone.
func (t Tone) Instruction() string {
	if s, ok := toneInstructions[t]; ok {
		name := string(t)
		return fmt.Sprintf("%s%s (%s)", strings.ToUpper(name[:1]), name[1:], s)
	}
	return toneInstructions[ToneObjective]
}
