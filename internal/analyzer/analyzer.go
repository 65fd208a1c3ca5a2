package analyzer

import (
	"fmt"
	"strings"
	"time"

	"transcription-webhook-go/internal/types"
)

const (
	maxKeyPoints      = 5
	maxSummaryTopics  = 3
	maxSummaryInsight = 3
	noTopics          = "No significant topics identified"
	dateLayout        = "2006-01-02 15:04:05"
)

// Theme names in report order.
const (
	ThemeEducation    = "Education vs Experience"
	ThemeDropout      = "Student Dropout Rates"
	ThemeCompensation = "Industry Compensation"
	ThemeTraining     = "Hands-on Training"
	ThemeAssessment   = "Assessment and Certification"
	ThemeEmployers    = "Employer Expectations"
	ThemeResources    = "Resources and Equipment"
	ThemePlacement    = "Job Placement"
	ThemeChallenges   = "Industry Challenges"
)

var themeOrder = []string{
	ThemeEducation, ThemeDropout, ThemeCompensation, ThemeTraining, ThemeAssessment,
	ThemeEmployers, ThemeResources, ThemePlacement, ThemeChallenges,
}

type rule struct {
	keywords []string
	theme    func(sentence string) string
}

func fixed(theme string) func(string) string {
	return func(string) string { return theme }
}

// First matching rule wins. Industry Challenges has no rule of its own.
var rules = []rule{
	{[]string{"education", "school", "college", "program"}, func(s string) string {
		if strings.Contains(s, "dropout") || strings.Contains(s, "drop out") {
			return ThemeDropout
		}
		return ThemeEducation
	}},
	{[]string{"flat rate", "compensation", "pay", "salary", "wage"}, fixed(ThemeCompensation)},
	{[]string{"hands on", "hands-on", "practice", "lab", "vehicle"}, fixed(ThemeTraining)},
	{[]string{"assessment", "test", "certification", "grade", "gpa"}, fixed(ThemeAssessment)},
	{[]string{"employer", "dealership", "shop", "hire", "hiring"}, fixed(ThemeEmployers)},
	{[]string{"equipment", "tools", "resources", "budget"}, fixed(ThemeResources)},
	{[]string{"graduate", "job", "placement", "career"}, fixed(ThemePlacement)},
}

var insights = map[string]string{
	ThemeEducation:    "Discussion includes formal education and its role in professional development",
	ThemeDropout:      "Student retention and dropout rates are significant concerns",
	ThemeCompensation: "Compensation models and payment structures are discussed",
	ThemeTraining:     "Practical, hands-on training is emphasized as important",
	ThemeAssessment:   "Assessment methods and certification standards are addressed",
	ThemeEmployers:    "Gap between education outcomes and employer needs is highlighted",
	ThemeResources:    "Resource availability and equipment access are key challenges",
	ThemePlacement:    "Career placement and job opportunities are discussed",
}

type Topic struct {
	Name             string   `json:"name"`
	KeyPoints        []string `json:"key_points"`
	DiscussionLength int      `json:"discussion_length"`
}

type Summary struct {
	TranscriptLength int      `json:"transcript_length"`
	Topics           []Topic  `json:"main_topics"`
	Insights         []string `json:"key_insights"`
}

// Analyzer derives a summary from transcript text.
type Analyzer interface {
	Analyze(transcript string) (*Summary, error)
}

// Keyword is the theme-bucketing analyzer. It holds no state.
type Keyword struct{}

func (Keyword) Analyze(transcript string) (*Summary, error) {
	return Analyze(transcript)
}

// Analyze buckets each sentence into at most one theme.
func Analyze(transcript string) (*Summary, error) {
	if strings.TrimSpace(transcript) == "" {
		return nil, &types.Error{Kind: types.KindAnalysis, Subkind: types.SubkindEmpty, Message: "transcript is empty"}
	}

	buckets := make(map[string][]string, len(themeOrder))
	for _, sentence := range splitSentences(transcript) {
		lower := strings.ToLower(sentence)
		for _, r := range rules {
			if containsAny(lower, r.keywords) {
				theme := r.theme(lower)
				buckets[theme] = append(buckets[theme], sentence)
				break
			}
		}
	}

	s := &Summary{TranscriptLength: len([]rune(transcript))}
	for _, theme := range themeOrder {
		points := buckets[theme]
		if len(points) == 0 {
			continue
		}
		kp := points
		if len(kp) > maxKeyPoints {
			kp = kp[:maxKeyPoints]
		}
		s.Topics = append(s.Topics, Topic{
			Name:             theme,
			KeyPoints:        append([]string(nil), kp...),
			DiscussionLength: len(points),
		})
		if insight, ok := insights[theme]; ok {
			s.Insights = append(s.Insights, insight)
		}
	}
	return s, nil
}

// Short renders the compact form written to the record's summary column.
func (s *Summary) Short() string {
	if s == nil || len(s.Topics) == 0 {
		return noTopics
	}
	names := make([]string, 0, len(s.Topics))
	for _, t := range s.Topics {
		names = append(names, t.Name)
	}

	var b strings.Builder
	shown := names
	if len(shown) > maxSummaryTopics {
		shown = shown[:maxSummaryTopics]
	}
	b.WriteString("Topics: " + strings.Join(shown, ", "))
	if extra := len(names) - maxSummaryTopics; extra > 0 {
		fmt.Fprintf(&b, " (+%d more)", extra)
	}
	if len(s.Insights) > 0 {
		b.WriteString("\n\nKey Insights:\n")
		for i, insight := range s.Insights {
			if i == maxSummaryInsight {
				break
			}
			fmt.Fprintf(&b, "%d. %s\n", i+1, insight)
		}
	}
	return b.String()
}

// Markdown renders the full report. at is the analysis timestamp.
func (s *Summary) Markdown(at time.Time) string {
	if s == nil {
		return "Analysis failed"
	}
	var b strings.Builder
	b.WriteString("# Transcript Analysis Summary\n\n")
	fmt.Fprintf(&b, "**Analysis Date:** %s\n", at.Format(dateLayout))
	fmt.Fprintf(&b, "**Transcript Length:** %d characters\n\n", s.TranscriptLength)

	if len(s.Topics) > 0 {
		b.WriteString("## Main Topics Discussed\n\n")
		for _, t := range s.Topics {
			fmt.Fprintf(&b, "### %s\n", t.Name)
			fmt.Fprintf(&b, "**Discussion Points:** %d relevant segments\n\n", t.DiscussionLength)
			b.WriteString("**Key Quotes:**\n")
			for _, p := range t.KeyPoints {
				fmt.Fprintf(&b, "- %s\n", p)
			}
			b.WriteString("\n")
		}
	}
	if len(s.Insights) > 0 {
		b.WriteString("## Key Insights\n\n")
		for i, insight := range s.Insights {
			fmt.Fprintf(&b, "%d. %s\n", i+1, insight)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func splitSentences(text string) []string {
	var out []string
	for _, part := range strings.Split(text, ".") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func containsAny(s string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}
