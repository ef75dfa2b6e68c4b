package alm

import (
	"fmt"
	"regexp"
	"strings"
)

// ObjectionRule is one row of the objection table.
type ObjectionRule struct {
	Type     ObjectionType `mapstructure:"type" yaml:"type"`
	Patterns []string      `mapstructure:"patterns" yaml:"patterns"`
}

// Tables are the keyword sets behind KeywordClassifier. Keywords are
// case-insensitive substrings; objection patterns are regular expressions.
type Tables struct {
	Phases     map[Phase][]string   `mapstructure:"phases" yaml:"phases"`
	KeyInfo    map[KeyInfo][]string `mapstructure:"key_info" yaml:"key_info"`
	Objections []ObjectionRule      `mapstructure:"objections" yaml:"objections"`
	Positive   []string             `mapstructure:"positive" yaml:"positive"`
	Negative   []string             `mapstructure:"negative" yaml:"negative"`
	Avoid      []string             `mapstructure:"avoid" yaml:"avoid"`
}

func DefaultTables() Tables {
	return Tables{
		Phases: map[Phase][]string{
			PhaseAppointment: {
				"see it", "see the property", "see the house", "see the home", "tour", "showing",
				"schedule", "appointment", "available", "tomorrow", "this weekend", "what time",
				"when would", "when can", "when are you free", "morning", "afternoon", "evening",
			},
			PhaseLocation: {
				"area", "neighborhood", "neighbourhood", "location", "where", "nearby", "close to",
				"commute", "school district", "downtown", "suburb", "zip code", "part of town",
				"other properties",
			},
			PhaseMotivation: {
				"why", "need", "looking for", "reason", "relocat", "moving", "growing family",
				"more space", "downsiz", "upgrade", "first home", "interests you", "important to you",
				"how long have you been looking", "renting or owning",
			},
		},
		KeyInfo: map[KeyInfo][]string{
			KeyContact: {
				"phone number", "email", "call me", "text me", "reach me", "my number", "contact",
			},
			KeyBudget: {
				"budget", "price range", "afford", "pre-approved", "preapproved", "pre approved",
				"mortgage", "lender", "down payment", "$",
			},
			KeyTimeline: {
				"timeline", "next month", "this month", "by the end of", "few months", "move in",
				"lease ends", "lease is up", "as soon as possible", "asap", "this year", "next year",
				"this summer", "this spring", "this fall", "this winter",
			},
		},
		Objections: []ObjectionRule{
			{Type: ObjectionAlreadyHasAgent, Patterns: []string{
				`already (have|got|working with|work with) (an? |my )?(agent|realtor)`,
				`working with (an?|another|my) (agent|realtor)`,
				`\bmy (agent|realtor)\b`,
			}},
			{Type: ObjectionListingAgent, Patterns: []string{
				`listing agent`,
				`seller'?s agent`,
			}},
			{Type: ObjectionQuickQuestion, Patterns: []string{
				`quick question`,
				`just wondering`,
				`just (had|have) a question`,
			}},
			{Type: ObjectionPendingProperty, Patterns: []string{
				`\bpending\b`,
				`under contract`,
				`back ?up offer`,
			}},
			{Type: ObjectionOutOfTown, Patterns: []string{
				`out of town`,
				`not in town`,
				`out of state`,
				`not local`,
			}},
			{Type: ObjectionNotReady, Patterns: []string{
				`not ready`,
				`too soon`,
				`just (looking|browsing)`,
			}},
		},
		Positive: []string{
			"excited to work with you", "happy to help", "absolutely", "definitely", "looking forward to",
			"great opportunity", "perfect", "wonderful", "thank you", "sounds good", "that works",
		},
		Negative: []string{
			"not interested", "stop calling", "don't call", "waste of time", "annoying", "frustrat",
			"no thanks", "busy right now", "hang up", "leave me alone",
		},
		Avoid: []string{
			"not available", "already sold", "need pre-approval", "bad condition", "major issues",
			"act quickly", "losing the property", "market conditions", "financing", "credit score",
			"down payment", "let me check the mls", "i'm not available", "can't do that time",
		},
	}
}

type objectionMatcher struct {
	typ      ObjectionType
	patterns []*regexp.Regexp
}

// KeywordClassifier is literal trigger matching over Tables.
type KeywordClassifier struct {
	phases     map[Phase][]string
	keyInfo    map[KeyInfo][]string
	objections []objectionMatcher
	positive   []string
	negative   []string
	avoid      []string
}

// NewKeywordClassifier panics on an invalid objection pattern; use
// CompileKeywordClassifier for tables loaded at runtime.
func NewKeywordClassifier(t Tables) *KeywordClassifier {
	c, err := CompileKeywordClassifier(t)
	if err != nil {
		panic(err)
	}
	return c
}

func CompileKeywordClassifier(t Tables) (*KeywordClassifier, error) {
	c := &KeywordClassifier{
		phases:   make(map[Phase][]string, len(t.Phases)),
		keyInfo:  make(map[KeyInfo][]string, len(t.KeyInfo)),
		positive: lowerAll(t.Positive),
		negative: lowerAll(t.Negative),
		avoid:    lowerAll(t.Avoid),
	}
	for p, kws := range t.Phases {
		c.phases[p] = lowerAll(kws)
	}
	for k, kws := range t.KeyInfo {
		c.keyInfo[k] = lowerAll(kws)
	}
	for _, rule := range t.Objections {
		m := objectionMatcher{typ: rule.Type}
		for _, p := range rule.Patterns {
			re, err := regexp.Compile("(?i)" + p)
			if err != nil {
				return nil, fmt.Errorf("objection %s pattern %q: %w", rule.Type, p, err)
			}
			m.patterns = append(m.patterns, re)
		}
		c.objections = append(c.objections, m)
	}
	return c, nil
}

func (c *KeywordClassifier) Classify(text string) Match {
	lower := strings.ToLower(text)
	var m Match
	for _, p := range TrackedPhases {
		if containsAny(lower, c.phases[p]) {
			m.Phases = append(m.Phases, p)
		}
	}
	for _, k := range KeyInfoCategories {
		if containsAny(lower, c.keyInfo[k]) {
			m.KeyInfo = append(m.KeyInfo, k)
		}
	}
	for _, o := range c.objections {
		for _, re := range o.patterns {
			if re.MatchString(text) {
				m.Objections = append(m.Objections, o.typ)
				break
			}
		}
	}
	m.Positive = countHits(lower, c.positive)
	m.Negative = countHits(lower, c.negative)
	for _, phrase := range c.avoid {
		if strings.Contains(lower, phrase) {
			m.Warnings = append(m.Warnings, fmt.Sprintf("Avoid mentioning '%s' during the first call", phrase))
		}
	}
	return m
}

func containsAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		if kw != "" && strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

func countHits(text string, keywords []string) int {
	n := 0
	for _, kw := range keywords {
		if kw != "" && strings.Contains(text, kw) {
			n++
		}
	}
	return n
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

var _ Classifier = (*KeywordClassifier)(nil)
