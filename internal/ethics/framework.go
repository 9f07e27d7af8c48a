package ethics

import (
	"errors"
	"fmt"
	"regexp"
)

// Weights sets each criterion's share of the concern score.
type Weights struct {
	Harm            float64 `yaml:"harm" json:"harm"`
	Consent         float64 `yaml:"consent" json:"consent"`
	Proportionality float64 `yaml:"proportionality" json:"proportionality"`
	Transparency    float64 `yaml:"transparency" json:"transparency"`
	Fairness        float64 `yaml:"fairness" json:"fairness"`
}

// Levels are the lower bounds of yellow, orange and red.
type Levels struct {
	Yellow float64 `yaml:"yellow" json:"yellow"`
	Orange float64 `yaml:"orange" json:"orange"`
	Red    float64 `yaml:"red" json:"red"`
}

// Triggers are the per-criterion scores above which a concern is raised.
type Triggers struct {
	Harm            float64 `yaml:"harm" json:"harm"`
	Consent         float64 `yaml:"consent" json:"consent"`
	Proportionality float64 `yaml:"proportionality" json:"proportionality"`
	Transparency    float64 `yaml:"transparency" json:"transparency"`
	Fairness        float64 `yaml:"fairness" json:"fairness"`
}

// Framework is the configurable rule set a Reviewer applies.
type Framework struct {
	Weights           Weights  `yaml:"weights" json:"weights"`
	Levels            Levels   `yaml:"levels" json:"levels"`
	Triggers          Triggers `yaml:"triggers" json:"triggers"`
	ForbiddenPatterns []string `yaml:"forbidden_patterns" json:"forbidden_patterns"`
	VulnerableMarkers []string `yaml:"vulnerable_markers" json:"vulnerable_markers"`
	MinJustification  int      `yaml:"min_justification" json:"min_justification"`
}

// DefaultFramework returns the built-in rule set.
func DefaultFramework() *Framework {
	return &Framework{
		Weights: Weights{
			Harm:            0.30,
			Consent:         0.25,
			Proportionality: 0.20,
			Transparency:    0.15,
			Fairness:        0.10,
		},
		Levels: Levels{
			Yellow: 0.3,
			Orange: 0.6,
			Red:    0.85,
		},
		Triggers: Triggers{
			Harm:            0.6,
			Consent:         0.5,
			Proportionality: 0.7,
			Transparency:    0.4,
			Fairness:        0.6,
		},
		ForbiddenPatterns: []string{
			`harm.*without.*reason`,
			`deceive`,
			`discriminate`,
			`abuse`,
			`violate.*privacy`,
		},
		VulnerableMarkers: []string{"member", "new"},
		MinJustification:  20,
	}
}

// ErrInvalidFramework is returned when a framework fails validation.
var ErrInvalidFramework = errors.New("ethics: invalid framework")

// Validate checks weights, level ordering and pattern syntax.
func (f *Framework) Validate() error {
	_, err := f.compile()
	return err
}

func (f *Framework) compile() ([]*regexp.Regexp, error) {
	w := f.Weights
	for name, v := range map[string]float64{
		"harm": w.Harm, "consent": w.Consent, "proportionality": w.Proportionality,
		"transparency": w.Transparency, "fairness": w.Fairness,
	} {
		if v < 0 {
			return nil, fmt.Errorf("%w: negative %s weight", ErrInvalidFramework, name)
		}
	}
	if w.Harm+w.Consent+w.Proportionality+w.Transparency+w.Fairness <= 0 {
		return nil, fmt.Errorf("%w: weights sum to zero", ErrInvalidFramework)
	}
	l := f.Levels
	if !(0 < l.Yellow && l.Yellow < l.Orange && l.Orange < l.Red && l.Red <= 1) {
		return nil, fmt.Errorf("%w: levels must satisfy 0 < yellow < orange < red <= 1", ErrInvalidFramework)
	}

	out := make([]*regexp.Regexp, 0, len(f.ForbiddenPatterns))
	for _, p := range f.ForbiddenPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("%w: forbidden pattern %q: %v", ErrInvalidFramework, p, err)
		}
		out = append(out, re)
	}
	return out, nil
}
