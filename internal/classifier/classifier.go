package classifier

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Class is the engine's reading of a bot reply
type Class string

const (
	AwaitingInput  Class = "awaiting_input"
	Success        Class = "success"
	AlreadyUsed    Class = "already_used"
	Invalid        Class = "invalid"
	RateLimited    Class = "rate_limited"
	TransientError Class = "transient_error"
	Unknown        Class = "unknown"
)

// Terminal reports whether no further attempt should follow this class
func (c Class) Terminal() bool {
	return c == AlreadyUsed || c == Invalid
}

// Valid reports whether c is one of the known classes
func (c Class) Valid() bool {
	switch c {
	case AwaitingInput, Success, AlreadyUsed, Invalid, RateLimited, TransientError, Unknown:
		return true
	}
	return false
}

// Indicator is one piece of evidence for a class. Text is matched as a
// substring after folding; Regex is matched against the cleaned text.
type Indicator struct {
	Text   string
	Regex  string
	Weight float64
}

// Set groups the indicators of one class
type Set struct {
	Class      Class
	Indicators []Indicator
	// Anchors are unambiguous phrases that confirm the class on their own
	Anchors []string
	// Threshold is the score needed to confirm; zero means min(2, total weight)
	Threshold float64
	// WaitPattern extracts a mandated wait: group 1 is the amount, optional group 2 the unit
	WaitPattern string
}

// Config tunes a classifier
type Config struct {
	Sets []Set
	// EmptyFallback is returned for replies with no readable text and no controls
	EmptyFallback Class
}

// Result is the outcome of classifying one reply
type Result struct {
	Class      Class
	Score      float64
	Confidence float64
	Matched    []string
	Wait       time.Duration
}

// Classifier interprets free-text bot replies
type Classifier interface {
	Classify(text string, hasControls bool) Result
}

type compiledIndicator struct {
	label  string
	text   string
	re     *regexp.Regexp
	weight float64
}

type compiledSet struct {
	class      Class
	indicators []compiledIndicator
	anchors    []string
	threshold  float64
	wait       *regexp.Regexp
}

// IndicatorClassifier scores replies against weighted indicator sets
type IndicatorClassifier struct {
	sets          []compiledSet
	emptyFallback Class
}

// New compiles cfg. Sets are evaluated in declaration order, which also
// breaks score ties.
func New(cfg Config) (*IndicatorClassifier, error) {
	c := &IndicatorClassifier{emptyFallback: cfg.EmptyFallback}
	if c.emptyFallback == "" {
		c.emptyFallback = AlreadyUsed
	}
	if !c.emptyFallback.Valid() {
		return nil, fmt.Errorf("unknown empty fallback class %q", cfg.EmptyFallback)
	}

	for _, s := range cfg.Sets {
		if !s.Class.Valid() {
			return nil, fmt.Errorf("unknown class %q", s.Class)
		}
		cs := compiledSet{class: s.Class, threshold: s.Threshold}
		total := 0.0
		for _, ind := range s.Indicators {
			w := ind.Weight
			if w <= 0 {
				w = 1
			}
			ci := compiledIndicator{weight: w}
			switch {
			case ind.Regex != "":
				re, err := regexp.Compile("(?i)" + ind.Regex)
				if err != nil {
					return nil, fmt.Errorf("%s indicator %q: %w", s.Class, ind.Regex, err)
				}
				ci.re, ci.label = re, ind.Regex
			case Fold(ind.Text) != "":
				ci.text, ci.label = Fold(ind.Text), ind.Text
			default:
				continue
			}
			total += w
			cs.indicators = append(cs.indicators, ci)
		}
		for _, a := range s.Anchors {
			if f := Fold(a); f != "" {
				cs.anchors = append(cs.anchors, f)
			}
		}
		if cs.threshold <= 0 {
			cs.threshold = min(2, total)
			if cs.threshold <= 0 {
				cs.threshold = 1
			}
		}
		if s.WaitPattern != "" {
			re, err := regexp.Compile("(?i)" + s.WaitPattern)
			if err != nil {
				return nil, fmt.Errorf("%s wait pattern: %w", s.Class, err)
			}
			cs.wait = re
		}
		c.sets = append(c.sets, cs)
	}
	return c, nil
}

// Classify scores text against every set. A class is confirmed when its
// score reaches the set threshold or an anchor is present.
func (c *IndicatorClassifier) Classify(text string, hasControls bool) Result {
	cleaned := Clean(text)
	folded := Fold(text)

	var (
		best    Result
		bestSet *compiledSet
		partial float64
	)
	for i := range c.sets {
		s := &c.sets[i]
		score, matched := 0.0, []string(nil)
		for _, ind := range s.indicators {
			var hit bool
			if ind.re != nil {
				hit = ind.re.MatchString(cleaned)
			} else {
				hit = strings.Contains(folded, ind.text)
			}
			if hit {
				score += ind.weight
				matched = append(matched, ind.label)
			}
		}
		anchored := false
		for _, a := range s.anchors {
			if strings.Contains(folded, a) {
				anchored = true
				matched = append(matched, a)
			}
		}
		if anchored {
			score = max(score, 1)
		}
		confirmed := anchored || score >= s.threshold
		if !confirmed {
			partial = max(partial, score/s.threshold)
			continue
		}
		if bestSet == nil || score > best.Score {
			best = Result{
				Class:      s.class,
				Score:      score,
				Confidence: min(1, score/s.threshold),
				Matched:    matched,
			}
			if anchored {
				best.Confidence = 1
			}
			bestSet = s
		}
	}

	if bestSet != nil {
		if bestSet.wait != nil {
			best.Wait = extractWait(bestSet.wait, cleaned)
		}
		return best
	}
	if folded == "" && !hasControls {
		return Result{Class: c.emptyFallback}
	}
	return Result{Class: Unknown, Confidence: min(1, partial)}
}

func extractWait(re *regexp.Regexp, text string) time.Duration {
	m := re.FindStringSubmatch(text)
	if len(m) < 2 {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return 0
	}
	unit := time.Second
	if len(m) > 2 {
		switch strings.ToLower(strings.TrimSpace(m[2])) {
		case "分", "分钟", "m", "min", "mins", "minute", "minutes":
			unit = time.Minute
		case "小时", "时", "h", "hour", "hours":
			unit = time.Hour
		}
	}
	return time.Duration(n) * unit
}
