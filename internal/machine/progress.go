package machine

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

// ProgressReading is one parsed provisioning progress step. Successive
// readings are a hint only; provisioning tools repeat lines, so callers must
// not assume monotonicity.
type ProgressReading struct {
	Percentage int    `json:"percentage"`
	Message    string `json:"message"`
}

var (
	ansiPattern  = regexp.MustCompile(`\x1b\[[0-9;?]*[A-Za-z]`)
	ratioPattern = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*(?:[KMGTPE]?i?B)?\s*/\s*(\d+(?:\.\d+)?)`)
)

// progressRule maps a recognizable signal in the provisioning output to a
// percentage band. Rules are evaluated top to bottom; first match wins.
type progressRule struct {
	contains string
	read     func(line string) ProgressReading
}

func fixed(pct int, msg string) func(string) ProgressReading {
	return func(string) ProgressReading {
		return ProgressReading{Percentage: pct, Message: msg}
	}
}

// scaled linearly maps a current/total ratio found in the line into the
// [low, high] band: round(low + (current/total*100) * (high-low)/100),
// clamped to the band. Lines without a parsable ratio fall back to low.
func scaled(low, high int, msg string) func(string) ProgressReading {
	return func(line string) ProgressReading {
		pct := low
		if m := ratioPattern.FindStringSubmatch(line); m != nil {
			current, err1 := strconv.ParseFloat(m[1], 64)
			total, err2 := strconv.ParseFloat(m[2], 64)
			if err1 == nil && err2 == nil && total > 0 {
				p := float64(low) + (current/total*100)*float64(high-low)/100
				pct = int(math.Round(p))
				if pct > high {
					pct = high
				}
				if pct < low {
					pct = low
				}
			}
		}
		return ProgressReading{Percentage: pct, Message: msg}
	}
}

var progressRules = []progressRule{
	{"looking up", fixed(0, "Looking up machine image")},
	{"getting image source signatures", fixed(5, "Verifying image signatures")},
	{"copying blob", nil}, // handled below: done vs in-progress
	{"copying config", fixed(62, "Copying image configuration")},
	{"writing manifest", fixed(65, "Writing image manifest")},
	{"extracting compressed file", nil},
	{"machine init complete", fixed(85, "Machine initialized")},
	{"starting machine", fixed(90, "Starting machine")},
	{"started successfully", fixed(100, "Machine started")},
}

func init() {
	// Blob copy: "done" marks the end of the band, otherwise scale the
	// reported current/total size into 5-60%.
	progressRules[2].read = func(line string) ProgressReading {
		if strings.Contains(line, "done") {
			return ProgressReading{Percentage: 60, Message: "Image download complete"}
		}
		return scaled(5, 60, "Downloading machine image")(line)
	}
	// Extraction scales into 65-75%.
	progressRules[5].read = func(line string) ProgressReading {
		if strings.Contains(line, "done") {
			return ProgressReading{Percentage: 75, Message: "Image extraction complete"}
		}
		return scaled(65, 75, "Extracting machine image")(line)
	}
}

// ParseProgress maps one line of free-text provisioning output to a progress
// reading. Unrecognized lines yield 0% with the trimmed input as message, or
// "Waiting..." when the line is blank. ANSI control sequences in the line do
// not prevent a match.
func ParseProgress(line string) ProgressReading {
	clean := strings.TrimSpace(ansiPattern.ReplaceAllString(line, ""))
	lower := strings.ToLower(clean)

	for _, rule := range progressRules {
		if strings.Contains(lower, rule.contains) {
			return rule.read(lower)
		}
	}

	if clean == "" {
		return ProgressReading{Percentage: 0, Message: "Waiting..."}
	}
	return ProgressReading{Percentage: 0, Message: clean}
}
