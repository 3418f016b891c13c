// Package classify implements the feature extractor and classifier: it
// turns a session's accumulated event list into a small numeric feature
// vector and maps that vector to a label and confidence.
//
// The classifier has two variants behind one capability, matching the
// "model or rule" polymorphic capability called for by the original
// design: a trained artifact loaded at startup and used for inference, or
// a deterministic rule fallback used when no artifact is configured or
// inference fails. Callers depend only on Classify; which variant ran is
// reported back via Result.UsedFallback so the caller can tag the session
// log without the classifier needing to know about events at all.
package classify

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/tripwire/honeypot/internal/events"
)

// Label values the classifier can return.
const (
	LabelRecon      = "recon"
	LabelBruteforce = "bruteforce"
	LabelExploit    = "exploit"
	LabelMalware    = "malware"
	LabelUnknown    = "unknown"
)

// Vector values describing the nature of the line that drove a
// classification, derived independently of the label itself.
const (
	VectorDownload = "download"
	VectorSSH      = "ssh"
	VectorCommand  = "command"
)

// Features is the fixed-length numeric vector recomputed on every new
// event. It is cheap to recompute in full each time: O(n) in events, n
// bounded by line rate times session duration.
type Features struct {
	Wget        int
	NumCommands int
	FailedLogin int
}

// Extract derives Features from a session's full event list so far.
func Extract(recs []events.Record) Features {
	var f Features
	f.NumCommands = len(recs)

	for _, r := range recs {
		lower := strings.ToLower(r.Text)
		if strings.Contains(lower, "wget") || strings.Contains(lower, "curl") {
			f.Wget = 1
		}
		if strings.Contains(lower, "failed") || strings.Contains(lower, "authentication") {
			f.FailedLogin++
		}
	}
	return f
}

// VectorFor derives the Classification.Vector field from a single line,
// independent of the classifier's label output.
func VectorFor(line string) string {
	lower := strings.ToLower(line)
	switch {
	case strings.Contains(lower, "wget "), strings.Contains(lower, "curl "):
		return VectorDownload
	case strings.Contains(lower, "ssh "), strings.Contains(lower, "scp "):
		return VectorSSH
	default:
		return VectorCommand
	}
}

// Result is the outcome of a single Classify call.
type Result struct {
	Label        string
	Confidence   float64
	UsedFallback bool
}

// Classifier extracts features and turns them into a Result. It is safe
// for concurrent use by multiple session handlers: the underlying model,
// once loaded, is treated as read-only.
type Classifier struct {
	model *model // nil when no artifact is configured
}

// New builds a Classifier. When modelPath is empty, or no file exists at
// that path, the classifier runs the rule fallback exclusively — this is
// not an error, it is the expected default deployment. When modelPath is
// set and the file exists but cannot be parsed, New returns an error: a
// configured-but-broken artifact is a startup-time misconfiguration, not a
// per-request fallback condition.
func New(modelPath string) (*Classifier, error) {
	if modelPath == "" {
		return &Classifier{}, nil
	}
	if _, err := os.Stat(modelPath); os.IsNotExist(err) {
		return &Classifier{}, nil
	}

	m, err := loadModel(modelPath)
	if err != nil {
		return nil, fmt.Errorf("classify: load model %q: %w", modelPath, err)
	}
	return &Classifier{model: m}, nil
}

// Classify maps f to a (label, confidence) pair. Both variants are
// deterministic given the same input; RuleFallback is the reference used
// by tests and fixtures.
func (c *Classifier) Classify(f Features) Result {
	if c.model != nil {
		if label, confidence, err := c.model.infer(f); err == nil {
			return Result{Label: label, Confidence: confidence}
		}
		// Inference failed: degrade silently to the rule fallback. The
		// caller is responsible for tagging the session log with
		// [ERROR]=CLASSIFIER_FALLBACK, at most once per session.
		label, confidence := RuleFallback(f)
		return Result{Label: label, Confidence: confidence, UsedFallback: true}
	}

	label, confidence := RuleFallback(f)
	return Result{Label: label, Confidence: confidence}
}

// RuleFallback is the deterministic rule-based classifier used when no
// model is configured or model inference fails. It is exported because
// the spec designates it the reference implementation for tests.
func RuleFallback(f Features) (label string, confidence float64) {
	switch {
	case f.Wget == 1 && f.NumCommands > 2:
		return LabelExploit, 0.9
	case f.FailedLogin > 3:
		return LabelBruteforce, 0.85
	case f.NumCommands <= 2:
		return LabelRecon, 0.6
	default:
		return LabelUnknown, 0.5
	}
}

// model is a trained artifact: one weight row per label, scored against
// [wget, num_commands, failed_login, 1] (the trailing 1 is the bias term)
// and turned into a probability distribution via softmax. The training
// pipeline that produces this file is out of scope; only the inference
// contract matters here.
type model struct {
	Labels  []string    `json:"labels"`
	Weights [][]float64 `json:"weights"`
}

func loadModel(path string) (*model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read artifact: %w", err)
	}

	var m model
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse artifact: %w", err)
	}
	if len(m.Labels) == 0 || len(m.Labels) != len(m.Weights) {
		return nil, fmt.Errorf("artifact: labels/weights length mismatch (%d labels, %d weight rows)", len(m.Labels), len(m.Weights))
	}
	for i, row := range m.Weights {
		if len(row) != 4 {
			return nil, fmt.Errorf("artifact: weight row %d has length %d, want 4", i, len(row))
		}
	}
	return &m, nil
}

// infer scores f against every label's weight row and returns the
// highest-probability label under softmax.
func (m *model) infer(f Features) (label string, confidence float64, err error) {
	x := [4]float64{float64(f.Wget), float64(f.NumCommands), float64(f.FailedLogin), 1}

	scores := make([]float64, len(m.Labels))
	maxScore := math.Inf(-1)
	for i, row := range m.Weights {
		var s float64
		for j, w := range row {
			s += w * x[j]
		}
		scores[i] = s
		if s > maxScore {
			maxScore = s
		}
	}

	var sumExp float64
	exps := make([]float64, len(scores))
	for i, s := range scores {
		exps[i] = math.Exp(s - maxScore)
		sumExp += exps[i]
	}
	if sumExp == 0 {
		return "", 0, fmt.Errorf("classify: degenerate softmax distribution")
	}

	bestIdx := 0
	bestProb := -1.0
	for i, e := range exps {
		p := e / sumExp
		if p > bestProb {
			bestProb = p
			bestIdx = i
		}
	}
	return m.Labels[bestIdx], bestProb, nil
}
