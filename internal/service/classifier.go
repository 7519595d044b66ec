package service

import "github.com/examgate/examgate/internal/model"

// Classification is the outcome of grading one monitoring signal.
type Classification struct {
	Severity       model.Severity
	RequiresAction bool
}

// baseSeverity maps each signal type to its severity before any escalation.
var baseSeverity = map[model.SignalType]model.Severity{
	model.SignalTabSwitch:           model.SeverityLow,
	model.SignalFocusLoss:           model.SeverityLow,
	model.SignalProlongedInactivity: model.SeverityLow,
	model.SignalSessionTimeout:      model.SeverityLow,
	model.SignalCopyPaste:           model.SeverityMedium,
	model.SignalMultipleIP:          model.SeverityHigh,
}

// escalate bumps a severity by n levels, capped at HIGH.
func escalate(sev model.Severity, n int) model.Severity {
	order := []model.Severity{model.SeverityLow, model.SeverityMedium, model.SeverityHigh}
	idx := 0
	for i, s := range order {
		if s == sev {
			idx = i
			break
		}
	}
	idx += n
	if idx >= len(order) {
		idx = len(order) - 1
	}
	return order[idx]
}

// Classify grades one signal against the session's prior violation count.
// Repeat offenders escalate: the 3rd occurrence bumps severity one level,
// the 6th bumps it two. SESSION_TIMEOUT never escalates — a student cannot
// "repeat-offend" by running out of time. MULTIPLE_IP always demands proctor
// action regardless of count.
func Classify(signal model.SignalType, priorViolations int64) Classification {
	sev := baseSeverity[signal]

	if signal != model.SignalSessionTimeout {
		occurrence := priorViolations + 1
		switch {
		case occurrence >= 6:
			sev = escalate(sev, 2)
		case occurrence >= 3:
			sev = escalate(sev, 1)
		}
	}

	return Classification{
		Severity:       sev,
		RequiresAction: sev == model.SeverityHigh,
	}
}
