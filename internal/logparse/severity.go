package logparse

import (
	"regexp"
	"strings"

	"github.com/tinytelemetry/flowscope/internal/model"
)

// SeverityRegex matches common severity words in free-form log text.
var SeverityRegex = regexp.MustCompile(`(?i)\b(TRACE|DEBUG|INFO|WARN|WARNING|ERROR|FATAL|CRITICAL)\b`)

// NormalizeSeverity folds the many spellings backends use onto the four engine levels.
// Unknown input maps to INFO.
func NormalizeSeverity(severity string) string {
	normalized := strings.ToUpper(strings.TrimSpace(severity))

	switch normalized {
	case "TRACE", "TRAC", "TRC", "DEBUG", "DEBU", "DBG", "DEB", "VERBOSE":
		return "DEBUG"
	case "INFO", "INFORMATION", "INF", "NOTICE", "LOG":
		return "INFO"
	case "WARN", "WARNING", "WRNG", "WRN":
		return "WARN"
	case "ERROR", "ERR", "ERRO", "FATAL", "FATL", "FTL", "CRITICAL", "CRIT", "CRT", "PANIC", "PNC":
		return "ERROR"
	}
	if len(normalized) >= 4 {
		switch normalized[:4] {
		case "INFO":
			return "INFO"
		case "WARN":
			return "WARN"
		case "ERRO", "FATA", "CRIT":
			return "ERROR"
		case "DEBU", "TRAC":
			return "DEBUG"
		}
	}
	return "INFO"
}

// ParseLevel converts a textual severity into a model.Level.
func ParseLevel(severity string) model.Level {
	switch NormalizeSeverity(severity) {
	case "DEBUG":
		return model.LevelDebug
	case "WARN":
		return model.LevelWarn
	case "ERROR":
		return model.LevelError
	default:
		return model.LevelInfo
	}
}

// LevelFromNumber maps pino/bunyan numeric levels (10..60) onto model levels.
func LevelFromNumber(level int) model.Level {
	switch {
	case level < 30:
		return model.LevelDebug
	case level < 40:
		return model.LevelInfo
	case level < 50:
		return model.LevelWarn
	default:
		return model.LevelError
	}
}

// ExtractLevelFromText infers a level from message text when a frame omits one.
func ExtractLevelFromText(message string) (model.Level, bool) {
	matches := SeverityRegex.FindStringSubmatch(message)
	if len(matches) < 2 {
		return model.LevelInfo, false
	}
	return ParseLevel(matches[1]), true
}

// LookupLevel parses a single severity word, reporting false for anything
// that is not a recognized severity.
func LookupLevel(severity string) (model.Level, bool) {
	severity = strings.TrimSpace(severity)
	if strings.ContainsAny(severity, " \t") || !SeverityRegex.MatchString(severity) {
		return 0, false
	}
	return ParseLevel(severity), true
}
