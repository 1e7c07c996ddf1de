package intent

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/declue/aipilot/internal/domain"
)

// Result is a classified gate input. Detail carries the text that follows a
// positional shorthand or a "label:" prefix, or the full input otherwise.
type Result struct {
	Intent domain.Intent
	Detail string
}

var keywords = map[domain.Intent][]string{
	domain.IntentApprove:        {"ok", "okay", "yes", "y", "approve", "approved", "proceed", "go ahead", "lgtm", "승인", "실행", "좋습니다", "진행"},
	domain.IntentRevise:         {"revise", "change", "modify", "instead", "수정", "다른 방법", "변경"},
	domain.IntentAccept:         {"accept", "done", "finish", "complete", "완료", "결과 수락", "만족"},
	domain.IntentAdditionalWork: {"more", "additional", "improve", "fix", "retry", "추가", "수정", "보완", "개선"},
	domain.IntentNewRequest:     {"new request", "new task", "새로운", "다른 요청"},
}

var negations = []string{"no", "not", "don't", "dont", "never", "아니", "아니요", "하지마", "말고"}

// Classify maps free-form text to one of expected, or IntentAmbiguous.
func Classify(text string, expected []domain.Intent) domain.Intent {
	return Parse(text, expected).Intent
}

// Parse classifies text against the expected intents. Positional shorthands
// ("1", "2", ...) index into expected. Keyword matches that point at more
// than one expected intent, or any keyword next to a negation, are ambiguous.
func Parse(text string, expected []domain.Intent) Result {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" || len(expected) == 0 {
		return Result{Intent: domain.IntentAmbiguous}
	}

	if idx, rest, ok := positional(trimmed); ok {
		if idx < 1 || idx > len(expected) {
			return Result{Intent: domain.IntentAmbiguous}
		}
		return Result{Intent: expected[idx-1], Detail: rest}
	}

	normalized := normalize(trimmed)
	negated := containsAny(normalized, negations)

	var matched []domain.Intent
	for _, candidate := range expected {
		if containsAny(normalized, keywords[candidate]) {
			matched = append(matched, candidate)
		}
	}
	// Only a choice number overrides a negation.
	if negated || len(matched) != 1 {
		return Result{Intent: domain.IntentAmbiguous}
	}
	return Result{Intent: matched[0], Detail: detail(trimmed)}
}

// positional recognizes a leading choice number followed by nothing or a
// separator.
func positional(text string) (int, string, bool) {
	end := 0
	for end < len(text) && text[end] >= '0' && text[end] <= '9' {
		end++
	}
	if end == 0 || end > 2 {
		return 0, "", false
	}
	rest := text[end:]
	if rest != "" {
		r := rune(rest[0])
		if !unicode.IsSpace(r) && !strings.ContainsRune(".):-", r) {
			return 0, "", false
		}
	}
	idx, err := strconv.Atoi(text[:end])
	if err != nil {
		return 0, "", false
	}
	return idx, strings.TrimSpace(strings.TrimLeft(rest, ".):- \t")), true
}

func detail(text string) string {
	if _, after, found := strings.Cut(text, ":"); found {
		if trimmed := strings.TrimSpace(after); trimmed != "" {
			return trimmed
		}
	}
	return text
}

// normalize lowercases text and turns punctuation into spaces, padding the
// result so phrases can be matched on token boundaries.
func normalize(text string) string {
	var sb strings.Builder
	sb.WriteByte(' ')
	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\'' {
			sb.WriteRune(r)
			continue
		}
		sb.WriteByte(' ')
	}
	sb.WriteByte(' ')
	return strings.Join(strings.Fields(sb.String()), " ")
}

func containsAny(normalized string, phrases []string) bool {
	padded := " " + normalized + " "
	for _, phrase := range phrases {
		if isHangul(phrase) {
			if strings.Contains(normalized, phrase) {
				return true
			}
			continue
		}
		if strings.Contains(padded, " "+phrase+" ") {
			return true
		}
	}
	return false
}

func isHangul(s string) bool {
	for _, r := range s {
		if unicode.Is(unicode.Hangul, r) {
			return true
		}
	}
	return false
}
