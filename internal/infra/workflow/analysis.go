package workflow

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/declue/aipilot/internal/domain"
)

const (
	KindFileOperation = "file_operation"
	KindCode          = "code"
	KindSearch        = "search"
	KindSystem        = "system"
	KindQuestion      = "question"
	KindGeneral       = "general"

	ComplexitySimple   = "simple"
	ComplexityModerate = "moderate"
	ComplexityComplex  = "complex"

	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

var kindKeywords = []struct {
	kind  string
	words []string
}{
	{KindFileOperation, []string{"file", "files", "folder", "directory", "path", "파일", "폴더", "디렉터리"}},
	{KindCode, []string{"code", "function", "bug", "refactor", "compile", "test", "코드", "함수", "버그"}},
	{KindSearch, []string{"search", "find", "look up", "lookup", "google", "검색", "찾아"}},
	{KindSystem, []string{"process", "kill", "install", "service", "server", "cpu", "memory", "프로세스", "설치"}},
}

var (
	highRiskWords   = []string{"delete", "remove", "kill", "drop", "rm", "format", "overwrite", "terminate", "shutdown", "삭제", "종료", "제거"}
	mediumRiskWords = []string{"write", "create", "modify", "update", "install", "edit", "rename", "move", "생성", "수정", "작성", "설치"}
	questionWords   = []string{"what", "how", "why", "when", "who", "which", "무엇", "어떻게", "왜"}
	multiStepWords  = []string{"and", "then", "after", "also", "그리고", "다음"}
)

// Analyze classifies a request by kind, complexity and risk. It is
// deterministic and never calls out.
func Analyze(request string) domain.RequestAnalysis {
	text := " " + strings.Join(tokenize(request), " ") + " "
	analysis := domain.RequestAnalysis{
		Kind:       KindGeneral,
		Complexity: ComplexitySimple,
		Risk:       RiskLow,
	}

	for _, candidate := range kindKeywords {
		if matchesAny(text, candidate.words) {
			analysis.Kind = candidate.kind
			break
		}
	}
	if analysis.Kind == KindGeneral && (strings.Contains(request, "?") || matchesAny(text, questionWords)) {
		analysis.Kind = KindQuestion
	}

	words := len(strings.Fields(request))
	steps := countMatches(text, multiStepWords) + strings.Count(request, ",")
	switch {
	case words > 25 || steps >= 3:
		analysis.Complexity = ComplexityComplex
	case words > 8 || steps >= 1:
		analysis.Complexity = ComplexityModerate
	}

	switch {
	case matchesAny(text, highRiskWords):
		analysis.Risk = RiskHigh
	case matchesAny(text, mediumRiskWords):
		analysis.Risk = RiskMedium
	}
	return analysis
}

// FormatAnalysis renders an analysis on one line.
func FormatAnalysis(analysis domain.RequestAnalysis) string {
	return fmt.Sprintf("kind=%s complexity=%s risk=%s", analysis.Kind, analysis.Complexity, analysis.Risk)
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func matchesAny(padded string, words []string) bool {
	return countMatches(padded, words) > 0
}

func countMatches(padded string, words []string) int {
	count := 0
	for _, word := range words {
		if isHangul(word) {
			count += strings.Count(padded, word)
			continue
		}
		count += strings.Count(padded, " "+word+" ")
	}
	return count
}

func isHangul(s string) bool {
	for _, r := range s {
		if unicode.Is(unicode.Hangul, r) {
			return true
		}
	}
	return false
}
