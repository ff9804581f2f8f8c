package task

import (
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"
)

// approvalVocabularies are the word lists that make a task sensitive enough
// to require a human decision before anything is acted on.
var approvalVocabularies = map[string][]string{
	"financial": {
		"payment", "payments", "pay", "paid", "invoice", "invoices", "transfer",
		"wire", "refund", "bank", "purchase", "charge", "billing", "transaction",
		"expense", "salary", "payroll", "subscription",
	},
	"communication": {
		"email", "reply", "respond", "send", "forward", "message", "call",
	},
	"legal": {
		"contract", "agreement", "legal", "lawsuit", "nda", "compliance",
		"sign", "signature", "liability",
	},
	"social": {
		"tweet", "post", "linkedin", "facebook", "instagram", "twitter",
		"publish", "social",
	},
	"deletion": {
		"delete", "remove", "erase", "purge", "destroy", "cancel",
		"unsubscribe", "terminate",
	},
}

var urgencyWords = map[Priority][]string{
	PriorityUrgent: {"urgent", "asap", "immediately", "emergency", "critical"},
	PriorityHigh:   {"important", "priority", "deadline", "today"},
}

var (
	vocabularyRes = compileVocabularies(approvalVocabularies)
	urgencyRes    = map[Priority]*regexp.Regexp{
		PriorityUrgent: wordsRe(urgencyWords[PriorityUrgent]),
		PriorityHigh:   wordsRe(urgencyWords[PriorityHigh]),
	}
)

func wordsRe(words []string) *regexp.Regexp {
	quoted := make([]string, len(words))
	for i, w := range words {
		quoted[i] = regexp.QuoteMeta(w)
	}
	return regexp.MustCompile(`(?i)\b(` + strings.Join(quoted, "|") + `)\b`)
}

func compileVocabularies(v map[string][]string) map[string]*regexp.Regexp {
	out := make(map[string]*regexp.Regexp, len(v))
	for name, words := range v {
		out[name] = wordsRe(words)
	}
	return out
}

// ClassifyApproval returns the sensitive categories content touches. Any
// match means the task requires approval.
func ClassifyApproval(content string) []string {
	var cats []string
	for name, re := range vocabularyRes {
		if re.MatchString(content) {
			cats = append(cats, name)
		}
	}
	sort.Strings(cats)
	return cats
}

// ClassifyPriority derives a priority from urgency vocabulary.
func ClassifyPriority(content string) Priority {
	if urgencyRes[PriorityUrgent].MatchString(content) {
		return PriorityUrgent
	}
	if urgencyRes[PriorityHigh].MatchString(content) {
		return PriorityHigh
	}
	return PriorityNormal
}

const maxTitleLen = 80

// DeriveTitle takes the first non-empty line of content, stripped of
// markdown heading markers.
func DeriveTitle(content string) string {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "#"))
		if line == "" {
			continue
		}
		if utf8.RuneCountInString(line) > maxTitleLen {
			r := []rune(line)
			line = strings.TrimSpace(string(r[:maxTitleLen]))
		}
		return line
	}
	return "Untitled task"
}
