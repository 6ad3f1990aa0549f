package guardrail

import "strings"

// Disclosure is appended to every piece of user-facing content.
const Disclosure = "This is educational content, not financial advice. Consult a licensed advisor for personalized guidance."

// AppendDisclosure appends the disclosure after a blank line, adding a
// closing period to text that does not already end a sentence. Text that already ends with the
// disclosure is returned unchanged.
func AppendDisclosure(text string) string {
	trimmed := strings.TrimRight(text, " \t\r\n")
	if strings.HasSuffix(trimmed, Disclosure) {
		return text
	}
	if trimmed == "" {
		return Disclosure
	}
	if !strings.ContainsAny(trimmed[len(trimmed)-1:], ".!?") {
		trimmed += "."
	}
	return trimmed + "\n\n" + Disclosure
}

// HasDisclosure reports whether text carries the disclosure.
func HasDisclosure(text string) bool {
	return strings.Contains(text, Disclosure)
}
