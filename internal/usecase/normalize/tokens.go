package normalize

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
)

var stopWords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "with": {}, "that": {}, "this": {}, "from": {}, "are": {}, "was": {}, "have": {}, "has": {}, "not": {}, "but": {}, "you": {}, "our": {},
	"что": {}, "это": {}, "как": {}, "для": {}, "его": {}, "все": {}, "при": {}, "или": {}, "уже": {}, "так": {}, "они": {}, "она": {}, "мы": {}, "вы": {}, "если": {}, "только": {}, "также": {}, "после": {}, "через": {},
}

// Tokens разбивает текст на значимые слова для оценки похожести.
// Хэштеги и ссылки в токены не входят.
func Tokens(text string) []string {
	fold := cases.Fold()
	var out []string
	for _, field := range strings.Fields(text) {
		if strings.HasPrefix(field, "#") || linkRe.MatchString(field) {
			continue
		}
		for _, word := range strings.FieldsFunc(field, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsNumber(r)
		}) {
			if utf8.RuneCountInString(word) < 3 {
				continue
			}
			word = fold.String(word)
			if _, stop := stopWords[word]; stop {
				continue
			}
			out = append(out, word)
		}
	}
	return out
}
