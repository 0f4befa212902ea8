package normalize

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"tg-trend-engine/internal/domain"
)

var (
	hashtagRe = regexp.MustCompile(`(?:^|[^\p{L}\p{N}_/&])#([\p{L}\p{N}_]{1,64})`)
	linkRe    = regexp.MustCompile(`(?i)\b(?:https?://|www\.|t\.me/)[^\s<>"'«»]+`)
)

const trailingPunct = ".,;:!?)]}…"

// Message переводит сырое сообщение в каноничную запись.
// Функция чистая: одинаковый вход всегда даёт одинаковый результат.
func Message(channelID int64, raw domain.RawMessage) (domain.Message, error) {
	if raw.ID <= 0 {
		return domain.Message{}, fmt.Errorf("%w: id %d", domain.ErrMalformedMessage, raw.ID)
	}
	if raw.Date.IsZero() {
		return domain.Message{}, fmt.Errorf("%w: message %d has no date", domain.ErrMalformedMessage, raw.ID)
	}
	text := Text(raw.Text)
	hasMedia := raw.Media != nil || raw.MediaKind != ""
	if text == "" && !hasMedia {
		return domain.Message{}, fmt.Errorf("%w: message %d is empty", domain.ErrMalformedMessage, raw.ID)
	}

	links := Links(text, raw.EntityURLs)
	msg := domain.Message{
		ChannelID: channelID,
		MsgID:     raw.ID,
		Date:      raw.Date.UTC(),
		Text:      text,
		Author:    author(raw),
		Engagement: domain.Engagement{
			Views:     clampCounter(raw.Views),
			Reactions: clampCounter(raw.Reactions),
			Forwards:  clampCounter(raw.Forwards),
			Comments:  clampCounter(raw.Replies),
		},
		Lang:         DetectLanguage(text),
		Type:         classify(raw.MediaKind, hasMedia, links),
		Hashtags:     Hashtags(text),
		Links:        links,
		MediaPresent: hasMedia,
	}
	return msg, nil
}

// Text приводит текст к NFC и единому виду переводов строк.
func Text(raw string) string {
	text := strings.ReplaceAll(raw, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = strings.TrimSpace(text)
	return norm.NFC.String(text)
}

// Hashtags извлекает хэштеги в порядке первого появления, без повторов.
// Фрагменты ссылок (example.com/page#anchor) хэштегами не считаются.
func Hashtags(text string) []string {
	fold := cases.Fold()
	text = linkRe.ReplaceAllString(text, " ")
	matches := hashtagRe.FindAllStringSubmatch(text, -1)
	out := make([]string, 0, len(matches))
	seen := make(map[string]struct{}, len(matches))
	for _, m := range matches {
		tag := fold.String(m[1])
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out
}

// Links извлекает ссылки из текста и сущностей сообщения.
func Links(text string, entityURLs []string) []string {
	candidates := linkRe.FindAllString(text, -1)
	candidates = append(candidates, entityURLs...)
	out := make([]string, 0, len(candidates))
	seen := make(map[string]struct{}, len(candidates))
	for _, c := range candidates {
		link := canonicalLink(c)
		if link == "" {
			continue
		}
		if _, ok := seen[link]; ok {
			continue
		}
		seen[link] = struct{}{}
		out = append(out, link)
	}
	return out
}

func canonicalLink(raw string) string {
	link := strings.TrimRight(strings.TrimSpace(raw), trailingPunct)
	if link == "" {
		return ""
	}
	lower := strings.ToLower(link)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		link = "https://" + link
	}
	u, err := url.Parse(link)
	if err != nil || u.Host == "" {
		return ""
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	return u.String()
}

func author(raw domain.RawMessage) string {
	if name := strings.TrimSpace(raw.PostAuthor); name != "" {
		return norm.NFC.String(name)
	}
	return strings.TrimSpace(raw.AuthorID)
}

func clampCounter(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}

func classify(mediaKind string, hasMedia bool, links []string) domain.MessageType {
	switch strings.ToLower(mediaKind) {
	case "photo":
		return domain.MessageTypePhoto
	case "video", "gif", "round":
		return domain.MessageTypeVideo
	case "document", "audio", "voice":
		return domain.MessageTypeDocument
	case "poll":
		return domain.MessageTypePoll
	case "webpage":
		return domain.MessageTypeLink
	case "":
		if hasMedia {
			return domain.MessageTypeOther
		}
		if len(links) > 0 {
			return domain.MessageTypeLink
		}
		return domain.MessageTypeText
	default:
		return domain.MessageTypeOther
	}
}

type script struct {
	lang  string
	table *unicode.RangeTable
}

var scripts = []script{
	{"ru", unicode.Cyrillic},
	{"en", unicode.Latin},
	{"ar", unicode.Arabic},
	{"he", unicode.Hebrew},
	{"el", unicode.Greek},
	{"hi", unicode.Devanagari},
	{"zh", unicode.Han},
	{"ja", unicode.Hiragana},
	{"ja", unicode.Katakana},
	{"ko", unicode.Hangul},
}

// DetectLanguage определяет язык по преобладающей письменности.
// Кириллица с украинскими буквами считается украинским.
func DetectLanguage(text string) string {
	counts := make([]int, len(scripts))
	ukrainian := 0
	kana := 0
	for _, r := range text {
		if !unicode.IsLetter(r) {
			continue
		}
		switch r {
		case 'і', 'ї', 'є', 'ґ', 'І', 'Ї', 'Є', 'Ґ':
			ukrainian++
		}
		for i, s := range scripts {
			if unicode.Is(s.table, r) {
				counts[i]++
				if s.lang == "ja" {
					kana++
				}
				break
			}
		}
	}
	best, bestCount := -1, 0
	for i, c := range counts {
		if c > bestCount {
			best, bestCount = i, c
		}
	}
	if best < 0 {
		return "und"
	}
	lang := scripts[best].lang
	switch {
	case lang == "ru" && ukrainian > 0:
		return "uk"
	case lang == "zh" && kana > 0:
		return "ja"
	}
	return lang
}
