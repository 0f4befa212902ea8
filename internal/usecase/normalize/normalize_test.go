package normalize

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"tg-trend-engine/internal/domain"
)

func sampleRaw() domain.RawMessage {
	return domain.RawMessage{
		ID:         42,
		Date:       time.Date(2024, 3, 1, 10, 0, 0, 0, time.FixedZone("MSK", 3*3600)),
		Text:       "  Запуск новой версии #Go и #golang, подробности в нашем блоге: https://Example.com/Post?id=1. Снова #GO\r\n",
		AuthorID:   "100",
		PostAuthor: "Редакция",
		Views:      1500,
		Reactions:  12,
		Forwards:   3,
		Replies:    4,
		EntityURLs: []string{"https://example.com/Post?id=1", "t.me/channel/5"},
	}
}

func TestMessageIsDeterministic(t *testing.T) {
	raw := sampleRaw()
	first, err := Message(7, raw)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	second, err := Message(7, raw)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("повторная нормализация дала другой результат:\n%+v\n%+v", first, second)
	}
}

func TestMessageFields(t *testing.T) {
	msg, err := Message(7, sampleRaw())
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if msg.ChannelID != 7 || msg.MsgID != 42 {
		t.Fatalf("неверный ключ дедупликации: %d/%d", msg.ChannelID, msg.MsgID)
	}
	if msg.Date.Location() != time.UTC {
		t.Fatalf("дата должна быть в UTC")
	}
	if want := []string{"go", "golang"}; !reflect.DeepEqual(msg.Hashtags, want) {
		t.Fatalf("ожидали хэштеги %v, получили %v", want, msg.Hashtags)
	}
	wantLinks := []string{"https://example.com/Post?id=1", "https://t.me/channel/5"}
	if !reflect.DeepEqual(msg.Links, wantLinks) {
		t.Fatalf("ожидали ссылки %v, получили %v", wantLinks, msg.Links)
	}
	if msg.Type != domain.MessageTypeLink {
		t.Fatalf("ожидали тип link, получили %s", msg.Type)
	}
	if msg.Lang != "ru" {
		t.Fatalf("ожидали ru, получили %s", msg.Lang)
	}
	if msg.Author != "Редакция" {
		t.Fatalf("ожидали подпись автора, получили %q", msg.Author)
	}
	if msg.Engagement.Comments != 4 || msg.Engagement.Views != 1500 {
		t.Fatalf("счётчики перенесены неверно: %+v", msg.Engagement)
	}
}

func TestHashtagsIgnoreLinkFragments(t *testing.T) {
	text := "Разбор #новости: https://example.com/news#section2 и t.me/chan/5#c, ещё www.site.ru/#top #итоги"
	got := Hashtags(text)
	if want := []string{"новости", "итоги"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("ожидали хэштеги %v, получили %v", want, got)
	}
	if got := Hashtags("#старт"); !reflect.DeepEqual(got, []string{"старт"}) {
		t.Fatalf("хэштег в начале текста потерян: %v", got)
	}
	if got := Hashtags("слово#склеено"); len(got) != 0 {
		t.Fatalf("ожидали пустой список для слова с решёткой внутри, получили %v", got)
	}
}

func TestMessageOnlyCountersDifferOnRefetch(t *testing.T) {
	raw := sampleRaw()
	first, _ := Message(7, raw)
	raw.Views = 9000
	raw.Reactions = 50
	second, _ := Message(7, raw)
	if second.Engagement.Views != 9000 || second.Engagement.Reactions != 50 {
		t.Fatalf("счётчики должны браться из последней выборки: %+v", second.Engagement)
	}
	first.Engagement = domain.Engagement{}
	second.Engagement = domain.Engagement{}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("кроме счётчиков записи должны совпадать")
	}
}

func TestMessageMalformed(t *testing.T) {
	cases := []domain.RawMessage{
		{ID: 0, Date: time.Now(), Text: "x"},
		{ID: 1, Text: "x"},
		{ID: 1, Date: time.Now(), Text: "   "},
	}
	for i, raw := range cases {
		if _, err := Message(1, raw); !errors.Is(err, domain.ErrMalformedMessage) {
			t.Fatalf("случай %d: ожидали ErrMalformedMessage, получили %v", i, err)
		}
	}
}

func TestMessageMediaOnly(t *testing.T) {
	raw := domain.RawMessage{ID: 5, Date: time.Now(), MediaKind: "photo", Media: &domain.RawMedia{Kind: "photo"}}
	msg, err := Message(1, raw)
	if err != nil {
		t.Fatalf("сообщение только с медиа допустимо: %v", err)
	}
	if msg.Type != domain.MessageTypePhoto || !msg.MediaPresent {
		t.Fatalf("ожидали photo с медиа, получили %s/%v", msg.Type, msg.MediaPresent)
	}
	if msg.Lang != "und" {
		t.Fatalf("ожидали und для пустого текста, получили %s", msg.Lang)
	}
}

func TestDetectLanguage(t *testing.T) {
	cases := []struct {
		text string
		want string
	}{
		{text: "Hello world, this is news", want: "en"},
		{text: "Привет, это новости", want: "ru"},
		{text: "Привіт, це новини і події", want: "uk"},
		{text: "東京でニュース", want: "ja"},
		{text: "新闻", want: "zh"},
		{text: "12345 !!!", want: "und"},
	}
	for _, tc := range cases {
		if got := DetectLanguage(tc.text); got != tc.want {
			t.Fatalf("для %q ожидали %s, получили %s", tc.text, tc.want, got)
		}
	}
}

func TestTokens(t *testing.T) {
	got := Tokens("Новый релиз Go 1.22: что нового? #golang https://go.dev/blog")
	want := []string{"новый", "релиз", "нового"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ожидали %v, получили %v", want, got)
	}
}
