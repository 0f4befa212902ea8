package repo

import (
	"regexp"
	"strings"
	"testing"
	"time"

	"tg-trend-engine/internal/domain"
)

func TestUpsertMessageUpdatesOnlyCounters(t *testing.T) {
	idx := strings.Index(upsertMessageSQL, "DO UPDATE")
	if idx < 0 {
		t.Fatal("ожидали ON CONFLICT ... DO UPDATE")
	}
	set := upsertMessageSQL[idx:]
	assign := regexp.MustCompile(`(?m)(?:SET\s+|,\s*)([a-z_]+)\s*=`)
	allowed := map[string]bool{
		"views": true, "reactions": true, "forwards": true, "comments": true,
		"media_present": true, "updated_at": true,
	}
	found := 0
	for _, m := range assign.FindAllStringSubmatch(set, -1) {
		found++
		if !allowed[m[1]] {
			t.Fatalf("повторная запись не должна менять колонку %s", m[1])
		}
	}
	if found == 0 {
		t.Fatal("не нашли ни одного присваивания в DO UPDATE")
	}
}

func TestFeedQueryNumbersOptionalFilters(t *testing.T) {
	from := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	query, args := feedQuery(domain.FeedFilter{OwnerID: 7, Lang: "ru", From: from, Limit: 20})
	for _, part := range []string{"sub.user_id = $1", "m.lang = $2", "m.date >= $3", "LIMIT $4"} {
		if !strings.Contains(query, part) {
			t.Fatalf("в запросе нет %q:\n%s", part, query)
		}
	}
	if strings.Contains(query, "m.channel_id = $") || strings.Contains(query, "m.type = $") {
		t.Fatalf("пустые фильтры не должны попадать в запрос:\n%s", query)
	}
	if len(args) != 4 || args[0] != int64(7) || args[1] != "ru" || args[3] != 20 {
		t.Fatalf("неожиданные аргументы %v", args)
	}
}
