package mtproto

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/gotd/td/session"
)

func TestNormalizeSessionFromRows(t *testing.T) {
	key := strings.Repeat("ab", 256)
	raw, _ := json.Marshal([]map[string]any{
		{"dc_id": 2, "server_address": "149.154.167.51", "port": 443, "auth_key": key},
	})
	out, err := NormalizeSession(raw)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	var decoded struct {
		Version int
		Data    session.Data
	}
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatalf("результат не JSON gotd: %v", err)
	}
	if decoded.Version != 1 || decoded.Data.DC != 2 || decoded.Data.Addr != "149.154.167.51:443" {
		t.Fatalf("неверная сессия: %+v", decoded)
	}
	if hex.EncodeToString(decoded.Data.AuthKey) != key {
		t.Fatal("ключ авторизации искажён")
	}
	if len(decoded.Data.AuthKeyID) != 8 {
		t.Fatalf("ожидали 8 байт ID ключа, получили %d", len(decoded.Data.AuthKeyID))
	}

	again, err := NormalizeSession(out)
	if err != nil {
		t.Fatalf("JSON gotd должен приниматься как есть: %v", err)
	}
	if string(again) != string(out) {
		t.Fatal("JSON gotd не должен меняться")
	}
}

func TestNormalizeSessionRejectsGarbage(t *testing.T) {
	if _, err := NormalizeSession([]byte("   ")); err == nil {
		t.Fatal("ожидали ошибку для пустой сессии")
	}
	if _, err := NormalizeSession([]byte("not a session")); !errors.Is(err, ErrUnsupportedSessionFormat) {
		t.Fatalf("ожидали ErrUnsupportedSessionFormat, получили %v", err)
	}
	short, _ := json.Marshal([]map[string]any{{"dc_id": 2, "server_address": "1.1.1.1", "port": 443, "auth_key": "abcd"}})
	if _, err := NormalizeSession(short); err == nil {
		t.Fatal("ожидали ошибку для короткого ключа")
	}
}
