package config

import "testing"

func TestParseSessionKeys(t *testing.T) {
	keys, err := ParseSessionKeys("1:alpha, 2:beta:with:colons")
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if keys[1] != "alpha" {
		t.Fatalf("ожидали alpha, получили %q", keys[1])
	}
	if keys[2] != "beta:with:colons" {
		t.Fatalf("ожидали секрет с двоеточиями, получили %q", keys[2])
	}
}

func TestParseSessionKeysRejectsInvalid(t *testing.T) {
	cases := []string{"", "abc", "0:zero", "x:secret", "1:", "1:a,1:b"}
	for _, input := range cases {
		if _, err := ParseSessionKeys(input); err == nil {
			t.Fatalf("ожидали ошибку для %q", input)
		}
	}
}
