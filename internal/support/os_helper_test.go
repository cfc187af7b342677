package support

import (
	"slices"
	"testing"
	"time"
)

func TestGetEnv(t *testing.T) {
	t.Setenv("EDGEGUARD_TEST_ENV", "value")
	if got := GetEnv("EDGEGUARD_TEST_ENV", "fallback"); got != "value" {
		t.Fatalf("GetEnv returned %s, want value", got)
	}

	if got := GetEnv("EDGEGUARD_TEST_ENV_MISSING", "fallback"); got != "fallback" {
		t.Fatalf("GetEnv returned %s, want fallback", got)
	}
}

func TestGetEnvInt(t *testing.T) {
	t.Setenv("EDGEGUARD_TEST_INT", " 42 ")
	if got := GetEnvInt("EDGEGUARD_TEST_INT", 1); got != 42 {
		t.Fatalf("GetEnvInt returned %d, want 42", got)
	}

	t.Setenv("EDGEGUARD_TEST_INT", "forty")
	if got := GetEnvInt("EDGEGUARD_TEST_INT", 1); got != 1 {
		t.Fatalf("GetEnvInt returned %d, want fallback", got)
	}
}

func TestGetEnvDuration(t *testing.T) {
	cases := map[string]time.Duration{
		"10m":    10 * time.Minute,
		"600000": 10 * time.Minute,
		"bogus":  time.Hour,
	}
	for raw, want := range cases {
		t.Setenv("EDGEGUARD_TEST_DURATION", raw)
		if got := GetEnvDuration("EDGEGUARD_TEST_DURATION", time.Hour); got != want {
			t.Fatalf("GetEnvDuration(%q) = %v, want %v", raw, got, want)
		}
	}
}

func TestGetEnvList(t *testing.T) {
	fallback := []string{"a"}
	if got := GetEnvList("EDGEGUARD_TEST_LIST_MISSING", fallback); !slices.Equal(got, fallback) {
		t.Fatalf("GetEnvList returned %v, want fallback", got)
	}

	t.Setenv("EDGEGUARD_TEST_LIST", " 10.0.0.1, ,192.168.0.0/16 ,")
	if got := GetEnvList("EDGEGUARD_TEST_LIST", fallback); !slices.Equal(got, []string{"10.0.0.1", "192.168.0.0/16"}) {
		t.Fatalf("GetEnvList returned %v", got)
	}

	t.Setenv("EDGEGUARD_TEST_LIST", "")
	if got := GetEnvList("EDGEGUARD_TEST_LIST", fallback); len(got) != 0 {
		t.Fatalf("GetEnvList returned %v, want empty", got)
	}
}
