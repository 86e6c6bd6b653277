package envutil

import "testing"

func TestGet_FallsBackWhenUnset(t *testing.T) {
	if got := Get("VECGEN_TEST_UNSET_KEY", "fallback"); got != "fallback" {
		t.Errorf("Get = %q, want fallback", got)
	}
}

func TestGet_ReturnsSetValue(t *testing.T) {
	t.Setenv("VECGEN_TEST_KEY", "value")
	if got := Get("VECGEN_TEST_KEY", "fallback"); got != "value" {
		t.Errorf("Get = %q, want value", got)
	}
}

func TestGetInt_InvalidFallsBack(t *testing.T) {
	t.Setenv("VECGEN_TEST_INT", "not-a-number")
	if got := GetInt("VECGEN_TEST_INT", 42); got != 42 {
		t.Errorf("GetInt = %d, want fallback 42", got)
	}
}

func TestGetInt_ParsesValidValue(t *testing.T) {
	t.Setenv("VECGEN_TEST_INT", "17")
	if got := GetInt("VECGEN_TEST_INT", 42); got != 17 {
		t.Errorf("GetInt = %d, want 17", got)
	}
}

func TestGetFloat_ParsesValidValue(t *testing.T) {
	t.Setenv("VECGEN_TEST_FLOAT", "0.75")
	if got := GetFloat("VECGEN_TEST_FLOAT", 0.5); got != 0.75 {
		t.Errorf("GetFloat = %v, want 0.75", got)
	}
}

func TestGetBoolStrict_RequiresStrconvSyntax(t *testing.T) {
	t.Setenv("VECGEN_TEST_BOOL", "yes")
	if got := GetBoolStrict("VECGEN_TEST_BOOL", false); got != false {
		t.Errorf("GetBoolStrict should reject 'yes' and fall back, got %v", got)
	}
	t.Setenv("VECGEN_TEST_BOOL", "true")
	if got := GetBoolStrict("VECGEN_TEST_BOOL", false); got != true {
		t.Errorf("GetBoolStrict should parse 'true', got %v", got)
	}
}

func TestGetBoolLoose_AcceptsCommonTruthyStrings(t *testing.T) {
	for _, v := range []string{"true", "1", "yes", "on", "TRUE", "On"} {
		t.Setenv("VECGEN_TEST_LOOSE", v)
		if got := GetBoolLoose("VECGEN_TEST_LOOSE", false); got != true {
			t.Errorf("GetBoolLoose(%q) = false, want true", v)
		}
	}
}

func TestGetBoolLoose_UnsetFallsBack(t *testing.T) {
	if got := GetBoolLoose("VECGEN_TEST_LOOSE_UNSET", true); got != true {
		t.Errorf("GetBoolLoose = %v, want fallback true", got)
	}
}

func TestLookupBoolLoose_ReportsPresence(t *testing.T) {
	if _, present := LookupBoolLoose("VECGEN_TEST_LOOKUP_UNSET"); present {
		t.Error("expected LookupBoolLoose to report absent for an unset var")
	}
	t.Setenv("VECGEN_TEST_LOOKUP", "on")
	v, present := LookupBoolLoose("VECGEN_TEST_LOOKUP")
	if !present {
		t.Fatal("expected LookupBoolLoose to report present")
	}
	if !v {
		t.Error("expected 'on' to parse as true")
	}
}

func TestGetDuration_ParsesGoDurationSyntax(t *testing.T) {
	t.Setenv("VECGEN_TEST_DURATION", "5s")
	got := GetDuration("VECGEN_TEST_DURATION", 0)
	if got.Seconds() != 5 {
		t.Errorf("GetDuration = %v, want 5s", got)
	}
}

func TestGetDurationOrSeconds_FallsBackToBareInteger(t *testing.T) {
	t.Setenv("VECGEN_TEST_DURATION_SECS", "30")
	got := GetDurationOrSeconds("VECGEN_TEST_DURATION_SECS", 0)
	if got.Seconds() != 30 {
		t.Errorf("GetDurationOrSeconds = %v, want 30s", got)
	}
}

func TestGetStringSlice_SplitsAndTrims(t *testing.T) {
	t.Setenv("VECGEN_TEST_SLICE", "vector, hybrid ,hyde")
	got := GetStringSlice("VECGEN_TEST_SLICE", nil)
	want := []string{"vector", "hybrid", "hyde"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("index %d: got %q, want %q", i, got[i], want[i])
		}
	}
}

func TestGetStringSlice_EmptyFallsBack(t *testing.T) {
	got := GetStringSlice("VECGEN_TEST_SLICE_UNSET", []string{"default"})
	if len(got) != 1 || got[0] != "default" {
		t.Errorf("got %v, want fallback [default]", got)
	}
}
