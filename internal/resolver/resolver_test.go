package resolver

import "testing"

func TestExtractQuantizationPicksLongestLabel(t *testing.T) {
	cases := map[string]string{
		"model-Q4_K_M.gguf":      "Q4_K_M",
		"model-q4_k_m.gguf":      "Q4_K_M",
		"model-Q8_0.gguf":        "Q8_0",
		"model-F16.gguf":         "F16",
		"model-IQ2_XXS.gguf":     "IQ2_XXS",
		"model-no-quant-tag.gguf": "",
	}
	for in, want := range cases {
		if got := ExtractQuantization(in); got != want {
			t.Errorf("ExtractQuantization(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestShardIndexTotalParsesSuffix(t *testing.T) {
	idx, total, ok := ShardIndexTotal("model-00001-of-00008.gguf")
	if !ok || idx != 1 || total != 8 {
		t.Fatalf("got (%d, %d, %v), want (1, 8, true)", idx, total, ok)
	}

	if _, _, ok := ShardIndexTotal("model-Q4_K_M.gguf"); ok {
		t.Fatal("expected no shard match for a non-sharded filename")
	}
}

func avail(label string, size int64) Available {
	return Available{Label: label, TotalSize: size, ShardCount: 1}
}

func TestSelectQuantizationExplicitExists(t *testing.T) {
	sel, err := SelectQuantization("author/model", []Available{avail("Q4_K_M", 1), avail("Q8_0", 1)}, "Q4_K_M")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sel.Label != "Q4_K_M" || sel.AutoSelected {
		t.Fatalf("got %+v", sel)
	}
}

func TestSelectQuantizationExplicitNotFound(t *testing.T) {
	_, err := SelectQuantization("author/model", []Available{avail("Q8_0", 1)}, "Q4_K_M")
	if err == nil || err.Kind != "quantization_not_found" {
		t.Fatalf("expected quantization_not_found, got %v", err)
	}
}

func TestSelectQuantizationSingleAutoSelected(t *testing.T) {
	sel, err := SelectQuantization("author/model", []Available{avail("IQ2_XXS", 1)}, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sel.Label != "IQ2_XXS" || !sel.AutoSelected {
		t.Fatalf("got %+v", sel)
	}
}

func TestSelectQuantizationMultiplePreferenceMatch(t *testing.T) {
	// Scenario 3 from spec §8: available [Q8_0, Q4_K_M, F16] auto-picks
	// Q4_K_M, the first preference-order entry present.
	sel, err := SelectQuantization("author/model", []Available{avail("Q8_0", 1), avail("Q4_K_M", 1), avail("F16", 1)}, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sel.Label != "Q4_K_M" || !sel.AutoSelected {
		t.Fatalf("got %+v, want auto-selected Q4_K_M", sel)
	}
}

func TestSelectQuantizationNoneAvailable(t *testing.T) {
	_, err := SelectQuantization("author/model", nil, "")
	if err == nil || err.Kind != "no_quantizations_available" {
		t.Fatalf("expected no_quantizations_available, got %v", err)
	}
}

func TestSelectQuantizationNoDefaultMatchRequiresSelection(t *testing.T) {
	_, err := SelectQuantization("author/model", []Available{avail("IQ2_XXS", 1), avail("IQ1_M", 1)}, "")
	if err == nil || err.Kind != "selection_required" {
		t.Fatalf("expected selection_required, got %v", err)
	}
}
