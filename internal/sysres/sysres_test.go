package sysres

import "testing"

func TestRecommendTier(t *testing.T) {
	cases := []struct {
		ramGB float64
		want  string
	}{
		{64, "Q8_0"},
		{32, "Q8_0"},
		{24, "Q6_K"},
		{16, "Q4_K_M"},
		{12, "Q4_K_S"},
		{8, "Q3_K_M"},
		{4, "Q2_K"},
		{1, "Q2_K"}, // below every tier: lowest always fits
	}
	for _, c := range cases {
		if got := RecommendTier(c.ramGB).Label; got != c.want {
			t.Errorf("RecommendTier(%v) = %s, want %s", c.ramGB, got, c.want)
		}
	}
}

func TestAvailableRAMGBPositive(t *testing.T) {
	if gb := AvailableRAMGB(); gb <= 0 {
		t.Fatalf("AvailableRAMGB = %v, want > 0", gb)
	}
}

func TestCountCPUList(t *testing.T) {
	cases := []struct {
		in   string
		want int
	}{
		{"0-7", 8},
		{"0-7,16-23", 16},
		{"0,2,4", 3},
		{"5", 1},
		{"0-3,9\n", 5},
		{"", 0},
		{"7-3", 0},       // inverted range
		{"a-b,3", 1},     // malformed segment skipped
	}
	for _, c := range cases {
		if got := countCPUList(c.in); got != c.want {
			t.Errorf("countCPUList(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestInferenceThreads(t *testing.T) {
	cases := []struct {
		name string
		info CPUInfo
		want int
	}{
		{"hybrid prefers p-cores", CPUInfo{Physical: 14, Performance: 6, Efficiency: 8}, 6},
		{"non-hybrid uses physical", CPUInfo{Physical: 8}, 8},
		{"unknown topology still spawns one thread", CPUInfo{}, 1},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := InferenceThreads(c.info); got != c.want {
				t.Fatalf("InferenceThreads(%+v) = %d, want %d", c.info, got, c.want)
			}
		})
	}
}

func TestDetectCPUHasFallbacks(t *testing.T) {
	info := DetectCPU()
	if info.Logical < 1 {
		t.Fatalf("Logical = %d, want >= 1", info.Logical)
	}
	if info.Physical < 1 {
		t.Fatalf("Physical = %d, want >= 1", info.Physical)
	}
	if info.Model == "" {
		t.Fatal("Model must fall back to a non-empty value")
	}
}
