// Package resolver implements the artifact resolver (spec C4 / §4.2):
// translating a (repo, optional quantization) request into an ordered
// list of files, and the quantization selection policy of §4.1.2.
package resolver

import (
	"regexp"
	"sort"
	"strings"
)

// quantLabels is the longest-match-first ordered table of GGUF
// quantization labels in public use, covering 1-bit IQ1_S through 32-bit
// F32 plus BF16, MXFP4 and imatrix, per spec §4.2. Longer/more specific
// labels are listed before their prefixes so e.g. "Q4_K_M" matches before
// a hypothetical bare "Q4".
var quantLabels = []string{
	"IQ1_S", "IQ1_M",
	"IQ2_XXS", "IQ2_XS", "IQ2_S", "IQ2_M",
	"IQ3_XXS", "IQ3_XS", "IQ3_S", "IQ3_M",
	"IQ4_XS", "IQ4_NL",
	"Q2_K_S", "Q2_K",
	"Q3_K_XS", "Q3_K_S", "Q3_K_M", "Q3_K_L", "Q3_K",
	"Q4_K_S", "Q4_K_M", "Q4_K",
	"Q4_0_4_4", "Q4_0_4_8", "Q4_0_8_8", "Q4_0",
	"Q4_1",
	"Q5_K_S", "Q5_K_M", "Q5_K",
	"Q5_0", "Q5_1",
	"Q6_K",
	"Q8_0", "Q8_K",
	"BF16",
	"F16", "FP16",
	"F32", "FP32",
	"MXFP4",
	"imatrix",
}

var quantPattern = regexp.MustCompile(buildQuantPattern())

func buildQuantPattern() string {
	// Sort by descending length so the regex alternation tries the most
	// specific label first even though Go's RE2 alternation is
	// first-match, not longest-match.
	labels := append([]string(nil), quantLabels...)
	sort.Slice(labels, func(i, j int) bool { return len(labels[i]) > len(labels[j]) })
	escaped := make([]string, len(labels))
	for i, l := range labels {
		escaped[i] = regexp.QuoteMeta(l)
	}
	return `(?i)\b(` + strings.Join(escaped, "|") + `)\b`
}

// ExtractQuantization returns the canonical quantization label found in
// filename, or "" if none matches.
func ExtractQuantization(filename string) string {
	m := quantPattern.FindString(filename)
	if m == "" {
		return ""
	}
	return canonicalizeLabel(m)
}

func canonicalizeLabel(m string) string {
	upper := strings.ToUpper(m)
	for _, l := range quantLabels {
		if strings.ToUpper(l) == upper {
			return l
		}
	}
	return upper
}

// DefaultQuantPreference is the order the manager walks when the caller
// supplies no quantization and more than one is available (spec §4.1.2),
// ported from the original implementation's quant_selector.rs.
var DefaultQuantPreference = []string{"Q5_K_M", "Q4_K_M", "Q5_K_S", "Q4_K_S", "Q6_K", "Q8_0"}

// shardPattern matches "*-NNNNN-of-MMMMM.*", "part-N-of-M", "shard-N-of-M"
// suffixes used to group multi-file artifacts (spec §4.2).
var shardPattern = regexp.MustCompile(`(?i)(?:^|[-_])(?:part|shard)?-?(\d+)-of-(\d+)(\.[^.]+)?$`)

// ShardIndexTotal reports the 1-based shard index and total shard count
// encoded in filename, or ok=false if filename carries no shard suffix.
func ShardIndexTotal(filename string) (index, total int, ok bool) {
	m := shardPattern.FindStringSubmatch(filename)
	if m == nil {
		return 0, 0, false
	}
	idx := atoiSafe(m[1])
	tot := atoiSafe(m[2])
	if idx <= 0 || tot <= 0 {
		return 0, 0, false
	}
	return idx, tot, true
}

func atoiSafe(s string) int {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int(c-'0')
	}
	return n
}
