package pattern

import (
	"regexp"
	"sort"
	"strings"
)

// MerchantCandidate is a merchant name extracted from a narration.
type MerchantCandidate struct {
	Name   string
	Score  float64
	Source string
}

type extractor struct {
	source string
	score  float64
	re     *regexp.Regexp
}

// Narration shapes used by Nigerian banks for card and gateway payments.
// The first capture group is the merchant.
var extractors = []extractor{
	{"pos", 0.7, regexp.MustCompile(`(?i)^POS\s+(?:PURCHASE\s+)?(?:AT\s+|@\s*)?(.+?)(?:\s+(?:LAGOS|LA|LANG|ABUJA|FCT|PH|IBADAN|KANO|NG|NGA)\b.*)?$`)},
	{"web", 0.7, regexp.MustCompile(`(?i)^WEB\s+(?:PURCHASE|PMT|PAYMENT)\s+(?:-\s*|AT\s+|@\s*)?(.+?)(?:\s+(?:NG|NGA|LAGOS)\b.*)?$`)},
	{"gateway", 0.8, regexp.MustCompile(`(?i)\b(?:PAYSTACK|FLW|FLUTTERWAVE)\s*\*\s*([A-Z0-9][A-Z0-9 &.-]*)`)},
}

type knownMerchant struct {
	name string
	re   *regexp.Regexp
}

var knownMerchants = []knownMerchant{
	{"Shoprite", regexp.MustCompile(`(?i)SHOPRITE`)},
	{"Spar", regexp.MustCompile(`(?i)\bSPAR\b`)},
	{"Justrite", regexp.MustCompile(`(?i)JUSTRITE`)},
	{"Chicken Republic", regexp.MustCompile(`(?i)CHICKEN\s+REPUBLIC`)},
	{"Jumia", regexp.MustCompile(`(?i)JUMIA`)},
	{"Konga", regexp.MustCompile(`(?i)KONGA`)},
	{"Bolt", regexp.MustCompile(`(?i)\bBOLT\b`)},
	{"Uber", regexp.MustCompile(`(?i)\bUBER\b`)},
	{"MTN", regexp.MustCompile(`(?i)\bMTN\b`)},
	{"Airtel", regexp.MustCompile(`(?i)AIRTEL`)},
	{"Glo", regexp.MustCompile(`(?i)\bGLO\b`)},
	{"9mobile", regexp.MustCompile(`(?i)9MOBILE`)},
	{"DStv", regexp.MustCompile(`(?i)\bDSTV\b`)},
	{"GOtv", regexp.MustCompile(`(?i)\bGOTV\b`)},
	{"Netflix", regexp.MustCompile(`(?i)NETFLIX`)},
	{"IKEDC", regexp.MustCompile(`(?i)\bIKEDC\b`)},
	{"EKEDC", regexp.MustCompile(`(?i)\bEKEDC\b`)},
	{"NNPC", regexp.MustCompile(`(?i)\bNNPC\b`)},
	{"TotalEnergies", regexp.MustCompile(`(?i)TOTAL\s*ENERGIES`)},
	{"Oando", regexp.MustCompile(`(?i)\bOANDO\b`)},
}

// ExtractMerchants returns merchant candidates from description, best first.
func ExtractMerchants(description string) []MerchantCandidate {
	desc := strings.TrimSpace(description)
	if desc == "" {
		return nil
	}

	seen := make(map[string]int)
	var out []MerchantCandidate
	add := func(c MerchantCandidate) {
		key := strings.ToLower(c.Name)
		if i, ok := seen[key]; ok {
			if c.Score > out[i].Score {
				out[i] = c
			}
			return
		}
		seen[key] = len(out)
		out = append(out, c)
	}

	for _, k := range knownMerchants {
		if k.re.MatchString(desc) {
			add(MerchantCandidate{Name: k.name, Score: 0.9, Source: "known"})
		}
	}
	for _, ex := range extractors {
		m := ex.re.FindStringSubmatch(desc)
		if len(m) < 2 {
			continue
		}
		name := cleanMerchant(m[1])
		if name == "" {
			continue
		}
		add(MerchantCandidate{Name: name, Score: ex.score, Source: ex.source})
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

var merchantNoise = regexp.MustCompile(`(?i)\b(?:REF|TXN|TRANS|ID)[:#]?\s*\S+$|\s*[-/|]+\s*$|\d{6,}`)

func cleanMerchant(s string) string {
	s = merchantNoise.ReplaceAllString(s, "")
	s = strings.Join(strings.Fields(s), " ")
	if len(s) < 3 {
		return ""
	}
	return strings.ToUpper(s)
}
