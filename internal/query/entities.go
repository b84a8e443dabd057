package query

import (
	"regexp"
	"sort"
	"strings"

	"github.com/ashita-ai/karte/internal/model"
)

// Dictionary confidence per entity source. Dictionary hits are near-certain;
// the person pattern is looser.
const (
	confMedication = 0.9
	confCondition  = 0.85
	confSymptom    = 0.7
	confPerson     = 0.8
)

// medicalAbbreviations expands the shorthand clinicians actually type.
// Applied during normalization, never to the original text.
var medicalAbbreviations = map[string]string{
	"bid":  "twice daily",
	"tid":  "three times daily",
	"qid":  "four times daily",
	"qd":   "once daily",
	"qhs":  "at bedtime",
	"prn":  "as needed",
	"po":   "by mouth",
	"htn":  "hypertension",
	"dm":   "diabetes",
	"t2dm": "type 2 diabetes",
	"bp":   "blood pressure",
	"hr":   "heart rate",
	"sob":  "shortness of breath",
	"uti":  "urinary tract infection",
	"uri":  "upper respiratory infection",
	"afib": "atrial fibrillation",
	"chf":  "congestive heart failure",
	"ckd":  "chronic kidney disease",
	"copd": "chronic obstructive pulmonary disease",
	"gerd": "gastroesophageal reflux disease",
	"mi":   "myocardial infarction",
	"hld":  "hyperlipidemia",
}

// inflectionSuffixes in strip order, longest first.
var inflectionSuffixes = []string{"ment", "ness", "ing", "ed", "es", "ly", "s"}

var medicationDict = []string{
	"metformin", "lisinopril", "atorvastatin", "amlodipine", "metoprolol",
	"omeprazole", "losartan", "gabapentin", "levothyroxine", "sertraline",
	"insulin", "aspirin", "ibuprofen", "acetaminophen", "albuterol",
	"prednisone", "warfarin", "furosemide", "hydrochlorothiazide",
	"simvastatin", "clopidogrel", "pantoprazole", "escitalopram",
	"fluoxetine", "tramadol", "amoxicillin", "azithromycin", "glucophage",
	"lipitor", "zestril",
}

var conditionDict = []string{
	"diabetes", "type 2 diabetes", "type 1 diabetes", "hypertension",
	"hyperlipidemia", "asthma", "copd", "depression", "anxiety", "obesity",
	"arthritis", "osteoporosis", "hypothyroidism", "atrial fibrillation",
	"congestive heart failure", "chronic kidney disease",
	"coronary artery disease", "gerd", "htn", "t2dm", "cancer", "anemia",
	"pneumonia", "urinary tract infection",
}

var symptomDict = []string{
	"pain", "headache", "nausea", "fatigue", "fever", "cough", "dizziness",
	"shortness of breath", "chest pain", "insomnia", "vomiting", "rash",
	"swelling", "weakness", "numbness", "palpitations", "wheezing",
	"constipation", "diarrhea", "sob",
}

// rePerson catches "Dr. Tanaka", "dr smith", "doctor Lee".
var rePerson = regexp.MustCompile(`(?i)\b(?:dr\.?|doctor)\s+([a-z][a-z'-]+)`)

// ExtractEntities finds clinical entities in the query text. Dates are the
// temporal parser's job and never appear here. Overlapping matches resolve
// to the higher-confidence one (longer span, then earlier position, on
// ties). Output order follows position in the text.
func ExtractEntities(queryText string) []model.Entity {
	lower := strings.ToLower(queryText)

	var found []model.Entity
	found = append(found, dictionaryMatches(queryText, lower, medicationDict, model.EntityMedication, confMedication)...)
	found = append(found, dictionaryMatches(queryText, lower, conditionDict, model.EntityCondition, confCondition)...)
	found = append(found, dictionaryMatches(queryText, lower, symptomDict, model.EntitySymptom, confSymptom)...)

	for _, m := range rePerson.FindAllStringSubmatchIndex(queryText, -1) {
		start, end := m[2], m[3]
		found = append(found, model.Entity{
			Text:       queryText[start:end],
			Type:       model.EntityPerson,
			Normalized: strings.ToLower(queryText[start:end]),
			Confidence: confPerson,
			Position:   &model.CharRange{Start: start, End: end},
		})
	}

	return resolveOverlaps(found)
}

// dictionaryMatches scans for every dictionary term as a whole-word,
// case-insensitive match. Multi-word terms match as phrases.
func dictionaryMatches(original, lower string, dict []string, t model.EntityType, conf float64) []model.Entity {
	var out []model.Entity
	for _, term := range dict {
		for _, pos := range phrasePositions(lower, term) {
			end := pos + len(term)
			out = append(out, model.Entity{
				Text:       original[pos:end],
				Type:       t,
				Normalized: NormalizeTerm(term),
				Confidence: conf,
				Position:   &model.CharRange{Start: pos, End: end},
			})
		}
	}
	return out
}

// phrasePositions finds whole-word occurrences of term in lower.
func phrasePositions(lower, term string) []int {
	var positions []int
	for offset := 0; ; {
		i := strings.Index(lower[offset:], term)
		if i < 0 {
			break
		}
		pos := offset + i
		end := pos + len(term)
		if wordBoundary(lower, pos, end) {
			positions = append(positions, pos)
		}
		offset = pos + 1
	}
	return positions
}

func wordBoundary(s string, start, end int) bool {
	alnum := func(b byte) bool {
		return (b >= 'a' && b <= 'z') || (b >= '0' && b <= '9') || (b >= 'A' && b <= 'Z')
	}
	if start > 0 && alnum(s[start-1]) {
		return false
	}
	if end < len(s) && alnum(s[end]) {
		return false
	}
	return true
}

// resolveOverlaps drops the weaker of any two overlapping entities:
// lower confidence loses; on equal confidence the shorter span loses; on
// equal length the later one loses.
func resolveOverlaps(entities []model.Entity) []model.Entity {
	if len(entities) <= 1 {
		return entities
	}

	sort.SliceStable(entities, func(i, j int) bool {
		a, b := entities[i], entities[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		al, bl := a.Position.End-a.Position.Start, b.Position.End-b.Position.Start
		if al != bl {
			return al > bl
		}
		return a.Position.Start < b.Position.Start
	})

	var kept []model.Entity
	for _, e := range entities {
		overlaps := false
		for _, k := range kept {
			if e.Position.Start < k.Position.End && k.Position.Start < e.Position.End {
				overlaps = true
				break
			}
		}
		if !overlaps {
			kept = append(kept, e)
		}
	}

	sort.Slice(kept, func(i, j int) bool { return kept[i].Position.Start < kept[j].Position.Start })
	return kept
}

// NormalizeTerm lowercases, trims, expands medical abbreviations, and strips
// one inflection suffix when the remaining stem keeps at least 3 characters.
func NormalizeTerm(term string) string {
	words := strings.Fields(strings.ToLower(strings.TrimSpace(term)))
	for i, w := range words {
		if full, ok := medicalAbbreviations[w]; ok {
			words[i] = full
			continue
		}
		words[i] = stripSuffix(w)
	}
	return strings.Join(words, " ")
}

func stripSuffix(w string) string {
	for _, suf := range inflectionSuffixes {
		if strings.HasSuffix(w, suf) {
			stem := w[:len(w)-len(suf)]
			if len(stem) >= 3 {
				return stem
			}
		}
	}
	return w
}
