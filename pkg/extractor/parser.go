package extractor

import (
	"regexp"
	"strings"

	"github.com/papercomputeco/engram/pkg/observation"
)

// Parsing is deliberately forgiving: extractor output is surrounded by prose
// and models drop fields. Malformed blocks are skipped, missing fields stay
// nil, and an unknown type falls back to the first valid type. A response is
// never rejected outright.

var (
	observationBlockRe = regexp.MustCompile(`(?s)<observation>(.*?)</observation>`)
	summaryBlockRe     = regexp.MustCompile(`(?s)<summary>(.*?)</summary>`)
	skipSummaryRe      = regexp.MustCompile(`<skip_summary\s+reason="([^"]*)"\s*/>`)
)

// sectionRes caches one regexp per tag name. Populated once at init so
// concurrent parsers only ever read it.
var sectionRes = func() map[string]*regexp.Regexp {
	res := make(map[string]*regexp.Regexp)
	for _, tag := range []string{
		"type", "title", "subtitle", "narrative",
		"facts", "concepts", "files_read", "files_modified",
		"topics", "entities", "event_date",
		"fact", "concept", "file", "topic", "entity",
		"request", "investigated", "learned", "completed", "next_steps", "notes",
	} {
		res[tag] = regexp.MustCompile(`(?s)<` + tag + `>(.*?)</` + tag + `>`)
	}
	return res
}()

func sectionRe(tag string) *regexp.Regexp {
	if re, ok := sectionRes[tag]; ok {
		return re
	}
	return regexp.MustCompile(`(?s)<` + tag + `>(.*?)</` + tag + `>`)
}

// extractSection returns the trimmed inner text of the first <tag> block, or
// nil when absent or empty.
func extractSection(content, tag string) *string {
	m := sectionRe(tag).FindStringSubmatch(content)
	if m == nil {
		return nil
	}
	v := strings.TrimSpace(m[1])
	if v == "" {
		return nil
	}
	return &v
}

// extractList returns the trimmed inner texts of every <item> inside the
// first <wrapper> block.
func extractList(content, wrapper, item string) []string {
	m := sectionRe(wrapper).FindStringSubmatch(content)
	if m == nil {
		return nil
	}

	var values []string
	for _, im := range sectionRe(item).FindAllStringSubmatch(m[1], -1) {
		v := strings.TrimSpace(im[1])
		if v != "" {
			values = append(values, v)
		}
	}
	return values
}

// ParseObservations extracts every <observation> block from extractor output.
func ParseObservations(text string) []*observation.Observation {
	var observations []*observation.Observation

	for _, block := range observationBlockRe.FindAllStringSubmatch(text, -1) {
		content := block[1]

		rawType := ""
		if t := extractSection(content, "type"); t != nil {
			rawType = *t
		}
		typ, _ := observation.ParseType(rawType)

		concepts := extractList(content, "concepts", "concept")

		// Types and concepts are separate dimensions; drop the type if the
		// model echoed it as a concept.
		cleaned := concepts[:0]
		for _, c := range concepts {
			if !strings.EqualFold(c, string(typ)) {
				cleaned = append(cleaned, c)
			}
		}

		observations = append(observations, &observation.Observation{
			Type:          typ,
			Title:         extractSection(content, "title"),
			Subtitle:      extractSection(content, "subtitle"),
			Narrative:     extractSection(content, "narrative"),
			Facts:         extractList(content, "facts", "fact"),
			Concepts:      cleaned,
			FilesRead:     extractList(content, "files_read", "file"),
			FilesModified: extractList(content, "files_modified", "file"),
			Topics:        extractList(content, "topics", "topic"),
			Entities:      extractList(content, "entities", "entity"),
			EventDate:     extractSection(content, "event_date"),
		})
	}

	return observations
}

// ParseSummary extracts the first <summary> block from extractor output.
// Returns nil when the model skipped the summary or emitted none. A summary
// with missing fields is still returned; fields stay nil.
func ParseSummary(text string) *observation.Summary {
	if skipSummaryRe.MatchString(text) {
		return nil
	}

	m := summaryBlockRe.FindStringSubmatch(text)
	if m == nil {
		return nil
	}

	content := m[1]
	return &observation.Summary{
		Request:      extractSection(content, "request"),
		Investigated: extractSection(content, "investigated"),
		Learned:      extractSection(content, "learned"),
		Completed:    extractSection(content, "completed"),
		NextSteps:    extractSection(content, "next_steps"),
		Notes:        extractSection(content, "notes"),
	}
}

// SkipReason returns the reason attached to a <skip_summary/> marker, if any.
func SkipReason(text string) (string, bool) {
	m := skipSummaryRe.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return m[1], true
}
