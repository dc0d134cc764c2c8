// Package observation defines the core memory records extracted from coding
// sessions: observations, session summaries, and the session bookkeeping that
// ties them together.
package observation

import (
	"strings"
	"time"
)

// Type classifies what kind of knowledge an observation captures.
type Type string

const (
	TypeBugfix    Type = "bugfix"
	TypeFeature   Type = "feature"
	TypeRefactor  Type = "refactor"
	TypeChange    Type = "change"
	TypeDiscovery Type = "discovery"
	TypeDecision  Type = "decision"
)

// ValidTypes lists every recognized observation type. The first entry is the
// fallback used when an extractor emits an unknown type.
var ValidTypes = []Type{
	TypeDiscovery,
	TypeBugfix,
	TypeFeature,
	TypeRefactor,
	TypeChange,
	TypeDecision,
}

// ParseType validates a raw type string, falling back to the first valid type.
func ParseType(raw string) (Type, bool) {
	t := Type(strings.ToLower(strings.TrimSpace(raw)))
	for _, v := range ValidTypes {
		if t == v {
			return t, true
		}
	}
	return ValidTypes[0], false
}

// Tier classifies how aggressively an observation is retained.
type Tier string

const (
	TierCore      Tier = "core"
	TierWorking   Tier = "working"
	TierArchive   Tier = "archive"
	TierEphemeral Tier = "ephemeral"
)

// TypeWeights bias importance scoring toward types that age well.
var TypeWeights = map[Type]float64{
	TypeBugfix:    1.5,
	TypeDecision:  1.3,
	TypeFeature:   1.2,
	TypeRefactor:  1.1,
	TypeDiscovery: 1.0,
	TypeChange:    1.0,
}

// TypePriorities order observations within a consolidation batch. Higher
// priority types are considered first and get a small confidence boost.
var TypePriorities = map[Type]float64{
	TypeBugfix:    1.0,
	TypeDecision:  0.9,
	TypeDiscovery: 0.7,
	TypeFeature:   0.6,
	TypeRefactor:  0.5,
	TypeChange:    0.4,
}

// ScoreRange is the initial importance band assigned at creation time.
type ScoreRange struct {
	Min float64
	Max float64
}

// InitialScoreRanges map observation types to their initial importance band.
var InitialScoreRanges = map[Type]ScoreRange{
	TypeBugfix:    {0.6, 0.8},
	TypeDecision:  {0.55, 0.75},
	TypeFeature:   {0.5, 0.7},
	TypeRefactor:  {0.45, 0.65},
	TypeDiscovery: {0.4, 0.6},
	TypeChange:    {0.4, 0.6},
}

// Priority returns the batch-ordering priority for a type, defaulting low.
func Priority(t Type) float64 {
	if p, ok := TypePriorities[t]; ok {
		return p
	}
	return 0.4
}

// Weight returns the importance weight for a type, defaulting to 1.0.
func Weight(t Type) float64 {
	if w, ok := TypeWeights[t]; ok {
		return w
	}
	return 1.0
}

// Observation is a single extracted memory record.
type Observation struct {
	ID            int64
	SessionID     string
	Project       string
	Type          Type
	Title         *string
	Subtitle      *string
	Narrative     *string
	Facts         []string
	Concepts      []string
	FilesRead     []string
	FilesModified []string
	Topics        []string
	Entities      []string

	// EventDate is the real-world date the knowledge refers to, as
	// "YYYY-MM-DD", when the extractor could pin one down.
	EventDate *string

	PromptNumber int

	Importance   float64
	Tier         Tier
	SupersededBy *int64
	Deprecated   bool
	Pinned       bool
	AccessCount  int64
	LastAccessed *int64

	// CreatedAt is milliseconds since the Unix epoch.
	CreatedAt int64
}

// CreatedTime returns the creation timestamp as a time.Time.
func (o *Observation) CreatedTime() time.Time {
	return time.UnixMilli(o.CreatedAt)
}

// AgeDays returns the observation age in fractional days at the given instant.
func (o *Observation) AgeDays(now time.Time) float64 {
	return now.Sub(o.CreatedTime()).Hours() / 24
}

// IdentityKey is a normalized fingerprint used for duplicate detection.
// Two observations with the same type, title and leading fact describe the
// same event even when the narratives differ.
func (o *Observation) IdentityKey() string {
	var b strings.Builder
	b.WriteString(string(o.Type))
	b.WriteByte('|')
	if o.Title != nil {
		b.WriteString(strings.ToLower(strings.TrimSpace(*o.Title)))
	}
	b.WriteByte('|')
	if len(o.Facts) > 0 {
		b.WriteString(strings.ToLower(strings.TrimSpace(o.Facts[0])))
	}
	return b.String()
}

// SearchText renders the observation as a flat text document for embedding
// and keyword indexing.
func (o *Observation) SearchText() string {
	parts := make([]string, 0, 8)
	if o.Title != nil && *o.Title != "" {
		parts = append(parts, *o.Title)
	}
	if o.Subtitle != nil && *o.Subtitle != "" {
		parts = append(parts, *o.Subtitle)
	}
	if o.Narrative != nil && *o.Narrative != "" {
		parts = append(parts, *o.Narrative)
	}
	if len(o.Facts) > 0 {
		parts = append(parts, strings.Join(o.Facts, ". "))
	}
	if len(o.Concepts) > 0 {
		parts = append(parts, strings.Join(o.Concepts, ", "))
	}
	return strings.Join(parts, "\n")
}

// Summary captures the narrative arc of one session.
type Summary struct {
	ID        int64
	SessionID string
	Project   string

	Request      *string
	Investigated *string
	Learned      *string
	Completed    *string
	NextSteps    *string
	Notes        *string

	CreatedAt int64
}

// SearchText renders the summary as a flat text document for indexing.
func (s *Summary) SearchText() string {
	parts := make([]string, 0, 6)
	for _, f := range []*string{s.Request, s.Investigated, s.Learned, s.Completed, s.NextSteps, s.Notes} {
		if f != nil && *f != "" {
			parts = append(parts, *f)
		}
	}
	return strings.Join(parts, "\n")
}

// Session is the durable record a memory session accumulates into. MemoryID is
// stable across assistant restarts; ContentID tracks the current transcript
// session and may rotate mid-conversation.
type Session struct {
	DBID        int64
	MemoryID    string
	ContentID   string
	Project     string
	UserPrompt  string
	PromptCount int

	InputTokens  int64
	OutputTokens int64

	StartedAt   int64
	CompletedAt *int64
}
