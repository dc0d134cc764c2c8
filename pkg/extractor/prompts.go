package extractor

import (
	"fmt"
	"strings"
)

// SystemPrompt primes the extraction conversation. The model answers every
// turn with zero or more <observation> blocks; a closing turn asks for a
// single <summary> block.
const SystemPrompt = `You are a memory archivist for a software engineering assistant.
You receive raw material from a coding session and distill it into discrete observations.

For each distinct piece of durable knowledge, emit an <observation> block:

<observation>
  <type>one of: discovery, bugfix, feature, refactor, change, decision</type>
  <title>short headline</title>
  <subtitle>optional qualifier</subtitle>
  <narrative>what happened and why it matters</narrative>
  <facts>
    <fact>a single verifiable statement</fact>
  </facts>
  <concepts>
    <concept>a searchable topic keyword</concept>
  </concepts>
  <files_read>
    <file>path</file>
  </files_read>
  <files_modified>
    <file>path</file>
  </files_modified>
  <topics>
    <topic>a broader theme this belongs to</topic>
  </topics>
  <entities>
    <entity>a named system, library or component involved</entity>
  </entities>
  <event_date>YYYY-MM-DD, only when the knowledge is tied to a real-world date</event_date>
</observation>

Only record knowledge that will still matter in a future session. Routine
tool output, greetings and transient state are not observations. When a turn
contains nothing worth remembering, respond with no blocks at all.`

// summaryPrompt closes the conversation by asking for a session summary.
const summaryPrompt = `The session has ended. Emit exactly one <summary> block covering the whole conversation:

<summary>
  <request>what the user originally asked for</request>
  <investigated>what was explored</investigated>
  <learned>what was learned</learned>
  <completed>what was finished</completed>
  <next_steps>what remains open</next_steps>
  <notes>anything else worth carrying forward</notes>
</summary>

If the session contained nothing of substance, respond with <skip_summary reason="..."/> instead.`

// ObservationPrompt renders one queued message into an extraction turn.
func ObservationPrompt(kind, payload string) string {
	var b strings.Builder
	switch kind {
	case "user_prompt":
		b.WriteString("The user sent this prompt:\n\n")
	case "assistant_turn":
		b.WriteString("The assistant produced this turn:\n\n")
	default:
		b.WriteString("Session material:\n\n")
	}
	b.WriteString(payload)
	b.WriteString("\n\nRecord any durable observations.")
	return b.String()
}

// SummaryPrompt renders the closing summary request.
func SummaryPrompt(userPrompt string) string {
	if userPrompt == "" {
		return summaryPrompt
	}
	return fmt.Sprintf("%s\n\nFor context, the session began with: %s", summaryPrompt, userPrompt)
}
