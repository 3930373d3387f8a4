package prompt

import (
	"fmt"
	"strings"
	"time"
)

// DefaultMaxFacts 注入系统上下文的长期事实上限
const DefaultMaxFacts = 10

// DefaultIdentity 默认身份描述
const DefaultIdentity = "You are PocketPaw, a personal assistant that runs on the user's own machine. " +
	"You answer directly and concisely, and you may use the tools exposed by the active backend."

// BackendCapability describes one registered backend for the capability
// section of the system context.
type BackendCapability struct {
	Name        string
	Description string
	Streaming   bool
}

// BuildInput carries everything the context builder needs. The builder is
// a pure function of this input: same input, same output. The clock is
// passed in rather than read so callers (and tests) control it.
type BuildInput struct {
	Identity string
	Channel  string
	Backends []BackendCapability
	Facts    []string
	MaxFacts int
	Now      time.Time
}

// BuildContext assembles the system context string prepended to every
// conversation turn handed to a backend.
//
// Section order is fixed: identity, capabilities, long-term facts, time.
// Empty sections are omitted entirely rather than rendered as headers
// with no body.
func BuildContext(in BuildInput) string {
	var b strings.Builder

	identity := in.Identity
	if identity == "" {
		identity = DefaultIdentity
	}
	b.WriteString(identity)
	b.WriteString("\n")

	if in.Channel != "" {
		fmt.Fprintf(&b, "\nYou are talking to the user over the %s channel.\n", in.Channel)
	}

	if len(in.Backends) > 0 {
		b.WriteString("\n## Available backends\n\n")
		for _, be := range in.Backends {
			b.WriteString("- " + be.Name)
			if be.Description != "" {
				b.WriteString(": " + be.Description)
			}
			if be.Streaming {
				b.WriteString(" (streaming)")
			}
			b.WriteString("\n")
		}
	}

	facts := in.Facts
	maxFacts := in.MaxFacts
	if maxFacts <= 0 {
		maxFacts = DefaultMaxFacts
	}
	if len(facts) > maxFacts {
		facts = facts[len(facts)-maxFacts:]
	}
	if len(facts) > 0 {
		b.WriteString("\n## Things you know about the user\n\n")
		for _, f := range facts {
			b.WriteString("- " + f + "\n")
		}
	}

	if !in.Now.IsZero() {
		fmt.Fprintf(&b, "\nCurrent time: %s\n", in.Now.Format("2006-01-02 15:04:05 MST"))
	}

	return b.String()
}
