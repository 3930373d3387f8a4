package service

import (
	"fmt"
	"strings"

	"github.com/pocketpaw/pocketpaw/gateway/internal/domain/entity"
	"github.com/pocketpaw/pocketpaw/gateway/internal/infrastructure/backend"
)

const helpText = `**PocketPaw commands**

- ` + "`/help`" + ` — show this message
- ` + "`/status`" + ` — active backend and plugin overview
- ` + "`/backend [name]`" + ` — show the active backend, or switch to another
- ` + "`/reset`" + ` — clear this conversation's history
- ` + "`/stop`" + ` — cancel the in-flight reply

Anything else is sent to the AI backend.`

// handleCommand processes slash commands. Returns the canned response
// and whether the message was consumed.
func (l *Loop) handleCommand(msg entity.InboundMessage) (string, bool) {
	content := strings.TrimSpace(msg.Content)
	if !strings.HasPrefix(content, "/") {
		return "", false
	}

	cmd := strings.Fields(content)[0]
	switch cmd {
	case "/help":
		return helpText, true

	case "/status":
		return l.statusText(), true

	case "/backend":
		if fields := strings.Fields(content); len(fields) > 1 {
			return l.switchBackendText(fields[1]), true
		}
		info, err := l.router.ActiveInfo()
		if err != nil {
			return fmt.Sprintf("Backend unavailable: %v", err), true
		}
		var b strings.Builder
		fmt.Fprintf(&b, "**Active backend:** %s\n", info.Name)
		if len(info.BuiltinTools) > 0 {
			fmt.Fprintf(&b, "- tools: %s\n", strings.Join(info.BuiltinTools, ", "))
		}
		if len(info.RequiredKeys) > 0 {
			fmt.Fprintf(&b, "- required keys: %s\n", strings.Join(info.RequiredKeys, ", "))
		}
		return strings.TrimRight(b.String(), "\n"), true

	case "/reset":
		l.memory.Reset(msg.Session)
		return "Conversation history cleared.", true

	case "/stop":
		if l.cancelTurn(msg.Session) {
			return "Stopping the current reply.", true
		}
		return "Nothing is running for this conversation.", true

	default:
		return fmt.Sprintf("Unknown command %s — try `/help`.", cmd), true
	}
}

// switchBackendText swaps the active backend type. The change applies
// on the next turn; in-flight turns keep the backend they started with.
func (l *Loop) switchBackendText(name string) string {
	if l.switchBackend == nil {
		return "Backend switching is not available on this gateway."
	}

	registered := backend.Registered()
	found := false
	for _, t := range registered {
		if t == name {
			found = true
			break
		}
	}
	if !found {
		return fmt.Sprintf("Unknown backend `%s`. Available: %s.", name, strings.Join(registered, ", "))
	}

	if err := l.switchBackend(name); err != nil {
		return fmt.Sprintf("Could not switch to `%s`: %v", name, err)
	}
	return fmt.Sprintf("Switched backend to `%s`.", name)
}

func (l *Loop) statusText() string {
	var b strings.Builder
	if info, err := l.router.ActiveInfo(); err == nil {
		fmt.Fprintf(&b, "**Backend:** %s\n", info.Name)
	} else {
		fmt.Fprintf(&b, "**Backend:** unavailable (%v)\n", err)
	}

	statuses := l.supervisor.ListStatus()
	running := 0
	for _, st := range statuses {
		if st.Running {
			running++
		}
	}
	fmt.Fprintf(&b, "**Plugins:** %d installed, %d running", len(statuses), running)
	return b.String()
}
