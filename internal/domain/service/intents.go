package service

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/pocketpaw/pocketpaw/gateway/internal/infrastructure/actor"
	"github.com/pocketpaw/pocketpaw/gateway/internal/infrastructure/plugin"
	apperrors "github.com/pocketpaw/pocketpaw/gateway/pkg/errors"
)

// Local intents bypass the backend entirely: they talk to the Plugin
// Supervisor and answer with canned markdown. Checked in priority order.
var (
	listPluginsPattern  = regexp.MustCompile(`(?i)^(?:list|show|check)(?:\s+(?:all|my))?\s+ai\s*[- ]?ui\s+plugins\s*\??$`)
	startPluginPattern  = regexp.MustCompile(`(?i)^start\s+([a-z0-9][a-z0-9._-]*)$`)
	stopPluginPattern   = regexp.MustCompile(`(?i)^stop\s+([a-z0-9][a-z0-9._-]*)$`)
	launchPluginPattern = regexp.MustCompile(`(?i)^launch\s+plugin\s+([a-z0-9][a-z0-9._-]*)$`)
	fetchPagePattern    = regexp.MustCompile(`(?i)^fetch\s+(https?://\S+)$`)
)

// handleIntent matches natural-language plugin intents. Returns the
// markdown response and whether the message was consumed.
func (l *Loop) handleIntent(ctx context.Context, content string) (string, bool) {
	content = strings.TrimSpace(content)

	if listPluginsPattern.MatchString(content) {
		return l.listPluginsText(), true
	}
	if m := startPluginPattern.FindStringSubmatch(content); m != nil {
		return l.startPlugin(ctx, m[1]), true
	}
	if m := stopPluginPattern.FindStringSubmatch(content); m != nil {
		return l.stopPlugin(ctx, m[1]), true
	}
	if m := launchPluginPattern.FindStringSubmatch(content); m != nil {
		return l.startPlugin(ctx, m[1]), true
	}
	if m := fetchPagePattern.FindStringSubmatch(content); m != nil {
		return l.fetchPage(ctx, m[1]), true
	}
	return "", false
}

// fetchPageLimit 注入聊天的抓取结果上限
const fetchPageLimit = 3500

// fetchPage runs one scraping job through the actor runner and answers
// with the page body, truncated to chat size.
func (l *Loop) fetchPage(ctx context.Context, url string) string {
	if l.actor == nil {
		return "Scraping is not configured on this gateway."
	}

	result, err := l.actor.Run(ctx, actor.Job{
		Command: "curl",
		Args:    []string{"-sL", "--max-time", "60", url},
	})
	if err != nil {
		return fmt.Sprintf("Could not fetch %s: %v", url, err)
	}
	if result.ExitCode != 0 {
		return fmt.Sprintf("Fetch of %s exited with code %d.", url, result.ExitCode)
	}

	body := strings.TrimSpace(result.Stdout)
	if body == "" {
		return fmt.Sprintf("%s returned an empty body.", url)
	}
	if len(body) > fetchPageLimit {
		body = body[:fetchPageLimit] + "\n… (truncated)"
	}
	return fmt.Sprintf("**%s**\n\n```\n%s\n```", url, body)
}

// listPluginsText renders installed plugins with their runtime state,
// followed by gallery entries not yet installed under Discover.
func (l *Loop) listPluginsText() string {
	statuses := l.supervisor.ListStatus()

	var b strings.Builder
	b.WriteString("AI UI plugins overview:\n")

	installed := make(map[string]bool, len(statuses))
	if len(statuses) > 0 {
		b.WriteString("\n**Installed**\n")
		for _, st := range statuses {
			installed[st.Manifest.ID] = true
			fmt.Fprintf(&b, "- `%s` — %s %s\n", st.Manifest.ID, st.Manifest.Name, pluginStateLabel(st))
		}
	} else {
		b.WriteString("\nNo plugins installed yet.\n")
	}

	var discover []plugin.GalleryEntry
	for _, entry := range plugin.Gallery() {
		if !installed[entry.ID] {
			discover = append(discover, entry)
		}
	}
	if len(discover) > 0 {
		b.WriteString("\n**Discover**\n")
		for _, entry := range discover {
			fmt.Fprintf(&b, "- `%s` — %s\n", entry.ID, entry.Description)
		}
		b.WriteString("\nSay `start <plugin-id>` to install one.\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func pluginStateLabel(st plugin.Status) string {
	if !st.Running {
		return "(stopped)"
	}
	if st.Manifest.Port != 0 {
		return fmt.Sprintf("(running, port %d)", st.Manifest.Port)
	}
	return "(running)"
}

// startPlugin launches a plugin, installing it first from the gallery
// when the id matches a builtin definition. Both `start <id>` and
// `launch plugin <id>` arrive here.
func (l *Loop) startPlugin(ctx context.Context, id string) string {
	var note string
	if _, err := l.supervisor.Registry().Get(id); err != nil {
		if !apperrors.IsNotFound(err) {
			return fmt.Sprintf("Could not read plugin `%s`: %v", id, err)
		}
		installedID, installErr := l.supervisor.Install(ctx, "builtin:"+id)
		if installErr != nil {
			return fmt.Sprintf("Plugin `%s` is not installed and not in the gallery.", id)
		}
		id = installedID
		note = fmt.Sprintf("Installed `%s` from the gallery.\n", id)
	}

	if err := l.supervisor.Launch(id); err != nil {
		return note + fmt.Sprintf("Could not start `%s`: %v", id, err)
	}
	if st, err := l.supervisor.GetStatus(id); err == nil && st.Manifest.Port != 0 {
		return note + fmt.Sprintf("Started `%s` at http://localhost:%d/.", id, st.Manifest.Port)
	}
	return note + fmt.Sprintf("Started `%s`.", id)
}

func (l *Loop) stopPlugin(ctx context.Context, id string) string {
	if _, err := l.supervisor.Registry().Get(id); err != nil {
		return fmt.Sprintf("Plugin `%s` is not installed.", id)
	}
	outcome, err := l.supervisor.Stop(ctx, id)
	if err != nil {
		return fmt.Sprintf("Could not stop `%s`: %v", id, err)
	}
	switch outcome.Status {
	case plugin.StopAmbiguous:
		return fmt.Sprintf("Refusing to stop `%s`: %s.", id, outcome.Message)
	case plugin.StopNotRunning:
		return fmt.Sprintf("`%s` is not running.", id)
	default:
		return fmt.Sprintf("Stopped `%s`.", id)
	}
}
