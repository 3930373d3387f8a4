package plugin

import (
	"fmt"
)

// GalleryEntry 内置插件库条目
// Exactly one of Files, GitURL, SourceDir must be set.
type GalleryEntry struct {
	ID          string
	Name        string
	Description string

	Files     map[string]string // inline: path → content
	GitURL    string            // shallow clone
	SourceDir string            // offline copy
}

// Validate enforces the single-source rule.
func (e GalleryEntry) Validate() error {
	sources := 0
	if len(e.Files) > 0 {
		sources++
	}
	if e.GitURL != "" {
		sources++
	}
	if e.SourceDir != "" {
		sources++
	}
	if sources != 1 {
		return fmt.Errorf("gallery entry %s: needs exactly one source, has %d", e.ID, sources)
	}
	return nil
}

const counterTemplateManifest = `{
  "id": "counter-template",
  "name": "Counter Template",
  "description": "Minimal example plugin with a persistent counter",
  "version": "1.0.0",
  "start_cmd": "python3 server.py",
  "port": 8350
}
`

const counterTemplateServer = `import http.server
import json
import os

PORT = int(os.environ.get("PORT", "8350"))
STATE = os.path.join(os.path.dirname(__file__), "counter.json")


def load():
    try:
        with open(STATE) as f:
            return json.load(f)["count"]
    except Exception:
        return 0


def save(count):
    with open(STATE, "w") as f:
        json.dump({"count": count}, f)


class Handler(http.server.BaseHTTPRequestHandler):
    def _reply(self, body):
        data = json.dumps(body).encode()
        self.send_response(200)
        self.send_header("Content-Type", "application/json")
        self.send_header("Content-Length", str(len(data)))
        self.end_headers()
        self.wfile.write(data)

    def do_GET(self):
        if self.path == "/health":
            self._reply({"status": "ok"})
        elif self.path == "/count":
            self._reply({"count": load()})
        else:
            self.send_error(404)

    def do_POST(self):
        if self.path == "/increment":
            count = load() + 1
            save(count)
            self._reply({"count": count})
        else:
            self.send_error(404)

    def log_message(self, *args):
        pass


if __name__ == "__main__":
    http.server.HTTPServer(("127.0.0.1", PORT), Handler).serve_forever()
`

// builtinGallery 内置插件定义
var builtinGallery = []GalleryEntry{
	{
		ID:          "counter-template",
		Name:        "Counter Template",
		Description: "Minimal example plugin with a persistent counter. Good starting point for new plugins.",
		Files: map[string]string{
			ManifestFileName: counterTemplateManifest,
			"server.py":      counterTemplateServer,
		},
	},
	{
		ID:          "ai-fast-api",
		Name:        "AI Fast API",
		Description: "OpenAI-compatible auto-rotate LLM endpoint over local and OAuth-gated backends.",
		GitURL:      "https://github.com/pocketpaw/ai-fast-api.git",
	},
}

// Gallery returns the builtin plugin definitions.
func Gallery() []GalleryEntry {
	out := make([]GalleryEntry, len(builtinGallery))
	copy(out, builtinGallery)
	return out
}

// LookupGallery finds a builtin definition by id.
func LookupGallery(id string) (GalleryEntry, bool) {
	for _, e := range builtinGallery {
		if e.ID == id {
			return e, true
		}
	}
	return GalleryEntry{}, false
}
