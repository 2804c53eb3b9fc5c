// Package flow implements the Flow Scheduler (spec section 4.6, C6): cron
// triggered, optionally script-gated spawns of new terminals via the
// Orchestrator's assign primitive.
package flow

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/FC4b/cli-agent-orchestrator/internal/apperr"
	"github.com/FC4b/cli-agent-orchestrator/internal/provider"
)

// standardParser handles the common five-field cron expression; secondsParser
// additionally accepts a leading seconds field, matching spec section 4.6's
// "five-field or six-field" allowance.
var (
	standardParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	secondsParser  = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
)

// Definition is the YAML front-matter a flow file carries.
type Definition struct {
	Name         string `yaml:"name"`
	Schedule     string `yaml:"schedule"`
	AgentProfile string `yaml:"agent_profile"`
	Provider     string `yaml:"provider,omitempty"`
	Script       string `yaml:"script,omitempty"`
	Enabled      *bool  `yaml:"enabled,omitempty"`
}

// Flow is a parsed flow file: its definition, prompt template, and the
// computed cron schedule used to advance NextFireAt.
type Flow struct {
	Definition
	PromptTemplate string
	Path           string
	NextFireAt     time.Time

	schedule cron.Schedule
}

// IsEnabled reports the definition's enabled flag, defaulting to true.
func (f *Flow) IsEnabled() bool {
	return f.Enabled == nil || *f.Enabled
}

// ProviderKey resolves the flow's provider, falling back to the package
// default when unset.
func (f *Flow) ProviderKey() provider.Key {
	if f.Provider == "" {
		return provider.Default
	}
	return provider.Key(f.Provider)
}

// Next computes the next occurrence strictly after now, per spec section
// 4.6 step 4 ("missed firings collapse — no catch-up").
func (f *Flow) Next(now time.Time) time.Time {
	return f.schedule.Next(now)
}

const frontMatterDelim = "---"

// Parse reads a flow file's raw bytes (front-matter + prompt body) and
// returns the parsed Flow. path is recorded for store bookkeeping and used
// in error messages; it is not read by Parse itself, and the script path
// is not resolved relative to it.
func Parse(path string, content []byte) (*Flow, error) {
	fm, body, err := splitFrontMatter(string(content))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInvalidRequest, err)
	}

	var def Definition
	if err := yaml.Unmarshal([]byte(fm), &def); err != nil {
		return nil, apperr.Wrap(apperr.KindInvalidRequest, err)
	}
	if def.Name == "" || def.Schedule == "" || def.AgentProfile == "" {
		return nil, apperr.Newf(apperr.KindInvalidRequest, "flow %s: name, schedule and agent_profile are required", path)
	}

	sched, err := parseSchedule(def.Schedule)
	if err != nil {
		return nil, apperr.Newf(apperr.KindInvalidRequest, "flow %s: bad schedule %q: %v", path, def.Schedule, err)
	}

	now := time.Now()
	return &Flow{
		Definition:     def,
		PromptTemplate: strings.TrimSpace(body),
		Path:           path,
		NextFireAt:     sched.Next(now),
		schedule:       sched,
	}, nil
}

// splitFrontMatter separates the leading "---" delimited YAML block from
// the prompt template body.
func splitFrontMatter(content string) (frontMatter, body string, err error) {
	content = strings.TrimLeft(content, "\r\n")
	if !strings.HasPrefix(content, frontMatterDelim) {
		return "", "", apperr.New(apperr.KindInvalidRequest, "flow file must start with a '---' front-matter block")
	}
	rest := content[len(frontMatterDelim):]
	idx := strings.Index(rest, "\n"+frontMatterDelim)
	if idx < 0 {
		return "", "", apperr.New(apperr.KindInvalidRequest, "flow file front-matter is not closed with a second '---'")
	}
	frontMatter = rest[:idx]
	body = rest[idx+len("\n"+frontMatterDelim):]
	body = strings.TrimPrefix(body, "\n")
	return frontMatter, body, nil
}

func parseSchedule(spec string) (cron.Schedule, error) {
	if len(strings.Fields(spec)) >= 6 {
		return secondsParser.Parse(spec)
	}
	return standardParser.Parse(spec)
}

// varRe matches the [[key]] placeholders spec section 4.6 step 2 describes.
var varRe = regexp.MustCompile(`\[\[([A-Za-z0-9_]+)\]\]`)

// Interpolate substitutes each [[key]] in template with vars[key]; a
// missing key substitutes the empty string.
func Interpolate(template string, vars map[string]string) string {
	return varRe.ReplaceAllStringFunc(template, func(match string) string {
		key := varRe.FindStringSubmatch(match)[1]
		return vars[key]
	})
}

// Render produces the front-matter + body text persisted to disk for def
// and template, in the same shape Parse expects to read back.
func Render(def Definition, template string) (string, error) {
	enabled := "true"
	if def.Enabled != nil && !*def.Enabled {
		enabled = "false"
	}
	var b strings.Builder
	b.WriteString(frontMatterDelim + "\n")
	b.WriteString("name: " + strconv.Quote(def.Name) + "\n")
	b.WriteString("schedule: " + strconv.Quote(def.Schedule) + "\n")
	b.WriteString("agent_profile: " + strconv.Quote(def.AgentProfile) + "\n")
	if def.Provider != "" {
		b.WriteString("provider: " + strconv.Quote(def.Provider) + "\n")
	}
	if def.Script != "" {
		b.WriteString("script: " + strconv.Quote(def.Script) + "\n")
	}
	b.WriteString("enabled: " + enabled + "\n")
	b.WriteString(frontMatterDelim + "\n")
	b.WriteString(template)
	if !strings.HasSuffix(template, "\n") {
		b.WriteString("\n")
	}
	return b.String(), nil
}
