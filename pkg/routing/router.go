// Package routing resolves addressing syntax against configuration snapshots.
// Top-level messages use a leading "@token"; agent responses nominate
// teammates with "[@id: directed text]" tags. All functions here are pure
// over their inputs and touch no storage.
package routing

import (
	"regexp"
	"sort"
	"strings"

	"switchboard/pkg/config"
	"switchboard/pkg/logx"
	"switchboard/pkg/proto"
)

// MentionSeparator joins shared context with the directed portion of a
// teammate mention.
const MentionSeparator = "\n\n------\n\nDirected to you:\n"

var (
	// Optional "[channel/sender]:" prefix, "@token", optional body.
	routePattern = regexp.MustCompile(`^(\[[^\]]+\]:\s*)?@([A-Za-z0-9_-]+)\s*([\s\S]*)$`)

	// "[@id: text]" or "[@a,b,c: text]". Body runs to the closing bracket.
	mentionPattern = regexp.MustCompile(`\[@([A-Za-z0-9_,\s-]+):\s*([^\]]*)\]`)

	sendFilePattern = regexp.MustCompile(`\[send_file:\s*([^\]]+)\]`)
)

// Decision is the outcome of routing a top-level message.
type Decision struct {
	AgentID string // resolved agent (team leader when IsTeam)
	TeamID  string // set when the token named a team directly
	Message string // body handed to the agent
	IsTeam  bool
}

// Mention is one outgoing teammate directive extracted from a response.
type Mention struct {
	AgentID string
	Message string
}

// ParseAgentRouting resolves the leading "@token" of raw against the current
// agents and teams. Token matching is case-insensitive and tries, in order,
// agent id, team id, agent display name, team display name. A team match
// routes to the team's leader. An unmatched token (or no token at all) routes
// to the default agent with raw unchanged.
func ParseAgentRouting(raw string, agents map[string]config.AgentConfig, teams map[string]config.TeamConfig) Decision {
	m := routePattern.FindStringSubmatch(raw)
	if m == nil {
		return Decision{AgentID: proto.DefaultAgent, Message: raw}
	}
	prefix, token, body := m[1], m[2], strings.TrimSpace(m[3])

	agentID, teamID, isTeam, ok := resolveToken(token, agents, teams)
	if !ok {
		return Decision{AgentID: proto.DefaultAgent, Message: raw}
	}

	message := body
	switch {
	case prefix != "":
		// The channel prefix stays visible to the agent as context.
		message = strings.TrimSpace(prefix) + " " + body
	case body == "":
		// Bare "@token" with nothing else: keep the raw input so the agent
		// still sees what arrived.
		message = raw
	}

	return Decision{AgentID: agentID, TeamID: teamID, Message: message, IsTeam: isTeam}
}

func resolveToken(token string, agents map[string]config.AgentConfig, teams map[string]config.TeamConfig) (agentID, teamID string, isTeam, ok bool) {
	lower := strings.ToLower(token)

	for id := range agents {
		if strings.ToLower(id) == lower {
			return id, "", false, true
		}
	}
	for id, t := range teams {
		if strings.ToLower(id) == lower {
			return t.Leader, id, true, true
		}
	}
	for _, id := range sortedKeys(agents) {
		if name := agents[id].Name; name != "" && strings.ToLower(name) == lower {
			return id, "", false, true
		}
	}
	for _, id := range sortedTeamKeys(teams) {
		if name := teams[id].Name; name != "" && strings.ToLower(name) == lower {
			return teams[id].Leader, id, true, true
		}
	}
	return "", "", false, false
}

// FindTeamForAgent returns the first team (by id order) containing agentID.
func FindTeamForAgent(agentID string, teams map[string]config.TeamConfig) (string, config.TeamConfig, bool) {
	for _, id := range sortedTeamKeys(teams) {
		for _, member := range teams[id].Members {
			if member == agentID {
				return id, teams[id], true
			}
		}
	}
	return "", config.TeamConfig{}, false
}

// ExtractTeammateMentions parses "[@id: text]" tags from an agent's response.
// Text outside the tags becomes shared context prepended to every directed
// message. Targets must be configured agents, members of teamID, and not the
// author; duplicate targets keep the first directive.
func ExtractTeammateMentions(response, currentAgentID, teamID string, teams map[string]config.TeamConfig, agents map[string]config.AgentConfig) []Mention {
	tags := mentionPattern.FindAllStringSubmatch(response, -1)
	if len(tags) == 0 {
		return nil
	}

	team, haveTeam := teams[teamID]
	sharedContext := strings.TrimSpace(StripMentionTags(response))

	seen := make(map[string]bool)
	var mentions []Mention
	for _, tag := range tags {
		directBody := strings.TrimSpace(tag[2])
		for _, target := range strings.Split(tag[1], ",") {
			id := strings.TrimSpace(target)
			if id == "" || id == currentAgentID || seen[id] {
				continue
			}
			if _, configured := agents[id]; !configured {
				continue
			}
			if !haveTeam || !contains(team.Members, id) {
				continue
			}
			seen[id] = true

			message := directBody
			if sharedContext != "" {
				message = sharedContext + MentionSeparator + directBody
			}
			mentions = append(mentions, Mention{AgentID: id, Message: message})
		}
	}
	return mentions
}

// StripMentionTags removes every "[@id: …]" tag from text.
func StripMentionTags(text string) string {
	return mentionPattern.ReplaceAllString(text, "")
}

// ExtractSendFiles pulls "[send_file: PATH]" tokens out of text, returning
// the cleaned text and the referenced paths in order of appearance. Existence
// checks are the caller's concern.
func ExtractSendFiles(text string) (string, []string) {
	var paths []string
	for _, m := range sendFilePattern.FindAllStringSubmatch(text, -1) {
		if p := strings.TrimSpace(m[1]); p != "" {
			paths = append(paths, p)
		}
	}
	cleaned := sendFilePattern.ReplaceAllString(text, "")
	return strings.TrimSpace(cleaned), paths
}

// GetNextPipelineAgent returns the sequence entry after currentAgentID.
func GetNextPipelineAgent(pipeline *config.PipelineConfig, currentAgentID string) (string, bool) {
	if pipeline == nil {
		return "", false
	}
	for i, id := range pipeline.Sequence {
		if id == currentAgentID && i+1 < len(pipeline.Sequence) {
			return pipeline.Sequence[i+1], true
		}
	}
	return "", false
}

// IsPipelineLoopTarget reports whether routing current → target is a
// permitted loop-back: loops must be enabled, budget must remain, and the
// target must sit strictly earlier in the sequence.
func IsPipelineLoopTarget(pipeline *config.PipelineConfig, currentAgentID, targetAgentID string, loopsUsed int) bool {
	if pipeline == nil || pipeline.MaxLoops <= 0 || loopsUsed >= pipeline.MaxLoops {
		return false
	}
	currentIdx := indexOf(pipeline.Sequence, currentAgentID)
	targetIdx := indexOf(pipeline.Sequence, targetAgentID)
	return currentIdx >= 0 && targetIdx >= 0 && targetIdx < currentIdx
}

// FilterMentionsForPipeline keeps mentions that respect the pipeline: the
// next-in-sequence agent or a permitted loop-back. Everything else is
// dropped with a warning.
func FilterMentionsForPipeline(mentions []Mention, pipeline *config.PipelineConfig, currentAgentID string, loopsUsed int, logger *logx.Logger) []Mention {
	if pipeline == nil {
		return mentions
	}
	next, hasNext := GetNextPipelineAgent(pipeline, currentAgentID)

	var kept []Mention
	for _, m := range mentions {
		if hasNext && m.AgentID == next {
			kept = append(kept, m)
			continue
		}
		if IsPipelineLoopTarget(pipeline, currentAgentID, m.AgentID, loopsUsed) {
			kept = append(kept, m)
			continue
		}
		if logger != nil {
			logger.Warn("Pipeline dropped mention %s -> %s (not next in sequence, not a permitted loop)", currentAgentID, m.AgentID)
		}
	}
	return kept
}

func contains(list []string, id string) bool {
	for _, v := range list {
		if v == id {
			return true
		}
	}
	return false
}

func indexOf(list []string, id string) int {
	for i, v := range list {
		if v == id {
			return i
		}
	}
	return -1
}

func sortedKeys(m map[string]config.AgentConfig) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedTeamKeys(m map[string]config.TeamConfig) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
