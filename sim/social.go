package sim

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/aitown/townsim/activity"
	"github.com/aitown/townsim/agent"
	"github.com/aitown/townsim/llm"
)

// ============================================================================
// SOCIAL INTERACTION
// ============================================================================

const (
	chatProbability      = 0.6
	monologueProbability = 0.3
	chatHistoryDepth     = 5
)

// runSocial groups co-located active agents, lets a bounded number of groups
// chat and optionally gives one bystander an inner monologue.
func (e *Engine) runSocial(ctx context.Context, active []*agent.Agent) {
	if e.skipReasoning || len(active) == 0 {
		return
	}

	groups := make(map[string][]*agent.Agent)
	for _, a := range active {
		place := a.Place()
		groups[place] = append(groups[place], a)
	}

	locations := make([]string, 0, len(groups))
	for loc, members := range groups {
		if len(members) >= 2 {
			locations = append(locations, loc)
		}
	}
	sort.Strings(locations)
	if len(locations) > e.params.MaxChatGroups {
		locations = locations[:e.params.MaxChatGroups]
	}

	chatting := make(map[string]bool)
	g, gctx := errgroup.WithContext(ctx)
	for _, loc := range locations {
		if rand.Float64() >= chatProbability {
			continue
		}
		loc, members := loc, groups[loc]
		for _, m := range members {
			chatting[m.Name] = true
			m.SetActionDirect(activity.LabelChat)
		}
		g.Go(func() error {
			e.runGroupChat(gctx, loc, members)
			return nil
		})
	}
	g.Wait()

	if rand.Float64() < monologueProbability {
		var bystanders []*agent.Agent
		for _, a := range active {
			if !chatting[a.Name] {
				bystanders = append(bystanders, a)
			}
		}
		if len(bystanders) > 0 {
			e.runMonologue(ctx, bystanders[rand.Intn(len(bystanders))])
		}
	}
}

// runGroupChat picks a random pair from the group, generates their dialogue
// and appends the transcript to every member's memory.
func (e *Engine) runGroupChat(ctx context.Context, location string, members []*agent.Agent) {
	for _, m := range members {
		m.EnterThinking()
	}
	defer func() {
		for _, m := range members {
			m.ExitThinking()
		}
	}()

	i := rand.Intn(len(members))
	j := rand.Intn(len(members) - 1)
	if j >= i {
		j++
	}
	first, second := members[i], members[j]

	chat := llm.ChatContext{
		Location:  location,
		NowTime:   FormatSimTime(e.now),
		History:   e.chatHistory(location),
		EqContext: e.disasterContext(),
		Agent1:    chatAgentOf(first),
		Agent2:    chatAgentOf(second),
	}
	_, lines := llm.DoubleAgentsChat(ctx, e.services.LLM, chat)
	if len(lines) == 0 {
		return
	}

	serialized, err := json.Marshal(lines)
	if err != nil {
		return
	}
	e.recordChat(location, string(serialized))

	record := fmt.Sprintf("\n[聊天記錄] 與 %s、%s 的對話: %s", first.Name, second.Name, serialized)
	for _, m := range members {
		m.AppendMemory(record)
	}
	e.log(fmt.Sprintf("%s 的 %s 和 %s 聊了起來", location, first.Name, second.Name))
}

func (e *Engine) runMonologue(ctx context.Context, a *agent.Agent) {
	snap := a.Snapshot()
	a.EnterThinking()
	defer a.ExitThinking()

	_, monologue := llm.InnerMonologue(ctx, e.services.LLM, llm.MonologueContext{
		Name:      snap.Name,
		MBTI:      snap.MBTI,
		Persona:   a.PersonaSummary,
		Location:  snap.CurrPlace,
		Action:    snap.CurrAction,
		NowTime:   FormatSimTime(e.now),
		Memory:    snap.Memory,
		EqContext: e.disasterContext(),
	})
	a.SetThought(monologue)
}

func chatAgentOf(a *agent.Agent) llm.ChatAgent {
	snap := a.Snapshot()
	return llm.ChatAgent{
		Name:    snap.Name,
		MBTI:    snap.MBTI,
		Persona: a.PersonaSummary,
		Memory:  snap.Memory,
		Action:  snap.CurrAction,
	}
}

func (e *Engine) chatHistory(location string) []string {
	e.logMu.Lock()
	defer e.logMu.Unlock()
	return append([]string(nil), e.chatBuffer[location]...)
}

func (e *Engine) recordChat(location, transcript string) {
	e.logMu.Lock()
	defer e.logMu.Unlock()
	buffer := append(e.chatBuffer[location], transcript)
	if len(buffer) > chatHistoryDepth {
		buffer = buffer[len(buffer)-chatHistoryDepth:]
	}
	e.chatBuffer[location] = buffer
}
