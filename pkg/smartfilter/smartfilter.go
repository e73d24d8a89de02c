// Package smartfilter reduces a node's flattened output-path list down to
// the handful an downstream agent actually cares about, when that list
// grows past a threshold (spec §4.9). It asks a small chat-completion
// model which paths matter; any failure — network, parse, empty selection
// — degrades to returning every path unchanged. That degrade is a hard
// rule, not a fallback of convenience: this filter must never be the
// reason a workflow's result comes back incomplete.
//
// Grounded on `smilemakc-mbflow`'s LLM executor (sibling pack example,
// pkg/executor/builtin/llm_openai.go), generalized from its raw chat/
// completions HTTP call to the `sashabaranov/go-openai` client the other
// pack repos use, since this filter only needs one small structured
// completion rather than mbflow's full multimodal request surface.
package smartfilter

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	openai "github.com/sashabaranov/go-openai"

	"github.com/pflow-dev/pflow/pkg/template"
)

// ChatClient is the slice of *openai.Client's surface this package needs,
// narrowed to one method so tests can supply a fake without a network call.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Filter holds the bounded, order-independent fingerprint cache of prior
// selections (spec §4.9) alongside the model client. A nil client (no API
// key configured) is valid and always degrades to "return all paths".
type Filter struct {
	mu      sync.Mutex
	cache   map[string][]string
	order   []string // insertion order, for FIFO eviction once maxSize is hit
	maxSize int

	client ChatClient
	model  string
}

// New builds a Filter. client may be nil, in which case Select always
// returns every path unchanged.
func New(client ChatClient, model string, maxSize int) *Filter {
	if maxSize <= 0 {
		maxSize = 100
	}
	return &Filter{
		cache:   make(map[string][]string),
		maxSize: maxSize,
		client:  client,
		model:   model,
	}
}

// Select returns the paths of fields, reduced to 8–15 agent-relevant paths
// via the model when len(fields) exceeds threshold; otherwise every path is
// returned unchanged. min/max bound the requested selection size.
func (f *Filter) Select(ctx context.Context, fields []template.FieldPath, threshold, min, max int) []string {
	all := pathsOf(fields)
	if len(fields) <= threshold {
		return all
	}
	if f == nil || f.client == nil {
		return all
	}

	key := fingerprint(fields)
	if cached, ok := f.lookup(key); ok {
		return cached
	}

	selected, err := f.ask(ctx, fields, min, max)
	if err != nil || len(selected) == 0 {
		return all
	}

	f.remember(key, selected)
	return selected
}

func pathsOf(fields []template.FieldPath) []string {
	out := make([]string, len(fields))
	for i, f := range fields {
		out[i] = f.Path
	}
	return out
}

// fingerprint is an order-independent cache key: MD5 of the sorted
// "path:type" tuples, so two nodes with identical output surfaces reuse one
// decision regardless of declaration order.
func fingerprint(fields []template.FieldPath) string {
	tuples := make([]string, len(fields))
	for i, f := range fields {
		tuples[i] = f.Path + ":" + f.Type
	}
	sort.Strings(tuples)
	sum := md5.Sum([]byte(strings.Join(tuples, "|")))
	return hex.EncodeToString(sum[:])
}

func (f *Filter) lookup(key string) ([]string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.cache[key]
	return v, ok
}

func (f *Filter) remember(key string, selected []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.cache[key]; exists {
		return
	}
	if len(f.order) >= f.maxSize {
		oldest := f.order[0]
		f.order = f.order[1:]
		delete(f.cache, oldest)
	}
	f.cache[key] = selected
	f.order = append(f.order, key)
}

const systemPrompt = "Keep business-meaningful fields; drop urls/ids/timestamps/metadata. " +
	"For array-typed fields, always keep 2-5 \"[0].<key>\" sample paths regardless of nesting depth. " +
	"Respond with a JSON array of the chosen path strings and nothing else."

// ask sends one chat completion asking the model to pick min..max paths out
// of fields, validating the response against the known path set so a
// hallucinated path never leaks into the selection.
func (f *Filter) ask(ctx context.Context, fields []template.FieldPath, min, max int) ([]string, error) {
	known := make(map[string]bool, len(fields))
	lines := make([]string, len(fields))
	for i, field := range fields {
		known[field.Path] = true
		lines[i] = fmt.Sprintf("%s: %s", field.Path, field.Type)
	}

	userPrompt := fmt.Sprintf(
		"Select between %d and %d of the most agent-relevant paths from this list:\n%s",
		min, max, strings.Join(lines, "\n"),
	)

	resp, err := f.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: f.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt},
		},
		Temperature: 0,
	})
	if err != nil {
		return nil, fmt.Errorf("smartfilter: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("smartfilter: empty response")
	}

	var candidates []string
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &candidates); err != nil {
		return nil, fmt.Errorf("smartfilter: parsing selection: %w", err)
	}

	selected := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if known[c] {
			selected = append(selected, c)
		}
	}
	return selected, nil
}
