// Package describe implements the Describe Worker: reads a cluster
// leader's members, asks an LLM for a title/label/description, parses
// the JSON response with retry-with-feedback, writes the result onto
// the cluster-leader entity, and hands off to the next recursion of the
// Cluster Worker at layer+1.
//
// The retry-with-feedback loop follows a "build prompt, call model,
// parse response, handle parse failure" shape, repeated up to three
// attempts with a truncated-transcript message fed back into the prompt
// on each parse failure.
package describe

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/arke-labs/klados-cluster/internal/clustererr"
	"github.com/arke-labs/klados-cluster/internal/emit"
	"github.com/arke-labs/klados-cluster/internal/entity"
	"github.com/arke-labs/klados-cluster/internal/entitystore"
	"github.com/arke-labs/klados-cluster/internal/logwriter"
	"github.com/arke-labs/klados-cluster/internal/metrics"
	"github.com/arke-labs/klados-cluster/internal/model"
)

// maxAttempts and truncateLen bound the retry-with-feedback loop.
const (
	maxAttempts = 3
	truncateLen = 2000
)

const systemPrompt = `You are a knowledge-graph cluster summarizer. Given a list of ` +
	`member labels and descriptions, respond with a single JSON object of the form ` +
	`{"title": "...", "label": "...", "description": "..."}. Respond with JSON only, ` +
	`no surrounding prose.`

// Description is the parsed LLM output, stored onto the cluster-leader
// entity's properties.
type Description struct {
	Title       string `json:"title"`
	Label       string `json:"label"`
	Description string `json:"description"`
}

// Member is one cluster-leader member's label/description, gathered from
// the store before prompting the LLM.
type Member struct {
	ID          string
	Label       string
	Description string
}

// Worker runs one Describe Worker invocation per cluster leader.
type Worker struct {
	store   entitystore.Store
	writer  *logwriter.Writer
	chat    model.ChatModel
	emitter emit.Emitter
	metrics *metrics.Metrics
}

// New creates a Describe Worker.
func New(store entitystore.Store, writer *logwriter.Writer, chat model.ChatModel, emitter emit.Emitter) *Worker {
	return &Worker{store: store, writer: writer, chat: chat, emitter: emitter}
}

// SetMetrics wires a Metrics collector for retry counting.
func (w *Worker) SetMetrics(m *metrics.Metrics) {
	w.metrics = m
}

// Run describes clusterLeaderID: reads its members, calls the LLM with
// retry-with-feedback, writes the result, and hands off to the next
// recursion of the Cluster Worker. logID is the log this invocation owns.
// Run reports the error that failed the log, or nil on success, so a
// caller deciding whether to recurse never has to re-read the log back
// from the store.
func (w *Worker) Run(ctx context.Context, logID, clusterLeaderID string) error {
	members, err := w.loadMembers(ctx, clusterLeaderID)
	if err != nil {
		w.fail(ctx, logID, "describe", clusterLeaderID, err)
		return err
	}

	desc, err := w.describeWithRetry(ctx, members)
	if err != nil {
		w.fail(ctx, logID, "describe", clusterLeaderID, err)
		return err
	}

	update := entitystore.Update{
		EntityID: clusterLeaderID,
		Properties: map[string]any{
			"title":       desc.Title,
			"label":       desc.Label,
			"description": desc.Description,
		},
	}
	if err := w.store.AdditiveUpdate(ctx, []entitystore.Update{update}); err != nil {
		w.fail(ctx, logID, "describe", clusterLeaderID, err)
		return err
	}

	w.writer.SetHandoffs(ctx, logID, []logwriter.Handoff{
		{Kind: logwriter.HandoffInvoke, Outputs: []string{clusterLeaderID}},
	})
	w.writer.CompleteLog(ctx, logID, logwriter.StatusDone, "", nil)
	return nil
}

func (w *Worker) loadMembers(ctx context.Context, clusterLeaderID string) ([]Member, error) {
	memberIDs, err := w.store.MembersOf(ctx, clusterLeaderID)
	if err != nil {
		return nil, fmt.Errorf("load members: %w", err)
	}
	entities, err := w.store.BatchGet(ctx, memberIDs)
	if err != nil {
		return nil, fmt.Errorf("batch-get members: %w", err)
	}
	members := make([]Member, len(entities))
	for i, e := range entities {
		members[i] = Member{ID: e.ID, Label: labelOf(e), Description: descriptionOf(e)}
	}
	return members, nil
}

func labelOf(e entity.Entity) string {
	if s, ok := e.Properties["label"].(string); ok && s != "" {
		return s
	}
	return e.ID
}

func descriptionOf(e entity.Entity) string {
	if s, ok := e.Properties["description"].(string); ok {
		return s
	}
	return ""
}

// describeWithRetry runs the retry-with-feedback loop: on a parse/schema
// failure, the user prompt is extended with a "RETRY —
// JSON PARSE ERROR" section carrying the parse error and a truncated copy
// of the prior malformed response, up to maxAttempts total tries.
func (w *Worker) describeWithRetry(ctx context.Context, members []Member) (Description, error) {
	userPrompt := buildUserPrompt(members)

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		out, err := w.chat.Chat(ctx, []model.Message{
			{Role: model.RoleSystem, Content: systemPrompt},
			{Role: model.RoleUser, Content: userPrompt},
		}, nil)
		if err != nil {
			lastErr = err
			continue
		}

		desc, parseErr := ParseDescription(out.Text)
		if parseErr == nil {
			return desc, nil
		}
		lastErr = parseErr
		if w.metrics != nil {
			w.metrics.RecordDescribeRetry()
		}
		userPrompt = BuildRetryPrompt(buildUserPrompt(members), attempt, parseErr, out.Text)
	}

	return Description{}, fmt.Errorf("%w: %v", clustererr.ErrSchemaExhausted, lastErr)
}

func buildUserPrompt(members []Member) string {
	var sb strings.Builder
	sb.WriteString("Cluster members:\n\n")
	for _, m := range members {
		sb.WriteString("- ")
		sb.WriteString(m.Label)
		if m.Description != "" {
			sb.WriteString(": ")
			sb.WriteString(m.Description)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// ParseDescription parses the LLM's raw text as a Description. It
// tolerates a JSON object embedded in surrounding prose by extracting the
// span from the first '{' to the last '}', a common failure mode when a model doesn't
// follow formatting instructions exactly.
func ParseDescription(raw string) (Description, error) {
	trimmed := strings.TrimSpace(raw)
	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start == -1 || end == -1 || end < start {
		return Description{}, fmt.Errorf("no JSON object found in response")
	}

	var desc Description
	if err := json.Unmarshal([]byte(trimmed[start:end+1]), &desc); err != nil {
		return Description{}, fmt.Errorf("invalid JSON: %w", err)
	}
	if desc.Title == "" || desc.Label == "" {
		return Description{}, fmt.Errorf("missing required field: title and label must be non-empty")
	}
	return desc, nil
}

// BuildRetryPrompt appends a "RETRY — JSON PARSE ERROR" section to the
// original prompt, with priorResponse truncated to truncateLen
// characters.
func BuildRetryPrompt(original string, attempt int, parseErr error, priorResponse string) string {
	truncated := priorResponse
	if runes := []rune(truncated); len(runes) > truncateLen {
		truncated = string(runes[:truncateLen])
	}

	var sb strings.Builder
	sb.WriteString(original)
	sb.WriteString("\n\nRETRY — JSON PARSE ERROR (attempt ")
	fmt.Fprintf(&sb, "%d)\n", attempt)
	sb.WriteString("Parse error: ")
	sb.WriteString(parseErr.Error())
	sb.WriteString("\nYour previous response (truncated):\n")
	sb.WriteString(truncated)
	sb.WriteString("\n\nRespond again with valid JSON only.")
	return sb.String()
}

func (w *Worker) fail(ctx context.Context, logID, stage, entityID string, err error) {
	werr := &clustererr.WorkerError{Stage: stage, EntityID: entityID, Cause: err}
	w.emitter.Emit(emit.Event{LogID: logID, Kind: emit.KindError, Message: werr.Error()})
	w.writer.CompleteLog(ctx, logID, logwriter.StatusError, werr.Error(), nil)
}
