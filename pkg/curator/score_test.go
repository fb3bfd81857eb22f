package curator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/veska-bio/loom/pkg/oracle"
	"github.com/veska-bio/loom/pkg/sources"
)

// stubOracle scripts CompleteStructured responses. The raw string goes
// through UnmarshalLenient exactly like the real backends, so prose
// responses produce the same degraded behavior.
type stubOracle struct {
	mu      sync.Mutex
	calls   int
	respond func(call int, name string, prompt string) string
}

func (s *stubOracle) Complete(ctx context.Context, prompt string, opts ...oracle.Option) (string, error) {
	return "", fmt.Errorf("not scripted")
}

func (s *stubOracle) CompleteStructured(
	ctx context.Context,
	name string,
	description string,
	prompt string,
	out any,
	opts ...oracle.Option,
) (string, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	s.mu.Unlock()
	raw := s.respond(call, name, prompt)
	return raw, oracle.UnmarshalLenient(raw, out)
}

func (s *stubOracle) ResetMetrics() {}

func (s *stubOracle) Metrics() oracle.CallMetrics { return oracle.CallMetrics{} }

func (s *stubOracle) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func scoringCurator(t *testing.T, stub *stubOracle) *Curator {
	t.Helper()
	c, err := NewCurator(NewCuratorParams{
		Oracle:     stub,
		Literature: &fakeLiterature{},
		Options:    Options{MaxRetries: 2},
	})
	if err != nil {
		t.Fatalf("NewCurator() error = %v", err)
	}
	return c
}

func TestScoreBatch_StructuredResponse(t *testing.T) {
	stub := &stubOracle{respond: func(call int, name, prompt string) string {
		return `{"scores": [
			{"id": "D1", "isRelevant": true, "relevanceScore": 8, "studyType": "trial"},
			{"id": "D2", "isRelevant": false, "relevanceScore": 7, "studyType": "observational"},
			{"id": "D3", "isRelevant": true, "relevanceScore": 15, "studyType": "guideline"},
			{"id": "GHOST", "isRelevant": true, "relevanceScore": 9, "studyType": "trial"}
		]}`
	}}
	c := scoringCurator(t, stub)

	batch := []sources.Document{
		{ID: "D1", Abstract: "a"}, {ID: "D2", Abstract: "b"}, {ID: "D3", Abstract: "c"},
	}
	judged, err := c.scoreBatch(context.Background(), "kras g12c", batch)
	if err != nil {
		t.Fatalf("scoreBatch() error = %v", err)
	}

	if len(judged) != 3 {
		t.Fatalf("judged %d documents, want 3 (invented ids dropped)", len(judged))
	}
	if !judged["D1"].passed() {
		t.Errorf("D1 should pass with score 8: %+v", judged["D1"])
	}
	if judged["D2"].passed() {
		t.Errorf("D2 must fail on isRelevant=false despite score 7: %+v", judged["D2"])
	}
	if judged["D3"].RelevanceScore != maxRelevanceScore {
		t.Errorf("D3 score = %d, want clamped to %d", judged["D3"].RelevanceScore, maxRelevanceScore)
	}
	if _, ok := judged["GHOST"]; ok {
		t.Error("scores for unknown ids must be dropped")
	}
}

func TestScoreBatch_RetriesThenSucceeds(t *testing.T) {
	stub := &stubOracle{respond: func(call int, name, prompt string) string {
		if call == 1 {
			return "momentary lapse, nothing useful here"
		}
		return `{"scores": [{"id": "D1", "isRelevant": true, "relevanceScore": 6, "studyType": "trial"}]}`
	}}
	c := scoringCurator(t, stub)

	judged, err := c.scoreBatch(context.Background(), "req", []sources.Document{{ID: "D1", Abstract: "a"}})
	if err != nil {
		t.Fatalf("scoreBatch() error = %v", err)
	}
	if stub.callCount() != 2 {
		t.Fatalf("oracle called %d times, want 2", stub.callCount())
	}
	if !judged["D1"].passed() {
		t.Fatalf("D1 = %+v, want passed after retry", judged["D1"])
	}
}

func TestScoreBatch_DegradesToTextScan(t *testing.T) {
	stub := &stubOracle{respond: func(call int, name, prompt string) string {
		return `Looking at these abstracts, "D1" clearly addresses the target: "isRelevant": TRUE in my judgment. The other one is off topic.`
	}}
	c := scoringCurator(t, stub)

	batch := []sources.Document{{ID: "D1", Abstract: "a"}, {ID: "D2", Abstract: "b"}}
	judged, err := c.scoreBatch(context.Background(), "req", batch)
	if err != nil {
		t.Fatalf("scoreBatch() error = %v", err)
	}

	if got := judged["D1"]; !got.IsRelevant || got.RelevanceScore != passScore {
		t.Fatalf("D1 = %+v, want degraded pass with score %d", got, passScore)
	}
	if _, ok := judged["D2"]; ok {
		t.Error("D2 is not mentioned in the raw text and must fail")
	}
}

func TestScoreDocuments_SkipsEmptyAbstracts(t *testing.T) {
	var promptSeen string
	stub := &stubOracle{respond: func(call int, name, prompt string) string {
		promptSeen = prompt
		return `{"scores": [{"id": "WITH", "isRelevant": true, "relevanceScore": 7, "studyType": "trial"}]}`
	}}
	c := scoringCurator(t, stub)

	docs := []sources.Document{
		{ID: "WITH", Abstract: "some text"},
		{ID: "WITHOUT", Abstract: "   "},
	}
	scores, err := c.scoreDocuments(context.Background(), "req", docs)
	if err != nil {
		t.Fatalf("scoreDocuments() error = %v", err)
	}

	if strings.Contains(promptSeen, "WITHOUT") {
		t.Error("documents without abstracts must not reach the oracle")
	}
	if _, ok := scores["WITHOUT"]; ok {
		t.Error("documents without abstracts cannot be judged")
	}
	if !scores["WITH"].passed() {
		t.Errorf("WITH = %+v, want passed", scores["WITH"])
	}
}
