package search

import (
	"context"
	"testing"
)

func TestKnowledgeSearchMapsResults(t *testing.T) {
	ix := NewIndex()
	ix.Add(Document{Title: "Deploys", URL: "notes/deploy.md", Text: "Run migrations before restarting the service."})
	ix.Add(Document{Title: "Backups", Text: "Backups land in the vault bucket nightly."})

	ks := NewKnowledge(ix)
	passages, err := ks.Search(context.Background(), "migrations restart", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(passages) != 1 {
		t.Fatalf("expected 1 passage, got %d", len(passages))
	}
	p := passages[0]
	if p.Source != "notes/deploy.md" {
		t.Errorf("source = %q", p.Source)
	}
	if p.Score <= 0 {
		t.Errorf("score = %f, want > 0", p.Score)
	}
	if p.Text == "" {
		t.Error("empty passage text")
	}
}

func TestKnowledgeSearchFallsBackToTitle(t *testing.T) {
	ix := NewIndex()
	ix.Add(Document{Title: "Backups", Text: "Backups land in the vault bucket nightly."})

	passages, err := NewKnowledge(ix).Search(context.Background(), "vault backups", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(passages) != 1 || passages[0].Source != "Backups" {
		t.Fatalf("passages = %+v", passages)
	}
}

func TestKnowledgeSearchEmptyIndex(t *testing.T) {
	passages, err := NewKnowledge(NewIndex()).Search(context.Background(), "anything", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if passages != nil {
		t.Errorf("expected nil passages, got %v", passages)
	}
}
