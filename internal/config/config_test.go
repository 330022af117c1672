package config

import (
	"testing"

	"acceptgate/internal/domain"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	items := cfg.SeedItems()
	found := map[string]domain.CriteriaItem{}
	for _, item := range items {
		found[item.ID] = item
	}
	proj, ok := found[domain.ProjectCleanClassification]
	if !ok || proj.AuthoringLevel != domain.LevelProject || proj.Manual || !proj.ExpiresOnCommit {
		t.Fatalf("project classification item misconfigured: %+v", proj)
	}
	task, ok := found[domain.TaskCleanClassification]
	if !ok || task.AuthoringLevel != domain.LevelTask || task.Manual || !task.ExpiresOnCommit {
		t.Fatalf("task classification item misconfigured: %+v", task)
	}
}

func TestFromYAMLRejectsBadLevel(t *testing.T) {
	_, err := FromYAML([]byte(`
catalog:
  - id: X
    label: X
    authoring_level: BOGUS
`))
	if err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestFromYAMLRejectsWebhookWithoutURL(t *testing.T) {
	_, err := FromYAML([]byte(`
webhooks:
  - secret: s
`))
	if err == nil {
		t.Fatalf("expected validation error")
	}
}
