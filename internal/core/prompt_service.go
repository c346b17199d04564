package core

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/minipilot/minipilot/internal/store"
	"gopkg.in/yaml.v3"
)

const (
	placeholderContext  = "{context}"
	placeholderQuestion = "{question}"

	defaultSystemPrompt = "You are a helpful assistant that answers questions about the data uploaded by the user. " +
		"Use only the following rows retrieved from that data to answer. " +
		"If the answer is not in the rows, clearly say that you don't have the information. " +
		"Keep answers concise and do not make up information.\n\n" +
		"Rows:\n" + placeholderContext

	defaultUserPrompt = "Question: " + placeholderQuestion
)

var ErrInvalidPrompt = errors.New("invalid prompt")

// PromptDefaults is the layout of the optional prompts YAML file.
type PromptDefaults struct {
	System string `yaml:"system"`
	User   string `yaml:"user"`
}

// LoadPromptDefaults reads prompt seeds from path, falling back to the built-in
// prompts for a missing file or missing keys.
func LoadPromptDefaults(path string) (PromptDefaults, error) {
	defaults := PromptDefaults{System: defaultSystemPrompt, User: defaultUserPrompt}
	if path == "" {
		return defaults, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return defaults, nil
		}
		return defaults, fmt.Errorf("failed to read prompts file %s: %w", path, err)
	}

	var fromFile PromptDefaults
	if err := yaml.Unmarshal(data, &fromFile); err != nil {
		return defaults, fmt.Errorf("failed to parse prompts file %s: %w", path, err)
	}
	if strings.TrimSpace(fromFile.System) != "" {
		defaults.System = fromFile.System
	}
	if strings.TrimSpace(fromFile.User) != "" {
		defaults.User = fromFile.User
	}
	return defaults, nil
}

// PromptService owns the editable system and user prompt templates.
type PromptService struct {
	dbStore  *store.SQLiteStore
	defaults PromptDefaults
}

func NewPromptService(db *store.SQLiteStore, defaults PromptDefaults) *PromptService {
	return &PromptService{dbStore: db, defaults: defaults}
}

// EnsureDefaults seeds prompts that have never been stored.
func (s *PromptService) EnsureDefaults() error {
	if err := s.dbStore.InsertPromptIfMissing(store.PromptRoleSystem, s.defaults.System); err != nil {
		return err
	}
	return s.dbStore.InsertPromptIfMissing(store.PromptRoleUser, s.defaults.User)
}

func (s *PromptService) List() ([]store.Prompt, error) {
	return s.dbStore.ListPrompts()
}

func (s *PromptService) Get(role string) (string, error) {
	p, err := s.dbStore.GetPrompt(role)
	if err != nil {
		return "", err
	}
	if p != nil {
		return p.Content, nil
	}
	switch role {
	case store.PromptRoleSystem:
		return s.defaults.System, nil
	case store.PromptRoleUser:
		return s.defaults.User, nil
	}
	return "", fmt.Errorf("%w: unknown role %q", ErrInvalidPrompt, role)
}

func (s *PromptService) Update(role, content string) (*store.Prompt, error) {
	if role != store.PromptRoleSystem && role != store.PromptRoleUser {
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidPrompt, role)
	}
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("%w: content cannot be empty", ErrInvalidPrompt)
	}
	if role == store.PromptRoleUser && !strings.Contains(content, placeholderQuestion) {
		return nil, fmt.Errorf("%w: user prompt must contain %s", ErrInvalidPrompt, placeholderQuestion)
	}
	return s.dbStore.UpsertPrompt(role, content)
}

// Render fills both templates with the retrieved context and the question.
func (s *PromptService) Render(context, question string) (system, user string, err error) {
	systemTmpl, err := s.Get(store.PromptRoleSystem)
	if err != nil {
		return "", "", err
	}
	userTmpl, err := s.Get(store.PromptRoleUser)
	if err != nil {
		return "", "", err
	}
	if context == "" {
		context = "(no matching rows were found)"
	}

	r := strings.NewReplacer(placeholderContext, context, placeholderQuestion, question)
	system, user = r.Replace(systemTmpl), r.Replace(userTmpl)

	// retrieved rows must reach the model even if an edit removed the placeholder
	if !strings.Contains(systemTmpl, placeholderContext) && !strings.Contains(userTmpl, placeholderContext) {
		log.Println("Warning: prompts have no {context} placeholder, appending retrieved rows to the system prompt")
		system += "\n\n" + context
	}
	return system, user, nil
}
