package rules

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// RepositoryFile is the YAML document an analyzer ships to declare the rules
// of one repository.
type RepositoryFile struct {
	Repository string      `yaml:"repository"`
	Language   string      `yaml:"language"`
	Rules      []RuleEntry `yaml:"rules"`
}

// RuleEntry declares one rule in a RepositoryFile.
type RuleEntry struct {
	Key               string            `yaml:"key"`
	Name              string            `yaml:"name"`
	Description       string            `yaml:"description"`
	DescriptionFormat DescriptionFormat `yaml:"descriptionFormat"`
	Severity          string            `yaml:"severity"`
	Type              RuleType          `yaml:"type"`
	InternalKey       string            `yaml:"internalKey"`
	Language          string            `yaml:"language"`
	Tags              []string          `yaml:"tags"`
	Template          bool              `yaml:"template"`
	Remediation       *RemediationEntry `yaml:"remediation"`
	Params            []ParamEntry      `yaml:"params"`
}

// RemediationEntry declares the default remediation of a rule.
type RemediationEntry struct {
	Function      string `yaml:"function"`
	GapMultiplier string `yaml:"gapMultiplier"`
	BaseEffort    string `yaml:"baseEffort"`
}

// ParamEntry declares a rule parameter.
type ParamEntry struct {
	Name         string `yaml:"name"`
	Type         string `yaml:"type"`
	Description  string `yaml:"description"`
	DefaultValue string `yaml:"defaultValue"`
}

// ParseRepositoryFile decodes and checks a repository declaration.
func ParseRepositoryFile(r io.Reader) (*RepositoryFile, error) {
	var f RepositoryFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("%w: decode repository file: %v", ErrInvalidRequest, err)
	}
	if f.Repository == "" {
		return nil, fmt.Errorf("%w: repository file without repository", ErrInvalidRequest)
	}
	seen := make(map[string]bool, len(f.Rules))
	for i, e := range f.Rules {
		if e.Key == "" {
			return nil, fmt.Errorf("%w: rule #%d has no key", ErrInvalidRequest, i)
		}
		if seen[e.Key] {
			return nil, fmt.Errorf("%w: rule %q declared twice", ErrInvalidRequest, e.Key)
		}
		seen[e.Key] = true
	}
	return &f, nil
}

// Registrar writes analyzer rule declarations to the record store. New rules
// are inserted; rules that already exist are re-registered, which is the
// only way a definition changes.
type Registrar struct {
	rules  *RuleStore
	logger *slog.Logger
}

// NewRegistrar creates a Registrar.
func NewRegistrar(rules *RuleStore, logger *slog.Logger) *Registrar {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registrar{rules: rules, logger: logger}
}

// RegisterFile loads and registers the repository declared in path.
func (r *Registrar) RegisterFile(ctx context.Context, sess *Session, path string) ([]int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open repository file: %w", err)
	}
	defer f.Close()

	repo, err := ParseRepositoryFile(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return r.Register(ctx, sess, repo)
}

// Register inserts or re-registers every rule of repo in sess and returns
// the ids of the rules written, in declaration order.
func (r *Registrar) Register(ctx context.Context, sess *Session, repo *RepositoryFile) ([]int64, error) {
	ids := make([]int64, 0, len(repo.Rules))
	for _, e := range repo.Rules {
		def, err := r.definition(repo, e)
		if err != nil {
			return nil, err
		}

		existing, err := r.rules.FindDefinitionByKey(ctx, sess, def.Key())
		switch {
		case err == nil:
			def.ID = existing.ID
			def.CreatedAt = existing.CreatedAt
			def.TemplateID = existing.TemplateID
			if err := r.rules.UpdateDefinition(ctx, sess, def); err != nil {
				return nil, err
			}
			r.logger.Debug("rule re-registered", "ruleKey", def.Key().String(), "ruleID", def.ID)
		case errors.Is(err, ErrNotFound):
			if _, err := r.rules.InsertDefinition(ctx, sess, def); err != nil {
				return nil, err
			}
			r.logger.Debug("rule registered", "ruleKey", def.Key().String(), "ruleID", def.ID)
		default:
			return nil, err
		}

		if err := r.syncParams(ctx, sess, def.ID, e.Params); err != nil {
			return nil, err
		}
		ids = append(ids, def.ID)
	}
	r.logger.Info("repository registered", "repository", repo.Repository, "rules", len(ids))
	return ids, nil
}

func (r *Registrar) definition(repo *RepositoryFile, e RuleEntry) (*RuleDefinitionRecord, error) {
	format := e.DescriptionFormat
	if format == "" {
		format = FormatHTML
	}
	if format != FormatHTML && format != FormatMarkdown {
		return nil, fmt.Errorf("%w: rule %q has unknown description format %q", ErrInvalidRequest, e.Key, format)
	}
	ruleType := e.Type
	if ruleType == "" {
		ruleType = TypeCodeSmell
	}
	severity := e.Severity
	if severity == "" {
		severity = SeverityMajor
	}
	lang := e.Language
	if lang == "" {
		lang = repo.Language
	}

	def := &RuleDefinitionRecord{
		RepositoryKey:     repo.Repository,
		RuleKey:           e.Key,
		Name:              e.Name,
		Description:       e.Description,
		DescriptionFormat: string(format),
		Severity:          severity,
		RuleType:          string(ruleType),
		ConfigKey:         e.InternalKey,
		Language:          lang,
		Tags:              JSONStringSlice(sortedUnion(e.Tags)),
		IsTemplate:        e.Template,
	}
	if rem := e.Remediation; rem != nil {
		if rem.Function != "" {
			def.DefRemediationFunction = stringPtr(rem.Function)
		}
		if rem.GapMultiplier != "" {
			def.DefRemediationGapMultiplier = stringPtr(rem.GapMultiplier)
		}
		if rem.BaseEffort != "" {
			def.DefRemediationBaseEffort = stringPtr(rem.BaseEffort)
		}
	}
	return def, nil
}

// syncParams inserts params the rule does not declare yet and refreshes the
// type, description and default of the others.
func (r *Registrar) syncParams(ctx context.Context, sess *Session, ruleID int64, entries []ParamEntry) error {
	existing, err := r.rules.FindParams(ctx, sess, ruleID)
	if err != nil {
		return err
	}
	byName := make(map[string]RuleParamRecord, len(existing))
	for _, p := range existing {
		byName[p.Name] = p
	}
	for _, e := range entries {
		param := RuleParamRecord{
			Name:         e.Name,
			ParamType:    e.Type,
			Description:  e.Description,
			DefaultValue: e.DefaultValue,
		}
		if param.ParamType == "" {
			param.ParamType = "STRING"
		}
		if old, ok := byName[e.Name]; ok {
			param.ID = old.ID
			if err := r.rules.UpdateParam(ctx, sess, &param); err != nil {
				return err
			}
			continue
		}
		if err := r.rules.InsertParam(ctx, sess, ruleID, &param); err != nil {
			return err
		}
	}
	return nil
}
