package provider

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/open-feature/flagops/pkg/model"
	"github.com/open-feature/flagops/pkg/pipeline"
)

//go:embed schema/flags.json
var flagFileSchema string

const maxAttempts = 3

type FlagPipeline interface {
	CreateFlag(ctx context.Context, actor string, def model.FlagDefinition) (pipeline.Result, error)
	UpdateFlag(ctx context.Context, actor string, env model.Environment, key string, expectedVersion int64, patch pipeline.FlagPatch) (pipeline.Result, error)
	DeleteFlag(ctx context.Context, actor string, env model.Environment, key string) (pipeline.Result, error)
}

type FlagReader interface {
	Get(ctx context.Context, env model.Environment, key string) (model.FlagDefinition, error)
}

// FilePathProvider seeds the registry from a YAML or JSON flag file and keeps
// it in sync while the file changes. Flags it created and that later vanish
// from the file are deleted; other flags are never touched.
type FilePathProvider struct {
	URI      string
	pipeline FlagPipeline
	flags    FlagReader
	logger   logrus.FieldLogger

	mu    sync.Mutex
	owned map[string]ownedFlag
}

type ownedFlag struct {
	env model.Environment
	key string
}

func NewFilePathProvider(uri string, p FlagPipeline, flags FlagReader, logger logrus.FieldLogger) *FilePathProvider {
	return &FilePathProvider{
		URI:      uri,
		pipeline: p,
		flags:    flags,
		logger:   logger.WithField("provider", "file"),
		owned:    map[string]ownedFlag{},
	}
}

func (fp *FilePathProvider) actor() string {
	return "file:" + fp.URI
}

func (fp *FilePathProvider) Initialize(ctx context.Context) error {
	return fp.sync(ctx)
}

// Watch watches the directory of the file, so editors replacing the file by
// rename are noticed too.
func (fp *FilePathProvider) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("unable to create file watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(fp.URI)); err != nil {
		return fmt.Errorf("unable to watch %s: %w", fp.URI, err)
	}
	target := filepath.Clean(fp.URI)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target || !event.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			if err := fp.sync(ctx); err != nil {
				fp.logger.WithError(err).Error("flag file sync failed")
				continue
			}
			fp.logger.Info("flag values updated")
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			fp.logger.WithError(err).Warn("file watcher error")
		}
	}
}

// sync applies the file to the registry. An unreadable or invalid file
// changes nothing.
func (fp *FilePathProvider) sync(ctx context.Context) error {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	defs, err := fp.parse()
	if err != nil {
		return err
	}

	var errs []error
	seen := make(map[string]struct{}, len(defs))
	for _, def := range defs {
		id := string(def.Environment) + "/" + def.Key
		seen[id] = struct{}{}
		if err := fp.apply(ctx, def); err != nil {
			errs = append(errs, fmt.Errorf("flag %s: %w", id, err))
			continue
		}
		fp.owned[id] = ownedFlag{env: def.Environment, key: def.Key}
	}

	for id, o := range fp.owned {
		if _, ok := seen[id]; ok {
			continue
		}
		_, err := fp.pipeline.DeleteFlag(ctx, fp.actor(), o.env, o.key)
		if err != nil && !errors.Is(err, model.ErrNotFound) {
			errs = append(errs, fmt.Errorf("flag %s: %w", id, err))
			continue
		}
		delete(fp.owned, id)
	}
	return errors.Join(errs...)
}

func (fp *FilePathProvider) apply(ctx context.Context, def model.FlagDefinition) error {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		cur, err := fp.flags.Get(ctx, def.Environment, def.Key)
		if errors.Is(err, model.ErrNotFound) {
			_, err = fp.pipeline.CreateFlag(ctx, fp.actor(), def)
			if errors.Is(err, model.ErrAlreadyExists) {
				continue
			}
			return err
		}
		if err != nil {
			return err
		}
		if sameContent(cur, def) {
			return nil
		}
		_, err = fp.pipeline.UpdateFlag(ctx, fp.actor(), def.Environment, def.Key, cur.Version, patchFrom(def))
		if errors.Is(err, model.ErrVersionConflict) {
			continue
		}
		return err
	}
	return fmt.Errorf("gave up after %d concurrent changes: %w", maxAttempts, model.ErrVersionConflict)
}

func (fp *FilePathProvider) parse() ([]model.FlagDefinition, error) {
	if fp.URI == "" {
		return nil, errors.New("no filepath string set")
	}
	rawFile, err := os.ReadFile(fp.URI)
	if err != nil {
		return nil, err
	}
	return Parse(rawFile)
}

// Parse decodes and validates a flag file. JSON documents are accepted as
// YAML.
func Parse(raw []byte) ([]model.FlagDefinition, error) {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unable to decode flag file: %w", err)
	}

	result, err := gojsonschema.Validate(gojsonschema.NewStringLoader(flagFileSchema), gojsonschema.NewGoLoader(doc))
	if err != nil {
		return nil, fmt.Errorf("unable to validate flag file: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, fmt.Errorf("%w: invalid flag file: %s", model.ErrInvalidConfiguration, strings.Join(msgs, "; "))
	}

	var file flagFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("unable to decode flag file: %w", err)
	}

	defs := make([]model.FlagDefinition, 0, len(file.Flags))
	seen := map[string]bool{}
	for _, f := range file.Flags {
		id := f.Environment + "/" + f.Key
		if seen[id] {
			return nil, fmt.Errorf("%w: flag %s defined twice", model.ErrInvalidConfiguration, id)
		}
		seen[id] = true
		defs = append(defs, f.definition())
	}
	return defs, nil
}

type flagFile struct {
	Flags []fileFlag `yaml:"flags"`
}

type fileFlag struct {
	Key               string        `yaml:"key"`
	Name              string        `yaml:"name"`
	Description       string        `yaml:"description"`
	Owner             string        `yaml:"owner"`
	Environment       string        `yaml:"environment"`
	Type              string        `yaml:"type"`
	IsEnabled         bool          `yaml:"isEnabled"`
	RolloutPercentage int           `yaml:"rolloutPercentage"`
	Variants          []fileVariant `yaml:"variants"`
	Rules             []fileRule    `yaml:"rules"`
}

type fileVariant struct {
	ID     string `yaml:"id"`
	Name   string `yaml:"name"`
	Key    string `yaml:"key"`
	Weight int    `yaml:"weight"`
}

type fileRule struct {
	ID        string   `yaml:"id"`
	Attribute string   `yaml:"attribute"`
	Operator  string   `yaml:"operator"`
	Values    []string `yaml:"values"`
}

// definition converts the entry. Missing ids are derived from the variant
// key and the rule position so repeated loads produce the same definition.
func (f fileFlag) definition() model.FlagDefinition {
	def := model.FlagDefinition{
		Key:               f.Key,
		Name:              f.Name,
		Description:       f.Description,
		Owner:             f.Owner,
		Environment:       model.Environment(f.Environment),
		Kind:              model.Kind(f.Type),
		Enabled:           f.IsEnabled,
		RolloutPercentage: f.RolloutPercentage,
	}
	for _, v := range f.Variants {
		id := v.ID
		if id == "" {
			id = v.Key
		}
		def.Variants = append(def.Variants, model.Variant{ID: id, Name: v.Name, Key: v.Key, Weight: v.Weight})
	}
	for i, r := range f.Rules {
		id := r.ID
		if id == "" {
			id = fmt.Sprintf("rule-%d", i)
		}
		def.Rules = append(def.Rules, model.TargetingRule{
			ID:        id,
			Attribute: r.Attribute,
			Operator:  model.Operator(r.Operator),
			Values:    r.Values,
		})
	}
	return def
}

func patchFrom(def model.FlagDefinition) pipeline.FlagPatch {
	variants := def.Variants
	rules := def.Rules
	return pipeline.FlagPatch{
		Name:              &def.Name,
		Description:       &def.Description,
		Owner:             &def.Owner,
		Kind:              &def.Kind,
		Enabled:           &def.Enabled,
		RolloutPercentage: &def.RolloutPercentage,
		Variants:          &variants,
		Rules:             &rules,
	}
}

// sameContent compares the configured fields, ignoring bookkeeping.
func sameContent(a, b model.FlagDefinition) bool {
	return reflect.DeepEqual(normalize(a), normalize(b))
}

func normalize(f model.FlagDefinition) model.FlagDefinition {
	f = f.Clone()
	f.Version = 0
	f.LastUpdated = time.Time{}
	if len(f.Variants) == 0 {
		f.Variants = nil
	}
	if len(f.Rules) == 0 {
		f.Rules = nil
	}
	return f
}
