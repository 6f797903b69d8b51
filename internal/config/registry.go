package config

import (
	_ "embed"
	"fmt"
	"os"
	"sort"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"

	"github.com/roach88/activitylog/internal/activity"
	"github.com/roach88/activitylog/internal/source"
)

//go:embed registry.cue
var registrySchema string

// SourceConfig is one source capability of the registry file.
type SourceConfig struct {
	URL           string            `json:"url"`
	RatePerSecond float64           `json:"rate_per_second"`
	Burst         int               `json:"burst"`
	Header        map[string]string `json:"header"`
}

type trackedTypeConfig struct {
	Mode               string `json:"mode"`
	CheckpointInterval int64  `json:"checkpoint_interval"`
	Source             string `json:"source"`
	ObjectIDField      string `json:"object_id_field"`
}

type registryFile struct {
	TrackedTypes map[string]trackedTypeConfig `json:"tracked_types"`
	Sources      map[string]SourceConfig      `json:"sources"`
}

// Tracking is the loaded registry plus the source capabilities it names.
type Tracking struct {
	Registry *activity.Registry
	Sources  map[string]SourceConfig
}

// LoadTracking reads the registry file at path. An empty path returns the
// built-in registry with no sources.
func LoadTracking(path string) (*Tracking, error) {
	if path == "" {
		return &Tracking{Registry: activity.DefaultRegistry(), Sources: map[string]SourceConfig{}}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}
	t, err := ParseTracking(data)
	if err != nil {
		return nil, fmt.Errorf("registry %s: %w", path, err)
	}
	return t, nil
}

// ParseTracking decodes a YAML registry, validates and defaults it against
// the embedded CUE schema and builds the registry.
func ParseTracking(data []byte) (*Tracking, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	if doc == nil {
		doc = map[string]any{}
	}

	ctx := cuecontext.New()
	schema := ctx.CompileString(registrySchema)
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	value := schema.Unify(ctx.Encode(doc))
	if err := value.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("validate: %w", err)
	}

	var file registryFile
	if err := value.Decode(&file); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}

	names := make([]string, 0, len(file.TrackedTypes))
	for name := range file.TrackedTypes {
		names = append(names, name)
	}
	sort.Strings(names)

	types := make([]activity.TrackedType, 0, len(names))
	for _, name := range names {
		tc := file.TrackedTypes[name]
		types = append(types, activity.TrackedType{
			ObjectType:         name,
			Mode:               activity.Mode(tc.Mode),
			CheckpointInterval: tc.CheckpointInterval,
			Source:             tc.Source,
			ObjectIDField:      tc.ObjectIDField,
		})
	}
	reg, err := activity.NewRegistry(types...)
	if err != nil {
		return nil, err
	}
	if file.Sources == nil {
		file.Sources = map[string]SourceConfig{}
	}
	return &Tracking{Registry: reg, Sources: file.Sources}, nil
}

// Router builds HTTP readers for every source capability the registry
// uses. Capabilities missing from the file fall back to fallbackURL when
// it is set.
func (t *Tracking) Router(fallbackURL string) (*source.Router, error) {
	readers := map[string]source.Reader{}
	for _, tt := range t.Registry.Types() {
		if tt.Mode != activity.ModeSnapshotDiff {
			continue
		}
		if _, ok := readers[tt.Source]; ok {
			continue
		}
		sc, ok := t.Sources[tt.Source]
		if !ok {
			if fallbackURL == "" {
				continue
			}
			sc = SourceConfig{URL: fallbackURL}
		}
		opts := []source.HTTPOption{source.WithRateLimit(sc.RatePerSecond, sc.Burst)}
		for k, v := range sc.Header {
			opts = append(opts, source.WithHeader(k, v))
		}
		rd, err := source.NewHTTPReader(sc.URL, opts...)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", tt.Source, err)
		}
		readers[tt.Source] = rd
	}
	return source.NewRouter(t.Registry, readers)
}
