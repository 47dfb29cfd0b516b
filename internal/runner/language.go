package runner

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/michaelbrown/galaxy/internal/config"
)

// Kind says whether a language is run directly or built first.
type Kind string

const (
	Interpreted Kind = "interpreted"
	Compiled    Kind = "compiled"
)

// Language describes how to turn submitted source into a running program.
type Language struct {
	Name    string   `yaml:"name" json:"name"`
	Kind    Kind     `yaml:"kind" json:"kind"`
	Aliases []string `yaml:"aliases" json:"aliases,omitempty"`

	// Tools lists interpreter or compiler candidates in preference order.
	Tools []string `yaml:"tools" json:"tools"`
	// Flags go right after the tool: interpreter flags, or extra compiler flags.
	Flags []string `yaml:"flags" json:"flags,omitempty"`

	SourceFile string `yaml:"source_file" json:"source_file"`
	Executable string `yaml:"executable" json:"executable,omitempty"`
}

// DefaultLanguages returns the two built-in languages.
func DefaultLanguages() []Language {
	return []Language{
		{
			Name:       "python",
			Kind:       Interpreted,
			Aliases:    []string{"py", "python3", string(Interpreted)},
			Tools:      []string{"python3", "python"},
			Flags:      []string{"-u"},
			SourceFile: "galaxy_runner.py",
		},
		{
			Name:       "cpp",
			Kind:       Compiled,
			Aliases:    []string{"c++", "cxx", string(Compiled)},
			Tools:      []string{"clang++", "g++"},
			SourceFile: "galaxy_runner.cpp",
			Executable: "galaxy_runner",
		},
	}
}

// Languages resolves language tags from run requests.
type Languages struct {
	byName  map[string]Language
	aliases map[string]string
	def     string
}

// NewLanguages indexes langs; def names the language used for an empty tag.
func NewLanguages(langs []Language, def string) (*Languages, error) {
	l := &Languages{
		byName:  make(map[string]Language),
		aliases: make(map[string]string),
	}
	for _, lang := range langs {
		if err := lang.validate(); err != nil {
			return nil, err
		}
		name := strings.ToLower(lang.Name)
		l.byName[name] = lang
		l.aliases[name] = name
		for _, a := range lang.Aliases {
			l.aliases[strings.ToLower(a)] = name
		}
	}
	def = strings.ToLower(def)
	if _, ok := l.aliases[def]; !ok {
		return nil, fmt.Errorf("default language %q is not defined", def)
	}
	l.def = l.aliases[def]
	return l, nil
}

// Lookup returns the language for a tag, falling back to the default for "".
func (l *Languages) Lookup(tag string) (Language, error) {
	tag = strings.ToLower(strings.TrimSpace(tag))
	if tag == "" {
		tag = l.def
	}
	name, ok := l.aliases[tag]
	if !ok {
		return Language{}, fmt.Errorf("%w: %q", ErrUnknownLanguage, tag)
	}
	return l.byName[name], nil
}

// List returns the languages sorted by name.
func (l *Languages) List() []Language {
	out := make([]Language, 0, len(l.byName))
	for _, lang := range l.byName {
		out = append(out, lang)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Default returns the name of the default language.
func (l *Languages) Default() string {
	return l.def
}

func (lang Language) validate() error {
	if lang.Name == "" {
		return fmt.Errorf("language without a name")
	}
	if len(lang.Tools) == 0 {
		return fmt.Errorf("language %s: no tools listed", lang.Name)
	}
	if lang.SourceFile == "" {
		return fmt.Errorf("language %s: source_file is required", lang.Name)
	}
	switch lang.Kind {
	case Interpreted:
	case Compiled:
		if lang.Executable == "" {
			return fmt.Errorf("language %s: compiled languages need an executable name", lang.Name)
		}
	default:
		return fmt.Errorf("language %s: unknown kind %q", lang.Name, lang.Kind)
	}
	return nil
}

type languagesFile struct {
	Languages []Language `yaml:"languages"`
}

// LoadLanguages reads a YAML languages file and merges it over the defaults.
// Entries replace the built-in language with the same name; new names are added.
func LoadLanguages(path string) ([]Language, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading languages %s: %w", path, err)
	}

	var f languagesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing languages %s: %w", path, err)
	}

	merged := DefaultLanguages()
	for _, lang := range f.Languages {
		replaced := false
		for i := range merged {
			if strings.EqualFold(merged[i].Name, lang.Name) {
				merged[i] = lang
				replaced = true
				break
			}
		}
		if !replaced {
			merged = append(merged, lang)
		}
	}
	return merged, nil
}

// LanguagesFor builds the language table cfg describes: the built-ins, merged
// with cfg.LanguagesFile when set.
func LanguagesFor(cfg config.RunnerConfig) (*Languages, error) {
	langs := DefaultLanguages()
	if cfg.LanguagesFile != "" {
		var err error
		if langs, err = LoadLanguages(cfg.LanguagesFile); err != nil {
			return nil, err
		}
	}
	def := cfg.DefaultLanguage
	if def == "" {
		def = "cpp"
	}
	return NewLanguages(langs, def)
}
