package rules

import (
	"os"
	"path/filepath"
	"regexp"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// document mirrors the rule file format of §6: three top-level lists,
// each entry recognizing match plus an inline-or-file template. Unknown
// keys are ignored by yaml.v3's default unmarshal behaviour.
type document struct {
	ServerMsgModifier []rewriteEntry     `yaml:"server-msg-modifier"`
	ClientMsgModifier []rewriteEntry     `yaml:"client-msg-modifier"`
	AutoRespond       []autoRespondEntry `yaml:"auto-respond"`
}

type rewriteEntry struct {
	Match     string `yaml:"match"`
	Patch     string `yaml:"patch"`
	PatchFile string `yaml:"patch-file"`
}

type autoRespondEntry struct {
	Match        string `yaml:"match"`
	Response     string `yaml:"response"`
	ResponseFile string `yaml:"response-file"`
}

// Load reads and compiles a rule file. Relative patch-file/response-file
// paths are resolved relative to the directory containing path, not
// relative to the working directory the proxy was launched from.
func Load(path string) (*Set, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading rule file %s", path)
	}

	var doc document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, errors.Wrapf(err, "parsing rule file %s", path)
	}

	dir := filepath.Dir(path)

	set := &Set{}

	set.ServerToClient, err = compileRewrites(doc.ServerMsgModifier, dir)
	if err != nil {
		return nil, errors.Wrap(err, "server-msg-modifier")
	}

	set.ClientToServer, err = compileRewrites(doc.ClientMsgModifier, dir)
	if err != nil {
		return nil, errors.Wrap(err, "client-msg-modifier")
	}

	set.AutoRespond, err = compileAutoResponses(doc.AutoRespond, dir)
	if err != nil {
		return nil, errors.Wrap(err, "auto-respond")
	}

	return set, nil
}

func compileRewrites(entries []rewriteEntry, dir string) ([]Rewrite, error) {
	out := make([]Rewrite, 0, len(entries))
	for i, e := range entries {
		if e.Match == "" {
			return nil, errors.Errorf("entry %d: missing match", i)
		}
		pattern, err := compilePattern(e.Match)
		if err != nil {
			return nil, errors.Wrapf(err, "entry %d", i)
		}

		template := e.Patch
		if e.PatchFile != "" {
			contents, err := readTemplateFile(dir, e.PatchFile)
			if err != nil {
				return nil, errors.Wrapf(err, "entry %d", i)
			}
			template = contents
		}

		out = append(out, Rewrite{Pattern: pattern, Replacement: template})
	}
	return out, nil
}

func compileAutoResponses(entries []autoRespondEntry, dir string) ([]AutoResponse, error) {
	out := make([]AutoResponse, 0, len(entries))
	for i, e := range entries {
		if e.Match == "" {
			return nil, errors.Errorf("entry %d: missing match", i)
		}
		pattern, err := compilePattern(e.Match)
		if err != nil {
			return nil, errors.Wrapf(err, "entry %d", i)
		}

		template := e.Response
		if e.ResponseFile != "" {
			contents, err := readTemplateFile(dir, e.ResponseFile)
			if err != nil {
				return nil, errors.Wrapf(err, "entry %d", i)
			}
			template = contents
		}

		out = append(out, AutoResponse{Pattern: pattern, Response: template})
	}
	return out, nil
}

// compilePattern compiles match in dot-matches-all mode, per §3.
func compilePattern(match string) (*regexp.Regexp, error) {
	return regexp.Compile("(?s)" + match)
}

func readTemplateFile(dir, name string) (string, error) {
	path := name
	if !filepath.IsAbs(path) {
		path = filepath.Join(dir, name)
	}
	contents, err := os.ReadFile(path)
	if err != nil {
		return "", errors.Wrapf(err, "reading %s", path)
	}
	return string(contents), nil
}
