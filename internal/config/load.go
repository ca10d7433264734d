package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/pelletier/go-toml"
	"gopkg.in/ini.v1"
	"gopkg.in/yaml.v3"

	"github.com/randhop/randhop/internal/errcat"
)

// supportedExtensions lists the fragment file extensions merged by
// LoadDir, per §4.7.
var supportedExtensions = map[string]func([]byte) (fragment, error){
	".toml":  decodeTOML,
	".json":  decodeJSON,
	".yaml":  decodeYAML,
	".yml":   decodeYAML,
	".ini":   decodeINI,
	".ron":   decodeRON,
	".json5": decodeJSON5,
}

// LoadDir reads every fragment file directly inside dir (non-recursive)
// whose extension is recognized, merges them over Default() in directory
// iteration order, and validates the result.
func LoadDir(dir string) (Config, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Config{}, errcat.Config.Newf("reading config dir %s: %w", dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, ok := supportedExtensions[strings.ToLower(filepath.Ext(e.Name()))]; ok {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	cfg := Default()
	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, errcat.Config.Newf("reading %s: %w", path, err)
		}
		decode := supportedExtensions[strings.ToLower(filepath.Ext(name))]
		frag, err := decode(data)
		if err != nil {
			return Config{}, errcat.Config.Newf("parsing %s: %w", path, err)
		}
		cfg, err = frag.applyTo(cfg)
		if err != nil {
			return Config{}, errcat.Config.Newf("applying %s: %w", path, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, errcat.Config.Newf("%w", err)
	}
	return cfg, nil
}

func decodeTOML(data []byte) (fragment, error) {
	var f fragment
	if err := toml.Unmarshal(data, &f); err != nil {
		return fragment{}, err
	}
	return f, nil
}

func decodeJSON(data []byte) (fragment, error) {
	var f fragment
	if err := json.Unmarshal(data, &f); err != nil {
		return fragment{}, err
	}
	return f, nil
}

func decodeYAML(data []byte) (fragment, error) {
	var f fragment
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fragment{}, err
	}
	return f, nil
}

func decodeINI(data []byte) (fragment, error) {
	file, err := ini.Load(data)
	if err != nil {
		return fragment{}, err
	}
	var f fragment
	if err := file.Section("").MapTo(&f); err != nil {
		return fragment{}, err
	}
	return f, nil
}

// jsonTrailingCommaRE strips trailing commas before a closing brace or
// bracket, one of the handful of JSON5 relaxations actually exercised by
// hand-edited config fragments; the rest of JSON5 (unquoted keys, single
// quotes, hex numbers) is out of scope — see DESIGN.md.
var jsonTrailingCommaRE = regexp.MustCompile(`,(\s*[}\]])`)

// decodeJSON5 treats JSON5 as JSON plus trailing-comma tolerance and
// line/block comment stripping, since no JSON5 library is available in
// the retrieved dependency pack. See DESIGN.md for why this stays on the
// standard library instead of a third-party decoder.
func decodeJSON5(data []byte) (fragment, error) {
	stripped := stripJSON5Comments(data)
	stripped = jsonTrailingCommaRE.ReplaceAll(stripped, []byte("$1"))
	return decodeJSON(stripped)
}

func stripJSON5Comments(data []byte) []byte {
	var out []byte
	inString := false
	for i := 0; i < len(data); i++ {
		c := data[i]
		if inString {
			out = append(out, c)
			if c == '\\' && i+1 < len(data) {
				out = append(out, data[i+1])
				i++
				continue
			}
			if c == '"' {
				inString = false
			}
			continue
		}
		switch {
		case c == '"':
			inString = true
			out = append(out, c)
		case c == '/' && i+1 < len(data) && data[i+1] == '/':
			for i < len(data) && data[i] != '\n' {
				i++
			}
			out = append(out, '\n')
		case c == '/' && i+1 < len(data) && data[i+1] == '*':
			i += 2
			for i+1 < len(data) && !(data[i] == '*' && data[i+1] == '/') {
				i++
			}
			i++
		default:
			out = append(out, c)
		}
	}
	return out
}

// decodeRON implements a minimal subset of Rusty Object Notation: a flat
// `(key: value, key2: "value2", ...)` struct literal with no nesting, the
// only shape this proxy's own fragments need. No RON library exists in
// the retrieved dependency pack; see DESIGN.md.
func decodeRON(data []byte) (fragment, error) {
	s := strings.TrimSpace(string(data))
	s = strings.TrimPrefix(s, "(")
	s = strings.TrimSuffix(s, ")")

	raw := map[string]string{}
	for _, part := range splitTopLevel(s, ',') {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, ":", 2)
		if len(kv) != 2 {
			return fragment{}, fmt.Errorf("ron: malformed entry %q", part)
		}
		key := strings.TrimSpace(kv[0])
		val := strings.Trim(strings.TrimSpace(kv[1]), `"`)
		raw[key] = val
	}

	f := fragment{}
	if v, ok := raw["debug"]; ok {
		b := v == "true"
		f.Debug = &b
	}
	if v, ok := raw["bind"]; ok {
		f.Bind = &v
	}
	if v, ok := raw["concurrent"]; ok {
		var n uint
		if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
			return fragment{}, fmt.Errorf("ron: concurrent: %w", err)
		}
		f.Concurrent = &n
	}
	if v, ok := raw["connect_timeout"]; ok {
		f.ConnectTimeout = &v
	}
	if v, ok := raw["cidr"]; ok {
		f.CIDR = &v
	}
	if v, ok := raw["fallback"]; ok {
		f.Fallback = &v
	}
	return f, nil
}

func splitTopLevel(s string, sep byte) []string {
	var out []string
	depth := 0
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
		default:
			if s[i] == sep && depth == 0 {
				out = append(out, s[start:i])
				start = i + 1
			}
		}
	}
	out = append(out, s[start:])
	return out
}
