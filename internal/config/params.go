package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Param is a single backend configuration entry.
type Param struct {
	Key   string
	Value string
}

// Params is an ordered backend configuration. Rendering preserves the order
// entries were added in.
type Params []Param

// Add appends key=value and returns the extended Params.
func (p Params) Add(key, value string) Params {
	return append(p, Param{Key: key, Value: value})
}

// Get returns the value for key and whether it is present.
func (p Params) Get(key string) (string, bool) {
	for _, kv := range p {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return "", false
}

// Keys returns the keys in insertion order.
func (p Params) Keys() []string {
	out := make([]string, 0, len(p))
	for _, kv := range p {
		out = append(out, kv.Key)
	}
	return out
}

// Require checks that every key is present with a non-empty value.
func (p Params) Require(keys ...string) error {
	var missing []string
	for _, k := range keys {
		if v, ok := p.Get(k); !ok || strings.TrimSpace(v) == "" {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return &MissingKeysError{Keys: missing}
	}
	return nil
}

// MissingKeysError lists required backend configuration keys that are absent.
type MissingKeysError struct {
	Keys []string
}

func (e *MissingKeysError) Error() string {
	return "missing required config keys: " + strings.Join(e.Keys, ", ")
}

// Render returns the double-quoted form: one `key = "value"` line per entry.
func (p Params) Render() []byte {
	var b bytes.Buffer
	for _, kv := range p {
		fmt.Fprintf(&b, "%s = %q\n", kv.Key, kv.Value)
	}
	return b.Bytes()
}

// WriteParams renders params to path, creating the parent directory when
// needed. The file is written to a temporary sibling and renamed into place,
// so path either holds the complete rendering or is left as it was.
func WriteParams(path string, params Params) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create config dir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("open config %s: %w", path, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(params.Render()); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write config %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("write config %s: %w", path, err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("chmod config %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("install config %s: %w", path, err)
	}
	return nil
}

// AppendSection appends a `[section]` header and one `key = 'value'` line per
// entry to an existing file. Existing content is not touched; a missing file
// is an error.
func AppendSection(path, section string, params Params) error {
	// Mitigate G304: the path is supplied by the test harness itself.
	f, err := os.OpenFile(filepath.Clean(path), os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return fmt.Errorf("open sibling config %s: %w", path, err)
	}
	var b bytes.Buffer
	fmt.Fprintf(&b, "\n[%s]\n", section)
	for _, kv := range params {
		fmt.Fprintf(&b, "%s = '%s'\n", kv.Key, kv.Value)
	}
	if _, err := f.Write(b.Bytes()); err != nil {
		_ = f.Close()
		return fmt.Errorf("append to sibling config %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("append to sibling config %s: %w", path, err)
	}
	return nil
}
