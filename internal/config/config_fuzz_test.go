package config

import (
	"os"
	"strings"
	"testing"
)

// FuzzProcConfigTOML feeds random-ish fields into a tiny TOML and ensures
// the loader does not panic.
func FuzzProcConfigTOML(f *testing.F) {
	f.Add("demo", "sleep", "ROLE=x", "", true)
	f.Add("", "true", "=", "short", false)

	f.Fuzz(func(t *testing.T, name, cmd, envEntry, authKey string, privileged bool) {
		clean := func(s string) string {
			s = strings.ReplaceAll(s, "\"", "")
			s = strings.ReplaceAll(s, "\\", "")
			return strings.ReplaceAll(s, "\n", "")
		}
		var b strings.Builder
		b.WriteString("[[processes]]\n")
		b.WriteString("name = \"" + clean(name) + "\"\n")
		b.WriteString("command = [\"" + clean(cmd) + "\"]\n")
		b.WriteString("env = [\"" + clean(envEntry) + "\"]\n")
		if authKey != "" {
			b.WriteString("auth_key = \"" + clean(authKey) + "\"\n")
		}
		if privileged {
			b.WriteString("privileged = true\n")
		}
		tmp := t.TempDir() + "/fuzz.toml"
		if err := os.WriteFile(tmp, []byte(b.String()), 0o644); err != nil {
			t.Skip()
		}
		fc, err := Load(tmp) // must not panic
		if err == nil {
			_ = fc.Processes[0].Options()
		}
	})
}
