package launch

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	dllOverridesSection = `[Software\\Wine\\DllOverrides]`
	nativeBuiltin       = "native,builtin"
)

// EnsureWineDLLOverride makes the user.reg hive of prefix load dll as
// "native,builtin". The hive is backed up to user.reg.bak before it is
// changed. It reports whether anything was written.
func EnsureWineDLLOverride(prefix, dll string) (bool, error) {
	path := filepath.Join(prefix, "user.reg")
	src, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("cannot read Wine registry: %w", err)
	}
	out, changed := setDLLOverride(src, dll, time.Now())
	if !changed {
		return false, nil
	}
	if err := os.WriteFile(path+".bak", src, 0o644); err != nil {
		return false, fmt.Errorf("cannot back up Wine registry: %w", err)
	}
	if err := replaceFile(path, out); err != nil {
		return false, err
	}
	return true, nil
}

func setDLLOverride(src []byte, dll string, now time.Time) ([]byte, bool) {
	entry := fmt.Sprintf(`"%s"="%s"`, dll, nativeBuiltin)
	keyPrefix := fmt.Sprintf(`"%s"=`, dll)
	nl := "\n"
	if bytes.Contains(src, []byte("\r\n")) {
		nl = "\r\n"
	}
	lines := strings.SplitAfter(string(src), "\n")

	section := -1
	for i, l := range lines {
		if strings.HasPrefix(strings.TrimSpace(l), dllOverridesSection) {
			section = i
			break
		}
	}
	if section < 0 {
		var b strings.Builder
		b.Write(src)
		if len(src) > 0 && !bytes.HasSuffix(src, []byte("\n")) {
			b.WriteString(nl)
		}
		fmt.Fprintf(&b, "%s%s %d%s", nl, dllOverridesSection, now.Unix(), nl)
		b.WriteString(entry + nl)
		return []byte(b.String()), true
	}

	insertAt := len(lines)
	for i := section + 1; i < len(lines); i++ {
		l := strings.TrimSpace(lines[i])
		if strings.HasPrefix(l, "[") || l == "" {
			insertAt = i
			break
		}
		if strings.HasPrefix(strings.ToLower(l), strings.ToLower(keyPrefix)) {
			if l == entry {
				return src, false
			}
			lines[i] = entry + nl
			return []byte(strings.Join(lines, "")), true
		}
	}
	if insertAt == len(lines) && !strings.HasSuffix(lines[insertAt-1], "\n") {
		lines[insertAt-1] += nl
	}
	lines = append(lines[:insertAt], append([]string{entry + nl}, lines[insertAt:]...)...)
	return []byte(strings.Join(lines, "")), true
}
