package fingerprint

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"mockcode/internal/ignore"
)

func writeTree(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for path, content := range files {
		full := filepath.Join(dir, filepath.FromSlash(path))
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(full, []byte(content), 0644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
}

func TestCompute_RelocationDeterminism_Property(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("identical trees fingerprint identically anywhere", prop.ForAll(
		func(name, content string, command []string) bool {
			if name == "" {
				return true
			}
			files := map[string]string{
				name + ".dat":    content,
				"nested/" + name: content + "x",
			}

			dirA := t.TempDir()
			dirB := t.TempDir()
			writeTree(t, dirA, files)
			writeTree(t, dirB, files)

			fpA, errA := Compute(Request{Command: command, Dir: dirA})
			fpB, errB := Compute(Request{Command: command, Dir: dirB})
			if errA != nil || errB != nil {
				return false
			}
			return fpA == fpB
		},
		gen.Identifier(),
		gen.AlphaString(),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.Property("recomputing is stable", prop.ForAll(
		func(name, content string) bool {
			if name == "" {
				return true
			}
			dir := t.TempDir()
			writeTree(t, dir, map[string]string{name: content})

			fpA, errA := Compute(Request{Command: []string{"run"}, Dir: dir})
			fpB, errB := Compute(Request{Command: []string{"run"}, Dir: dir})
			return errA == nil && errB == nil && fpA == fpB
		},
		gen.Identifier(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

func TestCompute_Sensitivity_Property(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("file content is part of the fingerprint", prop.ForAll(
		func(name, content string) bool {
			if name == "" {
				return true
			}
			dirA := t.TempDir()
			dirB := t.TempDir()
			writeTree(t, dirA, map[string]string{name: content})
			writeTree(t, dirB, map[string]string{name: content + "!"})

			fpA, errA := Compute(Request{Command: []string{"run"}, Dir: dirA})
			fpB, errB := Compute(Request{Command: []string{"run"}, Dir: dirB})
			return errA == nil && errB == nil && fpA != fpB
		},
		gen.Identifier(),
		gen.AlphaString(),
	))

	properties.Property("file path is part of the fingerprint", prop.ForAll(
		func(name, content string) bool {
			if name == "" {
				return true
			}
			dirA := t.TempDir()
			dirB := t.TempDir()
			writeTree(t, dirA, map[string]string{name + ".a": content})
			writeTree(t, dirB, map[string]string{name + ".b": content})

			fpA, errA := Compute(Request{Command: []string{"run"}, Dir: dirA})
			fpB, errB := Compute(Request{Command: []string{"run"}, Dir: dirB})
			return errA == nil && errB == nil && fpA != fpB
		},
		gen.Identifier(),
		gen.AlphaString(),
	))

	properties.Property("command tokens are part of the fingerprint", prop.ForAll(
		func(token string) bool {
			if token == "" {
				return true
			}
			dir := t.TempDir()
			writeTree(t, dir, map[string]string{"input.dat": "T=300"})

			fpA, errA := Compute(Request{Command: []string{token}, Dir: dir})
			fpB, errB := Compute(Request{Command: []string{token, token}, Dir: dir})
			return errA == nil && errB == nil && fpA != fpB
		},
		gen.Identifier(),
	))

	// Concatenations that read the same must still hash differently,
	// otherwise ["ab"] and ["a","b"] would collide.
	properties.Property("token boundaries are preserved", prop.ForAll(
		func(a, b string) bool {
			if a == "" || b == "" {
				return true
			}
			dir := t.TempDir()
			writeTree(t, dir, map[string]string{"input.dat": "T=300"})

			fpJoined, errA := Compute(Request{Command: []string{a + b}, Dir: dir})
			fpSplit, errB := Compute(Request{Command: []string{a, b}, Dir: dir})
			return errA == nil && errB == nil && fpJoined != fpSplit
		},
		gen.Identifier(),
		gen.Identifier(),
	))

	properties.TestingRun(t)
}

func TestCompute_Exclusions_Property(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("excluded files never affect the fingerprint", prop.ForAll(
		func(content, noise string) bool {
			matcher := ignore.Compile([]string{"*.log"})

			dirA := t.TempDir()
			dirB := t.TempDir()
			writeTree(t, dirA, map[string]string{"input.dat": content})
			writeTree(t, dirB, map[string]string{
				"input.dat": content,
				"noise.log": noise,
			})

			fpA, errA := Compute(Request{Command: []string{"run"}, Dir: dirA, Exclude: matcher})
			fpB, errB := Compute(Request{Command: []string{"run"}, Dir: dirB, Exclude: matcher})
			return errA == nil && errB == nil && fpA == fpB
		},
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

func TestCompute_EmptyDir(t *testing.T) {
	dir := t.TempDir()

	fp, err := Compute(Request{Command: []string{"run"}, Dir: dir})
	if err != nil {
		t.Fatalf("compute error: %v", err)
	}
	if _, err := Parse(fp.String()); err != nil {
		t.Errorf("fingerprint %q does not parse: %v", fp, err)
	}
}

func TestCompute_MissingDir(t *testing.T) {
	_, err := Compute(Request{
		Command: []string{"run"},
		Dir:     filepath.Join(t.TempDir(), "does-not-exist"),
	})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !IsUnreadableInput(err) {
		t.Errorf("error = %v, want UnreadableInputError", err)
	}
}

func TestCompute_UnreadableFile(t *testing.T) {
	// A dangling symlink fails on open no matter who runs the test.
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{"input.dat": "T=300"})
	if err := os.Symlink(filepath.Join(dir, "gone"), filepath.Join(dir, "broken.dat")); err != nil {
		t.Fatalf("symlink: %v", err)
	}

	_, err := Compute(Request{Command: []string{"run"}, Dir: dir})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !IsUnreadableInput(err) {
		t.Errorf("error = %v, want UnreadableInputError", err)
	}
	if !strings.Contains(err.Error(), "broken.dat") {
		t.Errorf("error %q does not name the unreadable file", err)
	}
}

func TestParse(t *testing.T) {
	hex64 := strings.Repeat("ab", 32)

	tests := []struct {
		name    string
		in      string
		want    Fingerprint
		wantErr bool
	}{
		{
			name: "canonical form",
			in:   "sha256:" + hex64,
			want: Fingerprint("sha256:" + hex64),
		},
		{
			name: "directory form",
			in:   "sha256_" + hex64,
			want: Fingerprint("sha256:" + hex64),
		},
		{name: "empty", in: "", wantErr: true},
		{name: "wrong algorithm", in: "md5:" + hex64, wantErr: true},
		{name: "short digest", in: "sha256:abcd", wantErr: true},
		{name: "non-hex digest", in: "sha256:" + strings.Repeat("zz", 32), wantErr: true},
		{name: "missing separator", in: "sha256" + hex64, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Parse(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestFingerprint_DirName(t *testing.T) {
	fp := Fingerprint("sha256:" + strings.Repeat("0f", 32))

	dir := fp.DirName()
	if strings.ContainsRune(dir, ':') {
		t.Errorf("DirName() = %q still contains a colon", dir)
	}

	parsed, err := Parse(dir)
	if err != nil {
		t.Fatalf("round-trip parse error: %v", err)
	}
	if parsed != fp {
		t.Errorf("round-trip = %q, want %q", parsed, fp)
	}
}

func TestFingerprint_Short(t *testing.T) {
	fp := Fingerprint("sha256:" + strings.Repeat("ab", 32))

	short := fp.Short()
	if short != "sha256:abababababab" {
		t.Errorf("Short() = %q, want %q", short, "sha256:abababababab")
	}
}
