package render

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/halyard-sh/halyard/internal/scripthost"
)

func testEngine(t *testing.T) *Engine {
	t.Helper()
	return New(Options{Seed: "test-seed"})
}

func TestStage1HelperMatchesDirectCall(t *testing.T) {
	script := `
function connection_string(args)
    return args.scheme .. "://" .. args.host .. ":" .. args.port
end
`
	e := testEngine(t)
	out, err := e.Stage1("app.yml", `url: {{ connection_string "scheme" "http" "host" "db" "port" 5432 }}`, script, nil)
	if err != nil {
		t.Fatalf("Stage1: %v", err)
	}
	if out != "url: http://db:5432" {
		t.Fatalf("out = %q", out)
	}

	direct, err := scripthost.NewEngine(script)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	defer direct.Close()
	want, err := direct.Call("connection_string", map[string]any{"scheme": "http", "host": "db", "port": int64(5432)})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if out != "url: "+want.(string) {
		t.Fatalf("template result %q disagrees with direct call %q", out, want)
	}
}

func TestStage1ContextData(t *testing.T) {
	e := testEngine(t)
	data := map[string]any{
		"installed_apps": []string{"bitcoin"},
		"settings":       map[string]any{"alias": "node"},
	}
	out, err := e.Stage1("app.yml", `{{ index .installed_apps 0 }}/{{ .settings.alias }}`, "", data)
	if err != nil {
		t.Fatalf("Stage1: %v", err)
	}
	if out != "bitcoin/node" {
		t.Fatalf("out = %q", out)
	}
}

func TestStage1MissingKeyFails(t *testing.T) {
	e := testEngine(t)
	if _, err := e.Stage1("app.yml", `{{ .settings.nope }}`, "", map[string]any{"settings": map[string]any{}}); err == nil {
		t.Fatalf("missing key rendered without error")
	}
}

func TestStage1ReadFileUnavailable(t *testing.T) {
	e := testEngine(t)
	_, err := e.Stage1("app.yml", `{{ read_file "/etc/passwd" }}`, "", nil)
	if err == nil || !strings.Contains(err.Error(), "not available") {
		t.Fatalf("err = %v, want read_file unavailable", err)
	}
}

func TestStage1TimeoutKillsRender(t *testing.T) {
	e := New(Options{Seed: "s", Timeout: 100 * time.Millisecond})
	script := `
function spin(args)
    while true do end
end
`
	start := time.Now()
	_, err := e.Stage1("app.yml", `{{ spin }}`, script, nil)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("render hung for %s", elapsed)
	}
}

func TestStage1ScriptErrorIsNotTimeout(t *testing.T) {
	e := testEngine(t)
	script := `
function boom(args)
    error("helper exploded")
end
`
	_, err := e.Stage1("app.yml", `{{ boom }}`, script, nil)
	if err == nil || errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want a script error distinct from timeout", err)
	}
	if !strings.Contains(err.Error(), "helper exploded") {
		t.Fatalf("err = %v, want script message", err)
	}
}

func TestDeriveEntropyDeterministic(t *testing.T) {
	e := testEngine(t)
	one, err := e.Stage1("x", `{{ derive_entropy "app-password" }}`, "", nil)
	if err != nil {
		t.Fatalf("Stage1: %v", err)
	}
	two, _ := e.Stage1("x", `{{ derive_entropy "app-password" }}`, "", nil)
	other, _ := e.Stage1("x", `{{ derive_entropy "other" }}`, "", nil)
	if one != two {
		t.Fatalf("derive_entropy is not deterministic: %q vs %q", one, two)
	}
	if one == other {
		t.Fatalf("derive_entropy ignores the identifier")
	}
	if len(one) != 64 {
		t.Fatalf("derived entropy = %q, want 64 hex chars", one)
	}
}

func TestStage2ReadFile(t *testing.T) {
	dir := t.TempDir()
	secret := filepath.Join(dir, "rpc.conf")
	if err := os.WriteFile(secret, []byte("user=bitcoin"), 0o644); err != nil {
		t.Fatal(err)
	}

	e := testEngine(t)
	out, err := e.Stage2("config", `{{ read_file "`+secret+`" }}`, nil, []string{secret}, nil)
	if err != nil {
		t.Fatalf("Stage2: %v", err)
	}
	if out != "user=bitcoin" {
		t.Fatalf("out = %q", out)
	}

	if _, err := e.Stage2("config", `{{ read_file "/etc/passwd" }}`, nil, []string{secret}, nil); err == nil {
		t.Fatalf("read outside allow-list succeeded")
	}

	// A fallback never softens an allow-list denial.
	if _, err := e.Stage2("config", `{{ read_file "/etc/passwd" "fallback" }}`, nil, []string{secret}, nil); err == nil {
		t.Fatalf("read outside allow-list succeeded via fallback")
	}

	// It does cover a failed read of a permitted path.
	missing := filepath.Join(dir, "absent.conf")
	out, err = e.Stage2("config", `{{ read_file "`+missing+`" "fallback" }}`, nil, []string{missing}, nil)
	if err != nil || out != "fallback" {
		t.Fatalf("fallback read = %q, %v", out, err)
	}
}

func TestStage2RequireRegen(t *testing.T) {
	e := testEngine(t)
	var scheduled time.Duration
	schedule := func(d time.Duration) error {
		scheduled = d
		return nil
	}

	if _, err := e.Stage2("config", `{{ require_regen 30 }}`, nil, nil, schedule); err == nil {
		t.Fatalf("30s regen delay accepted")
	}
	if scheduled != 0 {
		t.Fatalf("rejected delay was scheduled: %v", scheduled)
	}

	out, err := e.Stage2("config", `a{{ require_regen 3600 }}b`, nil, nil, schedule)
	if err != nil {
		t.Fatalf("Stage2: %v", err)
	}
	if out != "ab" {
		t.Fatalf("out = %q, want require_regen to render nothing", out)
	}
	if scheduled != time.Hour {
		t.Fatalf("scheduled = %v, want 1h", scheduled)
	}
}

func TestStage2HasNoHelpers(t *testing.T) {
	e := testEngine(t)
	if _, err := e.Stage2("config", `{{ spin }}`, nil, nil, nil); err == nil {
		t.Fatalf("stage 2 resolved a helper function")
	}
}
