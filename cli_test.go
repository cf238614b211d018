package main

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

// mockApp records Applicator calls made by the CLI.
type mockApp struct {
	calls     []string
	cfgPath   string
	sqlDir    string
	overrides SyncOverrides
}

func (m *mockApp) Init(ctx context.Context, cfgPath, sqlDumpDir string) error {
	m.calls = append(m.calls, "init")
	m.cfgPath, m.sqlDir = cfgPath, sqlDumpDir
	return nil
}

func (m *mockApp) Sync(ctx context.Context, cfgPath string, overrides SyncOverrides) error {
	m.calls = append(m.calls, "sync")
	m.cfgPath, m.overrides = cfgPath, overrides
	return nil
}

func (m *mockApp) Daemon(ctx context.Context, cfgPath string) error {
	m.calls = append(m.calls, "daemon")
	m.cfgPath = cfgPath
	return nil
}

func TestCLISync(t *testing.T) {

	m := &mockApp{}
	cmd := BuildCLI(m)

	args := []string{
		"facebook-to-db", "sync",
		"-c", "x.yaml",
		"--since", "2019-09-17", "--until", "2019-10-01",
		"-b", "3",
		"-a", "act_1", "-a", "act_2",
	}
	if err := cmd.Run(context.Background(), args); err != nil {
		t.Fatalf("unexpected cli error: %v", err)
	}

	if diff := cmp.Diff([]string{"sync"}, m.calls); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}
	if got, want := m.cfgPath, "x.yaml"; got != want {
		t.Errorf("config path got %q want %q", got, want)
	}
	if got, want := m.overrides.Since, time.Date(2019, 9, 17, 0, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Errorf("since got %v want %v", got, want)
	}
	if got, want := m.overrides.DateBatches, 3; got != want {
		t.Errorf("batches got %d want %d", got, want)
	}
	if diff := cmp.Diff([]string{"act_1", "act_2"}, m.overrides.Accounts); diff != "" {
		t.Errorf("accounts mismatch (-want +got):\n%s", diff)
	}
}

func TestCLISyncFlagErrors(t *testing.T) {

	tests := []struct {
		name string
		args []string
		want string
	}{
		{
			name: "since without until",
			args: []string{"facebook-to-db", "sync", "--since", "2019-09-17"},
			want: "together",
		},
		{
			name: "preset with explicit range",
			args: []string{
				"facebook-to-db", "sync", "--preset", "last_30d",
				"--since", "2019-09-17", "--until", "2019-10-01",
			},
			want: "mutually exclusive",
		},
		{
			name: "until before since",
			args: []string{
				"facebook-to-db", "sync",
				"--since", "2019-10-01", "--until", "2019-09-17",
			},
			want: "before",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &mockApp{}
			err := BuildCLI(m).Run(context.Background(), tt.args)
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
			if len(m.calls) != 0 {
				t.Errorf("unexpected calls %v", m.calls)
			}
		})
	}
}

func TestCLIInit(t *testing.T) {

	m := &mockApp{}
	args := []string{"facebook-to-db", "init", "-c", "x.yaml", "--sql-dir", "/tmp/sqlout"}
	if err := BuildCLI(m).Run(context.Background(), args); err != nil {
		t.Fatalf("unexpected cli error: %v", err)
	}
	if diff := cmp.Diff([]string{"init"}, m.calls); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}
	if got, want := m.sqlDir, "/tmp/sqlout"; got != want {
		t.Errorf("sql dir got %q want %q", got, want)
	}
}
