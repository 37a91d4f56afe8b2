package cli

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/fleetreconcile/internal/graphfake"
	"github.com/carverauto/fleetreconcile/pkg/clock"
	"github.com/carverauto/fleetreconcile/pkg/directory"
	"github.com/carverauto/fleetreconcile/pkg/index"
	"github.com/carverauto/fleetreconcile/pkg/models"
	"github.com/carverauto/fleetreconcile/pkg/report"
)

type harness struct {
	t      *testing.T
	srv    *graphfake.Server
	config string
	opts   []Option
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	srv := graphfake.New()
	srv.Token = "test-token"
	t.Cleanup(srv.Close)

	path := filepath.Join(t.TempDir(), "fleetreconcile.yaml")
	content := fmt.Sprintf(`graph:
  base_url: %s
  access_token: test-token
verification:
  max_wait: 5m
  poll_interval: 10s
  wipe_max_wait: 10m
workers: 2
`, srv.URL())
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return &harness{
		t:      t,
		srv:    srv,
		config: path,
		opts: []Option{
			WithLogOutput(io.Discard),
			WithClock(clock.NewFake(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))),
		},
	}
}

func (h *harness) run(args ...string) (int, string, string) {
	h.t.Helper()

	var stdout, stderr bytes.Buffer

	code := Execute(context.Background(), append([]string{"--config", h.config}, args...),
		strings.NewReader(""), &stdout, &stderr, h.opts...)

	return code, stdout.String(), stderr.String()
}

func (h *harness) seed() {
	h.srv.AddManaged(directory.ManagedDevice{ID: "m1", DeviceName: "LAPTOP-01", SerialNumber: "PF2ABC"})
	h.srv.AddAutopilot(directory.AutopilotIdentity{ID: "z1", SerialNumber: "PF2ABC", DisplayName: "LAPTOP-01"})
	h.srv.AddDirectory(directory.DirectoryDevice{ID: "d1", DisplayName: "LAPTOP-01"})

	// registered but never enrolled
	h.srv.AddAutopilot(directory.AutopilotIdentity{ID: "z2", SerialNumber: "ORPHAN1"})
}

func decodeReport(t *testing.T, out string) report.Report {
	t.Helper()

	var rep report.Report
	require.NoError(t, json.Unmarshal([]byte(out), &rep), out)

	return rep
}

func TestRemove_MissingIdentityMakesNoCalls(t *testing.T) {
	h := newHarness(t)

	code, _, stderr := h.run("remove")
	assert.Equal(t, ExitUsage, code)
	assert.Contains(t, stderr, models.ErrEmptyIdentity.Error())
	assert.Empty(t, h.srv.Calls())
}

func TestRemove_WipeDeleteVerify(t *testing.T) {
	h := newHarness(t)
	h.seed()

	export := filepath.Join(t.TempDir(), "run.csv")

	code, stdout, stderr := h.run("remove", "--serial", "PF2ABC", "--wipe", "--export", export)
	require.Equal(t, ExitOK, code, stderr)

	assert.Contains(t, stdout, "1 succeeded")
	assert.Contains(t, stderr, "[1/1]")

	assert.False(t, h.srv.Exists(models.ServiceManagement, "m1"))
	assert.False(t, h.srv.Exists(models.ServiceRegistry, "z1"))
	assert.False(t, h.srv.Exists(models.ServiceDirectory, "d1"))
	assert.True(t, h.srv.Exists(models.ServiceRegistry, "z2"))
	assert.Equal(t, 1, h.srv.CountCalls("POST", "/wipe"))

	f, err := os.Open(export)
	require.NoError(t, err)
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "succeeded", rows[1][3])
}

func TestRemove_DryRunJSON(t *testing.T) {
	h := newHarness(t)
	h.seed()

	code, stdout, stderr := h.run("--dry-run", "-o", "json", "remove", "--name", "LAPTOP-01", "--wipe")
	require.Equal(t, ExitOK, code, stderr)
	assert.Contains(t, stderr, "Dry run")

	rep := decodeReport(t, stdout)
	assert.True(t, rep.Summary.DryRun)
	assert.Equal(t, 1, rep.Summary.Total)

	assert.Zero(t, h.srv.CountCalls("DELETE", ""))
	assert.Zero(t, h.srv.CountCalls("POST", ""))
	assert.True(t, h.srv.Exists(models.ServiceManagement, "m1"))
}

func TestRemove_BadServiceName(t *testing.T) {
	h := newHarness(t)

	code, _, _ := h.run("remove", "--serial", "X", "--services", "ldap")
	assert.Equal(t, ExitUsage, code)
}

func TestInventoryAndOrphans(t *testing.T) {
	h := newHarness(t)
	h.seed()

	export := filepath.Join(t.TempDir(), "inventory.csv")

	code, stdout, stderr := h.run("inventory", "--export", export)
	require.Equal(t, ExitOK, code, stderr)
	assert.Contains(t, stdout, "Inventory (2)")
	assert.Contains(t, stdout, "PF2ABC")

	raw, err := os.ReadFile(export)
	require.NoError(t, err)
	assert.Equal(t, 3, strings.Count(string(raw), "\n"))
	assert.Contains(t, string(raw), "z1,LAPTOP-01,m1,LAPTOP-01,managed,serial,d1,LAPTOP-01")

	code, stdout, stderr = h.run("-o", "json", "orphans")
	require.Equal(t, ExitOK, code, stderr)

	var rows []index.InventoryRow
	require.NoError(t, json.Unmarshal([]byte(stdout), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "ORPHAN1", rows[0].Registry.SerialNumber)
	assert.Nil(t, rows[0].Management)
}

func TestInventory_ListFailureIsFatal(t *testing.T) {
	h := newHarness(t)
	h.srv.InjectFault(graphfake.Fault{Method: "GET", PathContains: "/devices", Status: 403, Code: "Authorization_RequestDenied", Message: "denied"})

	code, _, stderr := h.run("inventory")
	assert.Equal(t, ExitFailure, code)
	assert.Contains(t, stderr, "directory")
}

func TestReconcile_RequiresOneSource(t *testing.T) {
	h := newHarness(t)

	code, _, stderr := h.run("--dry-run", "reconcile")
	assert.Equal(t, ExitUsage, code)
	assert.Contains(t, stderr, "exactly one")

	code, _, _ = h.run("--dry-run", "reconcile", "--orphans", "--all")
	assert.Equal(t, ExitUsage, code)
	assert.Empty(t, h.srv.Calls())
}

func TestReconcile_RequiresConfirmation(t *testing.T) {
	h := newHarness(t)

	code, _, stderr := h.run("reconcile", "--orphans")
	assert.Equal(t, ExitUsage, code)
	assert.Contains(t, stderr, "--yes")
	assert.Empty(t, h.srv.Calls())
}

func TestReconcile_Orphans(t *testing.T) {
	h := newHarness(t)
	h.seed()

	code, stdout, stderr := h.run("-o", "json", "reconcile", "--orphans", "--yes", "--fast")
	require.Equal(t, ExitOK, code, stderr)

	rep := decodeReport(t, stdout)
	require.Equal(t, 1, rep.Summary.Total)
	assert.Equal(t, "ORPHAN1", rep.Entries[0].Result.Identity.Serial)

	assert.False(t, h.srv.Exists(models.ServiceRegistry, "z2"))
	assert.True(t, h.srv.Exists(models.ServiceRegistry, "z1"))
	assert.True(t, h.srv.Exists(models.ServiceManagement, "m1"))
}

func TestReconcile_SerialsFile(t *testing.T) {
	h := newHarness(t)
	h.seed()

	list := filepath.Join(t.TempDir(), "serials.txt")
	require.NoError(t, os.WriteFile(list, []byte("# retired\nPF2ABC\n\npf2abc\nNOWHERE,old laptop\n"), 0o600))

	code, stdout, stderr := h.run("-o", "json", "reconcile", "--serials-file", list, "--yes", "--workers", "1")
	require.Equal(t, ExitOK, code, stderr)

	rep := decodeReport(t, stdout)
	require.Equal(t, 2, rep.Summary.Total)
	assert.Equal(t, report.StatusSucceeded, rep.Entries[0].Status)
	assert.Equal(t, report.StatusNotFound, rep.Entries[1].Status)
	assert.Equal(t, "NOWHERE", rep.Entries[1].Result.Identity.Serial)
}

func TestReconcile_MissingSerialsFile(t *testing.T) {
	h := newHarness(t)

	code, _, _ := h.run("reconcile", "--serials-file", filepath.Join(t.TempDir(), "nope.txt"), "--yes")
	assert.Equal(t, ExitUsage, code)
}

func TestReconcile_Interactive(t *testing.T) {
	h := newHarness(t)
	h.seed()

	var offered int

	h.opts = append(h.opts, WithPicker(func(rows []index.InventoryRow, _ io.Reader, _ io.Writer) ([]index.InventoryRow, error) {
		offered = len(rows)

		for _, row := range rows {
			if row.Registry.SerialNumber == "PF2ABC" {
				return []index.InventoryRow{row}, nil
			}
		}

		return nil, errNoDevices
	}))

	code, stdout, stderr := h.run("--dry-run", "-o", "json", "reconcile", "--interactive")
	require.Equal(t, ExitOK, code, stderr)
	assert.Equal(t, 2, offered)

	rep := decodeReport(t, stdout)
	require.Equal(t, 1, rep.Summary.Total)
	assert.Equal(t, "PF2ABC", rep.Entries[0].Result.Identity.Serial)
}

func TestReconcile_PickerCancelled(t *testing.T) {
	h := newHarness(t)
	h.seed()

	h.opts = append(h.opts, WithPicker(func([]index.InventoryRow, io.Reader, io.Writer) ([]index.InventoryRow, error) {
		return nil, errPickerCancelled
	}))

	code, stdout, stderr := h.run("reconcile", "--interactive")
	assert.Equal(t, ExitOK, code)
	assert.Empty(t, stdout)
	assert.Contains(t, stderr, "cancelled")
	assert.Zero(t, h.srv.CountCalls("DELETE", ""))
}

func TestSync(t *testing.T) {
	h := newHarness(t)
	h.seed()

	code, stdout, stderr := h.run("sync", "--serial", "PF2ABC")
	require.Equal(t, ExitOK, code, stderr)
	assert.Contains(t, stdout, "LAPTOP-01 (m1): none")
	assert.Equal(t, 1, h.srv.CountCalls("POST", "/syncDevice"))

	code, stdout, _ = h.run("--dry-run", "sync", "--name", "LAPTOP-01")
	require.Equal(t, ExitOK, code)
	assert.Contains(t, stdout, "(m1)")
	assert.Equal(t, 1, h.srv.CountCalls("POST", "/syncDevice"))

	code, stdout, _ = h.run("sync", "--serial", "NOWHERE")
	require.Equal(t, ExitOK, code)
	assert.Contains(t, stdout, "no management record")
}

func TestExecute_SetupFailures(t *testing.T) {
	h := newHarness(t)

	empty := filepath.Join(t.TempDir(), "empty.json")
	require.NoError(t, os.WriteFile(empty, []byte(`{}`), 0o600))

	var stdout, stderr bytes.Buffer

	code := Execute(context.Background(), []string{"--config", empty, "inventory"}, strings.NewReader(""), &stdout, &stderr, h.opts...)
	assert.Equal(t, ExitFailure, code)
	assert.Contains(t, stderr.String(), "credentials")

	code, _, _ = h.run("-o", "xml", "inventory")
	assert.Equal(t, ExitUsage, code)

	code, _, _ = h.run("frobnicate")
	assert.Equal(t, ExitUsage, code)

	code, _, _ = h.run("remove", "--no-such-flag")
	assert.Equal(t, ExitUsage, code)
}

func TestExecute_CancelledRunExitsCleanly(t *testing.T) {
	h := newHarness(t)
	h.seed()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var stdout, stderr bytes.Buffer

	code := Execute(ctx, []string{"--config", h.config, "remove", "--serial", "PF2ABC"}, strings.NewReader(""), &stdout, &stderr, h.opts...)
	assert.Equal(t, ExitOK, code)
	assert.True(t, h.srv.Exists(models.ServiceManagement, "m1"))
}

func TestVersionFlag(t *testing.T) {
	var stdout bytes.Buffer

	code := Execute(context.Background(), []string{"--version"}, strings.NewReader(""), &stdout, io.Discard)
	assert.Equal(t, ExitOK, code)
	assert.Contains(t, stdout.String(), "fleetreconcile version dev (commit")
}
