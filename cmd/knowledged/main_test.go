package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/knowledged/internal/engine"
	"github.com/fyrsmithlabs/knowledged/internal/generation"
	"github.com/fyrsmithlabs/knowledged/internal/records"
	"github.com/fyrsmithlabs/knowledged/internal/retrieval"
)

const seedYAML = `knowledge:
  - id: K1
    question: What is the refund policy?
    answer: Refunds are issued within 7 days of delivery.
    keywords: [refund]
    category: Policies
  - id: K2
    question: How long does shipping take?
    answer: Orders arrive in three to five business days.
    keywords: [shipping, delivery]
products:
  - id: P1
    name: Red Mug
    price: 9.99
    stock: 12
    category: Kitchen
`

// setupCLI points HOME and the data directory at temp dirs and disables
// embeddings, so every command runs lexical-only without a gateway.
func setupCLI(t *testing.T) string {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Setenv("KNOWLEDGED_EMBEDDINGS_PROVIDER", "none")
	t.Setenv("KNOWLEDGED_LOGGING_LEVEL", "error")
	return t.TempDir()
}

// execute runs the root command with args and returns its stdout. Package
// flag variables survive between runs, so they are reset first.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	configPath, dataDir, logLevel = "", "", ""
	queryTopK, queryThreshold, queryJSON = 0, 0, false
	upsertID, upsertQuestion, upsertAnswer, upsertCategory = "", "", "", ""
	upsertKeywords = nil
	productID, productName, productCategory, productDescription = "", "", "", ""
	productPrice, productStock = 0, 0
	productAttributes = map[string]string{}
	productKeywords = nil
	if f := queryCmd.Flags().Lookup("threshold"); f != nil {
		f.Changed = false
	}

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeSeed(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(seedYAML), 0o600))
	return path
}

func TestCommandsRegistered(t *testing.T) {
	want := []string{"serve", "query", "status", "rebuild", "upsert", "product", "delete", "import", "backup", "version"}
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, name := range want {
		assert.True(t, names[name], "command %q not registered", name)
	}

	for _, c := range rootCmd.Commands() {
		assert.NotEmpty(t, c.Short, "command %q has no Short description", c.Name())
	}
}

func TestVersionCmd(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "knowledged dev")
	assert.Contains(t, out, "commit: unknown")
}

func TestLoadConfig_FlagOverrides(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	dir := t.TempDir()

	dataDir, logLevel = dir, "debug"
	t.Cleanup(func() { dataDir, logLevel = "", "" })

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.Data.Dir)
	assert.Equal(t, filepath.Join(dir, "backups"), cfg.Backup.Dir)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadConfig_ExplicitBackupDirKept(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	backups := t.TempDir()
	t.Setenv("KNOWLEDGED_BACKUP_DIR", backups)

	dataDir = t.TempDir()
	t.Cleanup(func() { dataDir = "" })

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, backups, cfg.Backup.Dir)
}

func TestRecordCommands(t *testing.T) {
	dir := setupCLI(t)
	seed := writeSeed(t)

	out, err := execute(t, "--data-dir", dir, "import", seed)
	require.NoError(t, err)
	assert.Contains(t, out, "Imported 2 knowledge records and 1 products (0 skipped)")

	out, err = execute(t, "--data-dir", dir, "query", "--json", "refund", "policy")
	require.NoError(t, err)
	var res retrieval.Result
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.NotEmpty(t, res.Hits)
	assert.Equal(t, "K1", res.Hits[0].ID)
	assert.Equal(t, retrieval.MethodLexical, res.Method)
	assert.True(t, res.Degraded)

	out, err = execute(t, "--data-dir", dir, "query", "refund", "policy")
	require.NoError(t, err)
	assert.Contains(t, out, "[K1]")
	assert.Contains(t, out, "What is the refund policy?")

	out, err = execute(t, "--data-dir", dir, "upsert",
		"-q", "Do you offer gift wrapping?", "-a", "Yes, at checkout.", "-k", "gift", "-k", "wrapping")
	require.NoError(t, err)
	var saved records.KnowledgeRecord
	require.NoError(t, json.Unmarshal([]byte(out), &saved))
	assert.NotEmpty(t, saved.ID)
	assert.Equal(t, []string{"gift", "wrapping"}, saved.Keywords)

	out, err = execute(t, "--data-dir", dir, "product",
		"-n", "Blue Plate", "-p", "4.5", "-s", "3", "--attr", "color=blue")
	require.NoError(t, err)
	var prod struct {
		Product     records.ProductRecord   `json:"product"`
		Synthesized records.KnowledgeRecord `json:"synthesized"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &prod))
	assert.Equal(t, "Blue Plate", prod.Product.Name)
	assert.Equal(t, map[string]string{"color": "blue"}, prod.Product.Attributes)
	assert.Equal(t, records.SynthesizedID(prod.Product.ID), prod.Synthesized.ID)

	_, err = execute(t, "--data-dir", dir, "delete", prod.Synthesized.ID)
	assert.ErrorIs(t, err, records.ErrSynthesizedRecord)

	out, err = execute(t, "--data-dir", dir, "delete", "K1")
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted K1 from knowledge")

	_, err = execute(t, "--data-dir", dir, "delete", "K1")
	assert.ErrorIs(t, err, records.ErrNotFound)
}

func TestStatusAndRebuildWithoutGateway(t *testing.T) {
	dir := setupCLI(t)

	out, err := execute(t, "--data-dir", dir, "status")
	require.NoError(t, err)
	var st engine.Status
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, generation.Missing, st.State)
	assert.Equal(t, "disabled", st.Gateway)
	assert.Contains(t, st.DegradedReasons, engine.DegradedNoGateway)

	_, err = execute(t, "--data-dir", dir, "rebuild")
	assert.ErrorIs(t, err, engine.ErrNoGateway)
}

func TestQuery_Validation(t *testing.T) {
	dir := setupCLI(t)

	_, err := execute(t, "--data-dir", dir, "query", "--threshold", "2", "refund")
	assert.ErrorContains(t, err, "threshold")

	_, err = execute(t, "--data-dir", dir, "query", "--top-k", "-1", "refund")
	assert.ErrorContains(t, err, "top-k")

	_, err = execute(t, "--data-dir", dir, "query")
	assert.Error(t, err)
}

func TestBackupCommands(t *testing.T) {
	dir := setupCLI(t)
	seed := writeSeed(t)

	_, err := execute(t, "--data-dir", dir, "import", seed)
	require.NoError(t, err)

	out, err := execute(t, "--data-dir", dir, "backup", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No snapshots.")

	out, err = execute(t, "--data-dir", dir, "backup", "create")
	require.NoError(t, err)
	m := regexp.MustCompile(`Created snapshot (\S+)`).FindStringSubmatch(out)
	require.Len(t, m, 2, out)
	id := m[1]

	out, err = execute(t, "--data-dir", dir, "backup", "list")
	require.NoError(t, err)
	assert.Contains(t, out, id)

	_, err = execute(t, "--data-dir", dir, "delete", "K2")
	require.NoError(t, err)

	out, err = execute(t, "--data-dir", dir, "backup", "restore", id)
	require.NoError(t, err)
	assert.Contains(t, out, "Restored snapshot "+id)

	out, err = execute(t, "--data-dir", dir, "query", "--json", "how long does shipping take")
	require.NoError(t, err)
	var res retrieval.Result
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.NotEmpty(t, res.Hits)
	assert.Equal(t, "K2", res.Hits[0].ID)
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func TestServe(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	dir := setupCLI(t)
	port := freePort(t)
	t.Setenv("KNOWLEDGED_SERVER_HTTP_PORT", strconv.Itoa(port))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	configPath, logLevel = "", ""
	dataDir = dir
	t.Cleanup(func() { dataDir = "" })
	rootCmd.SetArgs([]string{"serve"})
	errCh := make(chan error, 1)
	go func() {
		errCh <- rootCmd.ExecuteContext(ctx)
	}()

	url := fmt.Sprintf("http://127.0.0.1:%d/health", port)
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down in time")
	}
}
