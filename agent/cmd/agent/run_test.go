package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obsidianstack/lumberjack/internal/testpki"
	"github.com/obsidianstack/lumberjack/pkg/receiver"
	"github.com/obsidianstack/lumberjack/pkg/types"
)

func TestRun_ShipsFileAndExits(t *testing.T) {
	pki := testpki.Generate(t, time.Hour)
	var mu sync.Mutex
	var got []string
	r := receiver.New(pki.ServerConfig(), func(_ context.Context, _ uint32, ev types.Event) error {
		mu.Lock()
		got = append(got, ev.Message())
		mu.Unlock()
		return nil
	})
	require.NoError(t, r.Start(context.Background(), "127.0.0.1:0"))
	t.Cleanup(func() { r.Close() })

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(fmt.Sprintf(`
output:
  hosts: ["127.0.0.1"]
  port: %d
  ssl_certificate: %s
  flush_size: 10
  shutdown_timeout: 10s
log:
  level: warn
`, r.Port(), pki.CertFile)), 0o600))

	var lines []string
	for i := 0; i < 25; i++ {
		lines = append(lines, fmt.Sprintf("line %02d", i))
	}
	input := filepath.Join(dir, "app.log")
	require.NoError(t, os.WriteFile(input, []byte(strings.Join(lines, "\n")+"\n"), 0o600))

	var stderr bytes.Buffer
	err := run(context.Background(), flags{configPath: cfgPath, dumpMetrics: true}, []string{input}, nil, &stderr)
	require.NoError(t, err)

	mu.Lock()
	assert.Equal(t, lines, got)
	mu.Unlock()
	assert.Contains(t, stderr.String(), "lumberjack_events_acked_total 25")
}

func TestRun_BadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("output:\n  port: 5044\n"), 0o600))

	err := run(context.Background(), flags{configPath: path}, nil, strings.NewReader(""), &bytes.Buffer{})
	assert.ErrorContains(t, err, "output.hosts")
}
