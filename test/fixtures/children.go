// Package fixtures provides test helpers for integration tests.
package fixtures

import (
	"os"
	"path/filepath"
	"time"

	"github.com/eliteGoblin/focusd/buddy/internal/domain"
)

// backendScript reads one-element batches and answers every user-message
// with one assistant-message.
const backendScript = `#!/bin/sh
echo '{"type":"log","payload":"backend up"}'
while IFS= read -r line; do
  case "$line" in
    '['*'"user-message"'*']') echo '{"type":"assistant-message","payload":"hi there"}' ;;
  esac
done
`

// audioScript reads requests from the named pipe, records them in
// requests.log and acknowledges each on stdout.
const audioScript = `#!/bin/sh
while IFS= read -r line; do
  printf '%s\n' "$line" >> requests.log
  echo '{"type":"audio-service-response","payload":"spoken"}'
done < "$BUDDY_AUDIO_PIPE"
`

// FakeChildren lays out stand-in backend and audio services under Root.
type FakeChildren struct {
	Root string
}

// NewFakeChildren creates a new fake child tree generator.
func NewFakeChildren(root string) *FakeChildren {
	return &FakeChildren{Root: root}
}

// Create writes the child directories and scripts.
func (f *FakeChildren) Create() error {
	scripts := map[string]string{
		"backend": backendScript,
		"audio":   audioScript,
	}
	for dir, body := range scripts {
		if err := os.MkdirAll(filepath.Join(f.Root, dir), 0755); err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(f.Root, dir, "run.sh"), []byte(body), 0755); err != nil {
			return err
		}
	}
	return nil
}

// FIFOPath is the named pipe the audio child reads.
func (f *FakeChildren) FIFOPath() string {
	return filepath.Join(f.Root, "to_audio")
}

// AudioRequests returns what the audio child has received so far.
func (f *FakeChildren) AudioRequests() string {
	b, _ := os.ReadFile(filepath.Join(f.Root, "audio", "requests.log"))
	return string(b)
}

// AudioSpec describes the audio child.
func (f *FakeChildren) AudioSpec() domain.ChildSpec {
	return domain.ChildSpec{
		Role:         domain.RoleAudio,
		Command:      []string{"sh", "run.sh"},
		Dir:          filepath.Join(f.Root, "audio"),
		Transport:    domain.TransportFIFO,
		FIFOPath:     f.FIFOPath(),
		Relay:        true,
		ReadyTimeout: 5 * time.Second,
	}
}

// BackendSpec describes the backend child.
func (f *FakeChildren) BackendSpec() domain.ChildSpec {
	return domain.ChildSpec{
		Role:      domain.RoleBackend,
		Command:   []string{"sh", "run.sh"},
		Dir:       filepath.Join(f.Root, "backend"),
		Transport: domain.TransportPipe,
		Relay:     true,
	}
}
