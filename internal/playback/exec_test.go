package playback

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newScriptSink(t *testing.T, body string) (*ExecSink, string) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "play.sh")
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	sink, err := NewExecSink("sh "+path+" {file} {device}", "virtual-mic")
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	sink.dir = t.TempDir()
	return sink, dir
}

func TestExecSinkPlaysWav(t *testing.T) {
	sink, dir := newScriptSink(t, `out=$(dirname "$0")
cp "$1" "$out/played.wav"
echo "$1" > "$out/path"
echo "$2" > "$out/device"
`)
	header := Header{SessionID: "s1", UtteranceID: 4, Sequence: 2, Format: Format{SampleRate: 24000, Channels: 1}}
	w, err := sink.Acquire(context.Background(), header)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	pcm := []byte{1, 0, 2, 0, 3, 0, 4, 0}
	if err := w.Write(context.Background(), pcm); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}

	played, err := os.ReadFile(filepath.Join(dir, "played.wav"))
	if err != nil {
		t.Fatalf("read played file: %v", err)
	}
	got, format, err := Decode(played, 0, 0)
	if err != nil {
		t.Fatalf("decode played file: %v", err)
	}
	if !bytes.Equal(got, pcm) || format.SampleRate != 24000 || format.Channels != 1 {
		t.Fatalf("unexpected playback %v %+v", got, format)
	}

	device, _ := os.ReadFile(filepath.Join(dir, "device"))
	if strings.TrimSpace(string(device)) != "virtual-mic" {
		t.Fatalf("expected device placeholder replaced, got %q", device)
	}
	tmp, _ := os.ReadFile(filepath.Join(dir, "path"))
	if _, err := os.Stat(strings.TrimSpace(string(tmp))); !os.IsNotExist(err) {
		t.Fatalf("expected temp file removed on release, stat err %v", err)
	}
}

func TestExecSinkReportsPlayerFailure(t *testing.T) {
	sink, _ := newScriptSink(t, "exit 1\n")
	w, err := sink.Acquire(context.Background(), Header{Format: Format{SampleRate: 16000, Channels: 1}})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer w.Release()
	if err := w.Write(context.Background(), []byte{0, 0}); err == nil {
		t.Fatal("expected player failure")
	}
}

func TestExecSinkInterruptedByContext(t *testing.T) {
	sink, _ := newScriptSink(t, "exec sleep 5\n")
	w, err := sink.Acquire(context.Background(), Header{Format: Format{SampleRate: 16000, Channels: 1}})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer w.Release()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	start := time.Now()
	if err := w.Write(ctx, []byte{0, 0}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("player kept running after cancellation")
	}
}
